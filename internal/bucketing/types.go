package bucketing

import "encoding/json"

type Operator string

const (
	OperatorEquals Operator = "equals"
	OperatorIn     Operator = "in"
	OperatorExists Operator = "exists"
)

// Rule is one audience filter. A target matches when all of its rules match.
type Rule struct {
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value"`
}

type Distribution struct {
	Variation  string  `json:"_variation"`
	Percentage float64 `json:"percentage"`
}

type Target struct {
	ID           string         `json:"_id"`
	Rules        []Rule         `json:"rules,omitempty"`
	Distribution []Distribution `json:"distribution"`
}

type VariationVariable struct {
	Variable string `json:"_var"`
	Value    any    `json:"value"`
}

type Variation struct {
	ID        string              `json:"_id"`
	Key       string              `json:"key"`
	Name      string              `json:"name"`
	Variables []VariationVariable `json:"variables"`
}

type Feature struct {
	ID         string      `json:"_id"`
	Key        string      `json:"key"`
	Type       string      `json:"type"`
	Variations []Variation `json:"variations"`
	Targets    []Target    `json:"targets"`
}

type VariableDef struct {
	ID   string `json:"_id"`
	Key  string `json:"key"`
	Type string `json:"type"`
}

// Config is the parsed form of a configuration document.
type Config struct {
	Project   json.RawMessage `json:"project,omitempty"`
	Features  []Feature       `json:"features"`
	Variables []VariableDef   `json:"variables"`
}
