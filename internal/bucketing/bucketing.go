// Package bucketing is the reference implementation of the bucketing
// collaborator: given a configuration document and a user it deterministically
// assigns feature variations and resolves variable values.
package bucketing

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"

	flagz "github.com/matt-riley/flagz-sdk"
)

var ErrNoConfig = errors.New("no configuration document")

// Bucketer evaluates a user against a configuration document.
type Bucketer interface {
	Evaluate(doc *flagz.ConfigDocument, user flagz.User) (*Result, error)
}

// Result is the outcome of bucketing one user.
type Result struct {
	Features  map[string]flagz.Feature
	Variables map[string]flagz.Variable
	// FeatureVars maps feature ID to the assigned variation ID.
	FeatureVars map[string]string
}

// Engine is the reference Bucketer. It parses each document once and reuses
// the parse for as long as the same document is passed in.
type Engine struct {
	mu     sync.Mutex
	doc    *flagz.ConfigDocument
	parsed *Config
}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) Evaluate(doc *flagz.ConfigDocument, user flagz.User) (*Result, error) {
	cfg, err := e.config(doc)
	if err != nil {
		return nil, err
	}
	return Evaluate(cfg, user), nil
}

func (e *Engine) config(doc *flagz.ConfigDocument) (*Config, error) {
	if doc == nil {
		return nil, ErrNoConfig
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.doc == doc {
		return e.parsed, nil
	}
	cfg, err := Parse(doc.Raw)
	if err != nil {
		return nil, err
	}
	e.doc = doc
	e.parsed = cfg
	return cfg, nil
}

// Parse decodes a raw configuration document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Evaluate buckets user against cfg.
func Evaluate(cfg *Config, user flagz.User) *Result {
	result := &Result{
		Features:    make(map[string]flagz.Feature),
		Variables:   make(map[string]flagz.Variable),
		FeatureVars: make(map[string]string),
	}

	variables := make(map[string]VariableDef, len(cfg.Variables))
	for _, v := range cfg.Variables {
		variables[v.ID] = v
	}

	attributes := userAttributes(user)
	for _, feature := range cfg.Features {
		variation, ok := assignVariation(feature, user.UserID, attributes)
		if !ok {
			continue
		}

		result.Features[feature.Key] = flagz.Feature{
			ID:            feature.ID,
			Key:           feature.Key,
			Type:          feature.Type,
			Variation:     variation.ID,
			VariationKey:  variation.Key,
			VariationName: variation.Name,
		}
		result.FeatureVars[feature.ID] = variation.ID

		for _, vv := range variation.Variables {
			def, ok := variables[vv.Variable]
			if !ok {
				continue
			}
			if _, exists := result.Variables[def.Key]; exists {
				continue
			}
			result.Variables[def.Key] = flagz.Variable{
				Key:   def.Key,
				Type:  def.Type,
				Value: vv.Value,
				Eval:  &flagz.EvalReason{Reason: "TARGETING_MATCH", Details: feature.Key},
			}
		}
	}

	return result
}

func assignVariation(feature Feature, userID string, attributes map[string]any) (Variation, bool) {
	for _, target := range feature.Targets {
		if !targetMatches(target, attributes) {
			continue
		}
		variationID, ok := pickDistribution(target, userID)
		if !ok {
			return Variation{}, false
		}
		for _, v := range feature.Variations {
			if v.ID == variationID {
				return v, true
			}
		}
		return Variation{}, false
	}
	return Variation{}, false
}

func targetMatches(target Target, attributes map[string]any) bool {
	for _, rule := range target.Rules {
		if !evaluateRule(rule, attributes) {
			return false
		}
	}
	return true
}

// pickDistribution walks the cumulative distribution with a stable hash of
// the user and target, so the same user always lands in the same variation.
func pickDistribution(target Target, userID string) (string, bool) {
	if len(target.Distribution) == 0 {
		return "", false
	}

	point := bucketPoint(userID, target.ID)
	var cumulative float64
	for _, d := range target.Distribution {
		cumulative += d.Percentage
		if point < cumulative {
			return d.Variation, true
		}
	}
	// Rounding in the percentages can leave a sliver above the last bound.
	if cumulative >= 0.999 {
		return target.Distribution[len(target.Distribution)-1].Variation, true
	}
	return "", false
}

func bucketPoint(userID, targetID string) float64 {
	h := xxhash.Sum64String(userID + "." + targetID)
	return float64(h) / (float64(math.MaxUint64) + 1)
}

func userAttributes(user flagz.User) map[string]any {
	attrs := make(map[string]any, 5+len(user.CustomData)+len(user.PrivateCustomData))
	for k, v := range user.CustomData {
		attrs[k] = v
	}
	for k, v := range user.PrivateCustomData {
		attrs[k] = v
	}
	attrs["user_id"] = user.UserID
	if user.Email != "" {
		attrs["email"] = user.Email
	}
	if user.Name != "" {
		attrs["name"] = user.Name
	}
	if user.Country != "" {
		attrs["country"] = user.Country
	}
	if user.AppVersion != "" {
		attrs["appVersion"] = user.AppVersion
	}
	return attrs
}

// Serialized wraps a Bucketer that is not safe for concurrent use.
func Serialized(b Bucketer) Bucketer {
	return &serialized{next: b}
}

type serialized struct {
	mu   sync.Mutex
	next Bucketer
}

func (s *serialized) Evaluate(doc *flagz.ConfigDocument, user flagz.User) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.Evaluate(doc, user)
}
