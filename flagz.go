// Package flagz provides the domain types shared by the flagz server-side SDK.
//
// The runtime itself lives in the client package:
//
//	import "github.com/matt-riley/flagz-sdk/client"
//
//	c, err := client.New(ctx, "server-key")
//	v, err := c.Variable(ctx, flagz.User{UserID: "u1"}, "new-ui", false)
package flagz

import (
	"context"
	"time"
)

// Event types recorded by the SDK.
const (
	EventTypeCustom               = "customEvent"
	EventTypeVariableEvaluated    = "variableEvaluated"
	EventTypeVariableDefaulted    = "variableDefaulted"
	EventTypeAggVariableEvaluated = "aggVariableEvaluated"
	EventTypeAggVariableDefaulted = "aggVariableDefaulted"
)

// Variable types as they appear in the configuration document.
const (
	VariableTypeBoolean = "Boolean"
	VariableTypeString  = "String"
	VariableTypeNumber  = "Number"
	VariableTypeJSON    = "JSON"
)

// User is the subject of an evaluation.
type User struct {
	UserID            string         `json:"user_id"`
	Email             string         `json:"email,omitempty"`
	Name              string         `json:"name,omitempty"`
	Country           string         `json:"country,omitempty"`
	AppVersion        string         `json:"appVersion,omitempty"`
	CustomData        map[string]any `json:"customData,omitempty"`
	PrivateCustomData map[string]any `json:"privateCustomData,omitempty"`
}

// ConfigDocument is one fetched configuration plus its validation metadata.
// It is never mutated after it is stored; a newer fetch replaces it wholesale.
type ConfigDocument struct {
	Raw          []byte
	ETag         string
	LastModified string
	FetchedAt    time.Time
}

// ConfigMetadata describes the configuration an evaluation ran against.
type ConfigMetadata struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
}

// Metadata returns the document's validation metadata. Safe on nil.
func (d *ConfigDocument) Metadata() ConfigMetadata {
	if d == nil {
		return ConfigMetadata{}
	}
	return ConfigMetadata{ETag: d.ETag, LastModified: d.LastModified}
}

// Feature is a feature assignment for one user.
type Feature struct {
	ID            string `json:"_id"`
	Key           string `json:"key"`
	Type          string `json:"type"`
	Variation     string `json:"_variation"`
	VariationKey  string `json:"variationKey,omitempty"`
	VariationName string `json:"variationName,omitempty"`
}

// EvalReason explains how a variable value was chosen.
type EvalReason struct {
	Reason  string `json:"reason"`
	Details string `json:"details,omitempty"`
}

// Variable is the result of evaluating a variable key for a user.
type Variable struct {
	Key          string      `json:"key"`
	Type         string      `json:"type"`
	Value        any         `json:"value"`
	DefaultValue any         `json:"defaultValue"`
	IsDefaulted  bool        `json:"isDefaulted"`
	Eval         *EvalReason `json:"eval,omitempty"`
}

// Event is a usage event queued for delivery.
type Event struct {
	Type        string            `json:"type"`
	Target      string            `json:"target,omitempty"`
	CustomType  string            `json:"customType,omitempty"`
	Value       float64           `json:"value,omitempty"`
	ClientDate  time.Time         `json:"clientDate"`
	MetaData    map[string]any    `json:"metaData,omitempty"`
	FeatureVars map[string]string `json:"featureVars,omitempty"`
}

// HookContext is carried through the evaluation hook chain.
type HookContext struct {
	User         User
	Key          string
	DefaultValue any
	Variable     *Variable
	Metadata     ConfigMetadata
}

// EvalHook holds the extension points run around every variable evaluation.
// Nil stages are skipped. Before may return an updated context; returning nil
// keeps the incoming one.
type EvalHook struct {
	Before  func(ctx context.Context, hc *HookContext) (*HookContext, error)
	After   func(ctx context.Context, hc *HookContext, v *Variable) error
	Error   func(ctx context.Context, hc *HookContext, err error) error
	Finally func(ctx context.Context, hc *HookContext, v *Variable) error
}

// InitializedEvent reports the outcome of a configuration fetch transition.
type InitializedEvent struct {
	Success bool
	Errors  []error
}

// FlushResult reports the outcome of one flush attempt.
type FlushResult struct {
	Success bool
	Errors  []error
}
