package server

import (
	"context"

	flagz "github.com/matt-riley/flagz-sdk"
	"github.com/matt-riley/flagz-sdk/client"
)

// Evaluator is the SDK surface the relay exposes.
type Evaluator interface {
	Variable(ctx context.Context, user flagz.User, key string, defaultValue any) (flagz.Variable, error)
	AllVariables(user flagz.User) (map[string]flagz.Variable, error)
	AllFeatures(user flagz.User) (map[string]flagz.Feature, error)
	Track(user flagz.User, event flagz.Event) error
	FlushEvents(ctx context.Context) error
	ConfigMetadata() flagz.ConfigMetadata
	HealthSource
}

// HealthSource reports SDK readiness.
type HealthSource interface {
	Initialized() bool
	Disabled() bool
	OnInitialized(fn func(flagz.InitializedEvent)) func()
}

var _ Evaluator = (*client.Client)(nil)
