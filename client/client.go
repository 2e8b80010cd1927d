// Package client is the public entry point of the flagz server-side SDK.
//
// A Client keeps the configuration document fresh in the background,
// evaluates variables locally against it and delivers usage events in
// batches. Evaluation never blocks on the network and always returns a
// usable value; only invalid input is reported as an error.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	flagz "github.com/matt-riley/flagz-sdk"
	"github.com/matt-riley/flagz-sdk/internal/bucketing"
	"github.com/matt-riley/flagz-sdk/internal/configsync"
	"github.com/matt-riley/flagz-sdk/internal/events"
	"github.com/matt-riley/flagz-sdk/internal/hooks"
	"github.com/matt-riley/flagz-sdk/internal/logging"
	"github.com/matt-riley/flagz-sdk/internal/metrics"
	"github.com/matt-riley/flagz-sdk/internal/retry"
	"github.com/matt-riley/flagz-sdk/internal/transport"
)

// Evaluation reasons reported on defaulted variables.
const (
	ReasonDefault = "DEFAULT"
	ReasonError   = "ERROR"

	DetailsMissingConfig = "Missing Config"
	DetailsNotTargeted   = "User Not Targeted"
	DetailsTypeMismatch  = "Variable Type Mismatch"
)

// Client evaluates variables and records events for one SDK key.
type Client struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	manager  *configsync.Manager
	queue    *events.Queue
	hooks    *hooks.Runner
	bucketer bucketing.Bucketer

	closeOnce sync.Once
	closeErr  error
}

// New builds a Client and performs the first configuration fetch. A
// transient fetch failure is logged and the Client keeps polling; a rejected
// SDK key or missing configuration closes the Client and returns an error
// wrapping flagz.ErrInvalidConfiguration.
func New(ctx context.Context, sdkKey string, opts ...Option) (*Client, error) {
	sdkKey = strings.TrimSpace(sdkKey)
	if sdkKey == "" {
		return nil, flagz.ErrInvalidSDKKey
	}

	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	if s.policy == nil {
		s.policy = retry.NewPolicy()
	}

	configSender := s.configSender
	if configSender == nil {
		configSender = transport.New(transport.Config{
			BaseURL:    s.configBaseURL,
			SDKKey:     sdkKey,
			Timeout:    s.requestTimeout,
			HTTPClient: s.httpClient,
			Name:       "config",
		})
	}
	eventsSender := s.eventsSender
	if eventsSender == nil {
		eventsSender = transport.New(transport.Config{
			BaseURL:    s.eventsBaseURL,
			SDKKey:     sdkKey,
			HTTPClient: s.httpClient,
			Name:       "events",
		})
	}

	bucketer := bucketing.Bucketer(bucketing.NewEngine())
	if s.bucketer != nil {
		bucketer = bucketing.Serialized(s.bucketer)
	}

	manager, err := configsync.NewManager(configsync.Options{
		SDKKey:                sdkKey,
		Sender:                configSender,
		Policy:                s.policy,
		PollInterval:          s.pollInterval,
		IdlePollInterval:      s.idlePollInterval,
		RequestTimeout:        s.requestTimeout,
		EnableRealtimeUpdates: s.realtimeUpdates,
		PushURI:               s.pushURI,
		PushHTTPClient:        s.httpClient,
		Logger:                s.logger,
		Metrics:               s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create config manager: %w", err)
	}

	queue, err := events.NewQueue(events.Options{
		Sender:                 eventsSender,
		Policy:                 s.policy,
		FlushInterval:          s.flushInterval,
		FlushDebounce:          s.flushDebounce,
		MaxEventsInQueue:       s.maxEventsInQueue,
		FlushEventQueueSize:    s.flushEventQueueSize,
		FlushBatchSize:         s.flushBatchSize,
		DisableAutomaticEvents: s.disableAutomatic,
		DisableCustomEvents:    s.disableCustom,
		Logger:                 s.logger,
		Metrics:                s.metrics,
	})
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("create event queue: %w", err)
	}

	c := &Client{
		logger:   logging.Component(s.logger, "client"),
		metrics:  s.metrics,
		manager:  manager,
		queue:    queue,
		hooks:    hooks.NewRunner(s.logger, s.metrics),
		bucketer: bucketer,
	}
	if s.metrics != nil {
		if err := metrics.RegisterQueueMetrics(s.metrics.Registry, queue); err != nil {
			c.logger.Warn("event queue metrics not registered", "error", err)
		}
	}
	if s.onInitialized != nil {
		manager.Subscribe(s.onInitialized)
	}

	if err := manager.Initialize(ctx); err != nil {
		if errors.Is(err, flagz.ErrInvalidConfiguration) {
			_ = c.Close(context.WithoutCancel(ctx))
			return nil, err
		}
		c.logger.Warn("initial config fetch failed, continuing in background", "error", err)
	}
	return c, nil
}

// Variable evaluates key for user. Evaluation failures, a missing
// configuration and type mismatches all yield defaultValue with
// IsDefaulted set; the returned error is non-nil only for invalid input.
func (c *Client) Variable(ctx context.Context, user flagz.User, key string, defaultValue any) (flagz.Variable, error) {
	if err := validateUser(user); err != nil {
		return flagz.Variable{}, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return flagz.Variable{}, flagz.ErrInvalidKey
	}
	if defaultValue == nil {
		return flagz.Variable{}, flagz.ErrInvalidDefaultValue
	}
	varType := variableType(defaultValue)

	doc := c.manager.CurrentConfig()
	hc := &flagz.HookContext{
		User:         user,
		Key:          key,
		DefaultValue: defaultValue,
		Metadata:     doc.Metadata(),
	}

	var featureVars map[string]string
	result, err := c.hooks.Run(ctx, hc, func(_ context.Context, hc *flagz.HookContext) (*flagz.Variable, error) {
		if doc == nil {
			return defaulted(hc.Key, varType, hc.DefaultValue, ReasonDefault, DetailsMissingConfig), nil
		}
		res, err := c.bucketer.Evaluate(doc, hc.User)
		if err != nil {
			return nil, fmt.Errorf("evaluate %q: %w", hc.Key, err)
		}
		featureVars = res.FeatureVars

		v, ok := res.Variables[hc.Key]
		switch {
		case !ok:
			return defaulted(hc.Key, varType, hc.DefaultValue, ReasonDefault, DetailsNotTargeted), nil
		case v.Type != varType:
			return defaulted(hc.Key, varType, hc.DefaultValue, ReasonDefault, DetailsTypeMismatch), nil
		}
		v.DefaultValue = hc.DefaultValue
		return &v, nil
	})

	var variable flagz.Variable
	if err != nil || result == nil {
		if err != nil {
			c.logger.Warn("variable evaluation failed, using default", "key", key, "error", err)
		}
		variable = *defaulted(key, varType, defaultValue, ReasonError, errorDetails(err))
	} else {
		variable = *result
	}

	eventType := flagz.EventTypeAggVariableEvaluated
	if variable.IsDefaulted {
		eventType = flagz.EventTypeAggVariableDefaulted
	}
	if err := c.queue.QueueAggregateEvent(user, flagz.Event{Type: eventType, Target: key}, featureVars); err != nil {
		c.logger.Debug("evaluation event not recorded", "key", key, "error", err)
	}
	c.metrics.RecordEvaluation(variable.IsDefaulted)
	return variable, nil
}

// VariableValue returns only the value of Variable.
func (c *Client) VariableValue(ctx context.Context, user flagz.User, key string, defaultValue any) (any, error) {
	v, err := c.Variable(ctx, user, key, defaultValue)
	if err != nil {
		return nil, err
	}
	return v.Value, nil
}

// AllVariables returns every variable the user is assigned. The map is empty
// when no configuration is available.
func (c *Client) AllVariables(user flagz.User) (map[string]flagz.Variable, error) {
	res, err := c.evaluate(user)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return map[string]flagz.Variable{}, nil
	}
	return res.Variables, nil
}

// AllFeatures returns every feature the user is assigned. The map is empty
// when no configuration is available.
func (c *Client) AllFeatures(user flagz.User) (map[string]flagz.Feature, error) {
	res, err := c.evaluate(user)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return map[string]flagz.Feature{}, nil
	}
	return res.Features, nil
}

func (c *Client) evaluate(user flagz.User) (*bucketing.Result, error) {
	if err := validateUser(user); err != nil {
		return nil, err
	}
	doc := c.manager.CurrentConfig()
	if doc == nil {
		return nil, nil
	}
	res, err := c.bucketer.Evaluate(doc, user)
	if err != nil {
		c.logger.Warn("bucketing failed", "user_id", user.UserID, "error", err)
		return nil, nil
	}
	return res, nil
}

// Track queues a custom event for user. The user's current feature
// assignments are attached to the event.
func (c *Client) Track(user flagz.User, event flagz.Event) error {
	if err := validateUser(user); err != nil {
		return err
	}
	if strings.TrimSpace(event.Type) == "" {
		return flagz.ErrInvalidEvent
	}
	if event.FeatureVars == nil {
		if res, _ := c.evaluate(user); res != nil {
			event.FeatureVars = res.FeatureVars
		}
	}
	return c.queue.QueueEvent(user, event)
}

// FlushEvents sends every pending event now.
func (c *Client) FlushEvents(ctx context.Context) error {
	return c.queue.FlushEvents(ctx)
}

// AddHook appends an evaluation hook.
func (c *Client) AddHook(h flagz.EvalHook) {
	c.hooks.Add(h)
}

// ClearHooks removes every evaluation hook.
func (c *Client) ClearHooks() {
	c.hooks.Clear()
}

// Initialized reports whether a configuration has ever been fetched.
func (c *Client) Initialized() bool {
	return c.manager.Initialized()
}

// Disabled reports whether polling stopped permanently after the origin
// rejected the SDK key.
func (c *Client) Disabled() bool {
	return c.manager.State() == configsync.StateDisabled
}

// ConfigMetadata describes the configuration currently used for evaluation.
func (c *Client) ConfigMetadata() flagz.ConfigMetadata {
	return c.manager.CurrentConfig().Metadata()
}

// OnInitialized registers fn for configuration fetch transitions. The
// returned function removes it.
func (c *Client) OnInitialized(fn func(flagz.InitializedEvent)) func() {
	return c.manager.Subscribe(fn)
}

// OnFlush registers fn for flush outcomes. The returned function removes it.
func (c *Client) OnFlush(fn func(flagz.FlushResult)) func() {
	return c.queue.Subscribe(fn)
}

// Close stops background work and flushes pending events. Evaluation keeps
// working against the last configuration; new events are rejected.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.manager.Close()
		c.closeErr = c.queue.Close(ctx)
	})
	return c.closeErr
}

func validateUser(user flagz.User) error {
	if strings.TrimSpace(user.UserID) == "" {
		return flagz.ErrInvalidUser
	}
	return nil
}

func defaulted(key, varType string, defaultValue any, reason, details string) *flagz.Variable {
	return &flagz.Variable{
		Key:          key,
		Type:         varType,
		Value:        defaultValue,
		DefaultValue: defaultValue,
		IsDefaulted:  true,
		Eval:         &flagz.EvalReason{Reason: reason, Details: details},
	}
}

func errorDetails(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// variableType maps a Go default value onto a configuration variable type.
func variableType(v any) string {
	switch v.(type) {
	case bool:
		return flagz.VariableTypeBoolean
	case string:
		return flagz.VariableTypeString
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return flagz.VariableTypeNumber
	default:
		return flagz.VariableTypeJSON
	}
}
