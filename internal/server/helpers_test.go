package server

import (
	"context"
	"sync"

	flagz "github.com/matt-riley/flagz-sdk"
)

type fakeEvaluator struct {
	variableFunc     func(ctx context.Context, user flagz.User, key string, defaultValue any) (flagz.Variable, error)
	allVariablesFunc func(user flagz.User) (map[string]flagz.Variable, error)
	allFeaturesFunc  func(user flagz.User) (map[string]flagz.Feature, error)
	trackFunc        func(user flagz.User, event flagz.Event) error
	flushFunc        func(ctx context.Context) error

	mu          sync.Mutex
	initialized bool
	disabled    bool
	metadata    flagz.ConfigMetadata
	subs        []func(flagz.InitializedEvent)
}

func (f *fakeEvaluator) Variable(ctx context.Context, user flagz.User, key string, defaultValue any) (flagz.Variable, error) {
	if f.variableFunc == nil {
		panic("unexpected call to Variable")
	}
	return f.variableFunc(ctx, user, key, defaultValue)
}

func (f *fakeEvaluator) AllVariables(user flagz.User) (map[string]flagz.Variable, error) {
	if f.allVariablesFunc == nil {
		panic("unexpected call to AllVariables")
	}
	return f.allVariablesFunc(user)
}

func (f *fakeEvaluator) AllFeatures(user flagz.User) (map[string]flagz.Feature, error) {
	if f.allFeaturesFunc == nil {
		panic("unexpected call to AllFeatures")
	}
	return f.allFeaturesFunc(user)
}

func (f *fakeEvaluator) Track(user flagz.User, event flagz.Event) error {
	if f.trackFunc == nil {
		panic("unexpected call to Track")
	}
	return f.trackFunc(user, event)
}

func (f *fakeEvaluator) FlushEvents(ctx context.Context) error {
	if f.flushFunc == nil {
		panic("unexpected call to FlushEvents")
	}
	return f.flushFunc(ctx)
}

func (f *fakeEvaluator) ConfigMetadata() flagz.ConfigMetadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadata
}

func (f *fakeEvaluator) setMetadata(meta flagz.ConfigMetadata) {
	f.mu.Lock()
	f.metadata = meta
	f.mu.Unlock()
}

func (f *fakeEvaluator) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

func (f *fakeEvaluator) Disabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disabled
}

func (f *fakeEvaluator) OnInitialized(fn func(flagz.InitializedEvent)) func() {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	f.mu.Unlock()
	return func() {}
}

// transition updates readiness and notifies subscribers.
func (f *fakeEvaluator) transition(initialized, disabled bool, ev flagz.InitializedEvent) {
	f.mu.Lock()
	f.initialized = initialized
	f.disabled = disabled
	subs := append([]func(flagz.InitializedEvent){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}
