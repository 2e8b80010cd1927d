// Package hooks runs the evaluation hooks registered on a client.
//
// Stages run as follows: Before in registration order, then the evaluation,
// then After in reverse order. Error hooks run in reverse order when anything
// before them failed, and Finally hooks always run last, in reverse order.
// Every hook in a stage runs even when an earlier one fails. Before and After
// failures are returned as *flagz.HookError; Error and Finally failures are
// logged and dropped.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	flagz "github.com/matt-riley/flagz-sdk"
	"github.com/matt-riley/flagz-sdk/internal/logging"
	"github.com/matt-riley/flagz-sdk/internal/metrics"
)

// EvalFunc produces the variable for the context the Before stage settled on.
type EvalFunc func(ctx context.Context, hc *flagz.HookContext) (*flagz.Variable, error)

// Runner holds an ordered list of hooks. It is safe for concurrent use;
// each Run works on a snapshot of the list taken when it starts.
type Runner struct {
	mu      sync.RWMutex
	hooks   []flagz.EvalHook
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRunner returns an empty Runner. Both arguments may be nil.
func NewRunner(logger *slog.Logger, m *metrics.Metrics) *Runner {
	return &Runner{
		logger:  logging.Component(logger, "hooks"),
		metrics: m,
	}
}

// Add appends h to the end of the list.
func (r *Runner) Add(h flagz.EvalHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// Clear removes every hook.
func (r *Runner) Clear() {
	r.mu.Lock()
	r.hooks = nil
	r.mu.Unlock()
}

// Len returns the number of registered hooks.
func (r *Runner) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}

func (r *Runner) snapshot() []flagz.EvalHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.hooks) == 0 {
		return nil
	}
	out := make([]flagz.EvalHook, len(r.hooks))
	copy(out, r.hooks)
	return out
}

// Run wraps eval with the registered hooks. A Before failure skips eval and
// returns a nil variable; an After failure returns the evaluated variable
// together with the error so the caller can decide to fall back.
func (r *Runner) Run(ctx context.Context, hc *flagz.HookContext, eval EvalFunc) (*flagz.Variable, error) {
	hooks := r.snapshot()
	if len(hooks) == 0 {
		return eval(ctx, hc)
	}

	current, err := r.before(ctx, hooks, hc)
	if err != nil {
		r.onError(ctx, hooks, current, err)
		r.finally(ctx, hooks, current, nil)
		return nil, err
	}

	v, err := eval(ctx, current)
	if err != nil {
		r.onError(ctx, hooks, current, err)
		r.finally(ctx, hooks, current, v)
		return v, err
	}

	withResult := *current
	withResult.Variable = v
	current = &withResult

	if err := r.after(ctx, hooks, current, v); err != nil {
		r.onError(ctx, hooks, current, err)
		r.finally(ctx, hooks, current, v)
		return v, err
	}

	r.finally(ctx, hooks, current, v)
	return v, nil
}

func (r *Runner) before(ctx context.Context, hooks []flagz.EvalHook, hc *flagz.HookContext) (*flagz.HookContext, error) {
	current := hc
	var errs []error
	for i, h := range hooks {
		if h.Before == nil {
			continue
		}
		var next *flagz.HookContext
		err := protect(func() error {
			var err error
			next, err = h.Before(ctx, current)
			return err
		})
		if err != nil {
			r.metrics.IncHookErrors(flagz.StageBefore)
			errs = append(errs, &flagz.HookError{Stage: flagz.StageBefore, Index: i, Err: err})
			continue
		}
		if next != nil {
			current = mergeContext(current, next)
		}
	}
	return current, joinHookErrors(errs)
}

func (r *Runner) after(ctx context.Context, hooks []flagz.EvalHook, hc *flagz.HookContext, v *flagz.Variable) error {
	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if h.After == nil {
			continue
		}
		if err := protect(func() error { return h.After(ctx, hc, v) }); err != nil {
			r.metrics.IncHookErrors(flagz.StageAfter)
			errs = append(errs, &flagz.HookError{Stage: flagz.StageAfter, Index: i, Err: err})
		}
	}
	return joinHookErrors(errs)
}

func (r *Runner) onError(ctx context.Context, hooks []flagz.EvalHook, hc *flagz.HookContext, cause error) {
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if h.Error == nil {
			continue
		}
		if err := protect(func() error { return h.Error(ctx, hc, cause) }); err != nil {
			r.metrics.IncHookErrors(flagz.StageError)
			r.logger.Warn("error hook failed", "key", hc.Key, "hook", i, "error", err)
		}
	}
}

func (r *Runner) finally(ctx context.Context, hooks []flagz.EvalHook, hc *flagz.HookContext, v *flagz.Variable) {
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if h.Finally == nil {
			continue
		}
		if err := protect(func() error { return h.Finally(ctx, hc, v) }); err != nil {
			r.metrics.IncHookErrors(flagz.StageFinally)
			r.logger.Warn("finally hook failed", "key", hc.Key, "hook", i, "error", err)
		}
	}
}

// mergeContext takes next but keeps fields of cur that next left unset.
func mergeContext(cur, next *flagz.HookContext) *flagz.HookContext {
	merged := *next
	if merged.User.UserID == "" {
		merged.User = cur.User
	}
	if merged.Key == "" {
		merged.Key = cur.Key
	}
	if merged.DefaultValue == nil {
		merged.DefaultValue = cur.DefaultValue
	}
	if merged.Variable == nil {
		merged.Variable = cur.Variable
	}
	if merged.Metadata == (flagz.ConfigMetadata{}) {
		merged.Metadata = cur.Metadata
	}
	return &merged
}

func joinHookErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return errors.Join(errs...)
	}
}

// protect converts a panic in fn into an error.
func protect(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
