// Package configsync keeps the local configuration document fresh.
//
// A Manager fetches the document with conditional requests, polls on a timer
// and listens on an optional push channel. While the push channel is open the
// poll interval stretches to the idle interval; whenever it is not, polling
// falls back to the base interval. A push message triggers an immediate
// fetch. A 4xx response disables the Manager permanently.
package configsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	flagz "github.com/matt-riley/flagz-sdk"
	"github.com/matt-riley/flagz-sdk/internal/logging"
	"github.com/matt-riley/flagz-sdk/internal/metrics"
	"github.com/matt-riley/flagz-sdk/internal/retry"
	"github.com/matt-riley/flagz-sdk/internal/tracing"
	"github.com/matt-riley/flagz-sdk/internal/transport"
)

const (
	DefaultPollInterval     = 10 * time.Second
	DefaultIdlePollInterval = 15 * time.Minute
	DefaultRestartThreshold = 5
)

// State is the lifecycle state of a Manager.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a Manager.
type Options struct {
	SDKKey string
	// Sender performs config fetches. Required.
	Sender transport.Sender
	Policy *retry.Policy

	PollInterval     time.Duration
	IdlePollInterval time.Duration
	// RequestTimeout bounds one fetch. Defaults to PollInterval.
	RequestTimeout time.Duration

	EnableRealtimeUpdates bool
	// PushURI overrides the stream location advertised by the document.
	PushURI        string
	PushHTTPClient *http.Client
	// RestartThreshold is the number of consecutive push errors that
	// restarts the channel.
	RestartThreshold int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// streamer is the part of PushChannel the Manager drives.
type streamer interface {
	Run(ctx context.Context)
	Restart(uri string)
	Close()
	URI() string
}

// Manager owns the config cache and the push channel.
type Manager struct {
	opts    Options
	sender  transport.Sender
	policy  *retry.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
	path    string

	cache       Cache
	group       singleflight.Group
	state       atomic.Int32
	initialized atomic.Bool
	restarts    atomic.Int64
	fetchSeq    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	resetCh  chan struct{}
	stopPoll chan struct{}
	stopOnce sync.Once

	newPush func(uri string) streamer

	mu             sync.Mutex
	push           streamer
	pushState      PushState
	errCount       int
	interval       time.Duration
	started        bool
	closed         bool
	failedNotified bool
	subs           map[int]func(flagz.InitializedEvent)
	nextSub        int
}

// NewManager returns a Manager. Call Initialize to perform the first fetch.
func NewManager(opts Options) (*Manager, error) {
	if opts.Sender == nil {
		return nil, errors.New("configsync: sender is required")
	}
	if strings.TrimSpace(opts.SDKKey) == "" {
		return nil, flagz.ErrInvalidSDKKey
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.IdlePollInterval <= 0 {
		opts.IdlePollInterval = DefaultIdlePollInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = opts.PollInterval
	}
	if opts.RestartThreshold <= 0 {
		opts.RestartThreshold = DefaultRestartThreshold
	}
	if opts.Policy == nil {
		opts.Policy = retry.NewPolicy()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:     opts,
		sender:   opts.Sender,
		policy:   opts.Policy,
		logger:   logging.Component(opts.Logger, "configsync"),
		metrics:  opts.Metrics,
		path:     "/config/v2/server/" + url.PathEscape(opts.SDKKey) + ".json",
		ctx:      ctx,
		cancel:   cancel,
		resetCh:  make(chan struct{}, 1),
		stopPoll: make(chan struct{}),
		interval: opts.PollInterval,
		subs:     make(map[int]func(flagz.InitializedEvent)),
	}
	m.newPush = func(uri string) streamer {
		return NewPushChannel(uri, PushHandler{
			OnState:   m.onPushState,
			OnMessage: m.onPushMessage,
		}, PushOptions{
			HTTPClient: opts.PushHTTPClient,
			Policy:     opts.Policy,
			Logger:     opts.Logger,
		})
	}
	return m, nil
}

// Initialize performs one synchronous fetch and then starts polling. The
// fetch error is returned, but polling continues unless the error wraps
// flagz.ErrInvalidConfiguration.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return flagz.ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	err := m.Fetch(ctx)
	if m.State() == StateDisabled {
		return err
	}

	m.spawn(m.pollLoop)
	m.ensurePush(m.cache.Load())
	return err
}

// CurrentConfig returns the current document, or nil.
func (m *Manager) CurrentConfig() *flagz.ConfigDocument {
	return m.cache.Load()
}

// Initialized reports whether a fetch has ever succeeded.
func (m *Manager) Initialized() bool {
	return m.initialized.Load()
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// PollingInterval returns the interval the poll loop is currently using.
func (m *Manager) PollingInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// PushState returns the last state reported by the push channel.
func (m *Manager) PushState() PushState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushState
}

// PushRestarts returns how many times repeated errors restarted the channel.
func (m *Manager) PushRestarts() int64 {
	return m.restarts.Load()
}

// Subscribe registers fn for initialization and fetch outcome transitions.
// The returned function removes it.
func (m *Manager) Subscribe(fn func(flagz.InitializedEvent)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Fetch fetches the document now. Concurrent calls share one request.
func (m *Manager) Fetch(ctx context.Context) error {
	_, err := m.fetchShared(ctx)
	return err
}

// fetchShared joins or starts a fetch and returns the sequence number of the
// request that served it.
func (m *Manager) fetchShared(ctx context.Context) (uint64, error) {
	if m.State() == StateDisabled {
		return 0, fmt.Errorf("configsync: polling disabled: %w", flagz.ErrInvalidConfiguration)
	}
	ch := m.group.DoChan("config", func() (any, error) {
		seq := m.fetchSeq.Add(1)
		return seq, m.fetchOnce()
	})
	select {
	case res := <-ch:
		seq, _ := res.Val.(uint64)
		return seq, res.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close stops polling and the push channel and waits for background work.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	push := m.push
	m.mu.Unlock()

	m.cancel()
	if push != nil {
		push.Close()
	}
	m.wg.Wait()
}

func (m *Manager) fetchOnce() (err error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.RequestTimeout)
	defer cancel()

	ctx, span := tracing.Start(ctx, "flagz.config.fetch")
	defer func() { tracing.End(span, err) }()

	start := time.Now()
	current := m.cache.Load()

	req := transport.Request{Method: http.MethodGet, Path: m.path, Header: http.Header{}}
	if current != nil && current.ETag != "" {
		req.Header.Set("If-None-Match", current.ETag)
	}

	resp, err := m.sender.Send(ctx, req)
	if err == nil {
		err = resp.Err()
	}

	switch {
	case err == nil && resp.StatusCode == http.StatusNotModified && current == nil:
		err = fmt.Errorf("%w: configsync: not modified without a cached document", flagz.ErrRetryable)
		m.metrics.ObserveConfigFetch(metrics.FetchRetryable, time.Since(start))
		m.onFailure(err)
		return err

	case err == nil && resp.StatusCode == http.StatusNotModified:
		m.metrics.ObserveConfigFetch(metrics.FetchNotModified, time.Since(start))
		m.logger.Debug("config not modified", "etag", current.Metadata().ETag)
		m.onSuccess(nil)
		return nil

	case err == nil:
		if !json.Valid(resp.Body) {
			err = fmt.Errorf("%w: configsync: malformed config document", flagz.ErrRetryable)
			m.metrics.ObserveConfigFetch(metrics.FetchRetryable, time.Since(start))
			m.onFailure(err)
			return err
		}
		doc := &flagz.ConfigDocument{
			Raw:          resp.Body,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			FetchedAt:    time.Now(),
		}
		m.cache.Store(doc)
		span.SetAttributes(attribute.String("flagz.config.etag", doc.ETag))
		m.metrics.ObserveConfigFetch(metrics.FetchUpdated, time.Since(start))
		m.logger.Debug("config updated", "etag", doc.ETag, "last_modified", doc.LastModified)
		m.onSuccess(doc)
		return nil

	case errors.Is(err, flagz.ErrNonRetryable):
		m.metrics.ObserveConfigFetch(metrics.FetchFatal, time.Since(start))
		err = fmt.Errorf("configsync: %w: %w", flagz.ErrInvalidConfiguration, err)
		m.disable(err)
		return err

	default:
		if m.ctx.Err() != nil {
			return err
		}
		m.metrics.ObserveConfigFetch(metrics.FetchRetryable, time.Since(start))
		m.onFailure(err)
		return err
	}
}

// onSuccess handles a 200 (doc != nil) or 304 (doc == nil).
func (m *Manager) onSuccess(doc *flagz.ConfigDocument) {
	first := m.initialized.CompareAndSwap(false, true)
	if first {
		m.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitialized))
	}

	m.mu.Lock()
	recovered := m.failedNotified
	m.failedNotified = false
	started := m.started
	m.mu.Unlock()

	if first || recovered {
		m.notify(flagz.InitializedEvent{Success: true})
	}
	if doc != nil && started && !first {
		m.ensurePush(doc)
	}
}

func (m *Manager) onFailure(err error) {
	if m.cache.Load() != nil {
		m.logger.Warn("config fetch failed, serving last known config", "error", err)
		return
	}
	m.logger.Error("config fetch failed", "error", err)

	m.mu.Lock()
	already := m.failedNotified
	m.failedNotified = true
	m.mu.Unlock()

	if !already {
		m.notify(flagz.InitializedEvent{Success: false, Errors: []error{err}})
	}
}

func (m *Manager) disable(err error) {
	m.state.Store(int32(StateDisabled))
	m.stopOnce.Do(func() { close(m.stopPoll) })

	m.mu.Lock()
	push := m.push
	m.mu.Unlock()
	if push != nil {
		push.Close()
	}

	m.logger.Error("config fetch rejected, polling stopped", "error", err)
	m.notify(flagz.InitializedEvent{Success: false, Errors: []error{err}})
}

func (m *Manager) notify(ev flagz.InitializedEvent) {
	m.mu.Lock()
	subs := make([]func(flagz.InitializedEvent), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// spawn runs fn in a tracked goroutine unless the Manager is closing.
func (m *Manager) spawn(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func (m *Manager) pollLoop() {
	timer := time.NewTimer(m.PollingInterval())
	defer timer.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.stopPoll:
			return
		case <-m.resetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(m.PollingInterval())
		case <-timer.C:
			// Fetches run detached so a hung request never delays the next tick.
			m.spawn(func() { _ = m.Fetch(m.ctx) })
			timer.Reset(m.PollingInterval())
		}
	}
}

func (m *Manager) ensurePush(doc *flagz.ConfigDocument) {
	if !m.opts.EnableRealtimeUpdates || m.State() == StateDisabled {
		return
	}
	uri := m.opts.PushURI
	if uri == "" {
		uri = pushURIFromDocument(doc)
	}
	if uri == "" {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	push := m.push
	if push == nil {
		push = m.newPush(uri)
		m.push = push
		m.mu.Unlock()
		m.spawn(func() { push.Run(m.ctx) })
		return
	}
	m.mu.Unlock()

	if push.URI() != uri {
		m.logger.Info("push uri changed, restarting channel", "uri", uri)
		push.Restart(uri)
	}
}

func (m *Manager) onPushState(state PushState, err error) {
	m.mu.Lock()
	m.pushState = state
	next := m.opts.PollInterval
	if state == PushOpen {
		next = m.opts.IdlePollInterval
		m.errCount = 0
	}
	restart := false
	if err != nil && state != PushOpen {
		m.errCount++
		if m.errCount >= m.opts.RestartThreshold {
			m.errCount = 0
			restart = true
		}
	}
	changed := next != m.interval
	m.interval = next
	push := m.push
	m.mu.Unlock()

	m.metrics.SetPushState(state.String(), pushStateNames)
	if changed {
		m.logger.Debug("poll interval changed", "push_state", state.String(), "interval", next)
		select {
		case m.resetCh <- struct{}{}:
		default:
		}
	}
	if restart && push != nil {
		m.restarts.Add(1)
		m.metrics.IncPushRestarts()
		m.logger.Warn("push channel failing, restarting", "threshold", m.opts.RestartThreshold)
		push.Restart("")
	}
}

func (m *Manager) onPushMessage(msg PushMessage) {
	if msg.ETag != "" && msg.ETag == m.cache.ETag() {
		m.logger.Debug("push message for current config ignored", "etag", msg.ETag)
		return
	}
	// A request already in flight may have been answered before the change
	// the message announces; fetch again unless it picked the change up.
	after := m.fetchSeq.Load()
	m.spawn(func() {
		seq, _ := m.fetchShared(m.ctx)
		if m.ctx.Err() != nil || m.State() == StateDisabled || seq > after {
			return
		}
		if msg.ETag != "" && msg.ETag == m.cache.ETag() {
			return
		}
		_ = m.Fetch(m.ctx)
	})
}

type sseBlock struct {
	SSE *struct {
		Hostname string `json:"hostname"`
		Path     string `json:"path"`
	} `json:"sse"`
}

func pushURIFromDocument(doc *flagz.ConfigDocument) string {
	if doc == nil {
		return ""
	}
	var block sseBlock
	if err := json.Unmarshal(doc.Raw, &block); err != nil || block.SSE == nil || block.SSE.Hostname == "" {
		return ""
	}
	return strings.TrimRight(block.SSE.Hostname, "/") + "/" + strings.TrimLeft(block.SSE.Path, "/")
}
