package configsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	flagz "github.com/matt-riley/flagz-sdk"
	"github.com/matt-riley/flagz-sdk/internal/logging"
	"github.com/matt-riley/flagz-sdk/internal/retry"
	"github.com/matt-riley/flagz-sdk/internal/transport"
)

type fakeSender struct {
	mu       sync.Mutex
	calls    int
	requests []transport.Request
	respond  func(call int, req transport.Request) (*transport.Response, error)
}

func (f *fakeSender) Send(ctx context.Context, req transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()
	return respond(call, req)
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSender) request(i int) transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func ok(body, etag string) *transport.Response {
	h := http.Header{}
	h.Set("ETag", etag)
	h.Set("Last-Modified", "Mon, 19 Oct 2026 10:00:00 GMT")
	return &transport.Response{StatusCode: http.StatusOK, Body: []byte(body), Header: h}
}

func status(code int) *transport.Response {
	return &transport.Response{StatusCode: code, Header: http.Header{}}
}

type fakePush struct {
	mu       sync.Mutex
	uri      string
	restarts []string
	closed   bool
	running  chan struct{}
}

func newFakePush(uri string) *fakePush {
	return &fakePush{uri: uri, running: make(chan struct{})}
}

func (f *fakePush) Run(ctx context.Context) {
	close(f.running)
	<-ctx.Done()
}

func (f *fakePush) Restart(uri string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if uri != "" {
		f.uri = uri
	}
	f.restarts = append(f.restarts, uri)
}

func (f *fakePush) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakePush) URI() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uri
}

func (f *fakePush) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarts)
}

type eventLog struct {
	mu     sync.Mutex
	events []flagz.InitializedEvent
}

func (l *eventLog) record(ev flagz.InitializedEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) get() []flagz.InitializedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]flagz.InitializedEvent(nil), l.events...)
}

func newTestManager(t *testing.T, sender *fakeSender, mutate func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		SDKKey:         "server-key",
		Sender:         sender,
		Policy:         retry.NewPolicy(retry.WithInitialInterval(time.Millisecond), retry.WithJitter(0)),
		PollInterval:   time.Hour,
		RequestTimeout: time.Second,
		Logger:         logging.Discard(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(Options{SDKKey: "k"}); err == nil {
		t.Fatal("NewManager() without sender error = nil")
	}
	if _, err := NewManager(Options{Sender: &fakeSender{}}); !errors.Is(err, flagz.ErrInvalidSDKKey) {
		t.Fatalf("NewManager() without key error = %v, want ErrInvalidSDKKey", err)
	}
}

func TestInitializeStoresDocument(t *testing.T) {
	sender := &fakeSender{respond: func(int, transport.Request) (*transport.Response, error) {
		return ok(`{"features":[]}`, `"e1"`), nil
	}}
	m := newTestManager(t, sender, nil)
	events := &eventLog{}
	m.Subscribe(events.record)

	if m.Initialized() {
		t.Fatal("Initialized() = true before first fetch")
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if !m.Initialized() || m.State() != StateInitialized {
		t.Fatalf("Initialized() = %t, State() = %v", m.Initialized(), m.State())
	}
	doc := m.CurrentConfig()
	if doc == nil || doc.ETag != `"e1"` || string(doc.Raw) != `{"features":[]}` {
		t.Fatalf("CurrentConfig() = %#v", doc)
	}
	if doc.LastModified == "" {
		t.Fatal("LastModified not stored")
	}
	if got := sender.request(0).Path; got != "/config/v2/server/server-key.json" {
		t.Fatalf("path = %q", got)
	}
	if got := sender.request(0).Header.Get("If-None-Match"); got != "" {
		t.Fatalf("first fetch sent If-None-Match %q", got)
	}
	if got := events.get(); len(got) != 1 || !got[0].Success {
		t.Fatalf("events = %#v, want one success", got)
	}
}

func TestNotModifiedKeepsDocument(t *testing.T) {
	sender := &fakeSender{respond: func(call int, req transport.Request) (*transport.Response, error) {
		if call == 1 {
			return ok(`{"features":[]}`, `"e1"`), nil
		}
		return status(http.StatusNotModified), nil
	}}
	m := newTestManager(t, sender, nil)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	before := m.CurrentConfig()

	if err := m.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if got := sender.request(1).Header.Get("If-None-Match"); got != `"e1"` {
		t.Fatalf("If-None-Match = %q, want %q", got, `"e1"`)
	}
	if m.CurrentConfig() != before {
		t.Fatal("304 replaced the cached document")
	}
}

func TestOKReplacesDocument(t *testing.T) {
	sender := &fakeSender{respond: func(call int, req transport.Request) (*transport.Response, error) {
		if call == 1 {
			return ok(`{"v":1}`, `"e1"`), nil
		}
		return ok(`{"v":2}`, `"e2"`), nil
	}}
	m := newTestManager(t, sender, nil)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	before := m.CurrentConfig()

	if err := m.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	after := m.CurrentConfig()
	if after == before || after.ETag != `"e2"` || string(after.Raw) != `{"v":2}` {
		t.Fatalf("CurrentConfig() = %#v, want second document", after)
	}
	if before.ETag != `"e1"` || string(before.Raw) != `{"v":1}` {
		t.Fatal("previous snapshot was mutated")
	}
}

func TestForbiddenDisablesPolling(t *testing.T) {
	sender := &fakeSender{respond: func(int, transport.Request) (*transport.Response, error) {
		return status(http.StatusForbidden), nil
	}}
	m := newTestManager(t, sender, func(o *Options) { o.PollInterval = 5 * time.Millisecond })
	events := &eventLog{}
	m.Subscribe(events.record)

	err := m.Initialize(context.Background())
	if !errors.Is(err, flagz.ErrInvalidConfiguration) {
		t.Fatalf("Initialize() error = %v, want ErrInvalidConfiguration", err)
	}
	if m.State() != StateDisabled || m.Initialized() {
		t.Fatalf("State() = %v, Initialized() = %t", m.State(), m.Initialized())
	}

	time.Sleep(50 * time.Millisecond)
	if err := m.Fetch(context.Background()); !errors.Is(err, flagz.ErrInvalidConfiguration) {
		t.Fatalf("Fetch() after disable error = %v", err)
	}
	if got := sender.callCount(); got != 1 {
		t.Fatalf("fetches = %d, want 1", got)
	}
	if got := events.get(); len(got) != 1 || got[0].Success || len(got[0].Errors) != 1 {
		t.Fatalf("events = %#v, want one failure", got)
	}
}

func TestServerErrorKeepsServingCachedDocument(t *testing.T) {
	sender := &fakeSender{respond: func(call int, req transport.Request) (*transport.Response, error) {
		if call == 1 {
			return ok(`{"v":1}`, `"e1"`), nil
		}
		return status(http.StatusInternalServerError), nil
	}}
	m := newTestManager(t, sender, nil)
	events := &eventLog{}
	m.Subscribe(events.record)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	before := m.CurrentConfig()

	err := m.Fetch(context.Background())
	if !errors.Is(err, flagz.ErrRetryable) {
		t.Fatalf("Fetch() error = %v, want ErrRetryable", err)
	}
	if m.CurrentConfig() != before || m.State() != StateInitialized {
		t.Fatal("retryable failure changed state")
	}
	if got := events.get(); len(got) != 1 || !got[0].Success {
		t.Fatalf("events = %#v, want only the initial success", got)
	}
}

func TestFailureBeforeInitializationNotifiesThenRecovers(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	sender := &fakeSender{respond: func(int, transport.Request) (*transport.Response, error) {
		if fail.Load() {
			return nil, flagz.ErrRetryable
		}
		return ok(`{}`, `"e1"`), nil
	}}
	m := newTestManager(t, sender, nil)
	events := &eventLog{}
	m.Subscribe(events.record)

	if err := m.Initialize(context.Background()); !errors.Is(err, flagz.ErrRetryable) {
		t.Fatalf("Initialize() error = %v, want ErrRetryable", err)
	}
	if m.State() != StateUninitialized || m.CurrentConfig() != nil {
		t.Fatal("failed fetch produced a config")
	}
	_ = m.Fetch(context.Background())

	fail.Store(false)
	if err := m.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	got := events.get()
	if len(got) != 2 || got[0].Success || !got[1].Success {
		t.Fatalf("events = %#v, want failure then success", got)
	}
	if !m.Initialized() {
		t.Fatal("Initialized() = false after recovery")
	}
}

func TestMalformedDocumentIsRetryable(t *testing.T) {
	sender := &fakeSender{respond: func(int, transport.Request) (*transport.Response, error) {
		return ok(`{"features":`, `"e1"`), nil
	}}
	m := newTestManager(t, sender, nil)

	if err := m.Initialize(context.Background()); !errors.Is(err, flagz.ErrRetryable) {
		t.Fatalf("Initialize() error = %v, want ErrRetryable", err)
	}
	if m.CurrentConfig() != nil {
		t.Fatal("malformed document was cached")
	}
}

func TestPollLoopFetchesOnInterval(t *testing.T) {
	sender := &fakeSender{respond: func(int, transport.Request) (*transport.Response, error) {
		return ok(`{}`, `"e1"`), nil
	}}
	m := newTestManager(t, sender, func(o *Options) { o.PollInterval = 10 * time.Millisecond })
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	waitFor(t, "three fetches", func() bool { return sender.callCount() >= 3 })
}

func TestPollRequestTimeout(t *testing.T) {
	sender := &fakeSender{}
	sender.respond = func(int, transport.Request) (*transport.Response, error) {
		return nil, errors.New("unused")
	}
	m := newTestManager(t, sender, func(o *Options) { o.RequestTimeout = 10 * time.Millisecond })
	m.sender = senderFunc(func(ctx context.Context, req transport.Request) (*transport.Response, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return nil, errors.New("request outlived its timeout")
		}
	})

	err := m.Initialize(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Initialize() error = %v, want deadline exceeded", err)
	}
	if m.State() == StateDisabled {
		t.Fatal("timeout disabled polling")
	}
}

type senderFunc func(ctx context.Context, req transport.Request) (*transport.Response, error)

func (f senderFunc) Send(ctx context.Context, req transport.Request) (*transport.Response, error) {
	return f(ctx, req)
}

func TestPushStateSwitchesPollingInterval(t *testing.T) {
	m := newTestManager(t, &fakeSender{}, func(o *Options) {
		o.PollInterval = time.Second
		o.IdlePollInterval = time.Minute
	})

	if got := m.PollingInterval(); got != time.Second {
		t.Fatalf("PollingInterval() = %v, want 1s", got)
	}
	m.onPushState(PushOpen, nil)
	if got := m.PollingInterval(); got != time.Minute {
		t.Fatalf("PollingInterval() after open = %v, want 1m", got)
	}
	m.onPushState(PushErrorBackoff, errors.New("dropped"))
	if got := m.PollingInterval(); got != time.Second {
		t.Fatalf("PollingInterval() after error = %v, want 1s", got)
	}
	m.onPushState(PushOpen, nil)
	m.onPushState(PushClosed, nil)
	if got := m.PollingInterval(); got != time.Second {
		t.Fatalf("PollingInterval() after close = %v, want 1s", got)
	}
	if m.PushState() != PushClosed {
		t.Fatalf("PushState() = %v, want closed", m.PushState())
	}
}

func TestDefaultIdleInterval(t *testing.T) {
	m := newTestManager(t, &fakeSender{}, nil)
	m.onPushState(PushOpen, nil)
	if got := m.PollingInterval(); got != 15*time.Minute {
		t.Fatalf("PollingInterval() = %v, want 15m", got)
	}
}

func TestPushErrorsRestartChannel(t *testing.T) {
	tests := []struct {
		errors       int
		wantRestarts int
	}{
		{4, 0},
		{5, 1},
		{9, 1},
		{10, 2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d errors", tt.errors), func(t *testing.T) {
			m := newTestManager(t, &fakeSender{}, nil)
			push := newFakePush("https://sse.example.com/stream")
			m.push = push

			for i := 0; i < tt.errors; i++ {
				m.onPushState(PushErrorBackoff, errors.New("connection refused"))
			}

			if got := push.restartCount(); got != tt.wantRestarts {
				t.Fatalf("restarts = %d, want %d", got, tt.wantRestarts)
			}
			if got := m.PushRestarts(); got != int64(tt.wantRestarts) {
				t.Fatalf("PushRestarts() = %d, want %d", got, tt.wantRestarts)
			}
		})
	}
}

func TestPushOpenResetsErrorCount(t *testing.T) {
	m := newTestManager(t, &fakeSender{}, nil)
	push := newFakePush("https://sse.example.com/stream")
	m.push = push

	for i := 0; i < 4; i++ {
		m.onPushState(PushErrorBackoff, errors.New("refused"))
	}
	m.onPushState(PushOpen, nil)
	for i := 0; i < 4; i++ {
		m.onPushState(PushErrorBackoff, errors.New("refused"))
	}

	if got := push.restartCount(); got != 0 {
		t.Fatalf("restarts = %d, want 0", got)
	}
}

func TestPushMessageTriggersFetch(t *testing.T) {
	sender := &fakeSender{respond: func(int, transport.Request) (*transport.Response, error) {
		return ok(`{}`, `"e1"`), nil
	}}
	m := newTestManager(t, sender, nil)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	m.onPushMessage(PushMessage{ETag: `"e1"`})
	time.Sleep(20 * time.Millisecond)
	if got := sender.callCount(); got != 1 {
		t.Fatalf("fetches after message for current etag = %d, want 1", got)
	}

	m.onPushMessage(PushMessage{ETag: `"e2"`})
	waitFor(t, "push-triggered fetch", func() bool { return sender.callCount() == 2 })
}

func TestFetchCoalescesConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	sender := &fakeSender{respond: func(int, transport.Request) (*transport.Response, error) {
		<-release
		return ok(`{}`, `"e1"`), nil
	}}
	m := newTestManager(t, sender, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Fetch(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := sender.callCount(); got != 1 {
		t.Fatalf("fetches = %d, want 1", got)
	}
}

func TestPushMessageRefetchesAfterStaleInFlightFetch(t *testing.T) {
	release := make(chan struct{})
	var etag atomic.Value
	etag.Store(`"e1"`)
	sender := &fakeSender{respond: func(call int, req transport.Request) (*transport.Response, error) {
		if call == 2 {
			<-release
			return status(http.StatusNotModified), nil
		}
		return ok(`{}`, etag.Load().(string)), nil
	}}
	m := newTestManager(t, sender, nil)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Fetch(context.Background()) }()
	waitFor(t, "in-flight fetch", func() bool { return sender.callCount() == 2 })

	etag.Store(`"e2"`)
	m.onPushMessage(PushMessage{ETag: `"e2"`})
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	waitFor(t, "refetch after push", func() bool { return m.cache.ETag() == `"e2"` })
	if got := sender.callCount(); got != 3 {
		t.Fatalf("fetches = %d, want 3", got)
	}
}

func TestPushMessageWithoutETagRefetchesAfterInFlightFetch(t *testing.T) {
	release := make(chan struct{})
	sender := &fakeSender{respond: func(call int, req transport.Request) (*transport.Response, error) {
		if call == 2 {
			<-release
		}
		return ok(`{}`, fmt.Sprintf(`"e%d"`, call)), nil
	}}
	m := newTestManager(t, sender, nil)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	go func() { _ = m.Fetch(context.Background()) }()
	waitFor(t, "in-flight fetch", func() bool { return sender.callCount() == 2 })

	m.onPushMessage(PushMessage{})
	close(release)

	waitFor(t, "refetch after push", func() bool { return sender.callCount() == 3 })
}

func TestNotModifiedWithoutCachedDocumentIsRetryable(t *testing.T) {
	sender := &fakeSender{respond: func(int, transport.Request) (*transport.Response, error) {
		return status(http.StatusNotModified), nil
	}}
	m := newTestManager(t, sender, nil)

	err := m.Initialize(context.Background())
	if !errors.Is(err, flagz.ErrRetryable) {
		t.Fatalf("Initialize() error = %v, want ErrRetryable", err)
	}
	if m.Initialized() {
		t.Fatal("Initialized() = true without a document")
	}
	if m.CurrentConfig() != nil {
		t.Fatal("CurrentConfig() != nil")
	}
	if m.State() == StateDisabled {
		t.Fatal("State() = disabled, want polling to continue")
	}
}

func TestInitializeStartsPushFromDocument(t *testing.T) {
	sender := &fakeSender{respond: func(call int, req transport.Request) (*transport.Response, error) {
		if call == 1 {
			return ok(`{"sse":{"hostname":"https://sse.example.com/","path":"/v1/stream?channel=a"}}`, `"e1"`), nil
		}
		return ok(`{"sse":{"hostname":"https://sse.example.com","path":"v1/stream?channel=b"}}`, `"e2"`), nil
	}}
	m := newTestManager(t, sender, func(o *Options) { o.EnableRealtimeUpdates = true })

	var push *fakePush
	m.newPush = func(uri string) streamer {
		push = newFakePush(uri)
		return push
	}

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if push == nil {
		t.Fatal("push channel not started")
	}
	<-push.running
	if got := push.URI(); got != "https://sse.example.com/v1/stream?channel=a" {
		t.Fatalf("push URI = %q", got)
	}

	if err := m.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got := push.URI(); got != "https://sse.example.com/v1/stream?channel=b" {
		t.Fatalf("push URI after new document = %q", got)
	}

	m.Close()
	push.mu.Lock()
	closed := push.closed
	push.mu.Unlock()
	if !closed {
		t.Fatal("Close() did not close the push channel")
	}
}

func TestRealtimeDisabledSkipsPush(t *testing.T) {
	sender := &fakeSender{respond: func(int, transport.Request) (*transport.Response, error) {
		return ok(`{"sse":{"hostname":"https://sse.example.com","path":"/s"}}`, `"e1"`), nil
	}}
	m := newTestManager(t, sender, nil)
	m.newPush = func(uri string) streamer {
		t.Fatal("push channel started with realtime updates disabled")
		return nil
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	sender := &fakeSender{respond: func(int, transport.Request) (*transport.Response, error) {
		return ok(`{}`, `"e1"`), nil
	}}
	m := newTestManager(t, sender, nil)
	events := &eventLog{}
	unsubscribe := m.Subscribe(events.record)
	unsubscribe()

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if got := events.get(); len(got) != 0 {
		t.Fatalf("events = %#v, want none after unsubscribe", got)
	}
}

func TestInitializeAfterClose(t *testing.T) {
	m := newTestManager(t, &fakeSender{}, nil)
	m.Close()
	if err := m.Initialize(context.Background()); !errors.Is(err, flagz.ErrClosed) {
		t.Fatalf("Initialize() error = %v, want ErrClosed", err)
	}
}
