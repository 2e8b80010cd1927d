package configsync

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flagz-sdk/internal/logging"
	"github.com/matt-riley/flagz-sdk/internal/retry"
	"github.com/matt-riley/flagz-sdk/internal/transport"
)

// PushState is the connection state of a PushChannel.
type PushState int

const (
	PushConnecting PushState = iota
	PushOpen
	PushClosed
	PushErrorBackoff
)

var pushStateNames = []string{"connecting", "open", "closed", "error_backoff"}

func (s PushState) String() string {
	if int(s) < len(pushStateNames) {
		return pushStateNames[s]
	}
	return fmt.Sprintf("PushState(%d)", int(s))
}

// PushHandler receives push channel callbacks. Callbacks run on the channel's
// goroutine and must not block.
type PushHandler struct {
	OnState   func(state PushState, err error)
	OnMessage func(msg PushMessage)
}

// PushOptions configures a PushChannel.
type PushOptions struct {
	// HTTPClient must not set a Timeout; the stream is long-lived.
	HTTPClient *http.Client
	Policy     *retry.Policy
	Logger     *slog.Logger
}

// PushChannel holds a server-sent event stream open and reconnects with
// backoff when it drops.
type PushChannel struct {
	httpClient *http.Client
	policy     *retry.Policy
	handler    PushHandler
	logger     *slog.Logger

	restartCh chan struct{}

	mu         sync.Mutex
	uri        string
	cancelConn context.CancelFunc
	stop       context.CancelFunc
	closed     bool
}

// NewPushChannel returns a channel for uri. Call Run to connect.
func NewPushChannel(uri string, handler PushHandler, opts PushOptions) *PushChannel {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	policy := opts.Policy
	if policy == nil {
		policy = retry.NewPolicy()
	}
	return &PushChannel{
		httpClient: hc,
		policy:     policy,
		handler:    handler,
		logger:     logging.Component(opts.Logger, "push"),
		restartCh:  make(chan struct{}, 1),
		uri:        uri,
	}
}

// URI returns the stream URI the next connection attempt will use.
func (p *PushChannel) URI() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uri
}

// Restart drops the current connection and reconnects immediately, against
// uri when it is non-empty.
func (p *PushChannel) Restart(uri string) {
	p.mu.Lock()
	if uri != "" {
		p.uri = uri
	}
	cancel := p.cancelConn
	p.mu.Unlock()

	select {
	case p.restartCh <- struct{}{}:
	default:
	}
	if cancel != nil {
		cancel()
	}
}

// Close stops the channel permanently.
func (p *PushChannel) Close() {
	p.mu.Lock()
	p.closed = true
	stop := p.stop
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Run connects and reconnects until ctx is done or Close is called.
func (p *PushChannel) Run(ctx context.Context) {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.stop = stop
	p.mu.Unlock()

	b := p.policy.NewBackOff()
	for {
		connCtx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.cancelConn = cancel
		uri := p.uri
		p.mu.Unlock()

		p.report(PushConnecting, nil)
		err := p.connect(connCtx, uri, b.Reset)
		cancel()

		if ctx.Err() != nil {
			p.report(PushClosed, nil)
			return
		}
		if p.takeRestart() {
			continue
		}

		if err != nil {
			p.logger.Warn("push channel error", "uri", uri, "error", err)
			p.report(PushErrorBackoff, err)
		} else {
			p.report(PushClosed, nil)
		}

		wait := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			wait.Stop()
			p.report(PushClosed, nil)
			return
		case <-p.restartCh:
			wait.Stop()
		case <-wait.C:
		}
	}
}

func (p *PushChannel) takeRestart() bool {
	select {
	case <-p.restartCh:
		return true
	default:
		return false
	}
}

func (p *PushChannel) connect(ctx context.Context, uri string, onOpen func()) error {
	if strings.TrimSpace(uri) == "" {
		return fmt.Errorf("push: no stream uri")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("push: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push: connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &transport.APIError{StatusCode: resp.StatusCode}
	}

	onOpen()
	p.report(PushOpen, nil)

	br := bufio.NewReaderSize(resp.Body, 1<<16)
	return parseSSE(ctx, br, func(msg PushMessage) {
		if p.handler.OnMessage != nil {
			p.handler.OnMessage(msg)
		}
	})
}

func (p *PushChannel) report(state PushState, err error) {
	if p.handler.OnState != nil {
		p.handler.OnState(state, err)
	}
}
