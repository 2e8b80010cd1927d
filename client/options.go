package client

import (
	"log/slog"
	"net/http"
	"time"

	flagz "github.com/matt-riley/flagz-sdk"
	"github.com/matt-riley/flagz-sdk/internal/bucketing"
	"github.com/matt-riley/flagz-sdk/internal/metrics"
	"github.com/matt-riley/flagz-sdk/internal/retry"
	"github.com/matt-riley/flagz-sdk/internal/transport"
)

const (
	DefaultConfigBaseURL = "https://config.flagz.dev"
	DefaultEventsBaseURL = "https://events.flagz.dev"
)

// Option configures a Client.
type Option func(*settings)

type settings struct {
	configBaseURL string
	eventsBaseURL string
	httpClient    *http.Client
	configSender  transport.Sender
	eventsSender  transport.Sender

	pollInterval     time.Duration
	idlePollInterval time.Duration
	requestTimeout   time.Duration
	realtimeUpdates  bool
	pushURI          string

	flushInterval       time.Duration
	flushDebounce       time.Duration
	maxEventsInQueue    int
	flushEventQueueSize int
	flushBatchSize      int
	disableAutomatic    bool
	disableCustom       bool

	bucketer      bucketing.Bucketer
	policy        *retry.Policy
	logger        *slog.Logger
	metrics       *metrics.Metrics
	onInitialized func(flagz.InitializedEvent)
}

func defaultSettings() settings {
	return settings{
		configBaseURL:   DefaultConfigBaseURL,
		eventsBaseURL:   DefaultEventsBaseURL,
		realtimeUpdates: true,
	}
}

// WithConfigBaseURL sets the origin serving configuration documents.
func WithConfigBaseURL(u string) Option {
	return func(s *settings) { s.configBaseURL = u }
}

// WithEventsBaseURL sets the origin accepting event batches.
func WithEventsBaseURL(u string) Option {
	return func(s *settings) { s.eventsBaseURL = u }
}

// WithHTTPClient sets the HTTP client used for fetches, event delivery and
// the push channel.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *settings) { s.httpClient = hc }
}

// WithConfigSender replaces the transport used for configuration fetches.
func WithConfigSender(sender transport.Sender) Option {
	return func(s *settings) { s.configSender = sender }
}

// WithEventsSender replaces the transport used for event delivery.
func WithEventsSender(sender transport.Sender) Option {
	return func(s *settings) { s.eventsSender = sender }
}

func WithPollInterval(d time.Duration) Option {
	return func(s *settings) { s.pollInterval = d }
}

// WithIdlePollInterval sets the polling interval used while the push
// channel is open.
func WithIdlePollInterval(d time.Duration) Option {
	return func(s *settings) { s.idlePollInterval = d }
}

// WithRequestTimeout bounds a single configuration fetch. It defaults to the
// poll interval.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *settings) { s.requestTimeout = d }
}

// WithRealtimeUpdates toggles the push channel. It is on by default.
func WithRealtimeUpdates(enabled bool) Option {
	return func(s *settings) { s.realtimeUpdates = enabled }
}

// WithPushURI overrides the stream location advertised by the configuration.
func WithPushURI(uri string) Option {
	return func(s *settings) { s.pushURI = uri }
}

// WithFlushInterval sets the background flush period. Negative disables the
// background flush.
func WithFlushInterval(d time.Duration) Option {
	return func(s *settings) { s.flushInterval = d }
}

func WithFlushDebounce(d time.Duration) Option {
	return func(s *settings) { s.flushDebounce = d }
}

// WithMaxEventsInQueue bounds pending events; further events are dropped.
func WithMaxEventsInQueue(n int) Option {
	return func(s *settings) { s.maxEventsInQueue = n }
}

// WithFlushEventQueueSize schedules a flush once n entries are pending.
func WithFlushEventQueueSize(n int) Option {
	return func(s *settings) { s.flushEventQueueSize = n }
}

// WithFlushBatchSize sets the maximum number of users per event payload.
func WithFlushBatchSize(n int) Option {
	return func(s *settings) { s.flushBatchSize = n }
}

// WithAutomaticEventsDisabled stops evaluation events from being recorded.
func WithAutomaticEventsDisabled() Option {
	return func(s *settings) { s.disableAutomatic = true }
}

// WithCustomEventsDisabled makes Track a no-op.
func WithCustomEventsDisabled() Option {
	return func(s *settings) { s.disableCustom = true }
}

// WithBucketer replaces the reference bucketing engine. The bucketer is
// wrapped so that it is never called concurrently.
func WithBucketer(b bucketing.Bucketer) Option {
	return func(s *settings) { s.bucketer = b }
}

func WithRetryPolicy(p *retry.Policy) Option {
	return func(s *settings) { s.policy = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithMetrics records SDK metrics in m and registers the event queue gauges
// in its registry. When several clients share m the gauges follow the most
// recently created one.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithOnInitialized registers fn before the first fetch so that the first
// outcome is never missed.
func WithOnInitialized(fn func(flagz.InitializedEvent)) Option {
	return func(s *settings) { s.onInitialized = fn }
}
