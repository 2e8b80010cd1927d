// Package events queues usage events and delivers them in batches.
//
// Custom events are kept per user until the next flush. Aggregate events are
// merged into counters in an AggregateTable. A flush moves both into a
// payload on the retry list and sends every payload on that list; a payload
// leaves the list only when the origin accepts it or rejects it outright.
//
// The queue is bounded: pending user events, aggregate records and retry
// payloads together may not exceed MaxEventsInQueue. Locks are always taken
// in the order users, aggregate, retry and never held across a send.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	flagz "github.com/matt-riley/flagz-sdk"
	"github.com/matt-riley/flagz-sdk/internal/logging"
	"github.com/matt-riley/flagz-sdk/internal/metrics"
	"github.com/matt-riley/flagz-sdk/internal/retry"
	"github.com/matt-riley/flagz-sdk/internal/tracing"
	"github.com/matt-riley/flagz-sdk/internal/transport"
)

const (
	DefaultFlushInterval       = 10 * time.Second
	DefaultFlushDebounce       = time.Second
	DefaultMaxEventsInQueue    = 2000
	DefaultFlushEventQueueSize = 1000
	DefaultFlushBatchSize      = 100

	batchPath = "/v1/events/batch"
)

// UserEventBatch is the events of one user inside a payload.
type UserEventBatch struct {
	User   flagz.User    `json:"user"`
	Events []flagz.Event `json:"events"`
}

// Payload is one publish request. It stays on the retry list until it is
// delivered or rejected.
type Payload struct {
	ID       uuid.UUID
	Batches  []UserEventBatch
	Attempts int
}

func (p *Payload) eventCount() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b.Events)
	}
	return n
}

type wireBatch struct {
	Batch []UserEventBatch `json:"batch"`
}

// Options configures a Queue.
type Options struct {
	// Sender publishes payloads. Required.
	Sender transport.Sender
	Policy *retry.Policy

	// FlushInterval is the period of the background flush. Negative
	// disables it.
	FlushInterval time.Duration
	// FlushDebounce delays scheduled flushes.
	FlushDebounce time.Duration
	// MaxEventsInQueue bounds pending entries; further events are dropped.
	MaxEventsInQueue int
	// FlushEventQueueSize schedules a flush once this many entries pend.
	FlushEventQueueSize int
	// FlushBatchSize is the maximum number of users per payload.
	FlushBatchSize int

	DisableAutomaticEvents bool
	DisableCustomEvents    bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Queue buffers events and flushes them to the events endpoint.
type Queue struct {
	opts    Options
	sender  transport.Sender
	policy  *retry.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// size counts pending user events, aggregate records and retry
	// payloads. Slots are reserved by CAS before an event is stored.
	size atomic.Int64

	userMu  sync.Mutex
	pending map[string]*UserEventBatch

	aggMu sync.Mutex
	agg   *AggregateTable

	retryMu sync.Mutex
	retry   []*Payload

	flushing *semaphore.Weighted
	sched    *scheduler

	subMu   sync.Mutex
	subs    map[int]func(flagz.FlushResult)
	nextSub int

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue returns a Queue and starts its background flush.
func NewQueue(opts Options) (*Queue, error) {
	if opts.Sender == nil {
		return nil, errors.New("events: sender is required")
	}
	if opts.FlushInterval == 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.FlushDebounce <= 0 {
		opts.FlushDebounce = DefaultFlushDebounce
	}
	if opts.MaxEventsInQueue <= 0 {
		opts.MaxEventsInQueue = DefaultMaxEventsInQueue
	}
	if opts.FlushEventQueueSize <= 0 {
		opts.FlushEventQueueSize = DefaultFlushEventQueueSize
	}
	if opts.FlushEventQueueSize > opts.MaxEventsInQueue {
		opts.FlushEventQueueSize = opts.MaxEventsInQueue
	}
	if opts.FlushBatchSize <= 0 {
		opts.FlushBatchSize = DefaultFlushBatchSize
	}
	if opts.Policy == nil {
		opts.Policy = retry.NewPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		opts:     opts,
		sender:   opts.Sender,
		policy:   opts.Policy,
		logger:   logging.Component(opts.Logger, "events"),
		metrics:  opts.Metrics,
		now:      opts.Now,
		pending:  make(map[string]*UserEventBatch),
		agg:      NewAggregateTable(),
		flushing: semaphore.NewWeighted(1),
		subs:     make(map[int]func(flagz.FlushResult)),
		ctx:      ctx,
		cancel:   cancel,
	}
	q.sched = newScheduler(opts.FlushDebounce, func() { _ = q.FlushEvents(q.ctx) })

	if opts.FlushInterval > 0 {
		q.wg.Add(1)
		go q.flushLoop(opts.FlushInterval)
	}
	return q, nil
}

func (q *Queue) flushLoop(interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			_ = q.FlushEvents(q.ctx)
		}
	}
}

// QueueEvent records a one-shot event for user.
func (q *Queue) QueueEvent(user flagz.User, event flagz.Event) error {
	if q.closed.Load() {
		return flagz.ErrClosed
	}
	if user.UserID == "" {
		return flagz.ErrInvalidUser
	}
	if event.Type == "" {
		return flagz.ErrInvalidEvent
	}
	automatic := isAutomatic(event.Type)
	if (automatic && q.opts.DisableAutomaticEvents) || (!automatic && q.opts.DisableCustomEvents) {
		return nil
	}
	if !q.reserve() {
		return q.drop(event)
	}

	if event.ClientDate.IsZero() {
		event.ClientDate = q.now()
	}

	q.userMu.Lock()
	batch, ok := q.pending[user.UserID]
	if !ok {
		batch = &UserEventBatch{}
		q.pending[user.UserID] = batch
	}
	batch.User = user
	batch.Events = append(batch.Events, event)
	q.userMu.Unlock()

	kind := "custom"
	if automatic {
		kind = "automatic"
	}
	q.metrics.IncEventsQueued(kind)
	q.maybeSchedule()
	return nil
}

// QueueAggregateEvent records one occurrence of an aggregate event. The
// event is stamped with Value 1 and the current time; repeated occurrences
// for the same user, feature assignments, type and target are merged.
func (q *Queue) QueueAggregateEvent(user flagz.User, event flagz.Event, featureVars map[string]string) error {
	if q.closed.Load() {
		return flagz.ErrClosed
	}
	if user.UserID == "" {
		return flagz.ErrInvalidUser
	}
	if event.Type == "" || event.Target == "" {
		return flagz.ErrInvalidEvent
	}
	if q.opts.DisableAutomaticEvents {
		return nil
	}
	if !q.reserve() {
		return q.drop(event)
	}

	event.Value = 1
	event.ClientDate = q.now()

	q.aggMu.Lock()
	created := q.agg.AddEvent(user, event, featureVars)
	q.aggMu.Unlock()

	if !created {
		q.size.Add(-1)
	}
	q.metrics.IncEventsQueued("aggregate")
	q.maybeSchedule()
	return nil
}

func (q *Queue) reserve() bool {
	limit := int64(q.opts.MaxEventsInQueue)
	for {
		cur := q.size.Load()
		if cur >= limit {
			return false
		}
		if q.size.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (q *Queue) drop(event flagz.Event) error {
	q.metrics.AddEventsDropped("queue_full", 1)
	q.logger.Warn("event queue full, dropping event",
		"type", event.Type,
		"target", event.Target,
		"max_events", q.opts.MaxEventsInQueue,
	)
	q.sched.Schedule(true)
	return flagz.ErrQueueFull
}

func (q *Queue) maybeSchedule() {
	if q.size.Load() >= int64(q.opts.FlushEventQueueSize) {
		q.sched.Schedule(false)
	}
}

// ScheduleFlush requests a debounced flush. See scheduler for the rules.
func (q *Queue) ScheduleFlush(force bool) {
	q.sched.Schedule(force)
}

// FlushEvents moves pending events into a payload and sends every payload on
// the retry list. Only one flush runs at a time; a concurrent call waits for
// the running one. Subscribers are notified of the outcome in all cases.
func (q *Queue) FlushEvents(ctx context.Context) (err error) {
	if err := q.flushing.Acquire(ctx, 1); err != nil {
		return err
	}
	defer q.flushing.Release(1)

	ctx, span := tracing.Start(ctx, "flagz.events.flush")
	defer func() { tracing.End(span, err) }()
	start := time.Now()

	q.collect()

	q.retryMu.Lock()
	payloads := make([]*Payload, len(q.retry))
	copy(payloads, q.retry)
	q.retryMu.Unlock()

	span.SetAttributes(attribute.Int("flagz.events.payloads", len(payloads)))
	if len(payloads) == 0 {
		q.logger.Debug("flush skipped, no events queued")
		q.notify(flagz.FlushResult{Success: true})
		return nil
	}

	var errs []error
	retryAttempts := 0
	for _, p := range payloads {
		sendErr := q.send(ctx, p)
		switch {
		case sendErr == nil:
			q.remove(p)
			q.metrics.IncFlushes(metrics.FlushSuccess)
			q.logger.Debug("payload delivered", "payload_id", p.ID, "events", p.eventCount())
		case ctx.Err() != nil || q.policy.Retryable(sendErr):
			q.retryMu.Lock()
			p.Attempts++
			retryAttempts = max(retryAttempts, p.Attempts)
			q.retryMu.Unlock()
			errs = append(errs, sendErr)
			q.metrics.IncFlushes(metrics.FlushRetry)
			q.logger.Warn("payload delivery failed, will retry", "payload_id", p.ID, "attempts", p.Attempts, "error", sendErr)
		default:
			q.remove(p)
			errs = append(errs, sendErr)
			q.metrics.IncFlushes(metrics.FlushDropped)
			q.metrics.AddEventsDropped("rejected", p.eventCount())
			q.logger.Error("payload rejected, dropping", "payload_id", p.ID, "events", p.eventCount(), "error", sendErr)
		}
	}
	q.metrics.ObserveFlush(time.Since(start))

	if retryAttempts > 0 && ctx.Err() == nil {
		q.sched.ScheduleAfter(q.policy.Delay(retryAttempts))
	}
	q.notify(flagz.FlushResult{Success: len(errs) == 0, Errors: errs})
	return errors.Join(errs...)
}

// collect clears the user and aggregate tables into payloads on the retry
// list.
func (q *Queue) collect() {
	q.userMu.Lock()
	q.aggMu.Lock()

	userEvents := 0
	merged := make(map[string]*UserEventBatch, len(q.pending))
	order := make([]string, 0, len(q.pending))
	for id, b := range q.pending {
		userEvents += len(b.Events)
		merged[id] = &UserEventBatch{User: b.User, Events: b.Events}
		order = append(order, id)
	}
	aggRecords := q.agg.Len()
	for _, b := range q.agg.Batches() {
		if existing, ok := merged[b.User.UserID]; ok {
			existing.Events = append(existing.Events, b.Events...)
			continue
		}
		bb := b
		merged[b.User.UserID] = &bb
		order = append(order, b.User.UserID)
	}

	q.pending = make(map[string]*UserEventBatch)
	q.agg.Clear()

	q.aggMu.Unlock()
	q.userMu.Unlock()

	if len(order) == 0 {
		return
	}
	sort.Strings(order)

	var payloads []*Payload
	for start := 0; start < len(order); start += q.opts.FlushBatchSize {
		end := min(start+q.opts.FlushBatchSize, len(order))
		p := &Payload{ID: uuid.New(), Batches: make([]UserEventBatch, 0, end-start)}
		for _, id := range order[start:end] {
			p.Batches = append(p.Batches, *merged[id])
		}
		payloads = append(payloads, p)
	}

	q.retryMu.Lock()
	q.retry = append(q.retry, payloads...)
	q.retryMu.Unlock()

	q.size.Add(int64(len(payloads) - userEvents - aggRecords))
}

func (q *Queue) send(ctx context.Context, p *Payload) error {
	body, err := json.Marshal(wireBatch{Batch: p.Batches})
	if err != nil {
		return fmt.Errorf("%w: events: encode payload: %w", flagz.ErrNonRetryable, err)
	}
	resp, err := q.sender.Send(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   batchPath,
		Header: http.Header{"X-Request-Id": []string{p.ID.String()}},
		Body:   body,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusCreated {
		return nil
	}
	if err := resp.Err(); err != nil {
		return err
	}
	return &transport.APIError{StatusCode: resp.StatusCode, Message: "unexpected status"}
}

func (q *Queue) remove(p *Payload) {
	q.retryMu.Lock()
	defer q.retryMu.Unlock()
	for i, candidate := range q.retry {
		if candidate == p {
			q.retry = append(q.retry[:i], q.retry[i+1:]...)
			q.size.Add(-1)
			return
		}
	}
}

// Subscribe registers fn for flush outcomes. The returned function removes it.
func (q *Queue) Subscribe(fn func(flagz.FlushResult)) func() {
	q.subMu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	q.subMu.Unlock()

	return func() {
		q.subMu.Lock()
		delete(q.subs, id)
		q.subMu.Unlock()
	}
}

func (q *Queue) notify(res flagz.FlushResult) {
	q.subMu.Lock()
	subs := make([]func(flagz.FlushResult), 0, len(q.subs))
	for _, fn := range q.subs {
		subs = append(subs, fn)
	}
	q.subMu.Unlock()

	for _, fn := range subs {
		fn(res)
	}
}

// Pending returns the number of pending entries counted against the bound.
func (q *Queue) Pending() int {
	return int(q.size.Load())
}

// Stats implements metrics.QueueStatsSource.
func (q *Queue) Stats() metrics.QueueStats {
	q.retryMu.Lock()
	retrying := len(q.retry)
	q.retryMu.Unlock()
	return metrics.QueueStats{
		Pending:       q.Pending(),
		Capacity:      q.opts.MaxEventsInQueue,
		RetryPayloads: retrying,
	}
}

// Close stops background flushing and performs a final flush with ctx.
// Events queued after Close return flagz.ErrClosed.
func (q *Queue) Close(ctx context.Context) error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	q.cancel()
	q.sched.Stop()
	q.wg.Wait()
	return q.FlushEvents(ctx)
}

func isAutomatic(eventType string) bool {
	switch eventType {
	case flagz.EventTypeVariableEvaluated,
		flagz.EventTypeVariableDefaulted,
		flagz.EventTypeAggVariableEvaluated,
		flagz.EventTypeAggVariableDefaulted:
		return true
	}
	return false
}
