package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// QueueStats is a point-in-time view of an event queue.
type QueueStats struct {
	Pending       int
	Capacity      int
	RetryPayloads int
}

// QueueStatsSource reports live queue statistics.
type QueueStatsSource interface {
	Stats() QueueStats
}

type queueCollector struct {
	mu  sync.Mutex
	src QueueStatsSource

	pending       *prometheus.Desc
	capacity      *prometheus.Desc
	retryPayloads *prometheus.Desc
}

// RegisterQueueMetrics registers Prometheus gauges that report live event
// queue statistics on every scrape. Registering again on the same registry
// points the existing gauges at src.
func RegisterQueueMetrics(reg prometheus.Registerer, src QueueStatsSource) error {
	err := reg.Register(&queueCollector{
		src: src,
		pending: prometheus.NewDesc(
			"flagz_event_queue_pending",
			"Number of queued events, aggregate buckets and retry payloads.",
			nil, nil,
		),
		capacity: prometheus.NewDesc(
			"flagz_event_queue_capacity",
			"Maximum number of pending entries before events are dropped.",
			nil, nil,
		),
		retryPayloads: prometheus.NewDesc(
			"flagz_event_queue_retry_payloads",
			"Number of payloads awaiting delivery.",
			nil, nil,
		),
	})

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		existing, ok := are.ExistingCollector.(*queueCollector)
		if !ok {
			return err
		}
		existing.setSource(src)
		return nil
	}
	return err
}

func (c *queueCollector) setSource(src QueueStatsSource) {
	c.mu.Lock()
	c.src = src
	c.mu.Unlock()
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pending
	ch <- c.capacity
	ch <- c.retryPayloads
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	src := c.src
	c.mu.Unlock()
	stat := src.Stats()

	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(stat.Pending))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(stat.Capacity))
	ch <- prometheus.MustNewConstMetric(c.retryPayloads, prometheus.GaugeValue, float64(stat.RetryPayloads))
}
