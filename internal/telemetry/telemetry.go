package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

// maxBuffered triggers an early flush of the collector.
const maxBuffered = 100

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector buffers metrics and periodically writes them to the debug log.
// The latest value of every series is kept for the status server.
type Collector struct {
	mu       sync.RWMutex
	buffer   []Metric
	latest   map[string]Metric
	enabled  bool
	interval time.Duration
	flushCh  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	log      zerolog.Logger
}

// NewCollector creates a collector that flushes to logger at debug level.
// A zero interval disables periodic flushing.
func NewCollector(enabled bool, interval time.Duration, logger zerolog.Logger) *Collector {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Collector{
		latest:   make(map[string]Metric),
		enabled:  enabled,
		interval: interval,
		flushCh:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		log:      logger,
	}

	if enabled && interval > 0 {
		go c.periodicFlush()
	} else {
		close(c.done)
	}

	return c
}

// Counter adds value to a counter series.
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	if c == nil || !c.enabled {
		return
	}

	c.addMetric(Metric{
		Name:      name,
		Type:      Counter,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	})
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	if c == nil || !c.enabled {
		return
	}

	c.addMetric(Metric{
		Name:      name,
		Type:      Gauge,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	})
}

// Histogram records a histogram value
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	if c == nil || !c.enabled {
		return
	}

	c.addMetric(Metric{
		Name:      name,
		Type:      Histogram,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	})
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	if c == nil || !c.enabled {
		return
	}

	c.addMetric(Metric{
		Name:      name,
		Type:      Timer,
		Value:     float64(duration.Milliseconds()),
		Labels:    labels,
		Timestamp: time.Now(),
		Unit:      "ms",
	})
}

func (c *Collector) addMetric(metric Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := seriesKey(metric.Name, metric.Labels)
	if prev, ok := c.latest[key]; ok && metric.Type == Counter {
		metric.Value += prev.Value
	}
	c.buffer = append(c.buffer, metric)
	c.latest[key] = metric

	if len(c.buffer) >= maxBuffered {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// GetMetrics returns the latest value of every series.
func (c *Collector) GetMetrics() []Metric {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Metric, 0, len(c.latest))
	for _, m := range c.latest {
		result = append(result, m)
	}
	return result
}

// FlushMetrics drains the buffer into the log.
func (c *Collector) FlushMetrics() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	metrics := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	if len(metrics) == 0 {
		return nil
	}

	c.log.Debug().Int("count", len(metrics)).Msg("Flushing telemetry metrics")
	for _, metric := range metrics {
		c.log.Debug().
			Str("name", metric.Name).
			Str("type", string(metric.Type)).
			Float64("value", metric.Value).
			Interface("labels", metric.Labels).
			Time("timestamp", metric.Timestamp).
			Msg("telemetry_metric")
	}

	return nil
}

func (c *Collector) periodicFlush() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.FlushMetrics()
		case <-c.flushCh:
			_ = c.FlushMetrics()
		}
	}
}

// Shutdown stops the flush loop and writes whatever is left.
func (c *Collector) Shutdown() error {
	if c == nil {
		return nil
	}
	c.cancel()
	<-c.done
	return c.FlushMetrics()
}

func seriesKey(name string, labels map[string]string) string {
	return name + "|" + formatLabels(labels)
}
