package report

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v4"

	"tokensync/internal/model"
)

// Collector counts engine activity for prometheus and keeps a rolling
// per-minute ring so Metrics can report recent throughput. All methods
// are nil-safe so wiring metrics stays optional.
type Collector struct {
	eventsProcessed *prometheus.CounterVec
	batchesTotal    *prometheus.CounterVec
	blocksBehind    prometheus.Gauge

	buckets *xsync.Map[int64, *xsync.Counter]
	now     func() time.Time
}

func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Collector{
		eventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokensync_events_processed_total",
			Help: "Chain events fed through the processor, by outcome.",
		}, []string{"outcome"}),
		batchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokensync_batches_total",
			Help: "Dispatched batches by terminal status.",
		}, []string{"status"}),
		blocksBehind: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tokensync_blocks_behind",
			Help: "Distance between chain head and the sync cursor.",
		}),
		buckets: xsync.NewMap[int64, *xsync.Counter](),
		now:     time.Now,
	}
}

// EventProcessed records one processor outcome.
func (c *Collector) EventProcessed(outcome model.ProcessOutcome) {
	if c == nil {
		return
	}
	c.eventsProcessed.WithLabelValues(string(outcome)).Inc()
	if outcome == model.OutcomeSkipped {
		return
	}

	minute := c.now().Unix() / 60
	counter, _ := c.buckets.LoadOrCompute(minute, func() (*xsync.Counter, bool) {
		return xsync.NewCounter(), false
	})
	counter.Inc()

	// Drop buckets older than the longest reporting window.
	c.buckets.Range(func(key int64, _ *xsync.Counter) bool {
		if key < minute-6 {
			c.buckets.Delete(key)
		}
		return true
	})
}

// BatchFinished records one batch reaching a terminal status.
func (c *Collector) BatchFinished(status model.BatchStatus) {
	if c == nil {
		return
	}
	c.batchesTotal.WithLabelValues(string(status)).Inc()
}

// SetBlocksBehind updates the lag gauge.
func (c *Collector) SetBlocksBehind(behind uint64) {
	if c == nil {
		return
	}
	c.blocksBehind.Set(float64(behind))
}

// throughput sums processed events over the last given number of minutes.
func (c *Collector) throughput(minutes int64) int64 {
	if c == nil {
		return 0
	}
	cutoff := c.now().Unix()/60 - minutes
	var total int64
	c.buckets.Range(func(key int64, counter *xsync.Counter) bool {
		if key > cutoff {
			total += counter.Value()
		}
		return true
	})
	return total
}
