package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/yuuki/rshmem/internal/rdma"
	"github.com/yuuki/rshmem/internal/wire"
)

// PrometheusOptions configures NewPrometheus.
type PrometheusOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ rdma.MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements rdma.MetricHook with Prometheus collectors.
type PrometheusMetrics struct {
	posted       *prometheus.CounterVec
	bytes        *prometheus.CounterVec
	drained      *prometheus.CounterVec
	drainTime    *prometheus.HistogramVec
	failed       *prometheus.CounterVec
	backpressure *prometheus.CounterVec
	occupancy    *prometheus.GaugeVec
	timeouts     *prometheus.CounterVec
}

var (
	queuePairLabelKeys = []string{"peer", "qp"}
	opLabelKeys        = []string{"peer", "qp", "op"}
	statusLabelKeys    = []string{"peer", "qp", "status"}
)

// NewPrometheus constructs a metric hook registered with opts.Registerer, or
// the default registerer when unset.
func NewPrometheus(opts PrometheusOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		posted:  counter("rshmem_work_posted_total", "Number of work entries posted", opLabelKeys),
		bytes:   counter("rshmem_work_bytes_total", "Bytes carried by posted work entries", opLabelKeys),
		drained: counter("rshmem_completions_drained_total", "Number of completion entries consumed", queuePairLabelKeys),
		drainTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rshmem_completion_drain_seconds",
			Help:        "Time spent waiting for completions per poll",
			ConstLabels: opts.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, queuePairLabelKeys),
		failed:       counter("rshmem_completions_failed_total", "Number of completions with an error status", statusLabelKeys),
		backpressure: counter("rshmem_backpressure_total", "Number of posts that had to drain completions first", queuePairLabelKeys),
		occupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rshmem_backpressure_occupancy",
			Help:        "Send queue occupancy at the last backpressure drain",
			ConstLabels: opts.ConstLabels,
		}, queuePairLabelKeys),
		timeouts: counter("rshmem_poll_timeouts_total", "Number of polls that hit their deadline", queuePairLabelKeys),
	}

	var err error
	if p.posted, err = register(reg, p.posted); err != nil {
		return nil, err
	}
	if p.bytes, err = register(reg, p.bytes); err != nil {
		return nil, err
	}
	if p.drained, err = register(reg, p.drained); err != nil {
		return nil, err
	}
	if p.drainTime, err = register(reg, p.drainTime); err != nil {
		return nil, err
	}
	if p.failed, err = register(reg, p.failed); err != nil {
		return nil, err
	}
	if p.backpressure, err = register(reg, p.backpressure); err != nil {
		return nil, err
	}
	if p.occupancy, err = register(reg, p.occupancy); err != nil {
		return nil, err
	}
	if p.timeouts, err = register(reg, p.timeouts); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PrometheusMetrics) WorkPosted(peer, qp uint32, op wire.Opcode, bytes uint32) {
	p.posted.WithLabelValues(label(peer), label(qp), op.String()).Inc()
	p.bytes.WithLabelValues(label(peer), label(qp), op.String()).Add(float64(bytes))
}

func (p *PrometheusMetrics) CompletionsDrained(peer, qp uint32, n uint32, elapsed time.Duration) {
	p.drained.WithLabelValues(label(peer), label(qp)).Add(float64(n))
	p.drainTime.WithLabelValues(label(peer), label(qp)).Observe(elapsed.Seconds())
}

func (p *PrometheusMetrics) CompletionFailed(peer, qp uint32, status rdma.Status) {
	p.failed.WithLabelValues(label(peer), label(qp), status.String()).Inc()
}

func (p *PrometheusMetrics) Backpressure(peer, qp uint32, occupancy uint32) {
	p.backpressure.WithLabelValues(label(peer), label(qp)).Inc()
	p.occupancy.WithLabelValues(label(peer), label(qp)).Set(float64(occupancy))
}

func (p *PrometheusMetrics) PollTimedOut(peer, qp uint32) {
	p.timeouts.WithLabelValues(label(peer), label(qp)).Inc()
}

// register adds c to reg, returning the collector already registered under
// the same descriptor when there is one.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}

func label(v uint32) string { return strconv.FormatUint(uint64(v), 10) }
