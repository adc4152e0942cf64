package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for tag transitions, credits,
// advisor assignments and the expiry sweep. All methods are nil-safe.
type Metrics struct {
	transitions      *prometheus.CounterVec
	transitionTime   *prometheus.HistogramVec
	creditsGranted   prometheus.Counter
	creditsAmount    prometheus.Counter
	assignments      *prometheus.CounterVec
	sweepDeactivated prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the instance registered with the global Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered under the same name.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tagbox",
			Subsystem: "tags",
			Name:      "transitions_total",
			Help:      "Tag registry operations by result.",
		}, []string{"op", "result"}),
		transitionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tagbox",
			Subsystem: "tags",
			Name:      "transition_duration_seconds",
			Help:      "Duration of tag registry operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		creditsGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tagbox",
			Subsystem: "credits",
			Name:      "granted_total",
			Help:      "Credit ledger entries appended on first activation.",
		}),
		creditsAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tagbox",
			Subsystem: "credits",
			Name:      "granted_amount_total",
			Help:      "Sum of credit amounts granted on first activation.",
		}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tagbox",
			Subsystem: "advisor",
			Name:      "assignments_total",
			Help:      "Advisor assignment runs by outcome reason.",
		}, []string{"reason"}),
		sweepDeactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tagbox",
			Subsystem: "sweeper",
			Name:      "deactivated_total",
			Help:      "Tags deactivated by the expiry sweep.",
		}),
	}

	m.transitions = register(reg, m.transitions)
	m.transitionTime = register(reg, m.transitionTime)
	m.creditsGranted = register(reg, m.creditsGranted)
	m.creditsAmount = register(reg, m.creditsAmount)
	m.assignments = register(reg, m.assignments)
	m.sweepDeactivated = register(reg, m.sweepDeactivated)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) ObserveTransition(op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op, result).Inc()
	m.transitionTime.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) IncCreditGranted(amount int64) {
	if m == nil {
		return
	}
	m.creditsGranted.Inc()
	m.creditsAmount.Add(float64(amount))
}

func (m *Metrics) IncAssignment(reason string) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(reason).Inc()
}

func (m *Metrics) AddSweepDeactivated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepDeactivated.Add(float64(n))
}
