package pool

import (
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "reqpool"

type metrics struct {
	dispatches *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	memoHits   prometheus.Counter
	cacheHits  prometheus.Counter
	failures   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, poolName string) (*metrics, error) {
	labels := prometheus.Labels{"pool": poolName}
	m := &metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "dispatches_total",
			Help:        "Network calls issued by the pool, by method and outcome.",
			ConstLabels: labels,
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "dispatch_duration_seconds",
			Help:        "Latency of network calls issued by the pool.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method"}),
		memoHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "memo_hits_total",
			Help:        "Resolutions answered from the resolved-value table.",
			ConstLabels: labels,
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "response_cache_hits_total",
			Help:        "Dispatches avoided by the response cache.",
			ConstLabels: labels,
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "resolve_failures_total",
			Help:        "Failed resolutions at their origin, by error class.",
			ConstLabels: labels,
		}, []string{"kind"}),
	}

	var err error
	if m.dispatches, err = register(reg, m.dispatches); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.memoHits, err = register(reg, m.memoHits); err != nil {
		return nil, err
	}
	if m.cacheHits, err = register(reg, m.cacheHits); err != nil {
		return nil, err
	}
	if m.failures, err = register(reg, m.failures); err != nil {
		return nil, err
	}
	return m, nil
}

// register reuses a collector that is already registered under the same
// descriptor, so several pools with one name can share a registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if reg == nil {
		return c, nil
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, errors.Wrap(err, "register pool metrics")
	}
	return c, nil
}

func (m *metrics) observeDispatch(method string, err error, elapsed time.Duration) {
	m.dispatches.WithLabelValues(method, ErrorKind(err)).Inc()
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *metrics) observeFailure(err error) {
	m.failures.WithLabelValues(ErrorKind(err)).Inc()
}

// ErrorKind maps an error to a stable class name, "ok" for nil.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCycleDetected):
		return "cycle"
	case errors.Is(err, ErrUndefinedRequest):
		return "undefined"
	case errors.Is(err, ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, ErrURLBuild):
		return "url_build"
	case errors.Is(err, ErrJSONDecode):
		return "json_decode"
	case errors.Is(err, ErrNetwork):
		return "network"
	default:
		return "other"
	}
}
