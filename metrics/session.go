package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/fhevm-session/interfaces"
)

// Instance construction paths.
const (
	PathSimulated  = "simulated"
	PathProduction = "production"
)

// Authorization cache results.
const (
	AuthHit      = "hit"
	AuthMiss     = "miss"
	AuthExpired  = "expired"
	AuthMismatch = "mismatch"
	AuthSigned   = "signed"
	AuthError    = "error"
)

// Public key cache sources.
const (
	KeyFromMemory  = "memory"
	KeyFromStorage = "storage"
	KeyFetched     = "fetched"
)

// SessionMetrics counts instance and authorization cache activity. A nil
// *SessionMetrics records nothing.
type SessionMetrics struct {
	instanceConstructions *prometheus.CounterVec
	instanceCacheHits     *prometheus.CounterVec
	instanceFailures      *prometheus.CounterVec
	authorizations        *prometheus.CounterVec
	publicKeys            *prometheus.CounterVec
}

// NewSessionMetrics creates the session metrics and registers them with reg.
func NewSessionMetrics(namespace string, reg prometheus.Registerer) (*SessionMetrics, error) {
	m := &SessionMetrics{
		instanceConstructions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "constructions_total",
			Help:      "Instances constructed, by network and path",
		}, []string{"network", "path"}),
		instanceCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "cache_hits_total",
			Help:      "Acquisitions served from the instance cache",
		}, []string{"network"}),
		instanceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "failures_total",
			Help:      "Failed acquisitions, by network and error code",
		}, []string{"network", "code"}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authorization",
			Name:      "results_total",
			Help:      "Authorization cache lookups by result",
		}, []string{"result"}),
		publicKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "public_key",
			Name:      "lookups_total",
			Help:      "Public key lookups by source",
		}, []string{"source"}),
	}

	for _, c := range []prometheus.Collector{
		m.instanceConstructions,
		m.instanceCacheHits,
		m.instanceFailures,
		m.authorizations,
		m.publicKeys,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *SessionMetrics) InstanceConstructed(id interfaces.NetworkID, path string) {
	if m == nil {
		return
	}
	m.instanceConstructions.WithLabelValues(id.String(), path).Inc()
}

func (m *SessionMetrics) InstanceCacheHit(id interfaces.NetworkID) {
	if m == nil {
		return
	}
	m.instanceCacheHits.WithLabelValues(id.String()).Inc()
}

// InstanceFailed records a failed acquisition. Uncoded errors use "unknown".
func (m *SessionMetrics) InstanceFailed(id interfaces.NetworkID, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.instanceFailures.WithLabelValues(id.String(), code).Inc()
}

func (m *SessionMetrics) Authorization(result string) {
	if m == nil {
		return
	}
	m.authorizations.WithLabelValues(result).Inc()
}

func (m *SessionMetrics) PublicKey(source string) {
	if m == nil {
		return
	}
	m.publicKeys.WithLabelValues(source).Inc()
}
