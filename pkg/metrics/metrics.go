// Package metrics exposes the node's protocol counters as Prometheus
// collectors, grounded on the package-level promauto pattern other
// retrieved repos use for the same purpose (global registration at
// package init, one promauto.New*Vec per concern, small Record*/With*
// helper functions on top).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snp-net/snp-core/pkg/envelope"
)

var (
	sessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snp_sessions_created_total",
		Help: "Total number of sessions established via a new X2DH handshake.",
	})

	sessionsRatchetedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snp_sessions_ratcheted_total",
		Help: "Total number of DH ratchet steps performed across all sessions.",
	})

	messagesDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snp_messages_dispatched_total",
		Help: "Total number of decrypted messages handed to an application handler, by type tag.",
	}, []string{"type_tag"})

	rejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snp_rejects_total",
		Help: "Total number of inbound messages rejected before dispatch, by reason.",
	}, []string{"reason"})

	preKeysRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "snp_prekeys_remaining",
		Help: "Number of unconsumed one-time pre-keys remaining for a local identity.",
	}, []string{"address"})

	bundleLookupLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "snp_bundle_lookup_latency_seconds",
		Help:    "Latency of ledger bundle lookups performed before a handshake.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

const (
	reasonDecryptAuth      = "decrypt_auth"
	reasonDuplicateOrOld   = "duplicate_or_old"
	reasonUnknownSession   = "unknown_session"
	reasonIdentityMismatch = "identity_mismatch"
)

// Collector implements supervisor.Metrics against the package-level
// Prometheus collectors above. Its methods carry no state of their own —
// a Collector value is a zero-cost handle onto the global registry, so
// more than one Node in a process can share a single Collector safely.
type Collector struct{}

// NewCollector returns a Collector ready to pass to supervisor.NewNode.
func NewCollector() Collector { return Collector{} }

func (Collector) SessionCreated()    { sessionsCreatedTotal.Inc() }
func (Collector) SessionRatcheted()  { sessionsRatchetedTotal.Inc() }

func (Collector) MessageDispatched(tag envelope.TypeTag) {
	messagesDispatchedTotal.WithLabelValues(tag.String()).Inc()
}

func (Collector) RejectDecryptAuth()      { rejectsTotal.WithLabelValues(reasonDecryptAuth).Inc() }
func (Collector) RejectDuplicateOrOld()   { rejectsTotal.WithLabelValues(reasonDuplicateOrOld).Inc() }
func (Collector) RejectUnknownSession()   { rejectsTotal.WithLabelValues(reasonUnknownSession).Inc() }
func (Collector) RejectIdentityMismatch() { rejectsTotal.WithLabelValues(reasonIdentityMismatch).Inc() }

// SetPreKeysRemaining records how many one-time pre-keys are left for
// address, so an operator can alert before a node runs dry and falls
// back to signed-pre-key-only handshakes.
func SetPreKeysRemaining(address string, count int) {
	preKeysRemaining.WithLabelValues(address).Set(float64(count))
}

// ObserveBundleLookup records how long a ledger bundle lookup took.
func ObserveBundleLookup(seconds float64) {
	bundleLookupLatency.Observe(seconds)
}

// Handler returns the HTTP handler pkg/httpapi mounts at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
