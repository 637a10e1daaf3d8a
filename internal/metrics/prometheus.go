package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all policy engine metrics.
type Registry struct {
	// Chain store
	RuleMutations *prometheus.CounterVec
	ChainLength   *prometheus.GaugeVec
	SectionDirty  *prometheus.GaugeVec

	// Propagation
	ApplyTotal    *prometheus.CounterVec
	ApplyDuration *prometheus.HistogramVec
	StaleCommits  *prometheus.CounterVec

	// Validation and consistency
	ValidationFailures *prometheus.CounterVec
	ConsistencyFaults  *prometheus.CounterVec

	// Zones
	ZoneReferences *prometheus.GaugeVec
	RefUnderflows  prometheus.Counter

	// System
	ConfigReload *prometheus.CounterVec
	RPCRequests  *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

// Handler returns the HTTP handler serving the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func newRegistry() *Registry {
	r := &Registry{}

	r.RuleMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleplane_rule_mutations_total",
		Help: "Pending chain mutations by section and operation",
	}, []string{"section", "op"})

	r.ChainLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ruleplane_chain_rules",
		Help: "Number of rules in each section chain",
	}, []string{"section", "version"})

	r.SectionDirty = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ruleplane_section_dirty",
		Help: "1 when a section's pending chain differs from active",
	}, []string{"section"})

	r.ApplyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleplane_engine_apply_total",
		Help: "Engine apply calls by section and result",
	}, []string{"section", "result"})

	r.ApplyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ruleplane_engine_apply_duration_seconds",
		Help:    "Engine apply call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"section"})

	r.StaleCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleplane_stale_commits_total",
		Help: "Commits refused because pending changed during apply",
	}, []string{"section"})

	r.ValidationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleplane_validation_failures_total",
		Help: "Rejected mutations by offending field",
	}, []string{"field"})

	r.ConsistencyFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleplane_consistency_faults_total",
		Help: "Registry and chain desynchronization faults",
	}, []string{"kind"})

	r.ZoneReferences = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ruleplane_zone_references",
		Help: "Pending rule fields referencing each zone",
	}, []string{"zone"})

	r.RefUnderflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleplane_zone_ref_underflows_total",
		Help: "Reference count decrements attempted at zero",
	})

	r.ConfigReload = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleplane_config_reloads_total",
		Help: "Configuration reloads by status",
	}, []string{"status"})

	r.RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleplane_rpc_requests_total",
		Help: "Control plane RPC calls by method and status",
	}, []string{"method", "status"})

	return r
}
