// Package metrics exports kernel activity to Prometheus: enforcement
// decisions, sandbox invocations and terminations.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/reglet-dev/reglet-trust/policy"
	"github.com/reglet-dev/reglet-trust/sandbox"
)

const namespace = "plugintrust"

// Observer implements policy.Observer and sandbox.Observer.
type Observer struct {
	decisions    *prometheus.CounterVec
	invocations  *prometheus.CounterVec
	cpuSeconds   *prometheus.HistogramVec
	wallSeconds  *prometheus.HistogramVec
	memoryBytes  *prometheus.GaugeVec
	terminations *prometheus.CounterVec
}

var (
	_ policy.Observer  = (*Observer)(nil)
	_ sandbox.Observer = (*Observer)(nil)
)

// NewObserver creates the collectors and registers them with reg. A nil
// reg uses prometheus.DefaultRegisterer.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &Observer{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enforcement_decisions_total",
			Help:      "Capability checks by capability, outcome and denial reason.",
		}, []string{"capability", "outcome", "reason"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_invocations_total",
			Help:      "Sandbox invocations by plugin and result.",
		}, []string{"plugin", "result"}),
		cpuSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_invocation_cpu_seconds",
			Help:      "CPU time consumed per invocation.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"plugin"}),
		wallSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_invocation_wall_seconds",
			Help:      "Wall time per invocation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plugin"}),
		memoryBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sandbox_memory_bytes",
			Help:      "Guest memory observed after the last invocation.",
		}, []string{"plugin"}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_terminations_total",
			Help:      "Sandbox contexts terminated, by reason.",
		}, []string{"plugin", "reason"}),
	}
	for _, c := range []prometheus.Collector{o.decisions, o.invocations, o.cpuSeconds, o.wallSeconds, o.memoryBytes, o.terminations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// ObserveDecision counts one enforcement decision. Plugin ids are left out
// of the labels to bound cardinality.
func (o *Observer) ObserveDecision(d policy.Decision) {
	o.decisions.WithLabelValues(string(d.Capability), d.Outcome(), string(d.Reason)).Inc()
}

func (o *Observer) ObserveInvocation(pluginID string, u sandbox.InvocationUsage, err error) {
	o.invocations.WithLabelValues(pluginID, result(err)).Inc()
	o.cpuSeconds.WithLabelValues(pluginID).Observe(u.CPU.Seconds())
	o.wallSeconds.WithLabelValues(pluginID).Observe(u.Wall.Seconds())
	if u.MemoryBytes > 0 {
		o.memoryBytes.WithLabelValues(pluginID).Set(float64(u.MemoryBytes))
	}
}

func (o *Observer) ObserveTermination(pluginID, reason string) {
	o.terminations.WithLabelValues(pluginID, reason).Inc()
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, sandbox.ErrResourceExceeded):
		return "resource_exceeded"
	case errors.Is(err, sandbox.ErrFault):
		return "fault"
	default:
		return "error"
	}
}
