// Package metrics exposes process-local Prometheus collectors for the
// server's own introspection. Nothing here is served over HTTP: spec.md
// §6 fixes the wire protocol server to localhost and a single configured
// port, and exposing a second metrics port is out of scope for this
// spec. Instead, InfoLines renders the current values as extra INFO lines
// (see internal/engine's INFO handler).
package metrics

import (
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the gauges and counters this server maintains.
type Registry struct {
	ConnectedClients  prometheus.Gauge
	ConnectedReplicas prometheus.Gauge
	ReplicaAckOffset  prometheus.Gauge
	CommandsTotal     *prometheus.CounterVec
	registry          *prometheus.Registry
}

// New constructs a Registry with all collectors registered against a
// private prometheus.Registry (not the global DefaultRegisterer, so
// tests can construct more than one Registry per process).
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "myredis_connected_clients",
			Help: "Number of currently connected client sessions.",
		}),
		ConnectedReplicas: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "myredis_connected_replicas",
			Help: "Number of currently connected replica sessions.",
		}),
		ReplicaAckOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "myredis_replica_ack_offset",
			Help: "Highest write sequence acknowledged across all replicas.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myredis_commands_total",
			Help: "Commands dispatched, by command name.",
		}, []string{"cmd"}),
		registry: reg,
	}

	reg.MustRegister(r.ConnectedClients, r.ConnectedReplicas, r.ReplicaAckOffset, r.CommandsTotal)
	return r
}

// InfoLines renders the current metric values as INFO-style
// "field:value" lines, sorted for deterministic output.
func (r *Registry) InfoLines() []string {
	families, err := r.registry.Gather()
	if err != nil {
		return nil
	}

	lines := make([]string, 0, len(families))
	for _, fam := range families {
		name := fam.GetName()
		for _, m := range fam.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				lines = append(lines, fmt.Sprintf("%s:%v", name, m.GetGauge().GetValue()))
			case m.GetCounter() != nil:
				label := ""
				for _, lp := range m.GetLabel() {
					label += lp.GetName() + "=" + lp.GetValue()
				}
				lines = append(lines, fmt.Sprintf("%s{%s}:%v", name, label, m.GetCounter().GetValue()))
			}
		}
	}
	sort.Strings(lines)
	return lines
}
