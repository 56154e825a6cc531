package router

import "github.com/octoreflex/octoreflex/internal/observability"

// MetricsDropCounters adapts *observability.Metrics to the DropCounters
// interface ROUTER depends on, keeping this package free of a direct
// prometheus import.
type MetricsDropCounters struct {
	Metrics *observability.Metrics
}

func (m MetricsDropCounters) DBDrop(variant string)        { m.Metrics.RouterDBDropTotal.WithLabelValues(variant).Inc() }
func (m MetricsDropCounters) BroadcastDrop(variant string) { m.Metrics.RouterBroadcastDropTotal.WithLabelValues(variant).Inc() }
func (m MetricsDropCounters) Unhandled(variant string)     { m.Metrics.RouterUnhandledTotal.WithLabelValues(variant).Inc() }
