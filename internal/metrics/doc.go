// Package metrics exposes the listener's Prometheus metrics.
//
// Each Metrics owns its registry, so several can coexist in one process.
// Counters that components already keep (channel stats, binding stats,
// journal and relay stats) are exported with CounterFunc and GaugeFunc
// rather than double-counted.
//
// Key metrics:
//   - mcm_realtime_status{status}: 1 for the current channel status
//   - mcm_realtime_transitions_total{from,to}
//   - mcm_realtime_events_total{event_type}
//   - mcm_realtime_frames_received_total, parse_errors_total, connects_total
//   - mcm_binding_*_total{binding}
//   - mcm_journal_*, mcm_relay_*
package metrics
