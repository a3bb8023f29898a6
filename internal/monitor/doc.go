// Package monitor tracks worker and system metrics, derives trends and
// raises alerts.
//
// Every collection cycle the coordinator hands the monitor a [Snapshot]
// of the registry and queue. The monitor appends to bounded rolling
// series (a circular buffer per series), evaluates the threshold table and
// the degradation trends, and checks queued demand against capacity with
// a [CapacityPolicy].
//
// Alerts are deduplicated on (type, source): while one is open, further
// breaches for the same pair are absorbed, except that a critical breach
// escalates an open warning. Alerts stay open until [Monitor.ResolveAlert]
// is called.
//
// # Thread Safety
//
// Monitor and CapacityPolicy are safe for concurrent use. Series is not.
package monitor
