// Package persistence stores device-affinity state across broker
// restarts: a JSON sidecar file recording the last-known reconnection
// properties for devices that need them (serial baud settings, a
// network device's last host/port). The queue's own job history lives
// in pkg/queue's SQLite store; this package only covers the small
// amount of state that never belonged in a relational table.
package persistence
