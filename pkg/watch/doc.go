// Package watch implements the session/watcher registry (spec component
// C9): it tracks which sessions subscribe to which event streams and fans
// out event.Fabric events to them, applying per-session backpressure.
package watch
