// Package broker wires together every component of the hardware-access
// broker (spec components C2/C8/C9) and exposes the single entry point
// the transport layer calls for each inbound frame: Handle.
package broker
