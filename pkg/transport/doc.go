// Package transport implements the broker's session lifecycle (spec
// component C1): a single listening endpoint that accepts multiplexed
// client sessions, frames messages, and enforces origin/TLS/connection
// admission policy.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│      JSON text messages        │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│      TLS (optional)            │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// TLS is opt-in (transport.use_tls): when disabled the listener accepts
// plain TCP. When enabled, a certificate is obtained from a
// certsource.Source; the broker never requires a client certificate since
// it serves local browser/client software, not peer devices.
//
// # Keep-Alive
//
// Connection liveness is monitored using ping/pong control frames:
//   - Ping interval: 30 seconds
//   - Pong timeout: 5 seconds
//   - Max missed pongs: 3
//   - Maximum detection delay: 95 seconds
package transport
