// Package logging defines the broker's structured logging port and the
// adapters that implement it.
//
// Components depend only on the Logger interface; main wires a concrete
// implementation (ZerologLogger by default) so tests can supply a
// NoopLogger or a recording fake instead.
package logging
