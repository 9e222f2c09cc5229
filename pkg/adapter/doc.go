// Package adapter implements the device adapter abstraction (spec
// component C6): a small polymorphic interface that each hardware kind
// (printer, serial, USB HID, biometric) implements its own way, so the
// dispatcher can drive any device through the same four verbs without
// a type switch at the call site.
package adapter
