// Package discovery implements the discovery engine (spec component C4):
// a timer-driven loop that polls each enabled device-kind adapter,
// merges results into the device registry, and serves a short-lived
// cached snapshot to on-demand enumeration requests.
package discovery
