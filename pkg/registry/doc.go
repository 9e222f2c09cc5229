// Package registry implements the device registry (spec component C3):
// the single source of truth for known devices. The discovery engine and
// the broker's network handlers merge their findings into it via Upsert;
// the network connection manager only flips connection state via
// SetConnected; everything else reads snapshots.
package registry
