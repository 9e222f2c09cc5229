// Package event implements the broker's event fabric (spec component C8):
// an in-process, unbounded pub/sub that turns registry, network and queue
// state changes into notifications fanned out to subscribed sessions.
package event
