// Package netmgr implements the network connection manager (spec
// component C5): it owns every live TCP socket to hardware, enforces the
// configured connection limit, tracks per-connection liveness and byte
// counters, performs bounded-concurrency subnet scans, and serves
// one-shot transient sends for devices that aren't kept open.
package netmgr
