// Package queue implements the durable operation queue (spec component
// C7): a FIFO of jobs backed by SQLite, drained by a single worker on a
// fixed polling interval with bounded retry.
package queue
