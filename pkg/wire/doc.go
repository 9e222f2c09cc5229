// Package wire defines the broker's request/response/notification envelope
// and its JSON encoding.
//
// Every message on the wire is a single JSON object carrying a constant
// "version" field, either a "method" (request/notification) or a
// "result"/"error" pair (response), and an optional "id". Binary payloads
// travel as hex or base64 inside string fields — the encoding is a
// method-level contract, not a transport concern.
package wire
