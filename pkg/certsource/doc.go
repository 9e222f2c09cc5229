// Package certsource abstracts where the transport's TLS certificate
// comes from. The broker itself has no certificate authority or
// provisioning logic (spec §1 treats certificate material as an external
// collaborator's concern) — it only needs something that can hand back a
// tls.Certificate when transport.use_tls is enabled.
package certsource
