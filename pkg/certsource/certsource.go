package certsource

import (
	"bytes"
	"crypto/tls"
	"encoding/pem"
	"fmt"
	"os"
)

// Source supplies the certificate the transport presents when
// transport.use_tls is enabled.
type Source interface {
	Certificate() (tls.Certificate, error)
}

// FileSource loads a certificate and private key from a single combined
// PEM file at Path — one or more CERTIFICATE blocks followed by exactly
// one private key block. This matches spec §6's single
// transport.certificate_path option rather than a cert/key file pair.
type FileSource struct {
	Path string
}

// Certificate reads and parses the PEM file at Path.
func (f FileSource) Certificate() (tls.Certificate, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read certificate file %q: %w", f.Path, err)
	}

	var certPEM, keyPEM bytes.Buffer
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			if err := pem.Encode(&certPEM, block); err != nil {
				return tls.Certificate{}, err
			}
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			if err := pem.Encode(&keyPEM, block); err != nil {
				return tls.Certificate{}, err
			}
		}
	}
	if certPEM.Len() == 0 || keyPEM.Len() == 0 {
		return tls.Certificate{}, fmt.Errorf("certificate file %q must contain both a certificate and a private key", f.Path)
	}

	cert, err := tls.X509KeyPair(certPEM.Bytes(), keyPEM.Bytes())
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate file %q: %w", f.Path, err)
	}
	return cert, nil
}

// Static wraps an already-loaded certificate, useful for tests and for
// callers that obtain certificate material from elsewhere (e.g. an ACME
// client or a platform keystore) and only need to satisfy Source.
type Static struct {
	Cert tls.Certificate
}

// Certificate returns the wrapped certificate.
func (s Static) Certificate() (tls.Certificate, error) {
	return s.Cert, nil
}
