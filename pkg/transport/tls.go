package transport

import (
	"crypto/tls"

	"github.com/hwbridge/broker/pkg/certsource"
)

// DefaultPort is the broker's default listening port.
const DefaultPort = 8743

// NewServerTLSConfig builds a server-side tls.Config from a certsource.
// No client certificate is required: the broker serves local
// browser/client software over a trusted loopback or LAN link, not peer
// devices needing mutual authentication.
func NewServerTLSConfig(src certsource.Source) (*tls.Config, error) {
	cert, err := src.Certificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}
