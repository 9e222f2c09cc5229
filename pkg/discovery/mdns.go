package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// MDNSTimeout bounds how long ResolveURI waits for a browse result.
const MDNSTimeout = 3 * time.Second

// ResolvedTarget is the host/port a network printer URI resolves to.
type ResolvedTarget struct {
	Host string
	Port int
}

var schemeServiceType = map[string]string{
	"dnssd": "", // resolved by instance name, service type comes from the query part
	"ipp":   "_ipp._tcp",
	"ipps":  "_ipps._tcp",
	"socket": "_pdl-datastream._tcp",
	"http":  "_http._tcp",
	"https": "_https._tcp",
}

// ResolveURI resolves a printer URI of scheme dnssd/ipp/ipps/socket/http/https
// to a connectable host:port (spec §4.6 network-printer addressing).
// Direct host:port URIs (e.g. socket://192.168.1.50:9100) are parsed
// without touching mDNS at all.
func ResolveURI(ctx context.Context, rawURI string) (ResolvedTarget, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return ResolvedTarget{}, fmt.Errorf("parse uri %q: %w", rawURI, err)
	}
	scheme := strings.ToLower(u.Scheme)

	if host := u.Hostname(); host != "" && scheme != "dnssd" {
		port := defaultPortForScheme(scheme)
		if p := u.Port(); p != "" {
			if parsed, err := strconv.Atoi(p); err == nil {
				port = parsed
			}
		}
		return ResolvedTarget{Host: host, Port: port}, nil
	}

	if scheme != "dnssd" {
		return ResolvedTarget{}, fmt.Errorf("unresolvable uri %q: no host and not dnssd", rawURI)
	}

	instance := strings.TrimPrefix(u.Path, "/")
	serviceType := schemeServiceType["socket"]
	if st := u.Query().Get("svc"); st != "" {
		serviceType = st
	}
	return resolveDNSSD(ctx, instance, serviceType)
}

func defaultPortForScheme(scheme string) int {
	switch scheme {
	case "ipp", "http":
		return 80
	case "ipps", "https":
		return 443
	case "socket":
		return 9100
	default:
		return 9100
	}
}

func resolveDNSSD(ctx context.Context, instance, serviceType string) (ResolvedTarget, error) {
	ctx, cancel := context.WithTimeout(ctx, MDNSTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go func() {
		_ = zeroconf.Browse(ctx, serviceType, "local.", entries, removed)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return ResolvedTarget{}, fmt.Errorf("mdns resolve %q: no matching service", instance)
			}
			if instance != "" && entry.Instance != instance {
				continue
			}
			host := entry.HostName
			if len(entry.AddrIPv4) > 0 {
				host = entry.AddrIPv4[0].String()
			}
			return ResolvedTarget{Host: host, Port: entry.Port}, nil
		case <-ctx.Done():
			return ResolvedTarget{}, fmt.Errorf("mdns resolve %q: timed out", instance)
		}
	}
}
