package discovery

import (
	"context"
	"testing"
)

func TestResolveURIDirectHostPort(t *testing.T) {
	target, err := ResolveURI(context.Background(), "socket://192.168.1.50:9100")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if target.Host != "192.168.1.50" || target.Port != 9100 {
		t.Fatalf("unexpected target: %+v", target)
	}
}

func TestResolveURIDefaultPort(t *testing.T) {
	target, err := ResolveURI(context.Background(), "ipp://printer.example.com/ipp/print")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if target.Host != "printer.example.com" || target.Port != 80 {
		t.Fatalf("unexpected target: %+v", target)
	}
}

func TestResolveURIRejectsBareDNSSDWithoutNetwork(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_, err := ResolveURI(ctx, "dnssd:///Office-Printer")
	if err == nil {
		t.Fatalf("expected error when mdns cannot be reached")
	}
}
