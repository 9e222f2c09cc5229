package discovery

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/hwbridge/broker/pkg/registry"
)

// EnumeratePrinters lists the OS's configured print queues. It shells
// out to lpstat(1) on POSIX systems, matching how Printer.spool reaches
// the spooler; there is no portable Go API for CUPS queue enumeration.
func EnumeratePrinters(ctx context.Context) ([]registry.Device, error) {
	if runtime.GOOS == "windows" {
		return nil, nil
	}

	out, err := exec.CommandContext(ctx, "lpstat", "-p").Output()
	if err != nil {
		// No printers configured (or lpstat absent) is not an error worth
		// surfacing to callers polling on a timer.
		return nil, nil
	}

	var devices []registry.Device
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "printer" {
			continue
		}
		name := fields[1]
		devices = append(devices, registry.Device{
			ID:     registry.DeriveID(registry.KindPrinter, name),
			Kind:   registry.KindPrinter,
			Name:   name,
			Status: registry.StatusAvailable,
			Properties: map[string]any{
				registry.PropPortName:       name,
				registry.PropConnectionType: string(registry.ConnectionTypeLocal),
			},
		})
	}

	uris := printerURIs(ctx)
	for i, d := range devices {
		if uri, ok := uris[d.Name]; ok {
			devices[i].Properties[registry.PropURI] = uri
		}
	}
	return devices, nil
}

// printerURIs maps queue name to its backend device URI via lpstat -v,
// e.g. "device for Office-LaserJet: socket://192.168.1.50:9100". Queues
// whose URI uses a network scheme get resolved to host/port by the
// discovery engine (spec §4.6).
func printerURIs(ctx context.Context) map[string]string {
	out, err := exec.CommandContext(ctx, "lpstat", "-v").Output()
	if err != nil {
		return nil
	}
	uris := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimPrefix(scanner.Text(), "device for ")
		name, uri, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		uris[strings.TrimSpace(name)] = strings.TrimSpace(uri)
	}
	return uris
}

// describePrinterLine applies EnumeratePrinters' lpstat -p line rule to a
// single line; it is unexported and lets unit tests feed synthetic lpstat
// output without shelling out.
func describePrinterLine(line string) (name string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "printer" {
		return "", false
	}
	return fields[1], true
}

// errUnsupportedPlatform describes enumeration with no implementation on
// the running OS. No enumerator in this package returns it:
// EnumeratePrinters reports an empty list on Windows instead.
var errUnsupportedPlatform = fmt.Errorf("enumeration unsupported on this platform")
