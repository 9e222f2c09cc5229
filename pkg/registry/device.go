package registry

import "time"

// Kind identifies the broad category of hardware a Device represents.
type Kind string

const (
	KindPrinter    Kind = "printer"
	KindSerial     Kind = "serial"
	KindUSBHID     Kind = "usb_hid"
	KindNetwork    Kind = "network"
	KindBiometric  Kind = "biometric"
)

// Status is the observable lifecycle state of a Device.
type Status string

const (
	StatusAvailable Status = "available"
	StatusConnected Status = "connected"
	StatusError     Status = "error"
	StatusOffline   Status = "offline"
)

// ConnectionType is the transport a device is reached over, stored as a
// well-known Properties key.
type ConnectionType string

const (
	ConnectionTypeNetwork ConnectionType = "network"
	ConnectionTypeUSB     ConnectionType = "usb"
	ConnectionTypeLocal   ConnectionType = "local"
	ConnectionTypeSerial  ConnectionType = "serial"
)

// Well-known Properties keys used by adapters and handlers.
const (
	PropHost           = "host"
	PropPort           = "port"
	PropPortName       = "port_name"
	PropVendorID       = "vendor_id"
	PropProductID      = "product_id"
	PropURI            = "uri"
	PropConnectionType = "connection_type"
)

// Device is the broker's canonical view of one piece of hardware. ID is
// stable across rediscoveries of the same physical device and is derived
// deterministically from Kind plus a kind-specific discriminator (port
// name, vendor/product pair, or host:port).
type Device struct {
	ID           string         `json:"id"`
	Kind         Kind           `json:"kind"`
	Name         string         `json:"name"`
	Manufacturer string         `json:"manufacturer,omitempty"`
	Model        string         `json:"model,omitempty"`
	SerialNumber string         `json:"serial_number,omitempty"`
	Status       Status         `json:"status"`
	IsConnected  bool           `json:"is_connected"`
	LastSeen     time.Time      `json:"last_seen"`
	Properties   map[string]any `json:"properties,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// registry's lock: the Properties map is copied, scalar fields by value.
func (d Device) Clone() Device {
	cp := d
	if d.Properties != nil {
		cp.Properties = make(map[string]any, len(d.Properties))
		for k, v := range d.Properties {
			cp.Properties[k] = v
		}
	}
	return cp
}

// Equal reports whether two devices have identical observable state,
// ignoring LastSeen (which changes on every discovery tick regardless of
// whether anything meaningful changed).
func (d Device) Equal(other Device) bool {
	if d.ID != other.ID || d.Kind != other.Kind || d.Name != other.Name ||
		d.Manufacturer != other.Manufacturer || d.Model != other.Model ||
		d.SerialNumber != other.SerialNumber || d.Status != other.Status ||
		d.IsConnected != other.IsConnected {
		return false
	}
	if len(d.Properties) != len(other.Properties) {
		return false
	}
	for k, v := range d.Properties {
		if ov, ok := other.Properties[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// DeriveID builds the stable device ID for a given kind and discriminator,
// e.g. DeriveID(KindNetwork, "192.168.1.50", "9100") -> "net_192_168_1_50_9100".
func DeriveID(kind Kind, parts ...string) string {
	prefix := map[Kind]string{
		KindPrinter:   "ptr",
		KindSerial:    "ser",
		KindUSBHID:    "usb",
		KindNetwork:   "net",
		KindBiometric: "bio",
	}[kind]
	if prefix == "" {
		prefix = "dev"
	}
	id := prefix
	for _, p := range parts {
		id += "_" + sanitize(p)
	}
	return id
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
