package adapter

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/gousb"
	"github.com/hwbridge/broker/pkg/logging"
	"github.com/hwbridge/broker/pkg/registry"
)

// usbSession is one opened USB HID device: its interface claim plus the
// endpoints used for write/read.
type usbSession struct {
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	out    *gousb.OutEndpoint
	in     *gousb.InEndpoint
}

// USB adapts USB HID devices via github.com/google/gousb (libusb)
// (spec §4.6, device kind "usb_hid").
type USB struct {
	ctx *gousb.Context
	log logging.Logger

	mu       sync.Mutex
	sessions map[string]*usbSession
}

// NewUSB builds a USB adapter bound to its own libusb context.
func NewUSB(log logging.Logger) *USB {
	if log == nil {
		log = logging.NoopLogger{}
	}
	return &USB{
		ctx:      gousb.NewContext(),
		log:      log,
		sessions: make(map[string]*usbSession),
	}
}

// Shutdown releases the libusb context. Call once, at broker shutdown.
func (u *USB) Shutdown() error {
	return u.ctx.Close()
}

func (u *USB) Kind() registry.Kind { return registry.KindUSBHID }

func (u *USB) Discover(ctx context.Context) ([]registry.Device, error) {
	var devices []registry.Device
	_, err := u.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		devices = append(devices, registry.Device{
			ID:     registry.DeriveID(registry.KindUSBHID, desc.Vendor.String(), desc.Product.String(), fmt.Sprintf("%d.%d", desc.Bus, desc.Address)),
			Kind:   registry.KindUSBHID,
			Name:   fmt.Sprintf("USB %s:%s", desc.Vendor, desc.Product),
			Status: registry.StatusAvailable,
			Properties: map[string]any{
				registry.PropVendorID:  desc.Vendor.String(),
				registry.PropProductID: desc.Product.String(),
			},
		})
		return false // don't keep a handle open just to enumerate
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate usb devices: %w", err)
	}
	return devices, nil
}

func (u *USB) Open(ctx context.Context, device registry.Device) (OpenResult, error) {
	vid, pid, err := usbIDs(device)
	if err != nil {
		return OpenResult{}, err
	}

	u.mu.Lock()
	if _, ok := u.sessions[device.ID]; ok {
		u.mu.Unlock()
		return OpenResult{}, ErrAlreadyOpen
	}
	u.mu.Unlock()

	dev, err := u.ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil || dev == nil {
		return OpenResult{}, fmt.Errorf("open usb device %s: %w", device.ID, err)
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		return OpenResult{}, fmt.Errorf("claim config: %w", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		return OpenResult{}, fmt.Errorf("claim interface: %w", err)
	}

	sess := &usbSession{dev: dev, cfg: cfg, intf: intf}
	u.mu.Lock()
	u.sessions[device.ID] = sess
	u.mu.Unlock()

	return OpenResult{Handle: device.ID}, nil
}

func (u *USB) Close(ctx context.Context, device registry.Device, handle string) (CloseResult, error) {
	u.mu.Lock()
	sess, ok := u.sessions[handle]
	if ok {
		delete(u.sessions, handle)
	}
	u.mu.Unlock()
	if !ok {
		return CloseResult{Closed: true}, nil
	}
	sess.intf.Close()
	sess.cfg.Close()
	sess.dev.Close()
	return CloseResult{Closed: true}, nil
}

func (u *USB) Write(ctx context.Context, device registry.Device, handle string, data []byte) (WriteResult, error) {
	sess, ok := u.lookup(handle)
	if !ok {
		return WriteResult{}, ErrDeviceNotOpen
	}
	if sess.out == nil {
		ep, err := firstOutEndpoint(sess.intf)
		if err != nil {
			return WriteResult{}, err
		}
		sess.out = ep
	}
	n, err := sess.out.Write(data)
	if err != nil {
		return WriteResult{BytesWritten: n}, fmt.Errorf("write %s: %w", handle, err)
	}
	return WriteResult{BytesWritten: n}, nil
}

func (u *USB) Read(ctx context.Context, device registry.Device, handle string, maxBytes int) (ReadResult, error) {
	sess, ok := u.lookup(handle)
	if !ok {
		return ReadResult{}, ErrDeviceNotOpen
	}
	if sess.in == nil {
		ep, err := firstInEndpoint(sess.intf)
		if err != nil {
			return ReadResult{}, err
		}
		sess.in = ep
	}
	if maxBytes <= 0 {
		maxBytes = sess.in.Desc.MaxPacketSize
	}
	buf := make([]byte, maxBytes)
	n, err := sess.in.Read(buf)
	if err != nil {
		return ReadResult{}, fmt.Errorf("read %s: %w", handle, err)
	}
	return ReadResult{Data: buf[:n]}, nil
}

func (u *USB) Status(ctx context.Context, device registry.Device) (StatusResult, error) {
	_, open := u.lookup(device.ID)
	status := registry.StatusAvailable
	if open {
		status = registry.StatusConnected
	}
	return StatusResult{Status: status, IsConnected: open}, nil
}

func (u *USB) Capabilities(ctx context.Context, device registry.Device) (CapabilitiesResult, error) {
	return CapabilitiesResult{Operations: []string{"usb.open", "usb.write", "usb.read", "usb.close"}}, nil
}

func (u *USB) lookup(handle string) (*usbSession, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	s, ok := u.sessions[handle]
	return s, ok
}

func usbIDs(device registry.Device) (gousb.ID, gousb.ID, error) {
	vidStr, _ := device.Properties[registry.PropVendorID].(string)
	pidStr, _ := device.Properties[registry.PropProductID].(string)
	vid, err := strconv.ParseUint(vidStr, 0, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vendor id %q: %w", vidStr, err)
	}
	pid, err := strconv.ParseUint(pidStr, 0, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid product id %q: %w", pidStr, err)
	}
	return gousb.ID(vid), gousb.ID(pid), nil
}

func firstOutEndpoint(intf *gousb.Interface) (*gousb.OutEndpoint, error) {
	for _, epDesc := range intf.Setting.Endpoints {
		if epDesc.Direction == gousb.EndpointDirectionOut {
			return intf.OutEndpoint(epDesc.Number)
		}
	}
	return nil, fmt.Errorf("no OUT endpoint on claimed interface")
}

func firstInEndpoint(intf *gousb.Interface) (*gousb.InEndpoint, error) {
	for _, epDesc := range intf.Setting.Endpoints {
		if epDesc.Direction == gousb.EndpointDirectionIn {
			return intf.InEndpoint(epDesc.Number)
		}
	}
	return nil, fmt.Errorf("no IN endpoint on claimed interface")
}
