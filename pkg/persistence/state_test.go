package persistence

import (
	"path/filepath"
	"testing"
)

func TestStoreLoadMissingFileIsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "state.json"))
	devices, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("expected no devices, got %d", len(devices))
	}
}

func TestStorePutAndLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path)

	err := s.Put(Affinity{
		DeviceID:   "ser_ttyUSB0",
		Kind:       "serial",
		Properties: map[string]any{"port_name": "/dev/ttyUSB0", "baud_rate": float64(9600)},
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	s2 := NewStore(path)
	devices, err := s2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := devices["ser_ttyUSB0"]
	if !ok {
		t.Fatalf("expected persisted affinity record")
	}
	if got.Kind != "serial" || got.Properties["port_name"] != "/dev/ttyUSB0" {
		t.Fatalf("unexpected affinity record: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatalf("expected UpdatedAt to be stamped")
	}
}

func TestStoreRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path)

	if err := s.Put(Affinity{DeviceID: "ptr_lp0", Kind: "printer"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Remove("ptr_lp0"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	devices, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := devices["ptr_lp0"]; ok {
		t.Fatalf("expected device to be removed")
	}
}
