package discovery

import "testing"

func TestDescribePrinterLine(t *testing.T) {
	cases := []struct {
		line     string
		wantName string
		wantOK   bool
	}{
		{"printer Office-LaserJet is idle.  enabled since Mon", "Office-LaserJet", true},
		{"device for Office-LaserJet: socket://192.168.1.50:9100", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		name, ok := describePrinterLine(c.line)
		if ok != c.wantOK || name != c.wantName {
			t.Errorf("describePrinterLine(%q) = (%q, %v), want (%q, %v)", c.line, name, ok, c.wantName, c.wantOK)
		}
	}
}
