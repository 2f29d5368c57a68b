package ble

import "testing"

func TestFilter_Match(t *testing.T) {
	tests := []struct {
		name    string
		filter  Filter
		devName string
		addr    string
		want    bool
	}{
		{name: "empty filter", filter: Filter{}, devName: "", addr: "AA:BB:CC:DD:EE:FF", want: true},
		{name: "address match", filter: Filter{Address: "aa:bb:cc:dd:ee:ff"}, addr: "AA:BB:CC:DD:EE:FF", want: true},
		{name: "address mismatch", filter: Filter{Address: "11:22:33:44:55:66"}, addr: "AA:BB:CC:DD:EE:FF", want: false},
		{name: "name substring", filter: Filter{NameContains: "meter"}, devName: "WoMeter TH", want: true},
		{name: "name mismatch", filter: Filter{NameContains: "plug"}, devName: "WoMeter", want: false},
		{name: "both must match", filter: Filter{NameContains: "meter", Address: "11:22:33:44:55:66"}, devName: "WoMeter", addr: "AA:BB:CC:DD:EE:FF", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.match(tt.devName, tt.addr); got != tt.want {
				t.Errorf("match(%q, %q) = %v; want %v", tt.devName, tt.addr, got, tt.want)
			}
		})
	}
}
