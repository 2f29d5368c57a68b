package advert

import "strings"

const vendorName = "switchbot"

// IsMeter reports whether obs looks like it came from a SwitchBot device.
// It inspects every block, including ones Normalize would discard.
func IsMeter(obs Observation) bool {
	if strings.Contains(strings.ToLower(obs.Name), vendorName) {
		return true
	}
	for _, b := range obs.Manufacturer {
		if b.CompanyID == CompanyWoan || b.CompanyID == CompanyNordic {
			return true
		}
	}
	for _, b := range obs.Service {
		if UUID16(b.UUID) == ServiceMeter16 {
			return true
		}
	}
	return false
}
