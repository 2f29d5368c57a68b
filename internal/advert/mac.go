package advert

import "strings"

// Offsets into the manufacturer hex string: the 2-byte company prefix is
// followed by the device's own 6-byte address.
const (
	macHexStart = 4
	macHexEnd   = 16
)

// RecoverMAC extracts the device address that SwitchBot embeds right after
// the company id in manufacturer data. The result is colon separated and
// uppercase.
func RecoverMAC(manufacturerHex string) (string, bool) {
	if len(manufacturerHex) < macHexEnd {
		return "", false
	}
	raw := strings.ToUpper(manufacturerHex[macHexStart:macHexEnd])
	pairs := make([]string, 0, 6)
	for i := 0; i < len(raw); i += 2 {
		pairs = append(pairs, raw[i:i+2])
	}
	return strings.Join(pairs, ":"), true
}
