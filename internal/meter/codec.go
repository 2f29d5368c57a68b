// Package meter implements the SwitchBot meter GATT query: a 3-byte read
// command written to one characteristic, answered by a notification on
// another.
package meter

import (
	"fmt"

	"github.com/quentinglorieux/Temperature/internal/decoder"
)

// Default characteristic UUIDs of the SwitchBot command service.
const (
	DefaultWriteUUID  = "cba20002-224d-11e6-9fb8-0002a5d5c51b"
	DefaultNotifyUUID = "cba20003-224d-11e6-9fb8-0002a5d5c51b"
)

// Query frame: magic, extended command class, read current value.
const (
	queryMagic     = 0x57
	queryExtended  = 0x0F
	queryReadValue = 0x31

	responseOK     = 0x01
	responseMinLen = 4
)

// Reading is a parsed read-value response.
type Reading struct {
	TempC float64 `json:"tempc"`
	Hum   int     `json:"hum"`
}

func (r Reading) String() string {
	return fmt.Sprintf("tempc=%.1f hum=%d", r.TempC, r.Hum)
}

// QueryFrame returns the read-current-value command.
func QueryFrame() []byte {
	return []byte{queryMagic, queryExtended, queryReadValue}
}

// ParseResponse decodes a read-value response. Frames with the wrong
// status byte or fewer than four bytes are not responses and yield false.
// Humidity and the fractional digit are masked, never clamped.
func ParseResponse(b []byte) (Reading, bool) {
	if len(b) < responseMinLen || b[0] != responseOK {
		return Reading{}, false
	}
	return Reading{
		TempC: decoder.Temperature(b[1], b[2]),
		Hum:   int(b[3] & 0x7F),
	}, true
}
