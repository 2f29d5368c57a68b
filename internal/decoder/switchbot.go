package decoder

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quentinglorieux/Temperature/internal/advert"
)

// Service data device types (first byte, bit 7 masked off).
const (
	typeMeter        = 'T'
	typeMeterPlus    = 'i'
	typeOutdoorMeter = 'w'
)

const (
	serviceClimateLen = 6
	outdoorMfrLen     = 11
)

// SwitchBot decodes meter advertisements natively. It reports climate
// fields and battery but leaves "mac" to the caller.
type SwitchBot struct{}

// DecodeBLE implements Capability.
func (SwitchBot) DecodeBLE(_ context.Context, payload []byte) ([]byte, error) {
	var rec advert.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("switchbot: %w", err)
	}

	svc, err := hex.DecodeString(rec.ServiceData)
	if err != nil {
		return nil, fmt.Errorf("switchbot: servicedata: %w", err)
	}
	mfr, err := hex.DecodeString(rec.ManufacturerData)
	if err != nil {
		return nil, fmt.Errorf("switchbot: manufacturerdata: %w", err)
	}
	if len(svc) == 0 || !strings.EqualFold(rec.ServiceDataUUID, advert.ServiceMeter16) {
		return nil, nil
	}

	out := map[string]any{"brand": "SwitchBot"}
	if len(svc) >= 3 {
		out["batt"] = int(svc[2] & 0x7F)
	}

	switch svc[0] & 0x7F {
	case typeMeter, typeMeterPlus:
		if len(svc) < serviceClimateLen {
			return nil, nil
		}
		out["model"] = "Meter"
		if svc[0]&0x7F == typeMeterPlus {
			out["model"] = "Meter Plus"
		}
		out["tempc"] = Temperature(svc[3], svc[4])
		out["hum"] = int(svc[5] & 0x7F)
	case typeOutdoorMeter:
		// Outdoor meters carry the climate bytes in manufacturer data,
		// after the company id and the embedded address.
		if len(mfr) < 2+outdoorMfrLen || uint16(mfr[0])|uint16(mfr[1])<<8 != advert.CompanyWoan {
			return nil, nil
		}
		data := mfr[2:]
		out["model"] = "Outdoor Meter"
		out["tempc"] = Temperature(data[8], data[9])
		out["hum"] = int(data[10] & 0x7F)
	default:
		return nil, nil
	}
	return json.Marshal(out)
}

// Temperature decodes the SwitchBot temperature bitfield shared by
// advertisements and GATT responses: the low nibble of frac is tenths,
// bit 7 of whole is the sign (set means positive), bits 0-6 are degrees.
func Temperature(frac, whole byte) float64 {
	sign := -1.0
	if whole&0x80 != 0 {
		sign = 1.0
	}
	return sign * (float64(whole&0x7F) + float64(frac&0x0F)/10.0)
}
