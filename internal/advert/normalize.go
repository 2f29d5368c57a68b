// Package advert turns raw BLE advertisement observations into the flat
// record layout understood by the payload decoders, and decides which
// observations come from SwitchBot meters.
package advert

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
)

// SwitchBot company identifiers, in preference order.
const (
	CompanyWoan   uint16 = 0x0969
	CompanyNordic uint16 = 0x0059
)

// ServiceMeter16 is the 16-bit service UUID SwitchBot meters advertise under.
const ServiceMeter16 = "fd3d"

var preferredCompanies = [...]uint16{CompanyWoan, CompanyNordic}

const (
	baseUUIDPrefix = "0000"
	baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"
)

// ManufacturerBlock is one manufacturer-specific data element.
type ManufacturerBlock struct {
	CompanyID uint16
	Data      []byte
}

// ServiceBlock is one service data element keyed by its UUID string.
type ServiceBlock struct {
	UUID string
	Data []byte
}

// Observation is a single advertisement as delivered by the scanner.
// Blocks keep the order the transport reported them in.
type Observation struct {
	Name         string
	Address      string
	RSSI         *int
	Manufacturer []ManufacturerBlock
	Service      []ServiceBlock
}

// Record is the normalized, decoder-facing form of an Observation.
// Empty strings mean the field is absent.
type Record struct {
	Name             string `json:"name"`
	ID               string `json:"id"`
	RSSI             *int   `json:"rssi,omitempty"`
	ManufacturerData string `json:"manufacturerdata,omitempty"`
	ServiceData      string `json:"servicedata,omitempty"`
	ServiceDataUUID  string `json:"servicedatauuid,omitempty"`
}

// UUID16 reduces a Bluetooth base UUID to its 16-bit short form. Any other
// identifier is lowercased with separators stripped.
func UUID16(uuid string) string {
	u := strings.ToLower(uuid)
	if strings.HasPrefix(u, baseUUIDPrefix) && strings.HasSuffix(u, baseUUIDSuffix) && len(u) >= 8 {
		return u[4:8]
	}
	return strings.ReplaceAll(u, "-", "")
}

// Normalize builds a Record from obs, keeping at most one manufacturer
// block and one service block.
func Normalize(obs Observation) Record {
	rec := Record{
		Name: obs.Name,
		ID:   obs.Address,
		RSSI: obs.RSSI,
	}
	if mb, ok := selectManufacturer(obs.Manufacturer); ok {
		rec.ManufacturerData = manufacturerHex(mb)
	}
	if sb, ok := selectService(obs.Service); ok {
		rec.ServiceData = hex.EncodeToString(sb.Data)
		rec.ServiceDataUUID = UUID16(sb.UUID)
	}
	return rec
}

func selectManufacturer(blocks []ManufacturerBlock) (ManufacturerBlock, bool) {
	if len(blocks) == 0 {
		return ManufacturerBlock{}, false
	}
	for _, id := range preferredCompanies {
		for _, b := range blocks {
			if b.CompanyID == id {
				return b, true
			}
		}
	}
	return blocks[0], true
}

func selectService(blocks []ServiceBlock) (ServiceBlock, bool) {
	if len(blocks) == 0 {
		return ServiceBlock{}, false
	}
	for _, b := range blocks {
		if UUID16(b.UUID) == ServiceMeter16 {
			return b, true
		}
	}
	return blocks[0], true
}

// manufacturerHex prefixes the data with the little-endian company id, the
// same layout the block has on air.
func manufacturerHex(b ManufacturerBlock) string {
	buf := make([]byte, 2+len(b.Data))
	binary.LittleEndian.PutUint16(buf[:2], b.CompanyID)
	copy(buf[2:], b.Data)
	return hex.EncodeToString(buf)
}
