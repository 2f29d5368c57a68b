// Package decoder adapts a sensor-fingerprint decoding capability to the
// gateway. The capability is optional: without one every decode is a miss.
package decoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/quentinglorieux/Temperature/internal/advert"
)

// Capability decodes one normalized advertisement. Input and output are
// JSON documents; an empty output means the payload was not recognised.
type Capability interface {
	DecodeBLE(ctx context.Context, payload []byte) ([]byte, error)
}

// Reading is the structured result of a successful decode.
type Reading struct {
	MAC   string
	TempC *float64
	Hum   *int
	Batt  *int
	Extra map[string]any
}

// HasClimate reports whether the reading carries both temperature and
// humidity.
func (r Reading) HasClimate() bool {
	return r.TempC != nil && r.Hum != nil
}

// Adapter calls a Capability and maps its output to a Reading.
type Adapter struct {
	capability Capability
	logger     *slog.Logger
}

// NewAdapter returns an Adapter. c may be nil.
func NewAdapter(c Capability, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{capability: c, logger: logger}
}

// Available reports whether a decoding capability is installed.
func (a *Adapter) Available() bool {
	return a != nil && a.capability != nil
}

// Decode returns the decoded reading for rec, or false when the capability
// is absent, fails, or returns nothing usable.
func (a *Adapter) Decode(ctx context.Context, rec advert.Record) (Reading, bool) {
	if !a.Available() {
		return Reading{}, false
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		a.logger.Debug("decoder: marshal record", "id", rec.ID, "error", err)
		return Reading{}, false
	}
	out, err := a.capability.DecodeBLE(ctx, payload)
	if err != nil {
		a.logger.Debug("decoder: capability failed", "id", rec.ID, "error", err)
		return Reading{}, false
	}
	r, err := ParseReading(out)
	if err != nil {
		a.logger.Debug("decoder: unusable output", "id", rec.ID, "error", err)
		return Reading{}, false
	}
	return r, true
}

// ParseReading maps decoder JSON output onto a Reading. Fields other than
// mac, tempc, hum and batt are kept in Extra.
func ParseReading(out []byte) (Reading, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return Reading{}, fmt.Errorf("empty output")
	}
	var fields map[string]any
	if err := json.Unmarshal(out, &fields); err != nil {
		return Reading{}, fmt.Errorf("parse output: %w", err)
	}
	if len(fields) == 0 {
		return Reading{}, fmt.Errorf("empty object")
	}

	var r Reading
	if v, ok := fields["mac"].(string); ok {
		r.MAC = v
	}
	if v, ok := fields["tempc"].(float64); ok {
		r.TempC = &v
	}
	if v, ok := fields["hum"].(float64); ok {
		h := int(v)
		r.Hum = &h
	}
	if v, ok := fields["batt"].(float64); ok {
		b := int(v)
		r.Batt = &b
	}
	for _, k := range []string{"mac", "tempc", "hum", "batt"} {
		delete(fields, k)
	}
	if len(fields) > 0 {
		r.Extra = fields
	}
	return r, nil
}
