package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"tinygo.org/x/bluetooth"

	"github.com/quentinglorieux/Temperature/internal/advert"
)

// Filter narrows which advertisements reach the handler. Empty fields match
// everything.
type Filter struct {
	// NameContains is matched case-insensitively against the local name.
	NameContains string
	// Address is matched case-insensitively against the device address.
	Address string
}

func (f Filter) match(name, address string) bool {
	if f.Address != "" && !strings.EqualFold(address, f.Address) {
		return false
	}
	if f.NameContains != "" && !strings.Contains(strings.ToLower(name), strings.ToLower(f.NameContains)) {
		return false
	}
	return true
}

type Options struct {
	Adapter string // "hci0" by default
	Filter  Filter
}

// Listener wraps BlueZ scanning with context cancellation.
type Listener struct {
	adapter *bluetooth.Adapter
	opts    Options
}

func NewListener(adapter *bluetooth.Adapter, opts Options) *Listener {
	if opts.Adapter == "" {
		opts.Adapter = DefaultAdapter
	}
	return &Listener{
		adapter: adapter,
		opts:    opts,
	}
}

// Run scans until ctx is canceled, calling onObservation for every
// advertisement that passes the filter. onObservation runs on the BlueZ
// signal goroutine and must not block.
func (l *Listener) Run(ctx context.Context, onObservation func(advert.Observation)) error {
	go func() {
		<-ctx.Done()
		_ = l.adapter.StopScan()
	}()

	slog.Info("ble: scanning started",
		"adapter", l.opts.Adapter,
		"filter_name", l.opts.Filter.NameContains,
		"filter_address", l.opts.Filter.Address,
	)

	// adapter.Scan blocks until StopScan() or error.
	err := l.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		obs := toObservation(r)
		if !l.opts.Filter.match(obs.Name, obs.Address) {
			return
		}
		if onObservation != nil {
			onObservation(obs)
		}
	})

	// If ctx canceled, treat as clean shutdown.
	if ctx.Err() != nil {
		slog.Info("ble: scanning stopped (context canceled)")
		return nil
	}

	if err != nil {
		return fmt.Errorf("ble scan: %w", err)
	}

	slog.Info("ble: scanning stopped")
	return nil
}

// toObservation copies everything out of r; the scan result buffers are
// owned by the stack.
func toObservation(r bluetooth.ScanResult) advert.Observation {
	rssi := int(r.RSSI)
	obs := advert.Observation{
		Name:    r.LocalName(),
		Address: r.Address.String(),
		RSSI:    &rssi,
	}
	for _, md := range r.ManufacturerData() {
		obs.Manufacturer = append(obs.Manufacturer, advert.ManufacturerBlock{
			CompanyID: md.CompanyID,
			Data:      append([]byte(nil), md.Data...),
		})
	}
	for _, sd := range r.ServiceData() {
		obs.Service = append(obs.Service, advert.ServiceBlock{
			UUID: sd.UUID.String(),
			Data: append([]byte(nil), sd.Data...),
		})
	}
	return obs
}
