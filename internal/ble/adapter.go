// Package ble is the BlueZ transport: advertisement scanning and GATT
// connections through tinygo.org/x/bluetooth.
package ble

import (
	"fmt"
	"log/slog"

	"tinygo.org/x/bluetooth"
)

const DefaultAdapter = "hci0"

// Enable powers on the named adapter.
func Enable(id string) (*bluetooth.Adapter, error) {
	if id == "" {
		id = DefaultAdapter
	}
	slog.Info("ble: enabling adapter", "adapter", id)
	adapter := bluetooth.NewAdapter(id)
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble enable (%s): %w", id, err)
	}
	slog.Info("ble: adapter enabled", "adapter", id)
	return adapter, nil
}
