// Package diag holds the bench tools behind cmd/blediag: GATT dumps, raw
// write/notify exchanges and a per-sensor advertisement monitor.
package diag

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/quentinglorieux/Temperature/internal/ble"
	"github.com/quentinglorieux/Temperature/internal/meter"
)

// GATT is a connected device whose characteristics can be listed and read.
type GATT interface {
	Services() []ble.Service
	Read(uuid string) ([]byte, error)
}

// Dump writes every discovered service and characteristic of g to w. With
// read set, each characteristic value is read and read failures are
// reported inline.
func Dump(w io.Writer, g GATT, read bool) {
	for _, svc := range g.Services() {
		fmt.Fprintf(w, "\n[Service] %s\n", svc.UUID)
		for _, uuid := range svc.Characteristics {
			fmt.Fprintf(w, "  [Char] %s\n", uuid)
			if !read {
				continue
			}
			v, err := g.Read(uuid)
			if err != nil {
				fmt.Fprintf(w, "    read failed: %v\n", err)
				continue
			}
			fmt.Fprintf(w, "    value: %x (len=%d)\n", v, len(v))
		}
	}
}

// ParseHex decodes a hex payload such as "57 0f 31" or "0x570F31".
func ParseHex(s string) ([]byte, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "", ":", "", "0x", "").Replace(s)
	if s == "" {
		return nil, errors.New("empty hex payload")
	}
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("hex payload must have even length, got %d digits", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload %q: %w", s, err)
	}
	return b, nil
}

type ExchangeOptions struct {
	WriteUUID  string
	NotifyUUID string
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Exchange subscribes to the notify characteristic, writes payload without
// response and prints every notification until the timeout. It returns the
// number of notifications seen. The subscription is released before
// returning.
func Exchange(ctx context.Context, w io.Writer, ch meter.Channel, payload []byte, opts ExchangeOptions) (int, error) {
	if opts.WriteUUID == "" {
		opts.WriteUUID = meter.DefaultWriteUUID
	}
	if opts.NotifyUUID == "" {
		opts.NotifyUUID = meter.DefaultNotifyUUID
	}
	if opts.Timeout <= 0 {
		opts.Timeout = meter.DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	frames := make(chan []byte, 16)
	sub, err := ch.Subscribe(opts.NotifyUUID, func(b []byte) {
		select {
		case frames <- b:
		default:
			opts.Logger.Warn("diag: notification dropped", "len", len(b))
		}
	})
	if err != nil {
		return 0, fmt.Errorf("subscribe %s: %w", opts.NotifyUUID, err)
	}
	defer func() {
		if err := ch.Unsubscribe(sub); err != nil {
			opts.Logger.Warn("diag: unsubscribe failed", "uuid", sub.UUID, "error", err)
		}
	}()

	if err := ch.Write(ctx, opts.WriteUUID, payload, false); err != nil {
		return 0, fmt.Errorf("write %s: %w", opts.WriteUUID, err)
	}

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	n := 0
	for {
		select {
		case b := <-frames:
			n++
			fmt.Fprintf(w, "notify: %x (len=%d)\n", b, len(b))
		case <-timer.C:
			return n, nil
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
}
