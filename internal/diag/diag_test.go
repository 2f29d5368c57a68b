package diag

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/quentinglorieux/Temperature/internal/ble"
	"github.com/quentinglorieux/Temperature/internal/cache"
	"github.com/quentinglorieux/Temperature/internal/decoder"
	"github.com/quentinglorieux/Temperature/internal/meter"
)

func TestParseHex(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []byte
		wantErr bool
	}{
		{name: "plain", in: "570f31", want: []byte{0x57, 0x0f, 0x31}},
		{name: "upper with spaces", in: " 57 0F 31 ", want: []byte{0x57, 0x0f, 0x31}},
		{name: "0x prefix", in: "0x570F31", want: []byte{0x57, 0x0f, 0x31}},
		{name: "per byte prefixes", in: "0x57 0x0f", want: []byte{0x57, 0x0f}},
		{name: "colons", in: "57:0f:31", want: []byte{0x57, 0x0f, 0x31}},
		{name: "odd length", in: "570", wantErr: true},
		{name: "not hex", in: "zz", wantErr: true},
		{name: "empty", in: "  ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHex(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseHex(%q) = %x; want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseHex(%q) error: %v", tt.in, err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("ParseHex(%q) = %x; want %x", tt.in, got, tt.want)
			}
		})
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r := RateLimiter{Interval: 2 * time.Second}
	steps := []struct {
		at   time.Duration
		want bool
	}{
		{0, true},
		{500 * time.Millisecond, false},
		{1999 * time.Millisecond, false},
		{2 * time.Second, true},
		{3 * time.Second, false},
		{5 * time.Second, true},
	}
	for _, s := range steps {
		if got := r.Allow(t0.Add(s.at)); got != s.want {
			t.Errorf("Allow(+%v) = %v; want %v", s.at, got, s.want)
		}
	}

	unlimited := RateLimiter{}
	for i := 0; i < 3; i++ {
		if !unlimited.Allow(t0) {
			t.Fatalf("zero interval blocked call %d", i)
		}
	}
}

type fakeGATT struct {
	services []ble.Service
	values   map[string][]byte
}

func (f fakeGATT) Services() []ble.Service { return f.services }

func (f fakeGATT) Read(uuid string) ([]byte, error) {
	v, ok := f.values[uuid]
	if !ok {
		return nil, errors.New("org.bluez.Error.NotPermitted: Read not permitted")
	}
	return v, nil
}

func TestDump(t *testing.T) {
	g := fakeGATT{
		services: []ble.Service{{
			UUID:            "cba20d00-224d-11e6-9fb8-0002a5d5c51b",
			Characteristics: []string{meter.DefaultWriteUUID, meter.DefaultNotifyUUID},
		}},
		values: map[string][]byte{meter.DefaultNotifyUUID: {0x01, 0x02}},
	}

	var plain bytes.Buffer
	Dump(&plain, g, false)
	if strings.Contains(plain.String(), "value:") {
		t.Errorf("Dump without read printed values:\n%s", plain.String())
	}
	if !strings.Contains(plain.String(), "[Char] "+meter.DefaultWriteUUID) {
		t.Errorf("Dump missing characteristic:\n%s", plain.String())
	}

	var withRead bytes.Buffer
	Dump(&withRead, g, true)
	out := withRead.String()
	for _, want := range []string{
		"[Service] cba20d00-224d-11e6-9fb8-0002a5d5c51b",
		"read failed: org.bluez.Error.NotPermitted",
		"value: 0102 (len=2)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Dump output missing %q:\n%s", want, out)
		}
	}
}

// echoChannel answers every write with the configured frames.
type echoChannel struct {
	frames       [][]byte
	handler      func([]byte)
	written      []byte
	unsubscribed bool
	writeErr     error
}

func (c *echoChannel) Subscribe(uuid string, h func([]byte)) (meter.Subscription, error) {
	c.handler = h
	return meter.Subscription{UUID: uuid, ID: 1}, nil
}

func (c *echoChannel) Unsubscribe(meter.Subscription) error {
	c.unsubscribed = true
	return nil
}

func (c *echoChannel) Write(_ context.Context, _ string, data []byte, _ bool) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append([]byte(nil), data...)
	for _, f := range c.frames {
		c.handler(f)
	}
	return nil
}

func TestExchange(t *testing.T) {
	ch := &echoChannel{frames: [][]byte{{0x01, 0x05, 0x95, 0x32}, {0x01}}}
	var out bytes.Buffer

	n, err := Exchange(context.Background(), &out, ch, meter.QueryFrame(), ExchangeOptions{Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Exchange() error: %v", err)
	}
	if n != 2 {
		t.Errorf("Exchange() = %d notifications; want 2", n)
	}
	if !bytes.Equal(ch.written, meter.QueryFrame()) {
		t.Errorf("written = %x; want %x", ch.written, meter.QueryFrame())
	}
	if !strings.Contains(out.String(), "notify: 01059532 (len=4)") {
		t.Errorf("output = %q", out.String())
	}
	if !ch.unsubscribed {
		t.Error("subscription not released")
	}
}

func TestExchange_WriteError(t *testing.T) {
	ch := &echoChannel{writeErr: errors.New("not connected")}
	_, err := Exchange(context.Background(), &bytes.Buffer{}, ch, []byte{0x57}, ExchangeOptions{Timeout: time.Second})
	if err == nil {
		t.Fatal("Exchange() error = nil; want write error")
	}
	if !ch.unsubscribed {
		t.Error("subscription not released after write error")
	}
}

type scriptedWaiter struct {
	entries []cache.Entry
}

func (w *scriptedWaiter) WaitFor(ctx context.Context, _ string) (cache.Entry, error) {
	if len(w.entries) == 0 {
		<-ctx.Done()
		return cache.Entry{}, ctx.Err()
	}
	e := w.entries[0]
	w.entries = w.entries[1:]
	return e, nil
}

func TestMonitor(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	temp, hum := 22.5, 50
	entry := func(at time.Duration, rssi any) cache.Entry {
		return cache.Entry{
			MAC:        "AA:BB:CC:DD:EE:FF",
			Reading:    decoder.Reading{TempC: &temp, Hum: &hum, Extra: map[string]any{"rssi": rssi}},
			ObservedAt: t0.Add(at),
		}
	}
	w := &scriptedWaiter{entries: []cache.Entry{
		entry(0, -61),
		entry(time.Second, -62),
		entry(5*time.Second, float64(-70)),
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	if err := Monitor(ctx, &out, w, "aa:bb:cc:dd:ee:ff", 2*time.Second); err != nil {
		t.Fatalf("Monitor() error: %v", err)
	}
	want := "12:00:00 RSSI=-61 dBm tempc=22.5 hum=50\n" +
		"12:00:05 RSSI=-70 dBm tempc=22.5 hum=50\n"
	if out.String() != want {
		t.Errorf("output =\n%s\nwant\n%s", out.String(), want)
	}
}

func TestFormatEntry_Missing(t *testing.T) {
	e := cache.Entry{ObservedAt: time.Date(2026, 3, 1, 8, 30, 0, 0, time.Local)}
	if got, want := FormatEntry(e), "08:30:00 RSSI=? dBm tempc=? hum=?"; got != want {
		t.Errorf("FormatEntry() = %q; want %q", got, want)
	}
}
