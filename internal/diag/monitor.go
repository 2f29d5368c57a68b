package diag

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/quentinglorieux/Temperature/internal/cache"
)

// RateLimiter lets through at most one event per Interval. A zero Interval
// lets everything through.
type RateLimiter struct {
	Interval time.Duration
	last     time.Time
}

func (r *RateLimiter) Allow(now time.Time) bool {
	if r.Interval > 0 && !r.last.IsZero() && now.Sub(r.last) < r.Interval {
		return false
	}
	r.last = now
	return true
}

// Waiter yields the next decoded reading for a sensor.
type Waiter interface {
	WaitFor(ctx context.Context, mac string) (cache.Entry, error)
}

// Monitor prints one line per decoded reading of mac, at most once per
// interval, until ctx ends.
func Monitor(ctx context.Context, w io.Writer, waiter Waiter, mac string, interval time.Duration) error {
	limiter := RateLimiter{Interval: interval}
	for {
		e, err := waiter.WaitFor(ctx, mac)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !limiter.Allow(e.ObservedAt) {
			continue
		}
		fmt.Fprintln(w, FormatEntry(e))
	}
}

// FormatEntry renders e as "15:04:05 RSSI=-61 dBm tempc=22.5 hum=50".
// Missing values print as "?".
func FormatEntry(e cache.Entry) string {
	rssi, tempc, hum := "?", "?", "?"
	switch v := e.Reading.Extra["rssi"].(type) {
	case int:
		rssi = strconv.Itoa(v)
	case float64:
		rssi = strconv.Itoa(int(v))
	}
	if e.Reading.TempC != nil {
		tempc = strconv.FormatFloat(*e.Reading.TempC, 'f', -1, 64)
	}
	if e.Reading.Hum != nil {
		hum = strconv.Itoa(*e.Reading.Hum)
	}
	return fmt.Sprintf("%s RSSI=%s dBm tempc=%s hum=%s",
		e.ObservedAt.Local().Format(time.TimeOnly), rssi, tempc, hum)
}
