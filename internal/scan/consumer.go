package scan

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/quentinglorieux/Temperature/internal/cache"
	"github.com/quentinglorieux/Temperature/internal/metrics"
	"github.com/quentinglorieux/Temperature/internal/names"
	"github.com/quentinglorieux/Temperature/internal/sink"
)

// Writer receives samples. *sink.Fanout satisfies it.
type Writer interface {
	Write(ctx context.Context, s sink.Sample) error
}

type ConsumerOptions struct {
	// Staleness is the freshness window applied when reading the cache.
	Staleness time.Duration
	// Interval between flushes.
	Interval time.Duration
	// EvictAfter removes entries older than this before each flush; zero
	// keeps everything.
	EvictAfter time.Duration

	Names   names.Map
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Consumer periodically writes every fresh cache entry to a Writer.
type Consumer struct {
	cache  *cache.Cache
	writer Writer
	opts   ConsumerOptions
}

func NewConsumer(c *cache.Cache, w Writer, opts ConsumerOptions) *Consumer {
	if opts.Staleness <= 0 {
		opts.Staleness = 60 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Consumer{cache: c, writer: w, opts: opts}
}

// Run flushes every Interval until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

// Flush writes one sample per active entry and returns how many were
// written without error.
func (c *Consumer) Flush(ctx context.Context) int {
	now := c.opts.Now()
	if c.opts.EvictAfter > 0 {
		if n := c.cache.Sweep(now, c.opts.EvictAfter); n > 0 {
			c.opts.Logger.Debug("scan: evicted stale entries", "count", n)
		}
		c.opts.Metrics.SetCacheEntries(c.cache.Len())
	}

	active := c.cache.Active(now, c.opts.Staleness)
	written := 0
	for _, e := range active {
		if !e.Reading.HasClimate() {
			continue
		}
		s := c.sample(e)
		if err := c.writer.Write(ctx, s); err != nil {
			c.opts.Logger.Warn("scan: write sample", "key", s.Key, "error", err)
			continue
		}
		written++
	}
	c.opts.Logger.Info("scan: flushed readings", "active", len(active), "written", written)
	return written
}

func (c *Consumer) sample(e cache.Entry) sink.Sample {
	key := strings.ToLower(e.MAC)
	return sink.Sample{
		Key:    key,
		Name:   c.opts.Names.Lookup(key),
		Source: sink.SourceScan,
		TempC:  *e.Reading.TempC,
		Hum:    *e.Reading.Hum,
		Batt:   e.Reading.Batt,
		RSSI:   extraInt(e.Reading.Extra, "rssi"),
		Time:   e.ObservedAt,
	}
}

func extraInt(extra map[string]any, k string) *int {
	var n int
	switch v := extra[k].(type) {
	case int:
		n = v
	case float64:
		n = int(v)
	default:
		return nil
	}
	return &n
}
