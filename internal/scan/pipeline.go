// Package scan turns passive advertisements into cached readings and
// periodically hands the fresh ones to the sinks.
package scan

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quentinglorieux/Temperature/internal/advert"
	"github.com/quentinglorieux/Temperature/internal/cache"
	"github.com/quentinglorieux/Temperature/internal/decoder"
	"github.com/quentinglorieux/Temperature/internal/metrics"
)

const DefaultQueueSize = 256

type PipelineOptions struct {
	QueueSize int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Pipeline classifies and normalizes advertisements on the scan callback and
// decodes them on its own goroutine.
type Pipeline struct {
	decoder *decoder.Adapter
	cache   *cache.Cache
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	queue chan advert.Record

	mu      sync.Mutex
	waiters map[string][]chan cache.Entry
}

func NewPipeline(dec *decoder.Adapter, c *cache.Cache, opts PipelineOptions) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		decoder: dec,
		cache:   c,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
		queue:   make(chan advert.Record, opts.QueueSize),
		waiters: make(map[string][]chan cache.Entry),
	}
}

// Enqueue is the scan callback. It never blocks; when the queue is full the
// advertisement is dropped.
func (p *Pipeline) Enqueue(obs advert.Observation) {
	if !advert.IsMeter(obs) {
		p.metrics.Observation(metrics.ObservationIgnored)
		return
	}
	rec := advert.Normalize(obs)
	select {
	case p.queue <- rec:
	default:
		p.metrics.Observation(metrics.ObservationDropped)
		p.logger.Debug("scan: queue full, dropping advertisement", "id", rec.ID)
	}
}

// Run decodes queued records until ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-p.queue:
			p.Process(ctx, rec)
		}
	}
}

// Process decodes rec and, if it yields a complete reading, stores it in the
// cache. It reports the stored entry.
func (p *Pipeline) Process(ctx context.Context, rec advert.Record) (cache.Entry, bool) {
	reading, ok := p.decoder.Decode(ctx, rec)
	if !ok {
		p.metrics.Observation(metrics.ObservationMiss)
		p.logger.Debug("scan: not decoded", "id", rec.ID, "name", rec.Name)
		return cache.Entry{}, false
	}

	mac := reading.MAC
	if mac == "" {
		if mac, ok = advert.RecoverMAC(rec.ManufacturerData); !ok {
			p.metrics.Observation(metrics.ObservationNoMAC)
			p.logger.Debug("scan: no mac in reading or manufacturer data", "id", rec.ID)
			return cache.Entry{}, false
		}
		reading.MAC = mac
	}

	if !reading.HasClimate() {
		p.metrics.Observation(metrics.ObservationIncomplete)
		p.logger.Debug("scan: reading without temperature and humidity", "mac", mac)
		return cache.Entry{}, false
	}

	if rec.RSSI != nil {
		if _, exists := reading.Extra["rssi"]; !exists {
			if reading.Extra == nil {
				reading.Extra = make(map[string]any, 1)
			}
			reading.Extra["rssi"] = *rec.RSSI
		}
	}

	now := p.now()
	p.cache.Upsert(mac, reading, now)
	p.metrics.Observation(metrics.ObservationCached)
	p.metrics.SetCacheEntries(p.cache.Len())
	p.logger.Debug("scan: cached reading",
		"mac", mac,
		"tempc", *reading.TempC,
		"hum", *reading.Hum,
	)

	entry := cache.Entry{MAC: mac, Reading: reading, ObservedAt: now}
	p.notify(entry)
	return entry, true
}

// WaitFor blocks until the next reading for mac is cached or ctx ends.
func (p *Pipeline) WaitFor(ctx context.Context, mac string) (cache.Entry, error) {
	key := strings.ToLower(mac)
	ch := make(chan cache.Entry, 1)

	p.mu.Lock()
	p.waiters[key] = append(p.waiters[key], ch)
	p.mu.Unlock()

	select {
	case e := <-ch:
		return e, nil
	case <-ctx.Done():
		p.removeWaiter(key, ch)
		return cache.Entry{}, ctx.Err()
	}
}

func (p *Pipeline) notify(e cache.Entry) {
	key := strings.ToLower(e.MAC)
	p.mu.Lock()
	waiters := p.waiters[key]
	delete(p.waiters, key)
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- e
	}
}

func (p *Pipeline) removeWaiter(key string, ch chan cache.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.waiters[key]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.waiters, key)
	} else {
		p.waiters[key] = list
	}
}
