// Package poll queries meters over GATT on a fixed interval.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quentinglorieux/Temperature/internal/meter"
	"github.com/quentinglorieux/Temperature/internal/metrics"
	"github.com/quentinglorieux/Temperature/internal/names"
	"github.com/quentinglorieux/Temperature/internal/sink"
)

// Conn is a connected meter that must be closed after use.
type Conn interface {
	meter.Channel
	Close() error
}

// Dialer connects to the meter at address.
type Dialer func(ctx context.Context, address string) (Conn, error)

type Writer interface {
	Write(ctx context.Context, s sink.Sample) error
}

type Options struct {
	Addresses []string
	Interval  time.Duration
	Session   meter.Options

	Names   names.Map
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Poller reads every configured address once per interval. Reads run one
// at a time; a failure is logged and retried on the next round.
type Poller struct {
	dial   Dialer
	writer Writer
	opts   Options
}

func New(dial Dialer, w Writer, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Poller{dial: dial, writer: w, opts: opts}
}

// Run polls immediately and then every Interval until ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	p.opts.Logger.Info("poll: started", "addresses", len(p.opts.Addresses), "interval", p.opts.Interval)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce reads each address and writes a sample for every answer. It
// returns the number of samples written.
func (p *Poller) PollOnce(ctx context.Context) int {
	written := 0
	for _, addr := range p.opts.Addresses {
		if ctx.Err() != nil {
			break
		}
		r, ok, err := p.Read(ctx, addr)
		switch {
		case err != nil:
			if errors.Is(err, context.Canceled) {
				return written
			}
			p.opts.Logger.Warn("poll: read failed", "addr", addr, "error", err)
			continue
		case !ok:
			p.opts.Logger.Info("poll: no response", "addr", addr)
			continue
		}

		key := strings.ToLower(addr)
		s := sink.Sample{
			Key:    key,
			Name:   p.opts.Names.Lookup(key),
			Source: sink.SourceActive,
			TempC:  r.TempC,
			Hum:    r.Hum,
			Time:   p.opts.Now(),
		}
		p.opts.Logger.Info("poll: reading", "addr", addr, "name", s.Name, "reading", r.String())
		if err := p.writer.Write(ctx, s); err != nil {
			p.opts.Logger.Warn("poll: write sample", "addr", addr, "error", err)
			continue
		}
		written++
	}
	return written
}

// Read connects to address, performs one query and disconnects.
func (p *Poller) Read(ctx context.Context, address string) (meter.Reading, bool, error) {
	start := time.Now()
	r, ok, err := p.read(ctx, address)
	outcome := metrics.ReadOK
	switch {
	case err != nil:
		outcome = metrics.ReadError
	case !ok:
		outcome = metrics.ReadTimeout
	}
	p.opts.Metrics.ActiveRead(outcome, time.Since(start))
	return r, ok, err
}

func (p *Poller) read(ctx context.Context, address string) (meter.Reading, bool, error) {
	conn, err := p.dial(ctx, address)
	if err != nil {
		return meter.Reading{}, false, fmt.Errorf("%w: dial %s: %w", meter.ErrTransport, address, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			p.opts.Logger.Debug("poll: close", "addr", address, "error", err)
		}
	}()
	return meter.Read(ctx, conn, p.opts.Session)
}
