package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quentinglorieux/Temperature/internal/meter"
	"github.com/quentinglorieux/Temperature/internal/names"
	"github.com/quentinglorieux/Temperature/internal/sink"
)

// fakeConn answers the query with frame, or stays silent when frame is nil.
type fakeConn struct {
	frame   []byte
	handler func([]byte)
	closed  bool
}

func (f *fakeConn) Subscribe(uuid string, h func([]byte)) (meter.Subscription, error) {
	f.handler = h
	return meter.Subscription{UUID: uuid, ID: 1}, nil
}

func (f *fakeConn) Unsubscribe(meter.Subscription) error { return nil }

func (f *fakeConn) Write(_ context.Context, _ string, _ []byte, _ bool) error {
	if f.frame != nil {
		go f.handler(f.frame)
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

type recordWriter struct {
	mu      sync.Mutex
	samples []sink.Sample
}

func (w *recordWriter) Write(_ context.Context, s sink.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, s)
	return nil
}

func TestPoller_PollOnce(t *testing.T) {
	conns := map[string]*fakeConn{
		"AA:BB:CC:DD:EE:FF": {frame: []byte{0x01, 0x05, 0x95, 0x32}},
		"11:22:33:44:55:66": {},
	}
	dial := func(_ context.Context, addr string) (Conn, error) {
		c, ok := conns[addr]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return c, nil
	}

	w := &recordWriter{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := New(dial, w, Options{
		Addresses: []string{"AA:BB:CC:DD:EE:FF", "11:22:33:44:55:66", "99:99:99:99:99:99"},
		Session:   meter.Options{Timeout: 50 * time.Millisecond},
		Names:     names.Map{"aa:bb:cc:dd:ee:ff": "office"},
		Now:       func() time.Time { return now },
	})

	if n := p.PollOnce(context.Background()); n != 1 {
		t.Fatalf("PollOnce() = %d; want 1", n)
	}
	s := w.samples[0]
	want := sink.Sample{Key: "aa:bb:cc:dd:ee:ff", Name: "office", Source: sink.SourceActive, TempC: 21.5, Hum: 50, Time: now}
	if s != want {
		t.Errorf("sample = %+v; want %+v", s, want)
	}
	for addr, c := range conns {
		if !c.closed {
			t.Errorf("connection to %s not closed", addr)
		}
	}
}

func TestPoller_ReadErrors(t *testing.T) {
	dialErr := errors.New("le-connection-abort-by-local")
	p := New(func(context.Context, string) (Conn, error) { return nil, dialErr }, &recordWriter{}, Options{})

	_, ok, err := p.Read(context.Background(), "AA:BB:CC:DD:EE:FF")
	if ok || !errors.Is(err, dialErr) {
		t.Errorf("Read() = %v, %v; want dial error", ok, err)
	}
	if !errors.Is(err, meter.ErrTransport) {
		t.Errorf("Read() err = %v; want it to wrap meter.ErrTransport", err)
	}
}

func TestPoller_RunPollsImmediately(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	dial := func(context.Context, string) (Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return &fakeConn{frame: []byte{0x01, 0x00, 0x80, 0x10}}, nil
	}
	p := New(dial, &recordWriter{}, Options{
		Addresses: []string{"AA:BB:CC:DD:EE:FF"},
		Interval:  time.Hour,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() = %v; want nil", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Errorf("dials = %d; want 1 before the first tick", dials)
	}
}
