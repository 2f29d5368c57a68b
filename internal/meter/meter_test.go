package meter

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

func TestQueryFrame(t *testing.T) {
	if got := QueryFrame(); !bytes.Equal(got, []byte{0x57, 0x0F, 0x31}) {
		t.Errorf("QueryFrame() = % X", got)
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		frame   []byte
		wantOK  bool
		wantT   float64
		wantHum int
	}{
		{name: "positive", frame: []byte{0x01, 0x05, 0x95, 0x32}, wantOK: true, wantT: 21.5, wantHum: 50},
		{name: "zero with sign bit", frame: []byte{0x01, 0x00, 0x80, 0x50}, wantOK: true, wantT: 0, wantHum: 80},
		{name: "negative", frame: []byte{0x01, 0x04, 0x05, 0x3C}, wantOK: true, wantT: -5.4, wantHum: 60},
		{name: "out of range frac accepted", frame: []byte{0x01, 0x0F, 0x81, 0x00}, wantOK: true, wantT: 2.5, wantHum: 0},
		{name: "humidity not clamped", frame: []byte{0x01, 0x00, 0x80, 0xFF}, wantOK: true, wantT: 0, wantHum: 127},
		{name: "trailing bytes", frame: []byte{0x01, 0x01, 0x81, 0x10, 0xAA, 0xBB}, wantOK: true, wantT: 1.1, wantHum: 16},
		{name: "wrong status", frame: []byte{0x02, 0x05, 0x95, 0x32}, wantOK: false},
		{name: "too short", frame: []byte{0x01, 0x00, 0x00}, wantOK: false},
		{name: "empty", frame: nil, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseResponse(tt.frame)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v; want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if math.Abs(got.TempC-tt.wantT) > 1e-9 {
				t.Errorf("TempC = %v; want %v", got.TempC, tt.wantT)
			}
			if got.Hum != tt.wantHum {
				t.Errorf("Hum = %d; want %d", got.Hum, tt.wantHum)
			}
		})
	}
}

// fakeChannel delivers scripted notifications when the query is written.
type fakeChannel struct {
	mu           sync.Mutex
	handler      func([]byte)
	onWrite      [][]byte
	subscribeErr error
	writeErr     error

	subscribed   int
	unsubscribed int
	writes       [][]byte
	writeUUIDs   []string
	notifyUUID   string
}

func (f *fakeChannel) Subscribe(uuid string, h func([]byte)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return Subscription{}, f.subscribeErr
	}
	f.subscribed++
	f.handler = h
	f.notifyUUID = uuid
	return Subscription{UUID: uuid, ID: 1}, nil
}

func (f *fakeChannel) Unsubscribe(sub Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed++
	f.handler = nil
	return nil
}

func (f *fakeChannel) Write(_ context.Context, uuid string, data []byte, withResponse bool) error {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	f.writeUUIDs = append(f.writeUUIDs, uuid)
	h := f.handler
	frames := f.onWrite
	err := f.writeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	for _, fr := range frames {
		h(fr)
	}
	return nil
}

func TestRead_FirstValidFrameWins(t *testing.T) {
	ch := &fakeChannel{onWrite: [][]byte{
		{0x02, 0x00},
		{0x01, 0x05, 0x95, 0x32},
		{0x01, 0x00, 0x80, 0x50},
	}}
	got, ok, err := Read(context.Background(), ch, Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !ok {
		t.Fatal("ok = false; want true")
	}
	if got.TempC != 21.5 || got.Hum != 50 {
		t.Errorf("got %v; want tempc=21.5 hum=50", got)
	}
	if ch.subscribed != 1 || ch.unsubscribed != 1 {
		t.Errorf("subscribe/unsubscribe = %d/%d; want 1/1", ch.subscribed, ch.unsubscribed)
	}
	if ch.notifyUUID != DefaultNotifyUUID || ch.writeUUIDs[0] != DefaultWriteUUID {
		t.Errorf("uuids = %q/%q", ch.notifyUUID, ch.writeUUIDs[0])
	}
	if !bytes.Equal(ch.writes[0], []byte{0x57, 0x0F, 0x31}) {
		t.Errorf("written = % X", ch.writes[0])
	}
}

func TestRead_TimeoutIsNoData(t *testing.T) {
	ch := &fakeChannel{onWrite: [][]byte{{0x01, 0x00}}}
	s := NewSession(ch, Options{Timeout: 20 * time.Millisecond})
	got, ok, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ok {
		t.Fatalf("ok = true with %v; want no data", got)
	}
	if ch.unsubscribed != 1 {
		t.Errorf("unsubscribed = %d; want 1", ch.unsubscribed)
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %s; want closed", s.State())
	}
}

func TestRead_ZeroReadingDistinctFromTimeout(t *testing.T) {
	ch := &fakeChannel{onWrite: [][]byte{{0x01, 0x00, 0x00, 0x00}}}
	got, ok, err := Read(context.Background(), ch, Options{Timeout: time.Second})
	if err != nil || !ok {
		t.Fatalf("Read = (%v, %v, %v); want ok", got, ok, err)
	}
	if got.TempC != 0 || got.Hum != 0 {
		t.Errorf("got %v; want zero reading", got)
	}
}

func TestRead_WriteFailureReleasesSubscription(t *testing.T) {
	ch := &fakeChannel{writeErr: errors.New("link lost")}
	_, ok, err := Read(context.Background(), ch, Options{Timeout: time.Second})
	if ok {
		t.Error("ok = true; want false")
	}
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v; want ErrTransport", err)
	}
	if ch.unsubscribed != 1 {
		t.Errorf("unsubscribed = %d; want 1", ch.unsubscribed)
	}
}

func TestRead_SubscribeFailure(t *testing.T) {
	ch := &fakeChannel{subscribeErr: errors.New("no such characteristic")}
	_, _, err := Read(context.Background(), ch, Options{})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v; want ErrTransport", err)
	}
	if len(ch.writes) != 0 {
		t.Errorf("writes = %d; want 0", len(ch.writes))
	}
	if ch.unsubscribed != 0 {
		t.Errorf("unsubscribed = %d; want 0", ch.unsubscribed)
	}
}

func TestRead_ContextCanceled(t *testing.T) {
	ch := &fakeChannel{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := Read(ctx, ch, Options{Timeout: time.Second})
	if ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("Read = (%v, %v); want context.Canceled", ok, err)
	}
	if ch.unsubscribed != 1 {
		t.Errorf("unsubscribed = %d; want 1", ch.unsubscribed)
	}
}

func TestRead_CustomUUIDs(t *testing.T) {
	ch := &fakeChannel{onWrite: [][]byte{{0x01, 0x00, 0x80, 0x00}}}
	_, ok, err := Read(context.Background(), ch, Options{WriteUUID: "w", NotifyUUID: "n", Timeout: time.Second})
	if err != nil || !ok {
		t.Fatalf("Read = (%v, %v)", ok, err)
	}
	if ch.notifyUUID != "n" || ch.writeUUIDs[0] != "w" {
		t.Errorf("uuids = %q/%q; want n/w", ch.notifyUUID, ch.writeUUIDs[0])
	}
}

func TestSession_NotReusable(t *testing.T) {
	ch := &fakeChannel{onWrite: [][]byte{{0x01, 0x00, 0x80, 0x00}}}
	s := NewSession(ch, Options{Timeout: time.Second})
	if _, _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, _, err := s.Run(context.Background()); err == nil {
		t.Error("second Run error = nil; want error")
	}
}

func TestSession_LateFramesIgnored(t *testing.T) {
	ch := &fakeChannel{}
	s := NewSession(ch, Options{Timeout: time.Second})
	s.transition(StateArmed, StateIdle)
	s.handle([]byte{0x01, 0x05, 0x95, 0x32})
	s.handle([]byte{0x01, 0x00, 0x80, 0x50})
	if s.State() != StateCompleted {
		t.Errorf("State() = %s; want completed", s.State())
	}
	if s.result.TempC != 21.5 || s.result.Hum != 50 {
		t.Errorf("result = %v; want first frame", s.result)
	}
}
