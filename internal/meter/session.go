package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrTransport marks failures of the underlying connection (subscribe or
// write). A read that merely got no answer is not an error.
var ErrTransport = errors.New("meter: transport failure")

// DefaultTimeout is the response budget used when Options.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// Subscription identifies an active notification subscription.
type Subscription struct {
	UUID string
	ID   uint64
}

// Channel is a connection to one device that can write characteristics and
// deliver notifications. Handlers must return quickly.
type Channel interface {
	Subscribe(uuid string, handler func([]byte)) (Subscription, error)
	Unsubscribe(sub Subscription) error
	Write(ctx context.Context, uuid string, data []byte, withResponse bool) error
}

// State of a Session.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateSent
	StateCompleted
	StateTimedOut
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateSent:
		return "sent"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	WriteUUID  string
	NotifyUUID string
	Timeout    time.Duration
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.WriteUUID == "" {
		o.WriteUUID = DefaultWriteUUID
	}
	if o.NotifyUUID == "" {
		o.NotifyUUID = DefaultNotifyUUID
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Session is a single read-value exchange. It is not reusable.
type Session struct {
	ch   Channel
	opts Options

	mu    sync.Mutex
	state State

	once   sync.Once
	done   chan struct{}
	result Reading
}

func NewSession(ch Channel, opts Options) *Session {
	return &Session{
		ch:   ch,
		opts: opts.withDefaults(),
		done: make(chan struct{}),
	}
}

// Read runs one query on ch. ok is false with a nil error when the device
// did not answer within the timeout.
func Read(ctx context.Context, ch Channel, opts Options) (Reading, bool, error) {
	return NewSession(ch, opts).Run(ctx)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves to next only from one of the given states.
func (s *Session) transition(next State, from ...State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range from {
		if s.state == f {
			s.state = next
			return true
		}
	}
	return false
}

// Run subscribes, sends the query and waits for the first valid response.
// The subscription is released on every return path.
func (s *Session) Run(ctx context.Context) (Reading, bool, error) {
	if !s.transition(StateArmed, StateIdle) {
		return Reading{}, false, fmt.Errorf("meter: session already used (state %s)", s.State())
	}

	sub, err := s.ch.Subscribe(s.opts.NotifyUUID, s.handle)
	if err != nil {
		s.transition(StateClosed, StateArmed)
		return Reading{}, false, fmt.Errorf("%w: subscribe %s: %w", ErrTransport, s.opts.NotifyUUID, err)
	}
	defer func() {
		if err := s.ch.Unsubscribe(sub); err != nil {
			s.opts.Logger.Warn("meter: unsubscribe failed", "uuid", sub.UUID, "error", err)
		}
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
	}()

	if err := s.ch.Write(ctx, s.opts.WriteUUID, QueryFrame(), false); err != nil {
		return Reading{}, false, fmt.Errorf("%w: write %s: %w", ErrTransport, s.opts.WriteUUID, err)
	}
	s.transition(StateSent, StateArmed)

	timer := time.NewTimer(s.opts.Timeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return s.result, true, nil
	case <-timer.C:
		// A response racing the timer still wins.
		select {
		case <-s.done:
			return s.result, true, nil
		default:
		}
		s.transition(StateTimedOut, StateSent, StateArmed)
		s.opts.Logger.Debug("meter: no response", "timeout", s.opts.Timeout)
		return Reading{}, false, nil
	case <-ctx.Done():
		return Reading{}, false, ctx.Err()
	}
}

// handle is the notification callback. Only the first valid frame is kept.
func (s *Session) handle(frame []byte) {
	r, ok := ParseResponse(frame)
	if !ok {
		s.opts.Logger.Debug("meter: ignoring frame", "len", len(frame))
		return
	}
	s.once.Do(func() {
		s.result = r
		s.transition(StateCompleted, StateArmed, StateSent)
		close(s.done)
	})
}
