package fanout

import (
	"context"
	"errors"
	"sync"

	"github.com/warp/referral-engine/ledger"
)

var (
	ErrSessionClosed   = errors.New("session closed")
	ErrSessionOverflow = errors.New("session buffer full")
)

// Session is a live connection handle. Deliver must not block; the Registry
// calls it while holding its lock so that per-room order is kept.
type Session interface {
	ID() string
	Deliver(ev ledger.Event) error
}

// QueuedSession buffers events for one connection. A writer goroutine drains
// it with Run.
type QueuedSession struct {
	id    string
	queue chan ledger.Event
	done  chan struct{}
	once  sync.Once
}

func NewQueuedSession(id string, buffer int) *QueuedSession {
	if buffer <= 0 {
		buffer = 64
	}
	return &QueuedSession{
		id:    id,
		queue: make(chan ledger.Event, buffer),
		done:  make(chan struct{}),
	}
}

func (s *QueuedSession) ID() string { return s.id }

// Deliver enqueues ev. A full buffer means the client is too slow; the
// event is refused and the caller drops the session.
func (s *QueuedSession) Deliver(ev ledger.Event) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.queue <- ev:
		return nil
	default:
		return ErrSessionOverflow
	}
}

// Run writes queued events with write until ctx ends, the session closes,
// or write fails.
func (s *QueuedSession) Run(ctx context.Context, write func(ledger.Event) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case ev := <-s.queue:
			if err := write(ev); err != nil {
				return err
			}
		}
	}
}

// Close is idempotent.
func (s *QueuedSession) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *QueuedSession) Done() <-chan struct{} { return s.done }
