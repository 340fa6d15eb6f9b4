package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/referral-engine/ledger"
	"github.com/warp/referral-engine/metrics"
)

// =============================================================================
// DISPATCHER - outbox -> sink, in commit order
// =============================================================================

// Source is the outbox read side.
type Source interface {
	EventsAfter(ctx context.Context, seq int64, limit int) ([]ledger.Event, error)
	MaxEventSeq(ctx context.Context) (int64, error)
}

// Sink receives committed events in commit order.
type Sink interface {
	Deliver(ctx context.Context, events []ledger.Event) error
}

// Dispatcher drains the outbox into a Sink. Writers call Notify after
// commit; a poll interval covers writes from other processes sharing the
// database. Only one drain runs at a time, which keeps the stream ordered.
type Dispatcher struct {
	Source       Source
	Sink         Sink
	PollInterval time.Duration
	BatchSize    int
	Metrics      *metrics.Metrics
	Logger       *slog.Logger

	mu       sync.Mutex // serializes Drain
	position int64
	wake     chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup
	started  bool
}

func NewDispatcher(src Source, sink Sink, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Source:       src,
		Sink:         sink,
		PollInterval: time.Second,
		BatchSize:    256,
		Metrics:      m,
		Logger:       logger,
		wake:         make(chan struct{}, 1),
	}
}

// Notify wakes the drain loop. It never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Prime moves the position to the current end of the outbox. Events
// committed before Prime are never delivered.
func (d *Dispatcher) Prime(ctx context.Context) error {
	seq, err := d.Source.MaxEventSeq(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.position = seq
	d.mu.Unlock()
	d.Metrics.ObserveOutboxPosition(seq)
	return nil
}

// Position is the seq of the last event handed to the sink.
func (d *Dispatcher) Position() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.position
}

// Drain hands every event after the current position to the sink and
// returns how many were handed over. A sink failure is logged and the
// position still advances: delivery is best effort.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	limit := d.BatchSize
	if limit <= 0 {
		limit = 256
	}

	total := 0
	for {
		batch, err := d.Source.EventsAfter(ctx, d.position, limit)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}
		if err := d.Sink.Deliver(ctx, batch); err != nil {
			d.Metrics.ObserveDropped("sink")
			d.Logger.Warn("fanout sink failed",
				"from_seq", batch[0].Seq,
				"to_seq", batch[len(batch)-1].Seq,
				"error", err,
			)
		}
		d.position = batch[len(batch)-1].Seq
		d.Metrics.ObserveOutboxPosition(d.position)
		total += len(batch)
		if len(batch) < limit {
			return total, nil
		}
	}
}

// Start runs the drain loop in the background.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	stop := make(chan struct{})
	d.stop = stop
	d.mu.Unlock()

	interval := d.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-d.wake:
			case <-ticker.C:
			}
			if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
				d.Logger.Warn("outbox drain failed", "position", d.Position(), "error", err)
			}
		}
	}()
	d.Logger.Info("fanout dispatcher started", "position", d.Position(), "poll_interval", interval)
}

// Stop ends the drain loop and waits for it.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	stop := d.stop
	d.mu.Unlock()

	close(stop)
	d.wg.Wait()
	d.Logger.Info("fanout dispatcher stopped", "position", d.Position())
}
