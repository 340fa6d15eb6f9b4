package fanout_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/fanout"
	"github.com/warp/referral-engine/ledger"
	"github.com/warp/referral-engine/store/sqlite"
)

type batchSink struct {
	batches [][]ledger.Event
	err     error
}

func (s *batchSink) Deliver(_ context.Context, events []ledger.Event) error {
	s.batches = append(s.batches, events)
	return s.err
}

func (s *batchSink) seqs() []int64 {
	var out []int64
	for _, b := range s.batches {
		for _, e := range b {
			out = append(out, e.Seq)
		}
	}
	return out
}

func commitEvents(t *testing.T, store *sqlite.Store, n int) {
	t.Helper()
	ctx := context.Background()
	err := store.WithTx(ctx, func(s ledger.Store) error {
		events := make([]ledger.Event, n)
		for i := range events {
			events[i] = ledger.Event{Type: ledger.EventConfigUpdated, Payload: map[string]any{"i": i}}
		}
		return ledger.RecordEvents(ctx, s, time.Now(), events)
	})
	require.NoError(t, err)
}

func newOutbox(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDispatcher_Prime_SkipsHistory(t *testing.T) {
	// GIVEN: Three events committed before the dispatcher starts
	// WHEN: The dispatcher is primed and two more events commit
	// THEN: Only the two new events are delivered, in commit order

	ctx := context.Background()
	store := newOutbox(t)
	commitEvents(t, store, 3)

	sink := &batchSink{}
	d := fanout.NewDispatcher(store, sink, nil, nil)
	require.NoError(t, d.Prime(ctx))
	assert.Equal(t, int64(3), d.Position())

	commitEvents(t, store, 2)
	n, err := d.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{4, 5}, sink.seqs())
}

func TestDispatcher_Drain_Batches(t *testing.T) {
	ctx := context.Background()
	store := newOutbox(t)
	commitEvents(t, store, 5)

	sink := &batchSink{}
	d := fanout.NewDispatcher(store, sink, nil, nil)
	d.BatchSize = 2

	n, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, sink.batches, 3)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, sink.seqs())

	n, err = d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing is delivered twice")
}

func TestDispatcher_SinkFailure_StillAdvances(t *testing.T) {
	ctx := context.Background()
	store := newOutbox(t)
	commitEvents(t, store, 2)

	sink := &batchSink{err: errors.New("broker down")}
	d := fanout.NewDispatcher(store, sink, nil, nil)

	_, err := d.Drain(ctx)
	require.NoError(t, err, "delivery failures never reach the caller")
	assert.Equal(t, int64(2), d.Position())
}

func TestDispatcher_Start_DeliversOnNotify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newOutbox(t)
	reg := fanout.NewRegistry(nil, nil)
	session := fanout.NewQueuedSession("s1", 8)
	reg.Join(session, fanout.AdminRoom)

	d := fanout.NewDispatcher(store, reg, nil, nil)
	d.PollInterval = time.Hour
	require.NoError(t, d.Prime(ctx))
	d.Start(ctx)
	defer d.Stop()

	commitEvents(t, store, 1)
	d.Notify()

	select {
	case ev := <-sessionEvents(ctx, session):
		assert.Equal(t, int64(1), ev.Seq)
		assert.Equal(t, ledger.EventConfigUpdated, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func sessionEvents(ctx context.Context, s *fanout.QueuedSession) <-chan ledger.Event {
	out := make(chan ledger.Event, 1)
	go func() {
		_ = s.Run(ctx, func(ev ledger.Event) error {
			out <- ev
			return errors.New("stop after one")
		})
	}()
	return out
}

func TestQueuedSession_OverflowAndClose(t *testing.T) {
	s := fanout.NewQueuedSession("s1", 1)

	require.NoError(t, s.Deliver(ledger.Event{Seq: 1}))
	assert.ErrorIs(t, s.Deliver(ledger.Event{Seq: 2}), fanout.ErrSessionOverflow)

	s.Close()
	s.Close()
	assert.ErrorIs(t, s.Deliver(ledger.Event{Seq: 3}), fanout.ErrSessionClosed)
}
