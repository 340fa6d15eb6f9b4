package pipeline_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/ledger"
	"github.com/warp/referral-engine/pipeline"
	"github.com/warp/referral-engine/rewards"
	"github.com/warp/referral-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	admin      = ledger.Principal{Role: ledger.RoleAdmin, ID: "ops"}
	alice      = ledger.Principal{Role: ledger.RoleReferrer, ID: "alice"}
	consultant = ledger.Principal{Role: ledger.RoleConsultant, ID: "c1"}
	other      = ledger.Principal{Role: ledger.RoleConsultant, ID: "c2"}
)

// clock advances a millisecond on every read so entries never share a
// timestamp.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type fixture struct {
	store   *sqlite.Store
	machine *pipeline.Machine
	configs *rewards.ConfigService
	clock   *clock
}

func newFixture(t *testing.T, dbPath string) *fixture {
	t.Helper()
	store, err := sqlite.New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := newClock()
	ev := rewards.NewEvaluator(clk.Now, nil, nil)
	m := pipeline.NewMachine(store, ev, pipeline.Commission{
		ReferralBonus:  decimal.NewFromInt(10),
		SaleCommission: decimal.NewFromInt(100),
	}, nil, nil, nil)
	m.Retry = ledger.RetryPolicy{MaxAttempts: 10, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

	configs := rewards.NewConfigService(store, nil, nil, nil)
	configs.Now = clk.Now

	return &fixture{store: store, machine: m, configs: configs, clock: clk}
}

func (f *fixture) referrer(t *testing.T, id string) ledger.ReferrerID {
	t.Helper()
	r, err := f.machine.Register(context.Background(), pipeline.RegisterInput{ID: ledger.ReferrerID(id), Name: id}, admin)
	require.NoError(t, err)
	return r.ID
}

func (f *fixture) lead(t *testing.T, referrer ledger.ReferrerID) ledger.ReferralID {
	t.Helper()
	r, err := f.machine.Submit(context.Background(), referrer, pipeline.SubmitInput{LeadName: "Lead", LeadContact: "lead@example.com"}, admin)
	require.NoError(t, err)
	return r.ID
}

func (f *fixture) publish(t *testing.T, referrals, sales int) ledger.RewardConfig {
	t.Helper()
	cfg, err := f.configs.Publish(context.Background(), admin, rewards.PublishInput{
		ReferralsRequired: referrals,
		SalesRequired:     sales,
	})
	require.NoError(t, err)
	return cfg
}

func (f *fixture) balance(t *testing.T, referrer ledger.ReferrerID) decimal.Decimal {
	t.Helper()
	b, err := ledger.NewLedger(f.store, nil).BalanceOf(context.Background(), referrer)
	require.NoError(t, err)
	return b
}

func eventTypes(events []ledger.Event) []ledger.EventType {
	out := make([]ledger.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestTransition_FullLifecycle_CreditsAndUnlocks(t *testing.T) {
	// GIVEN: Thresholds of 1 referral and 1 sale, one submitted lead
	// WHEN: A consultant contacts and then converts it
	// THEN: Referral bonus + sale commission are credited and the box unlocks once

	ctx := context.Background()
	f := newFixture(t, ":memory:")
	cfg := f.publish(t, 1, 1)
	ref := f.referrer(t, "alice")
	id := f.lead(t, ref)

	res, err := f.machine.Transition(ctx, id, ledger.StateContacted, consultant)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateLead, res.From)
	assert.Equal(t, ledger.ConsultantID("c1"), res.Referral.ConsultantID, "contacting an unassigned lead claims it")
	assert.Equal(t, []ledger.EventType{ledger.EventPipelineTransitioned, ledger.EventReferralCredited}, eventTypes(res.Events))
	assert.False(t, res.Unlocked)

	res, err = f.machine.Transition(ctx, id, ledger.StateConverted, consultant)
	require.NoError(t, err)
	assert.Equal(t, []ledger.EventType{
		ledger.EventPipelineTransitioned,
		ledger.EventSaleCredited,
		ledger.EventRewardUnlocked,
	}, eventTypes(res.Events))
	assert.True(t, res.Unlocked)
	assert.Equal(t, cfg.Version, res.Events[2].Payload["config_version"])

	assert.True(t, decimal.NewFromInt(110).Equal(f.balance(t, ref)), "reward unlock carries no amount")

	unlocks, err := f.store.ListRewardUnlocks(ctx, ref)
	require.NoError(t, err)
	require.Len(t, unlocks, 1)
	assert.Equal(t, cfg.Version, unlocks[0].ConfigVersion)
}

func TestTransition_Lost_CreditsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ":memory:")
	ref := f.referrer(t, "alice")
	id := f.lead(t, ref)

	_, err := f.machine.Transition(ctx, id, ledger.StateContacted, consultant)
	require.NoError(t, err)
	res, err := f.machine.Transition(ctx, id, ledger.StateLost, consultant)
	require.NoError(t, err)

	assert.Len(t, res.Entries, 0)
	assert.Equal(t, []ledger.EventType{ledger.EventPipelineTransitioned}, eventTypes(res.Events))
	assert.True(t, decimal.NewFromInt(10).Equal(f.balance(t, ref)))
}

func TestTransition_EventsCarryRoutingFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ":memory:")
	ref := f.referrer(t, "alice")
	id := f.lead(t, ref)

	res, err := f.machine.Transition(ctx, id, ledger.StateContacted, consultant)
	require.NoError(t, err)

	var last int64
	for _, e := range res.Events {
		assert.Equal(t, ref, e.ReferrerID)
		assert.Equal(t, id, e.ReferralID)
		assert.Equal(t, ledger.ConsultantID("c1"), e.ConsultantID)
		assert.Greater(t, e.Seq, last, "outbox seq must increase within the unit")
		last = e.Seq
	}
}

// =============================================================================
// INVALID TRANSITIONS
// =============================================================================

func TestTransition_InvalidMoves(t *testing.T) {
	tests := []struct {
		name   string
		path   []ledger.State
		target ledger.State
	}{
		{"lead to converted", nil, ledger.StateConverted},
		{"lead to lost", nil, ledger.StateLost},
		{"lead to lead", nil, ledger.StateLead},
		{"contacted to contacted", []ledger.State{ledger.StateContacted}, ledger.StateContacted},
		{"contacted back to lead", []ledger.State{ledger.StateContacted}, ledger.StateLead},
		{"lost to contacted", []ledger.State{ledger.StateContacted, ledger.StateLost}, ledger.StateContacted},
		{"converted to lost", []ledger.State{ledger.StateContacted, ledger.StateConverted}, ledger.StateLost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, ":memory:")
			ref := f.referrer(t, "alice")
			id := f.lead(t, ref)
			for _, s := range tt.path {
				_, err := f.machine.Transition(ctx, id, s, admin)
				require.NoError(t, err)
			}
			before := f.balance(t, ref)

			_, err := f.machine.Transition(ctx, id, tt.target, admin)

			var ite *ledger.InvalidTransitionError
			require.ErrorAs(t, err, &ite)
			assert.Equal(t, tt.target, ite.To)
			assert.True(t, before.Equal(f.balance(t, ref)), "rejected move must not touch the ledger")
		})
	}
}

func TestTransition_UnknownReferral(t *testing.T) {
	f := newFixture(t, ":memory:")
	_, err := f.machine.Transition(context.Background(), "missing", ledger.StateContacted, admin)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestTransition_UnknownTargetState(t *testing.T) {
	f := newFixture(t, ":memory:")
	ref := f.referrer(t, "alice")
	id := f.lead(t, ref)
	_, err := f.machine.Transition(context.Background(), id, "archived", admin)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// =============================================================================
// PERMISSIONS
// =============================================================================

func TestTransition_Permissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ":memory:")
	ref := f.referrer(t, "alice")
	id := f.lead(t, ref)

	_, err := f.machine.Transition(ctx, id, ledger.StateContacted, alice)
	assert.ErrorIs(t, err, ledger.ErrPermission, "referrers never move the pipeline")

	_, err = f.machine.Transition(ctx, id, ledger.StateContacted, consultant)
	require.NoError(t, err)

	_, err = f.machine.Transition(ctx, id, ledger.StateConverted, other)
	assert.ErrorIs(t, err, ledger.ErrPermission, "only the assigned consultant may continue")

	_, err = f.machine.Transition(ctx, id, ledger.StateConverted, admin)
	assert.NoError(t, err)
}

func TestSubmit_Permissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ":memory:")
	f.referrer(t, "alice")
	bob := f.referrer(t, "bob")

	_, err := f.machine.Submit(ctx, bob, pipeline.SubmitInput{LeadName: "x"}, alice)
	assert.ErrorIs(t, err, ledger.ErrPermission)

	r, err := f.machine.Submit(ctx, "alice", pipeline.SubmitInput{LeadName: "x"}, alice)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateLead, r.State)
	assert.Empty(t, r.ConsultantID)

	_, err = f.machine.Submit(ctx, "ghost", pipeline.SubmitInput{LeadName: "x"}, admin)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = f.machine.Submit(ctx, "alice", pipeline.SubmitInput{LeadName: "  "}, alice)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// =============================================================================
// ADMIN OPERATIONS
// =============================================================================

func TestReassign(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ":memory:")
	ref := f.referrer(t, "alice")
	id := f.lead(t, ref)
	_, err := f.machine.Transition(ctx, id, ledger.StateContacted, consultant)
	require.NoError(t, err)

	_, err = f.machine.Reassign(ctx, id, "c2", consultant)
	assert.ErrorIs(t, err, ledger.ErrPermission)

	r, err := f.machine.Reassign(ctx, id, "c2", admin)
	require.NoError(t, err)
	assert.Equal(t, ledger.ConsultantID("c2"), r.ConsultantID)
	assert.Equal(t, ledger.StateContacted, r.State)

	events, err := f.store.EventsAfter(ctx, 0, 100)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, ledger.EventReferralAssigned, last.Type)
	assert.Equal(t, "c1", last.Payload["previous_consultant_id"])

	// The new consultant now owns the referral
	_, err = f.machine.Transition(ctx, id, ledger.StateConverted, other)
	require.NoError(t, err)

	_, err = f.machine.Reassign(ctx, id, "c1", admin)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition, "closed referrals cannot be reassigned")
}

func TestAdjust(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ":memory:")
	ref := f.referrer(t, "alice")

	_, err := f.machine.Adjust(ctx, pipeline.AdjustInput{ReferrerID: ref, Amount: decimal.NewFromInt(5), Reason: "bonus"}, alice)
	assert.ErrorIs(t, err, ledger.ErrPermission)

	_, err = f.machine.Adjust(ctx, pipeline.AdjustInput{ReferrerID: ref, Amount: decimal.Zero, Reason: "noop"}, admin)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	e, err := f.machine.Adjust(ctx, pipeline.AdjustInput{
		ReferrerID:     ref,
		Amount:         decimal.RequireFromString("-2.50"),
		Reason:         "clawback",
		IdempotencyKey: "adj-1",
	}, admin)
	require.NoError(t, err)
	assert.Equal(t, ledger.KindAdjustment, e.Kind)
	assert.Equal(t, "admin:ops", e.CreatedBy)
	assert.True(t, decimal.RequireFromString("-2.50").Equal(f.balance(t, ref)))

	_, err = f.machine.Adjust(ctx, pipeline.AdjustInput{
		ReferrerID:     ref,
		Amount:         decimal.RequireFromString("-2.50"),
		Reason:         "clawback",
		IdempotencyKey: "adj-1",
	}, admin)
	assert.ErrorIs(t, err, ledger.ErrConflict, "same key appends once")
	assert.True(t, decimal.RequireFromString("-2.50").Equal(f.balance(t, ref)))
}

func TestAdjust_ReusedKeyFailsWithoutRetry(t *testing.T) {
	// GIVEN: An adjustment was applied with a client key
	// WHEN: The same key is submitted again
	// THEN: One unit runs and the conflict is returned at once

	ctx := context.Background()
	f := newFixture(t, ":memory:")
	ref := f.referrer(t, "alice")
	in := pipeline.AdjustInput{ReferrerID: ref, Amount: decimal.NewFromInt(7), Reason: "goodwill", IdempotencyKey: "adj-7"}

	_, err := f.machine.Adjust(ctx, in, admin)
	require.NoError(t, err)

	counter := &unitCounter{Store: f.store}
	f.machine.Store = counter
	f.machine.Retry = ledger.RetryPolicy{MaxAttempts: 5, InitialInterval: 50 * time.Millisecond, MaxInterval: 50 * time.Millisecond}

	_, err = f.machine.Adjust(ctx, in, admin)
	var conflict *ledger.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "adj-7", conflict.Key)
	assert.Equal(t, 1, counter.units)
}

// =============================================================================
// RETRY & CONCURRENCY
// =============================================================================

// unitCounter counts atomic units started.
type unitCounter struct {
	*sqlite.Store
	units int
}

func (s *unitCounter) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.units++
	return s.Store.WithTx(ctx, fn)
}

// flakyStore rolls back the first n units after they have run, the way a
// commit that loses the write lock would.
type flakyStore struct {
	*sqlite.Store
	mu    sync.Mutex
	fails int
	runs  int
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.Store.WithTx(ctx, func(tx ledger.Store) error {
		if err := fn(tx); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.runs++
		if s.fails > 0 {
			s.fails--
			return &ledger.TransientStorageError{Op: "commit", Err: errors.New("database is locked")}
		}
		return nil
	})
}

func TestTransition_RetriedAfterTransientFailure_CreditsOnce(t *testing.T) {
	// GIVEN: A store whose first two commits fail transiently
	// WHEN: A lead is contacted
	// THEN: The unit is re-run and exactly one referral credit exists

	ctx := context.Background()
	f := newFixture(t, ":memory:")
	ref := f.referrer(t, "alice")
	id := f.lead(t, ref)

	flaky := &flakyStore{Store: f.store, fails: 2}
	f.machine.Store = flaky

	res, err := f.machine.Transition(ctx, id, ledger.StateContacted, consultant)
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.runs)
	assert.Len(t, res.Entries, 1)

	n, err := f.store.CountEntries(ctx, ref, ledger.KindReferralCredited, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, decimal.NewFromInt(10).Equal(f.balance(t, ref)))
}

func TestTransition_RetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ":memory:")
	ref := f.referrer(t, "alice")
	id := f.lead(t, ref)

	f.machine.Store = &flakyStore{Store: f.store, fails: 100}
	f.machine.Retry = ledger.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	_, err := f.machine.Transition(ctx, id, ledger.StateContacted, consultant)
	assert.ErrorIs(t, err, ledger.ErrTransientStorage)

	r, err := f.store.GetReferral(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateLead, r.State, "failed units leave no partial state")
}

func TestTransition_ConcurrentSales_UnlockExactlyOnce(t *testing.T) {
	// GIVEN: Thresholds of 0 referrals and 2 sales, two contacted referrals
	// WHEN: Both are converted at the same time from separate goroutines
	// THEN: Exactly one reward_unlocked entry exists for the version

	ctx := context.Background()
	f := newFixture(t, filepath.Join(t.TempDir(), "referrals.db"))
	cfg := f.publish(t, 0, 2)
	ref := f.referrer(t, "alice")

	ids := []ledger.ReferralID{f.lead(t, ref), f.lead(t, ref), f.lead(t, ref)}
	for _, id := range ids {
		_, err := f.machine.Transition(ctx, id, ledger.StateContacted, admin)
		require.NoError(t, err)
	}
	_, err := f.machine.Transition(ctx, ids[0], ledger.StateConverted, admin)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range ids[1:] {
		wg.Add(1)
		go func(i int, id ledger.ReferralID) {
			defer wg.Done()
			_, errs[i] = f.machine.Transition(ctx, id, ledger.StateConverted, admin)
		}(i, id)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	n, err := f.store.CountEntries(ctx, ref, ledger.KindRewardUnlocked, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	unlock, err := f.store.GetRewardUnlock(ctx, ref, cfg.Version)
	require.NoError(t, err)
	require.NotNil(t, unlock)
}
