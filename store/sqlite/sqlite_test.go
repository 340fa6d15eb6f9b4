package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/ledger"
	"github.com/warp/referral-engine/store/storetest"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return newStore(t) })
}

func TestSQLite_EntriesAreAppendOnly(t *testing.T) {
	// GIVEN: A stored ledger entry and unlock
	// WHEN: Raw SQL tries to rewrite or remove them
	// THEN: The schema triggers refuse

	ctx := context.Background()
	s := newStore(t)
	now := time.Now()
	require.NoError(t, s.InsertReferrer(ctx, ledger.Referrer{ID: "alice", Name: "Alice", CreatedAt: now}))
	_, err := s.InsertRewardConfig(ctx, ledger.RewardConfig{ReferralsRequired: 1, EffectiveFrom: now, CreatedAt: now})
	require.NoError(t, err)
	require.NoError(t, s.AppendEntry(ctx, ledger.Entry{
		ID: "e1", ReferrerID: "alice", Kind: ledger.KindReferralCredited,
		Amount: decimal.NewFromInt(50), IdempotencyKey: "k1", CreatedAt: now,
	}))
	require.NoError(t, s.InsertRewardUnlock(ctx, ledger.RewardUnlock{ReferrerID: "alice", ConfigVersion: 1, EntryID: "e2", UnlockedAt: now}))

	_, err = s.db.ExecContext(ctx, `UPDATE entries SET amount = '5000' WHERE id = 'e1'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = s.db.ExecContext(ctx, `DELETE FROM entries WHERE id = 'e1'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = s.db.ExecContext(ctx, `DELETE FROM reward_unlocks`)
	assert.ErrorContains(t, err, "permanent")

	sum, err := s.SumAmounts(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "50", sum.String())
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "referrals.db")

	s, err := Open(path, Options{BusyTimeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, s.InsertReferrer(ctx, ledger.Referrer{ID: "alice", Name: "Alice", CreatedAt: time.Now()}))
	ev := ledger.Event{Type: ledger.EventConfigUpdated, CommittedAt: time.Now()}
	require.NoError(t, s.AppendEvent(ctx, &ev))
	require.NoError(t, s.Close())

	s, err = Open(path, Options{})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(ctx))

	got, err := s.GetReferrer(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)

	seq, err := s.MaxEventSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, ev.Seq, seq)
}
