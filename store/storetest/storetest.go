// Package storetest holds the behavior every ledger store must share.
// Store implementations call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/ledger"
)

// Store is what a complete backend provides.
type Store interface {
	ledger.TxStore
	ledger.Queries
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Run executes the contract against fresh stores from newStore.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"Referrers", testReferrers},
		{"ReferralVersioning", testReferralVersioning},
		{"ReferralListings", testReferralListings},
		{"EntryIdempotency", testEntryIdempotency},
		{"ExactSums", testExactSums},
		{"CountEntriesSince", testCountEntriesSince},
		{"ListEntriesPaging", testListEntriesPaging},
		{"RewardConfigVersions", testRewardConfigVersions},
		{"RewardUnlocks", testRewardUnlocks},
		{"TxRollback", testTxRollback},
		{"Outbox", testOutbox},
		{"UnknownReferences", testUnknownReferences},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func seedReferrer(t *testing.T, s Store, id ledger.ReferrerID) {
	t.Helper()
	require.NoError(t, s.InsertReferrer(context.Background(), ledger.Referrer{ID: id, Name: string(id), CreatedAt: t0}))
}

func seedConfig(t *testing.T, s Store, referrals, sales int, from time.Time) ledger.RewardConfig {
	t.Helper()
	cfg, err := s.InsertRewardConfig(context.Background(), ledger.RewardConfig{
		ReferralsRequired: referrals,
		SalesRequired:     sales,
		EffectiveFrom:     from,
		CreatedBy:         "admin:root",
		CreatedAt:         from,
	})
	require.NoError(t, err)
	return cfg
}

func credit(id ledger.EntryID, referrer ledger.ReferrerID, amount string, at time.Time) ledger.Entry {
	return ledger.Entry{
		ID:             id,
		ReferrerID:     referrer,
		Kind:           ledger.KindReferralCredited,
		Amount:         decimal.RequireFromString(amount),
		IdempotencyKey: "credit:" + string(id),
		CreatedBy:      "consultant:c1",
		CreatedAt:      at,
	}
}

func testReferrers(t *testing.T, s Store) {
	ctx := context.Background()
	seedReferrer(t, s, "bob")
	seedReferrer(t, s, "alice")

	got, err := s.GetReferrer(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Name)
	assert.True(t, got.CreatedAt.Equal(t0))

	_, err = s.GetReferrer(ctx, "carol")
	var nf *ledger.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "referrer", nf.Entity)

	err = s.InsertReferrer(ctx, ledger.Referrer{ID: "alice", Name: "again", CreatedAt: t0})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	ids, err := s.ListReferrerIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.ReferrerID{"alice", "bob"}, ids)
}

func testReferralVersioning(t *testing.T, s Store) {
	ctx := context.Background()
	seedReferrer(t, s, "alice")
	require.NoError(t, s.InsertReferral(ctx, ledger.Referral{
		ID: "r1", ReferrerID: "alice", LeadName: "Acme", State: ledger.StateLead,
		CreatedAt: t0, UpdatedAt: t0,
	}))

	r, err := s.GetReferral(ctx, "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, r.Version)
	assert.Empty(t, r.ConsultantID)

	r.State = ledger.StateContacted
	r.ConsultantID = "c1"
	r.UpdatedAt = t0.Add(time.Minute)
	updated, err := s.UpdateReferral(ctx, *r)
	require.NoError(t, err)
	assert.EqualValues(t, 2, updated.Version)

	// The first copy is now stale.
	_, err = s.UpdateReferral(ctx, *r)
	var conflict *ledger.ConflictError
	require.ErrorAs(t, err, &conflict)

	stored, err := s.GetReferral(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateContacted, stored.State)
	assert.Equal(t, ledger.ConsultantID("c1"), stored.ConsultantID)
	assert.EqualValues(t, 2, stored.Version)

	_, err = s.GetReferral(ctx, "missing")
	assert.True(t, ledger.IsNotFound(err))
}

func testReferralListings(t *testing.T, s Store) {
	ctx := context.Background()
	seedReferrer(t, s, "alice")
	seedReferrer(t, s, "bob")
	for i, r := range []ledger.Referral{
		{ID: "r1", ReferrerID: "alice", State: ledger.StateLead},
		{ID: "r2", ReferrerID: "alice", State: ledger.StateContacted, ConsultantID: "c1"},
		{ID: "r3", ReferrerID: "alice", State: ledger.StateContacted, ConsultantID: "c1"},
		{ID: "r4", ReferrerID: "bob", State: ledger.StateConverted, ConsultantID: "c2"},
	} {
		r.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		r.UpdatedAt = t0.Add(time.Duration(10-i) * time.Minute)
		require.NoError(t, s.InsertReferral(ctx, r))
	}

	byReferrer, err := s.ListReferralsByReferrer(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []ledger.ReferralID{"r3", "r2", "r1"}, referralIDs(byReferrer))

	byConsultant, err := s.ListReferralsByConsultant(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []ledger.ReferralID{"r2", "r3"}, referralIDs(byConsultant))

	counts, err := s.CountReferralsByState(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, map[ledger.State]int{ledger.StateLead: 1, ledger.StateContacted: 2}, counts)
}

func testEntryIdempotency(t *testing.T, s Store) {
	ctx := context.Background()
	seedReferrer(t, s, "alice")

	e := credit("e1", "alice", "50", t0)
	require.NoError(t, s.AppendEntry(ctx, e))

	ok, err := s.EntryExists(ctx, e.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.EntryExists(ctx, "credit:nope")
	require.NoError(t, err)
	assert.False(t, ok)

	dup := credit("e2", "alice", "50", t0)
	dup.IdempotencyKey = e.IdempotencyKey
	assert.ErrorIs(t, s.AppendEntry(ctx, dup), ledger.ErrConflict)

	// Adjustments without a key never collide.
	for _, id := range []ledger.EntryID{"a1", "a2"} {
		require.NoError(t, s.AppendEntry(ctx, ledger.Entry{
			ID: id, ReferrerID: "alice", Kind: ledger.KindAdjustment,
			Amount: decimal.NewFromInt(-5), CreatedAt: t0,
		}))
	}

	sum, err := s.SumAmounts(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "40.00", sum.StringFixed(2))
}

func testExactSums(t *testing.T, s Store) {
	ctx := context.Background()
	seedReferrer(t, s, "alice")
	require.NoError(t, s.AppendEntry(ctx, credit("e1", "alice", "0.1", t0)))
	require.NoError(t, s.AppendEntry(ctx, credit("e2", "alice", "0.2", t0)))

	sum, err := s.SumAmounts(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.RequireFromString("0.3")), "got %s", sum)

	empty, err := s.SumAmounts(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, empty.IsZero())
}

func testCountEntriesSince(t *testing.T, s Store) {
	ctx := context.Background()
	seedReferrer(t, s, "alice")
	require.NoError(t, s.AppendEntry(ctx, credit("e1", "alice", "50", t0)))
	require.NoError(t, s.AppendEntry(ctx, credit("e2", "alice", "50", t0.Add(time.Hour))))
	sale := credit("e3", "alice", "500", t0.Add(2*time.Hour))
	sale.Kind = ledger.KindSaleCredited
	require.NoError(t, s.AppendEntry(ctx, sale))

	n, err := s.CountEntries(ctx, "alice", ledger.KindReferralCredited, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The boundary is inclusive.
	n, err = s.CountEntries(ctx, "alice", ledger.KindReferralCredited, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountEntries(ctx, "alice", ledger.KindSaleCredited, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testListEntriesPaging(t *testing.T, s Store) {
	ctx := context.Background()
	seedReferrer(t, s, "alice")
	seedReferrer(t, s, "bob")
	// e2 and e3 share a timestamp; id breaks the tie.
	require.NoError(t, s.AppendEntry(ctx, credit("e1", "alice", "1", t0)))
	require.NoError(t, s.AppendEntry(ctx, credit("e2", "alice", "2", t0.Add(time.Minute))))
	require.NoError(t, s.AppendEntry(ctx, credit("e3", "alice", "3", t0.Add(time.Minute))))
	require.NoError(t, s.AppendEntry(ctx, credit("e4", "alice", "4", t0.Add(2*time.Minute))))
	require.NoError(t, s.AppendEntry(ctx, credit("b1", "bob", "9", t0.Add(3*time.Minute))))

	page, err := s.ListEntries(ctx, "alice", nil, 2)
	require.NoError(t, err)
	assert.Equal(t, []ledger.EntryID{"e4", "e3"}, entryIDs(page))

	last := page[len(page)-1]
	page, err = s.ListEntries(ctx, "alice", &ledger.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, 2)
	require.NoError(t, err)
	assert.Equal(t, []ledger.EntryID{"e2", "e1"}, entryIDs(page))
	assert.Equal(t, "2", page[0].Amount.String())

	last = page[len(page)-1]
	page, err = s.ListEntries(ctx, "alice", &ledger.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, 2)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func testRewardConfigVersions(t *testing.T, s Store) {
	ctx := context.Background()

	active, err := s.ActiveRewardConfig(ctx, t0)
	require.NoError(t, err)
	assert.Nil(t, active)

	v1 := seedConfig(t, s, 5, 1, t0)
	v2 := seedConfig(t, s, 3, 1, t0.Add(24*time.Hour))
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)

	active, err = s.ActiveRewardConfig(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 1, active.Version)

	active, err = s.ActiveRewardConfig(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)
	assert.Equal(t, 3, active.ReferralsRequired)

	all, err := s.ListRewardConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 2, all[0].Version)
	assert.Equal(t, 1, all[1].Version)
}

func testRewardUnlocks(t *testing.T, s Store) {
	ctx := context.Background()
	seedReferrer(t, s, "alice")
	seedConfig(t, s, 1, 0, t0)
	seedConfig(t, s, 2, 0, t0)

	got, err := s.GetRewardUnlock(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.InsertRewardUnlock(ctx, ledger.RewardUnlock{ReferrerID: "alice", ConfigVersion: 2, EntryID: "u2", UnlockedAt: t0}))
	require.NoError(t, s.InsertRewardUnlock(ctx, ledger.RewardUnlock{ReferrerID: "alice", ConfigVersion: 1, EntryID: "u1", UnlockedAt: t0}))

	err = s.InsertRewardUnlock(ctx, ledger.RewardUnlock{ReferrerID: "alice", ConfigVersion: 1, EntryID: "u3", UnlockedAt: t0})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	got, err = s.GetRewardUnlock(ctx, "alice", 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ledger.EntryID("u1"), got.EntryID)

	latest, err := s.LatestRewardUnlockBefore(ctx, "alice", 2)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 1, latest.ConfigVersion)

	latest, err = s.LatestRewardUnlockBefore(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Nil(t, latest)

	// Same instant: the higher version wins.
	latest, err = s.LatestRewardUnlockBefore(ctx, "alice", 3)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.ConfigVersion)

	list, err := s.ListRewardUnlocks(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].ConfigVersion)
	assert.Equal(t, 2, list[1].ConfigVersion)
}

func testTxRollback(t *testing.T, s Store) {
	ctx := context.Background()
	seedReferrer(t, s, "alice")
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.AppendEntry(ctx, credit("e1", "alice", "50", t0)); err != nil {
			return err
		}
		ev := ledger.Event{Type: ledger.EventReferralCredited, ReferrerID: "alice", CommittedAt: t0}
		if err := tx.AppendEvent(ctx, &ev); err != nil {
			return err
		}
		// Writes inside the unit are visible to it.
		ok, err := tx.EntryExists(ctx, "credit:e1")
		if err != nil || !ok {
			return errors.New("entry not visible inside unit")
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	sum, err := s.SumAmounts(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, sum.IsZero())
	seq, err := s.MaxEventSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)

	// A committed unit keeps both writes.
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.AppendEntry(ctx, credit("e1", "alice", "50", t0)); err != nil {
			return err
		}
		ev := ledger.Event{Type: ledger.EventReferralCredited, ReferrerID: "alice", CommittedAt: t0}
		return tx.AppendEvent(ctx, &ev)
	}))
	sum, err = s.SumAmounts(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "50", sum.String())
}

func testOutbox(t *testing.T, s Store) {
	ctx := context.Background()

	var seqs []int64
	for i, typ := range []ledger.EventType{ledger.EventConfigUpdated, ledger.EventPipelineTransitioned, ledger.EventReferralCredited} {
		ev := ledger.Event{
			Type:        typ,
			ReferrerID:  "alice",
			Payload:     map[string]any{"n": float64(i)},
			CommittedAt: t0,
		}
		require.NoError(t, s.AppendEvent(ctx, &ev))
		assert.NotEmpty(t, ev.ID)
		seqs = append(seqs, ev.Seq)
	}
	assert.Less(t, seqs[0], seqs[1])
	assert.Less(t, seqs[1], seqs[2])

	max, err := s.MaxEventSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, seqs[2], max)

	after, err := s.EventsAfter(ctx, seqs[0], 10)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, ledger.EventPipelineTransitioned, after[0].Type)
	assert.Equal(t, float64(1), after[0].Payload["n"])
	assert.Equal(t, ledger.ReferrerID("alice"), after[0].ReferrerID)

	limited, err := s.EventsAfter(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, seqs[0], limited[0].Seq)

	// Event ids are unique.
	dup := ledger.Event{ID: after[0].ID, Type: ledger.EventAdjustment, CommittedAt: t0}
	assert.ErrorIs(t, s.AppendEvent(ctx, &dup), ledger.ErrConflict)
}

func testUnknownReferences(t *testing.T, s Store) {
	ctx := context.Background()

	err := s.AppendEntry(ctx, credit("e1", "ghost", "50", t0))
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	err = s.InsertReferral(ctx, ledger.Referral{ID: "r1", ReferrerID: "ghost", State: ledger.StateLead, CreatedAt: t0, UpdatedAt: t0})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	seedReferrer(t, s, "alice")
	err = s.InsertRewardUnlock(ctx, ledger.RewardUnlock{ReferrerID: "alice", ConfigVersion: 7, EntryID: "u", UnlockedAt: t0})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func referralIDs(rs []ledger.Referral) []ledger.ReferralID {
	out := make([]ledger.ReferralID, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func entryIDs(es []ledger.Entry) []ledger.EntryID {
	out := make([]ledger.EntryID, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}
