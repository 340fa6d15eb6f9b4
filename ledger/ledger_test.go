package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/ledger"
	"github.com/warp/referral-engine/store/memory"
)

var t0 = time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

func newLedger(t *testing.T) (*ledger.Ledger, *memory.Memory) {
	t.Helper()
	s := memory.New()
	require.NoError(t, s.InsertReferrer(context.Background(), ledger.Referrer{ID: "alice", Name: "Alice", CreatedAt: t0}))
	return ledger.NewLedger(s, func() time.Time { return t0 }), s
}

func TestAppend_FillsIDAndTime(t *testing.T) {
	l, _ := newLedger(t)

	e, err := l.Append(context.Background(), ledger.Entry{
		ReferrerID:     "alice",
		Kind:           ledger.KindReferralCredited,
		Amount:         decimal.NewFromInt(50),
		IdempotencyKey: ledger.ReferralCreditKey("r1"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.True(t, e.CreatedAt.Equal(t0))
}

func TestAppend_Validation(t *testing.T) {
	l, _ := newLedger(t)

	tests := []struct {
		name    string
		entry   ledger.Entry
		wantErr error
	}{
		{"unknown kind", ledger.Entry{ReferrerID: "alice", Kind: "bonus"}, ledger.ErrInvalidInput},
		{"missing referrer", ledger.Entry{Kind: ledger.KindAdjustment, Amount: decimal.NewFromInt(1)}, ledger.ErrInvalidInput},
		{"unlock without version", ledger.Entry{ReferrerID: "alice", Kind: ledger.KindRewardUnlocked}, ledger.ErrInvalidInput},
		{"zero adjustment", ledger.Entry{ReferrerID: "alice", Kind: ledger.KindAdjustment}, ledger.ErrInvalidInput},
		{"unknown referrer", ledger.Entry{ReferrerID: "ghost", Kind: ledger.KindAdjustment, Amount: decimal.NewFromInt(1)}, ledger.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Append(context.Background(), tt.entry)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAppend_DuplicateKeyConflicts(t *testing.T) {
	// GIVEN: A referral credit was recorded
	// WHEN: The same credit is appended again
	// THEN: The second append is a conflict and the balance is unchanged

	l, _ := newLedger(t)
	ctx := context.Background()
	entry := ledger.Entry{
		ReferrerID:     "alice",
		Kind:           ledger.KindReferralCredited,
		Amount:         decimal.NewFromInt(50),
		IdempotencyKey: ledger.ReferralCreditKey("r1"),
	}
	_, err := l.Append(ctx, entry)
	require.NoError(t, err)

	_, err = l.Append(ctx, entry)
	var conflict *ledger.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "referral_credited:r1", conflict.Key)

	balance, err := l.BalanceOf(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "50", balance.String())
}

func TestAppend_OneUnlockPerVersion(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	_, err := s.InsertRewardConfig(ctx, ledger.RewardConfig{ReferralsRequired: 1, EffectiveFrom: t0, CreatedAt: t0})
	require.NoError(t, err)

	unlock := ledger.Entry{ReferrerID: "alice", Kind: ledger.KindRewardUnlocked, ConfigVersion: 1}
	first, err := l.Append(ctx, unlock)
	require.NoError(t, err)

	_, err = l.Append(ctx, unlock)
	assert.ErrorIs(t, err, ledger.ErrConflict)

	got, err := s.GetRewardUnlock(ctx, "alice", 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.EntryID)
}

func TestBalanceOf_CorrectionsNetOut(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	for _, amount := range []string{"500", "-500", "19.99", "0.01"} {
		_, err := l.Append(ctx, ledger.Entry{
			ReferrerID: "alice",
			Kind:       ledger.KindAdjustment,
			Amount:     decimal.RequireFromString(amount),
			Reason:     "correction",
		})
		require.NoError(t, err)
	}

	balance, err := l.BalanceOf(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "20.00", balance.StringFixed(2))

	_, err = l.BalanceOf(ctx, "ghost")
	assert.True(t, ledger.IsNotFound(err))
}

func TestRecordEvents_StampsCommitTime(t *testing.T) {
	_, s := newLedger(t)
	ctx := context.Background()

	events := []ledger.Event{
		{Type: ledger.EventReferralCredited, ReferrerID: "alice"},
		{Type: ledger.EventAdjustment, ReferrerID: "alice", CommittedAt: t0.Add(time.Hour)},
	}
	require.NoError(t, ledger.RecordEvents(ctx, s, t0, events))

	assert.True(t, events[0].CommittedAt.Equal(t0))
	assert.True(t, events[1].CommittedAt.Equal(t0.Add(time.Hour)))
	assert.Less(t, events[0].Seq, events[1].Seq)
}

// =============================================================================
// RETRY
// =============================================================================

var fastRetry = ledger.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func TestRetry_RetriesConflictsUntilSuccess(t *testing.T) {
	attempts, retried := 0, 0
	got, err := ledger.Retry(context.Background(), fastRetry, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", &ledger.ConflictError{Key: "k", Reason: "raced"}
		}
		return "done", nil
	}, func(error) { retried++ })

	require.NoError(t, err)
	assert.Equal(t, "done", got)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, retried)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	attempts := 0
	_, err := ledger.Retry(context.Background(), fastRetry, func() (int, error) {
		attempts++
		return 0, &ledger.InvalidTransitionError{ReferralID: "r1", From: ledger.StateLead, To: ledger.StateConverted}
	}, nil)

	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	assert.Equal(t, 1, attempts)
}

func TestRetry_PermanentConflictReturnedAtOnce(t *testing.T) {
	attempts := 0
	_, err := ledger.Retry(context.Background(), fastRetry, func() (int, error) {
		attempts++
		return 0, ledger.Permanent(&ledger.ConflictError{Key: "adj-1", Reason: "reused"})
	}, func(error) { t.Fatal("permanent errors are not retried") })

	var conflict *ledger.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "adj-1", conflict.Key)
	assert.Equal(t, 1, attempts)
}

func TestRetry_BudgetExhausted(t *testing.T) {
	attempts := 0
	_, err := ledger.Retry(context.Background(), fastRetry, func() (int, error) {
		attempts++
		return 0, &ledger.TransientStorageError{Op: "commit", Err: errors.New("database is locked")}
	}, nil)

	assert.ErrorIs(t, err, ledger.ErrTransientStorage)
	assert.Equal(t, 3, attempts)
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, ledger.IsRetryable(&ledger.ConflictError{}))
	assert.True(t, ledger.IsRetryable(&ledger.TransientStorageError{Op: "x", Err: errors.New("busy")}))
	assert.False(t, ledger.IsRetryable(&ledger.InputError{}))

	assert.True(t, ledger.IsClientError(&ledger.PermissionError{}))
	assert.True(t, ledger.IsClientError(&ledger.InputError{}))
	assert.False(t, ledger.IsClientError(&ledger.NotFoundError{}))

	wrapped := errors.Join(errors.New("context"), &ledger.NotFoundError{Entity: "referral", ID: "r9"})
	assert.True(t, ledger.IsNotFound(wrapped))
	assert.Equal(t, `referral "r9" not found`, (&ledger.NotFoundError{Entity: "referral", ID: "r9"}).Error())
}

func TestPrincipal(t *testing.T) {
	c := ledger.Principal{Role: ledger.RoleConsultant, ID: "c1"}
	assert.True(t, c.Valid())
	assert.True(t, c.IsConsultant("c1"))
	assert.False(t, c.IsConsultant(""))
	assert.False(t, c.IsReferrer("c1"))
	assert.Equal(t, "consultant:c1", c.String())

	assert.False(t, ledger.Principal{Role: "guest", ID: "x"}.Valid())
	assert.False(t, ledger.Principal{Role: ledger.RoleAdmin}.Valid())
}
