/*
ledger.go - Append-only referral ledger

PURPOSE:
  The Ledger is the immutable source of truth for every referrer balance.
  Referral bonuses, sale commissions, reward unlocks and adjustments are
  all recorded here. Balance is always the sum of entry amounts; there is
  no separate balance column that could drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. IDEMPOTENT: An idempotency key is appended at most once.
  3. ONE UNLOCK: At most one reward_unlocked per (referrer, config version).

ATOMICITY:
  A Ledger is bound to a Store. Bind it to the Store handed out by
  TxStore.WithTx and every append made through it commits or rolls back
  together with the rest of that unit.

CORRECTIONS:
  Mistakes are fixed with a new adjustment entry carrying the opposite
  amount. Both entries stay in history.
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store Store
	Now   func() time.Time
}

func NewLedger(store Store, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{Store: store, Now: now}
}

// Append validates e, fills ID and CreatedAt when missing, and persists it.
//
// For reward_unlocked entries the RewardUnlock record is written first; the
// storage unique key on (referrer, version) makes that a compare-and-append.
func (l *Ledger) Append(ctx context.Context, e Entry) (Entry, error) {
	if !e.Kind.Valid() {
		return Entry{}, &InputError{Field: "kind", Message: string(e.Kind)}
	}
	if e.ReferrerID == "" {
		return Entry{}, &InputError{Field: "referrer_id", Message: "required"}
	}
	if e.Kind == KindRewardUnlocked && e.ConfigVersion <= 0 {
		return Entry{}, &InputError{Field: "config_version", Message: "required for reward_unlocked"}
	}
	if e.Kind == KindAdjustment && e.Amount.IsZero() {
		return Entry{}, &InputError{Field: "amount", Message: "adjustment must be non-zero"}
	}

	if _, err := l.Store.GetReferrer(ctx, e.ReferrerID); err != nil {
		return Entry{}, err
	}

	if e.IdempotencyKey != "" {
		exists, err := l.Store.EntryExists(ctx, e.IdempotencyKey)
		if err != nil {
			return Entry{}, err
		}
		if exists {
			return Entry{}, &ConflictError{Key: e.IdempotencyKey, Reason: "entry already appended"}
		}
	}

	if e.ID == "" {
		e.ID = EntryID(NewID())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.Now().UTC()
	}

	if e.Kind == KindRewardUnlocked {
		existing, err := l.Store.GetRewardUnlock(ctx, e.ReferrerID, e.ConfigVersion)
		if err != nil {
			return Entry{}, err
		}
		if existing != nil {
			return Entry{}, &ConflictError{
				Key:    UnlockKey(e.ReferrerID, e.ConfigVersion),
				Reason: "reward already unlocked",
			}
		}
		if err := l.Store.InsertRewardUnlock(ctx, RewardUnlock{
			ReferrerID:    e.ReferrerID,
			ConfigVersion: e.ConfigVersion,
			EntryID:       e.ID,
			UnlockedAt:    e.CreatedAt,
		}); err != nil {
			return Entry{}, err
		}
	}

	if err := l.Store.AppendEntry(ctx, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// BalanceOf is the sum of all entry amounts for the referrer.
func (l *Ledger) BalanceOf(ctx context.Context, referrer ReferrerID) (decimal.Decimal, error) {
	if _, err := l.Store.GetReferrer(ctx, referrer); err != nil {
		return decimal.Zero, err
	}
	return l.Store.SumAmounts(ctx, referrer)
}

// NewID returns a time-ordered unique id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// RecordEvents writes events to the outbox of the unit bound to s, stamping
// each with the commit time. Seq is set on the passed slice.
func RecordEvents(ctx context.Context, s Store, at time.Time, events []Event) error {
	for i := range events {
		if events[i].CommittedAt.IsZero() {
			events[i].CommittedAt = at.UTC()
		}
		if err := s.AppendEvent(ctx, &events[i]); err != nil {
			return err
		}
	}
	return nil
}
