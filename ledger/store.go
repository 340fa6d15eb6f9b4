/*
store.go - Persistence interfaces for the referral ledger

PURPOSE:
  Defines the interface between the domain logic and the database.
  The Store handles persistence while keeping ledger entries append-only.

KEY INTERFACES:
  Store:   Operations usable inside one atomic unit
  TxStore: Runs a function inside one atomic unit
  Queries: Read-side lookups for projections and background passes

APPEND-ONLY CONTRACT:
  Entries have AppendEntry and nothing else. There is no update or delete.
  Referral rows are updated under an optimistic version check.

IDEMPOTENCY:
  Entry idempotency keys and (referrer, config version) unlock keys are
  unique at the storage layer, so compare-and-append stays race-proof even
  when writers run in separate processes.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go
  - store/memory/memory.go
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Operations inside one atomic unit
// =============================================================================

type Store interface {
	GetReferrer(ctx context.Context, id ReferrerID) (*Referrer, error)
	InsertReferrer(ctx context.Context, r Referrer) error

	GetReferral(ctx context.Context, id ReferralID) (*Referral, error)
	InsertReferral(ctx context.Context, r Referral) error

	// UpdateReferral writes state, consultant and UpdatedAt when the stored
	// version still equals r.Version. A stale version yields ConflictError.
	UpdateReferral(ctx context.Context, r Referral) (Referral, error)

	// AppendEntry is the ONLY write on entries. Duplicate idempotency keys
	// yield ConflictError.
	AppendEntry(ctx context.Context, e Entry) error
	EntryExists(ctx context.Context, idempotencyKey string) (bool, error)
	SumAmounts(ctx context.Context, referrer ReferrerID) (decimal.Decimal, error)
	// CountEntries counts entries of kind created at or after since.
	CountEntries(ctx context.Context, referrer ReferrerID, kind EntryKind, since time.Time) (int, error)

	// ActiveRewardConfig returns the highest version effective at `at`,
	// or nil when none is.
	ActiveRewardConfig(ctx context.Context, at time.Time) (*RewardConfig, error)
	// InsertRewardConfig assigns the next version and stores c.
	InsertRewardConfig(ctx context.Context, c RewardConfig) (RewardConfig, error)

	GetRewardUnlock(ctx context.Context, referrer ReferrerID, version int) (*RewardUnlock, error)
	// LatestRewardUnlockBefore returns the referrer's most recent unlock of a
	// version lower than version, or nil when there is none.
	LatestRewardUnlockBefore(ctx context.Context, referrer ReferrerID, version int) (*RewardUnlock, error)
	// InsertRewardUnlock yields ConflictError if (referrer, version) exists.
	InsertRewardUnlock(ctx context.Context, u RewardUnlock) error

	// AppendEvent writes e to the outbox and sets e.Seq.
	AppendEvent(ctx context.Context, e *Event) error
}

// TxStore runs fn inside one atomic unit. If fn returns an error the unit
// is rolled back; otherwise it is committed.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// QUERIES - Read side
// =============================================================================

// Cursor is a keyset position in history ordered by (CreatedAt desc, ID desc).
type Cursor struct {
	CreatedAt time.Time
	ID        EntryID
}

type Queries interface {
	Store

	// ListEntries returns up to limit entries strictly after cursor in
	// (created_at desc, id desc) order. A nil cursor starts at the newest.
	ListEntries(ctx context.Context, referrer ReferrerID, after *Cursor, limit int) ([]Entry, error)
	CountReferralsByState(ctx context.Context, referrer ReferrerID) (map[State]int, error)
	ListReferralsByConsultant(ctx context.Context, consultant ConsultantID) ([]Referral, error)
	ListReferralsByReferrer(ctx context.Context, referrer ReferrerID) ([]Referral, error)
	ListRewardConfigs(ctx context.Context) ([]RewardConfig, error)
	ListRewardUnlocks(ctx context.Context, referrer ReferrerID) ([]RewardUnlock, error)
	ListReferrerIDs(ctx context.Context) ([]ReferrerID, error)

	// EventsAfter returns up to limit outbox events with Seq > seq, ascending.
	EventsAfter(ctx context.Context, seq int64, limit int) ([]Event, error)
	MaxEventSeq(ctx context.Context) (int64, error)
}

// CommitNotifier is woken after a unit that wrote outbox events commits.
type CommitNotifier interface {
	Notify()
}
