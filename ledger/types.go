/*
Package ledger provides the core referral ledger.

PURPOSE:
  This package contains the domain types shared by every component of the
  referral engine: referrers, referrals and their pipeline state, the
  append-only ledger of credits, versioned reward thresholds, reward
  unlocks, and the domain events that are fanned out to live sessions.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: An immutable ledger fact (credit, unlock, adjustment)
  - Referral: One submitted lead moving through the pipeline
  - RewardConfig: Versioned loot-box thresholds
  - Event: A committed domain event, ordered by commit sequence
  - Principal: The authenticated actor behind an operation

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified; corrections are adjustments
  2. Precision: Amounts use decimal.Decimal, never float64
  3. Derived state: Balance and counters are computed from entries
  4. Idempotency: Every credit carries a key that the store keeps unique

SEE ALSO:
  - ledger.go: Append and balance
  - store.go: Persistence interfaces
  - errors.go: Error taxonomy
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ReferrerID string
type ReferralID string
type ConsultantID string
type EntryID string

// =============================================================================
// PIPELINE STATE
// =============================================================================

// State is the lifecycle state of a referral.
type State string

const (
	StateLead      State = "lead"
	StateContacted State = "contacted"
	StateConverted State = "converted"
	StateLost      State = "lost"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateLead, StateContacted, StateConverted, StateLost:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	return s == StateConverted || s == StateLost
}

// =============================================================================
// REFERRER & REFERRAL
// =============================================================================

type Referrer struct {
	ID        ReferrerID
	Name      string
	CreatedAt time.Time
}

// Referral is one lead attributed to a referrer.
// ConsultantID is empty until a consultant claims the lead.
type Referral struct {
	ID           ReferralID
	ReferrerID   ReferrerID
	ConsultantID ConsultantID
	LeadName     string
	LeadContact  string
	State        State
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// Version is bumped on every write and guards concurrent updates.
	Version int64
}

// =============================================================================
// LEDGER ENTRY - Immutable fact
// =============================================================================

type EntryKind string

const (
	KindReferralCredited EntryKind = "referral_credited" // Lead first contacted
	KindSaleCredited     EntryKind = "sale_credited"     // Lead converted into a sale
	KindRewardUnlocked   EntryKind = "reward_unlocked"   // Loot box opened for a config version
	KindAdjustment       EntryKind = "adjustment"        // Manual admin correction
)

func (k EntryKind) Valid() bool {
	switch k {
	case KindReferralCredited, KindSaleCredited, KindRewardUnlocked, KindAdjustment:
		return true
	}
	return false
}

type Entry struct {
	ID         EntryID
	ReferrerID ReferrerID
	ReferralID ReferralID // empty for configuration-driven entries
	Kind       EntryKind
	Amount     decimal.Decimal

	// ConfigVersion is set on reward_unlocked entries only.
	ConfigVersion int

	IdempotencyKey string
	Reason         string
	CreatedBy      string
	CreatedAt      time.Time
}

// Idempotency keys. The store enforces uniqueness on these.
func ReferralCreditKey(id ReferralID) string { return "referral_credited:" + string(id) }
func SaleCreditKey(id ReferralID) string     { return "sale_credited:" + string(id) }
func UnlockKey(referrer ReferrerID, version int) string {
	return fmt.Sprintf("reward_unlocked:%s:%d", referrer, version)
}

// =============================================================================
// REWARDS
// =============================================================================

// RewardConfig holds the loot-box thresholds for one version.
// Versions are never edited; a newer version supersedes older ones once
// its EffectiveFrom has passed.
type RewardConfig struct {
	Version           int
	ReferralsRequired int
	SalesRequired     int
	EffectiveFrom     time.Time
	CreatedBy         string
	CreatedAt         time.Time
}

// Qualifies reports whether the given counts clear the thresholds.
func (c RewardConfig) Qualifies(referrals, sales int) bool {
	return referrals >= c.ReferralsRequired && sales >= c.SalesRequired
}

// RewardUnlock is the idempotency record for (referrer, version).
type RewardUnlock struct {
	ReferrerID    ReferrerID
	ConfigVersion int
	EntryID       EntryID
	UnlockedAt    time.Time
}

// =============================================================================
// DOMAIN EVENTS
// =============================================================================

type EventType string

const (
	EventReferralCredited     EventType = "referral_credited"
	EventSaleCredited         EventType = "sale_credited"
	EventRewardUnlocked       EventType = "reward_unlocked"
	EventPipelineTransitioned EventType = "pipeline_transitioned"
	EventConfigUpdated        EventType = "config_updated"
	EventReferralAssigned     EventType = "referral_assigned"
	EventAdjustment           EventType = "adjustment"
)

// Event is a committed domain event. Seq is assigned by the store when the
// event is written in the same atomic unit as the state it describes.
type Event struct {
	Seq          int64          `json:"seq"`
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	ReferrerID   ReferrerID     `json:"referrer_id,omitempty"`
	ReferralID   ReferralID     `json:"referral_id,omitempty"`
	ConsultantID ConsultantID   `json:"consultant_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	CommittedAt  time.Time      `json:"committed_at"`
}

// =============================================================================
// PRINCIPAL
// =============================================================================

type Role string

const (
	RoleReferrer   Role = "referrer"
	RoleConsultant Role = "consultant"
	RoleAdmin      Role = "admin"
)

// Principal is the authenticated actor supplied by the identity provider.
type Principal struct {
	Role Role
	ID   string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// IsReferrer reports whether p is the given referrer.
func (p Principal) IsReferrer(id ReferrerID) bool {
	return p.Role == RoleReferrer && p.ID == string(id)
}

// IsConsultant reports whether p is the given consultant.
func (p Principal) IsConsultant(id ConsultantID) bool {
	return p.Role == RoleConsultant && id != "" && p.ID == string(id)
}

func (p Principal) String() string { return string(p.Role) + ":" + p.ID }

// Valid reports whether p carries a known role and an id.
func (p Principal) Valid() bool {
	switch p.Role {
	case RoleReferrer, RoleConsultant, RoleAdmin:
		return p.ID != ""
	}
	return false
}
