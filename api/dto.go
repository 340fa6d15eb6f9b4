/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Money is always a decimal string ("12.50"), never a JSON number.

VALIDATION:
  Validation is done in handlers and the domain packages, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/referral-engine/ledger"
	"github.com/warp/referral-engine/projection"
	"github.com/warp/referral-engine/rewards"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type CreateReferrerRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type SubmitReferralRequest struct {
	LeadName    string `json:"lead_name"`
	LeadContact string `json:"lead_contact"`
}

type TransitionRequest struct {
	TargetState string `json:"target_state"`
}

type PublishConfigRequest struct {
	ReferralsRequired int        `json:"referrals_required"`
	SalesRequired     int        `json:"sales_required"`
	EffectiveFrom     *time.Time `json:"effective_from,omitempty"`
}

type AssignRequest struct {
	ConsultantID string `json:"consultant_id"`
}

type AdjustmentRequest struct {
	ReferrerID     string `json:"referrer_id"`
	Amount         string `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type ReferrerDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type ReferralDTO struct {
	ID           string    `json:"id"`
	ReferrerID   string    `json:"referrer_id"`
	ConsultantID string    `json:"consultant_id,omitempty"`
	LeadName     string    `json:"lead_name"`
	LeadContact  string    `json:"lead_contact,omitempty"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Version      int64     `json:"version"`
}

// EntryDTO represents a ledger entry in API responses.
type EntryDTO struct {
	ID            string    `json:"id"`
	ReferrerID    string    `json:"referrer_id"`
	ReferralID    string    `json:"referral_id,omitempty"`
	Kind          string    `json:"kind"`
	Amount        string    `json:"amount"`
	ConfigVersion int       `json:"config_version,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

type RewardConfigDTO struct {
	Version           int       `json:"version"`
	ReferralsRequired int       `json:"referrals_required"`
	SalesRequired     int       `json:"sales_required"`
	EffectiveFrom     time.Time `json:"effective_from"`
	CreatedBy         string    `json:"created_by"`
	CreatedAt         time.Time `json:"created_at"`
}

type BalanceDTO struct {
	ReferrerID string    `json:"referrer_id"`
	Balance    string    `json:"balance"`
	AsOf       time.Time `json:"as_of"`
}

type ProgressDTO struct {
	ReferrerID         string           `json:"referrer_id"`
	ReferralCount      int              `json:"referral_count"`
	SaleCount          int              `json:"sale_count"`
	ActiveConfig       *RewardConfigDTO `json:"active_config"`
	Unlocked           bool             `json:"unlocked"`
	ReferralsRemaining int              `json:"referrals_remaining"`
	SalesRemaining     int              `json:"sales_remaining"`
	UnlockedVersions   []int            `json:"unlocked_versions"`
}

type DashboardDTO struct {
	ReferrerID string      `json:"referrer_id"`
	Name       string      `json:"name"`
	Balance    string      `json:"balance"`
	Pending    int         `json:"pending"`
	Converted  int         `json:"converted"`
	Lost       int         `json:"lost"`
	Total      int         `json:"total"`
	Progress   ProgressDTO `json:"progress"`
	AsOf       time.Time   `json:"as_of"`
}

type HistoryDTO struct {
	Entries    []EntryDTO `json:"entries"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type TransitionResponse struct {
	Referral ReferralDTO    `json:"referral"`
	From     string         `json:"from"`
	To       string         `json:"to"`
	Entries  []EntryDTO     `json:"entries"`
	Events   []ledger.Event `json:"events"`
	Unlocked bool           `json:"unlocked"`
}

type ReconcileStatusDTO struct {
	Enabled    bool                     `json:"enabled"`
	LastRun    *time.Time               `json:"last_run,omitempty"`
	NextRun    time.Time                `json:"next_run"`
	LastReport *rewards.ReconcileReport `json:"last_report,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toReferrerDTO(r ledger.Referrer) ReferrerDTO {
	return ReferrerDTO{ID: string(r.ID), Name: r.Name, CreatedAt: r.CreatedAt}
}

func toReferralDTO(r ledger.Referral) ReferralDTO {
	return ReferralDTO{
		ID:           string(r.ID),
		ReferrerID:   string(r.ReferrerID),
		ConsultantID: string(r.ConsultantID),
		LeadName:     r.LeadName,
		LeadContact:  r.LeadContact,
		State:        string(r.State),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		Version:      r.Version,
	}
}

func toReferralDTOs(rs []ledger.Referral) []ReferralDTO {
	out := make([]ReferralDTO, len(rs))
	for i, r := range rs {
		out[i] = toReferralDTO(r)
	}
	return out
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:            string(e.ID),
		ReferrerID:    string(e.ReferrerID),
		ReferralID:    string(e.ReferralID),
		Kind:          string(e.Kind),
		Amount:        e.Amount.StringFixed(2),
		ConfigVersion: e.ConfigVersion,
		Reason:        e.Reason,
		CreatedBy:     e.CreatedBy,
		CreatedAt:     e.CreatedAt,
	}
}

func toEntryDTOs(es []ledger.Entry) []EntryDTO {
	out := make([]EntryDTO, len(es))
	for i, e := range es {
		out[i] = toEntryDTO(e)
	}
	return out
}

func toRewardConfigDTO(c ledger.RewardConfig) RewardConfigDTO {
	return RewardConfigDTO{
		Version:           c.Version,
		ReferralsRequired: c.ReferralsRequired,
		SalesRequired:     c.SalesRequired,
		EffectiveFrom:     c.EffectiveFrom,
		CreatedBy:         c.CreatedBy,
		CreatedAt:         c.CreatedAt,
	}
}

func toProgressDTO(p projection.Progress) ProgressDTO {
	dto := ProgressDTO{
		ReferrerID:         string(p.ReferrerID),
		ReferralCount:      p.ReferralCount,
		SaleCount:          p.SaleCount,
		Unlocked:           p.Unlocked,
		ReferralsRemaining: p.ReferralsRemaining,
		SalesRemaining:     p.SalesRemaining,
		UnlockedVersions:   p.UnlockedVersions,
	}
	if p.ActiveConfig != nil {
		c := toRewardConfigDTO(*p.ActiveConfig)
		dto.ActiveConfig = &c
	}
	return dto
}
