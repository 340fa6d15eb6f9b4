package pipeline

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/referral-engine/ledger"
)

// =============================================================================
// REFERRERS & SUBMISSIONS
// =============================================================================

type RegisterInput struct {
	ID   ledger.ReferrerID // optional; generated when empty
	Name string
}

// Register creates a referrer. Admin only.
func (m *Machine) Register(ctx context.Context, in RegisterInput, p ledger.Principal) (ledger.Referrer, error) {
	if !p.IsAdmin() {
		return ledger.Referrer{}, &ledger.PermissionError{Principal: p, Action: "register referrers"}
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return ledger.Referrer{}, &ledger.InputError{Field: "name", Message: "required"}
	}
	r := ledger.Referrer{ID: in.ID, Name: name, CreatedAt: m.Now().UTC()}
	if r.ID == "" {
		r.ID = ledger.ReferrerID(ledger.NewID())
	}
	if err := m.Store.InsertReferrer(ctx, r); err != nil {
		return ledger.Referrer{}, err
	}
	m.Logger.Info("referrer registered", "referrer_id", r.ID, "by", p.String())
	return r, nil
}

type SubmitInput struct {
	LeadName    string
	LeadContact string
}

// Submit records a new lead for referrer. The referral starts in lead with
// no consultant and no credit.
func (m *Machine) Submit(ctx context.Context, referrer ledger.ReferrerID, in SubmitInput, p ledger.Principal) (ledger.Referral, error) {
	if !p.IsAdmin() && !p.IsReferrer(referrer) {
		return ledger.Referral{}, &ledger.PermissionError{Principal: p, Action: "submit referrals for " + string(referrer)}
	}
	name := strings.TrimSpace(in.LeadName)
	if name == "" {
		return ledger.Referral{}, &ledger.InputError{Field: "lead_name", Message: "required"}
	}

	ref, err := ledger.Retry(ctx, m.Retry, func() (ledger.Referral, error) {
		var out ledger.Referral
		err := m.Store.WithTx(ctx, func(s ledger.Store) error {
			if _, err := s.GetReferrer(ctx, referrer); err != nil {
				return err
			}
			now := m.Now().UTC()
			out = ledger.Referral{
				ID:          ledger.ReferralID(ledger.NewID()),
				ReferrerID:  referrer,
				LeadName:    name,
				LeadContact: strings.TrimSpace(in.LeadContact),
				State:       ledger.StateLead,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.InsertReferral(ctx, out); err != nil {
				return err
			}
			return ledger.RecordEvents(ctx, s, now, []ledger.Event{{
				Type:       ledger.EventPipelineTransitioned,
				ReferrerID: referrer,
				ReferralID: out.ID,
				Payload: map[string]any{
					"from": "",
					"to":   string(ledger.StateLead),
					"by":   p.String(),
				},
			}})
		})
		return out, err
	}, func(error) { m.Metrics.ObserveRetry("submit") })
	if err != nil {
		return ledger.Referral{}, err
	}

	m.Metrics.ObserveTransition("", string(ledger.StateLead))
	m.Logger.Info("referral submitted", "referral_id", ref.ID, "referrer_id", referrer, "by", p.String())
	m.notify()
	return ref, nil
}

// =============================================================================
// ADMIN OPERATIONS
// =============================================================================

// Reassign moves an open referral to another consultant. Admin only.
// State and credits are untouched.
func (m *Machine) Reassign(ctx context.Context, id ledger.ReferralID, consultant ledger.ConsultantID, p ledger.Principal) (ledger.Referral, error) {
	if !p.IsAdmin() {
		return ledger.Referral{}, &ledger.PermissionError{Principal: p, Action: "reassign referrals"}
	}
	if strings.TrimSpace(string(consultant)) == "" {
		return ledger.Referral{}, &ledger.InputError{Field: "consultant_id", Message: "required"}
	}

	ref, err := ledger.Retry(ctx, m.Retry, func() (ledger.Referral, error) {
		var out ledger.Referral
		err := m.Store.WithTx(ctx, func(s ledger.Store) error {
			current, err := s.GetReferral(ctx, id)
			if err != nil {
				return err
			}
			if current.State.Terminal() {
				return &ledger.InvalidTransitionError{ReferralID: id, From: current.State, To: current.State}
			}
			previous := current.ConsultantID
			now := m.Now().UTC()

			next := *current
			next.ConsultantID = consultant
			next.UpdatedAt = now
			out, err = s.UpdateReferral(ctx, next)
			if err != nil {
				return err
			}
			return ledger.RecordEvents(ctx, s, now, []ledger.Event{{
				Type:         ledger.EventReferralAssigned,
				ReferrerID:   out.ReferrerID,
				ReferralID:   out.ID,
				ConsultantID: consultant,
				Payload: map[string]any{
					"previous_consultant_id": string(previous),
					"consultant_id":          string(consultant),
					"state":                  string(out.State),
					"by":                     p.String(),
				},
			}})
		})
		return out, err
	}, func(error) { m.Metrics.ObserveRetry("reassign") })
	if err != nil {
		return ledger.Referral{}, err
	}

	m.Logger.Info("referral reassigned", "referral_id", id, "consultant_id", consultant, "by", p.String())
	m.notify()
	return ref, nil
}

type AdjustInput struct {
	ReferrerID ledger.ReferrerID
	Amount     decimal.Decimal
	Reason     string
	// IdempotencyKey makes a client retry of the same adjustment a conflict
	// rather than a second entry. Generated when empty.
	IdempotencyKey string
}

// Adjust appends a manual correction. Admin only.
func (m *Machine) Adjust(ctx context.Context, in AdjustInput, p ledger.Principal) (ledger.Entry, error) {
	if !p.IsAdmin() {
		return ledger.Entry{}, &ledger.PermissionError{Principal: p, Action: "adjust balances"}
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return ledger.Entry{}, &ledger.InputError{Field: "reason", Message: "required"}
	}
	key := in.IdempotencyKey
	if key == "" {
		key = "adjustment:" + ledger.NewID()
	}

	entry, err := ledger.Retry(ctx, m.Retry, func() (ledger.Entry, error) {
		var out ledger.Entry
		err := m.Store.WithTx(ctx, func(s ledger.Store) error {
			if in.IdempotencyKey != "" {
				exists, err := s.EntryExists(ctx, key)
				if err != nil {
					return err
				}
				if exists {
					return ledger.Permanent(&ledger.ConflictError{Key: key, Reason: "adjustment already applied"})
				}
			}
			now := m.Now().UTC()
			var err error
			out, err = ledger.NewLedger(s, m.Now).Append(ctx, ledger.Entry{
				ReferrerID:     in.ReferrerID,
				Kind:           ledger.KindAdjustment,
				Amount:         in.Amount,
				IdempotencyKey: key,
				Reason:         reason,
				CreatedBy:      p.String(),
				CreatedAt:      now,
			})
			if err != nil {
				return err
			}
			return ledger.RecordEvents(ctx, s, now, []ledger.Event{{
				Type:       ledger.EventAdjustment,
				ReferrerID: in.ReferrerID,
				Payload: map[string]any{
					"entry_id": string(out.ID),
					"amount":   out.Amount.String(),
					"reason":   reason,
				},
			}})
		})
		return out, err
	}, func(error) { m.Metrics.ObserveRetry("adjust") })
	if err != nil {
		return ledger.Entry{}, err
	}

	m.Metrics.ObserveEntry(string(ledger.KindAdjustment))
	m.Logger.Info("balance adjusted", "referrer_id", in.ReferrerID, "amount", entry.Amount.String(), "by", p.String())
	m.notify()
	return entry, nil
}
