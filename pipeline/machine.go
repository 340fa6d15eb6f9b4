/*
Package pipeline implements the referral lifecycle state machine.

PURPOSE:
  Moves a referral through lead -> contacted -> converted | lost and
  records the ledger consequences of each move in the same atomic unit:

    lead -> contacted       referral_credited (once per referral)
    contacted -> converted  sale_credited
    contacted -> lost       nothing

  Every credit is followed by a reward evaluation inside that unit, and all
  resulting domain events are written to the outbox before commit. Fanout
  happens after commit and never rolls the write back.

ORDER INSIDE THE UNIT:
  1. Load referral, authorize, check the transition table
  2. Persist new state + timestamp (optimistic version check)
  3. Append credits
  4. Evaluate reward unlock
  5. Record events

RETRIES:
  Conflict and TransientStorage failures re-run the whole unit from step 1
  with bounded exponential backoff. A retried unit starts from fresh reads,
  so a retry can never double-credit.
*/
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/referral-engine/ledger"
	"github.com/warp/referral-engine/metrics"
	"github.com/warp/referral-engine/rewards"
)

// Commission holds the configured credit amounts.
type Commission struct {
	ReferralBonus  decimal.Decimal
	SaleCommission decimal.Decimal
}

type Machine struct {
	Store      ledger.TxStore
	Evaluator  *rewards.Evaluator
	Commission Commission
	Notifier   ledger.CommitNotifier
	Retry      ledger.RetryPolicy
	Now        func() time.Time
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

func NewMachine(store ledger.TxStore, ev *rewards.Evaluator, commission Commission, notifier ledger.CommitNotifier, m *metrics.Metrics, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	if ev != nil && ev.Now != nil {
		now = ev.Now
	}
	return &Machine{
		Store:      store,
		Evaluator:  ev,
		Commission: commission,
		Notifier:   notifier,
		Retry:      ledger.DefaultRetryPolicy(),
		Now:        now,
		Metrics:    m,
		Logger:     logger,
	}
}

// Result describes a committed transition.
type Result struct {
	Referral ledger.Referral
	From     ledger.State
	NewState ledger.State
	Entries  []ledger.Entry
	Events   []ledger.Event
	Unlocked bool
}

// Transition moves referral id to target on behalf of p.
func (m *Machine) Transition(ctx context.Context, id ledger.ReferralID, target ledger.State, p ledger.Principal) (Result, error) {
	if !p.Valid() {
		return Result{}, &ledger.PermissionError{Principal: p, Action: "transition referrals"}
	}
	if !target.Valid() {
		return Result{}, &ledger.InputError{Field: "target_state", Message: string(target)}
	}

	res, err := ledger.Retry(ctx, m.Retry, func() (Result, error) {
		return m.transitionOnce(ctx, id, target, p)
	}, func(err error) {
		m.Metrics.ObserveRetry("transition")
		m.Logger.Debug("retrying transition", "referral_id", id, "error", err)
	})
	if err != nil {
		return Result{}, err
	}

	m.Metrics.ObserveTransition(string(res.From), string(res.NewState))
	for _, e := range res.Entries {
		m.Metrics.ObserveEntry(string(e.Kind))
	}
	if res.Unlocked {
		m.Metrics.ObserveUnlock()
	}
	m.Logger.Info("referral transitioned",
		"referral_id", id,
		"from", res.From,
		"to", res.NewState,
		"by", p.String(),
		"entries", len(res.Entries),
		"unlocked", res.Unlocked,
	)
	m.notify()
	return res, nil
}

func (m *Machine) transitionOnce(ctx context.Context, id ledger.ReferralID, target ledger.State, p ledger.Principal) (Result, error) {
	var res Result
	err := m.Store.WithTx(ctx, func(s ledger.Store) error {
		now := m.Now().UTC()

		current, err := s.GetReferral(ctx, id)
		if err != nil {
			return err
		}
		claim, err := authorizeTransition(p, *current, target)
		if err != nil {
			return err
		}
		if !CanTransition(current.State, target) {
			return &ledger.InvalidTransitionError{ReferralID: id, From: current.State, To: target}
		}

		next := *current
		next.State = target
		next.UpdatedAt = now
		if claim {
			next.ConsultantID = ledger.ConsultantID(p.ID)
		}
		updated, err := s.UpdateReferral(ctx, next)
		if err != nil {
			return err
		}

		res = Result{Referral: updated, From: current.State, NewState: target}
		events := []ledger.Event{{
			Type: ledger.EventPipelineTransitioned,
			Payload: map[string]any{
				"from":    string(current.State),
				"to":      string(target),
				"by":      p.String(),
				"claimed": claim,
			},
		}}

		credited, err := m.credit(ctx, s, updated, p, now, &res)
		if err != nil {
			return err
		}
		events = append(events, credited...)
		for i := range events {
			stamp(&events[i], updated, true)
		}

		if len(credited) > 0 && m.Evaluator != nil {
			out, err := m.Evaluator.Evaluate(ctx, s, updated.ReferrerID, p.String())
			if err != nil {
				return err
			}
			if out.Event != nil {
				ev := *out.Event
				stamp(&ev, updated, false)
				events = append(events, ev)
				res.Entries = append(res.Entries, *out.Unlocked)
				res.Unlocked = true
			}
		}

		if err := ledger.RecordEvents(ctx, s, now, events); err != nil {
			return err
		}
		res.Events = events
		return nil
	})
	return res, err
}

// credit appends the ledger entries owed for r entering its current state.
func (m *Machine) credit(ctx context.Context, s ledger.Store, r ledger.Referral, p ledger.Principal, now time.Time, res *Result) ([]ledger.Event, error) {
	var (
		kind   ledger.EntryKind
		key    string
		amount decimal.Decimal
		evType ledger.EventType
	)
	switch r.State {
	case ledger.StateContacted:
		kind, key, amount, evType = ledger.KindReferralCredited, ledger.ReferralCreditKey(r.ID), m.Commission.ReferralBonus, ledger.EventReferralCredited
	case ledger.StateConverted:
		kind, key, amount, evType = ledger.KindSaleCredited, ledger.SaleCreditKey(r.ID), m.Commission.SaleCommission, ledger.EventSaleCredited
	default:
		return nil, nil
	}

	exists, err := s.EntryExists(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	entry, err := ledger.NewLedger(s, m.Now).Append(ctx, ledger.Entry{
		ReferrerID:     r.ReferrerID,
		ReferralID:     r.ID,
		Kind:           kind,
		Amount:         amount,
		IdempotencyKey: key,
		CreatedBy:      p.String(),
		CreatedAt:      now,
	})
	if err != nil {
		return nil, err
	}
	res.Entries = append(res.Entries, entry)

	return []ledger.Event{{
		Type: evType,
		Payload: map[string]any{
			"entry_id": string(entry.ID),
			"amount":   entry.Amount.String(),
		},
	}}, nil
}

// stamp fills the routing fields of e from r.
func stamp(e *ledger.Event, r ledger.Referral, withConsultant bool) {
	if e.ReferrerID == "" {
		e.ReferrerID = r.ReferrerID
	}
	if e.ReferralID == "" {
		e.ReferralID = r.ID
	}
	if withConsultant && e.ConsultantID == "" {
		e.ConsultantID = r.ConsultantID
	}
}

func (m *Machine) notify() {
	if m.Notifier != nil {
		m.Notifier.Notify()
	}
}
