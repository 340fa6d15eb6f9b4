package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/warp/referral-engine/ledger"
)

// =============================================================================
// RECONCILER - Recompute qualification from ledger history
// =============================================================================

// ReconcileStore is the storage a reconciliation pass needs.
type ReconcileStore interface {
	ledger.TxStore
	ListReferrerIDs(ctx context.Context) ([]ledger.ReferrerID, error)
}

// Reconciler re-runs the unlock decision for every referrer against the
// active version. It is idempotent: the RewardUnlock key turns a second
// pass into a no-op, so it is safe to run on a timer and on demand.
type Reconciler struct {
	Store     ReconcileStore
	Evaluator *Evaluator
	Notifier  ledger.CommitNotifier
	Retry     ledger.RetryPolicy
	Logger    *slog.Logger

	announced atomic.Int64
}

func NewReconciler(store ReconcileStore, ev *Evaluator, notifier ledger.CommitNotifier, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		Store:     store,
		Evaluator: ev,
		Notifier:  notifier,
		Retry:     ledger.DefaultRetryPolicy(),
		Logger:    logger,
	}
}

type ReconcileReport struct {
	Activated int                          `json:"activated_version,omitempty"`
	Checked   int                          `json:"checked"`
	Unlocked  []ledger.ReferrerID          `json:"unlocked"`
	Failed    map[ledger.ReferrerID]string `json:"failed,omitempty"`
}

// Run reconciles every referrer. One referrer failing does not stop the pass.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	activated, err := r.AnnounceActivation(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}
	ids, err := r.Store.ListReferrerIDs(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}

	report := ReconcileReport{Activated: activated, Unlocked: []ledger.ReferrerID{}}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		out, err := r.ReconcileReferrer(ctx, id)
		if err != nil {
			if report.Failed == nil {
				report.Failed = make(map[ledger.ReferrerID]string)
			}
			report.Failed[id] = err.Error()
			r.Logger.Warn("reconcile referrer failed", "referrer_id", id, "error", err)
			continue
		}
		if out.Unlocked != nil {
			report.Unlocked = append(report.Unlocked, id)
		}
	}

	if (activated > 0 || len(report.Unlocked) > 0) && r.Notifier != nil {
		r.Notifier.Notify()
	}
	r.Logger.Info("reconciliation pass complete",
		"checked", report.Checked,
		"unlocked", len(report.Unlocked),
		"failed", len(report.Failed),
	)
	return report, nil
}

// ReconcileReferrer evaluates one referrer in its own atomic unit.
func (r *Reconciler) ReconcileReferrer(ctx context.Context, id ledger.ReferrerID) (Outcome, error) {
	out, err := ledger.Retry(ctx, r.Retry, func() (Outcome, error) {
		var out Outcome
		err := r.Store.WithTx(ctx, func(s ledger.Store) error {
			if _, err := s.GetReferrer(ctx, id); err != nil {
				return err
			}
			var err error
			out, err = r.Evaluator.Evaluate(ctx, s, id, "system:reconcile")
			if err != nil {
				return err
			}
			if out.Event == nil {
				return nil
			}
			out.Event.Payload["source"] = "reconciliation"
			return ledger.RecordEvents(ctx, s, r.Evaluator.Now(), []ledger.Event{*out.Event})
		})
		return out, err
	}, func(error) { r.Evaluator.Metrics.ObserveRetry("reconcile") })
	if err != nil {
		return Outcome{}, err
	}
	r.Evaluator.Observe(out)
	return out, nil
}

// AnnounceActivation records a config_updated event with "activated" set
// once a version published with a future effective_from becomes active.
// Versions effective at publish were announced then. It returns the
// announced version, or 0 when there was nothing new to announce.
func (r *Reconciler) AnnounceActivation(ctx context.Context) (int, error) {
	now := r.Evaluator.Now().UTC()
	cfg, err := r.Store.ActiveRewardConfig(ctx, now)
	if err != nil {
		return 0, err
	}
	if cfg == nil || int64(cfg.Version) <= r.announced.Load() {
		return 0, nil
	}
	if !cfg.EffectiveFrom.After(cfg.CreatedAt) {
		r.announced.Store(int64(cfg.Version))
		return 0, nil
	}

	// The event ID is fixed per version so restarts and concurrent passes
	// write it at most once.
	err = r.Store.WithTx(ctx, func(s ledger.Store) error {
		return ledger.RecordEvents(ctx, s, now, []ledger.Event{{
			ID:   fmt.Sprintf("config-activated-v%d", cfg.Version),
			Type: ledger.EventConfigUpdated,
			Payload: map[string]any{
				"version":            cfg.Version,
				"referrals_required": cfg.ReferralsRequired,
				"sales_required":     cfg.SalesRequired,
				"effective_from":     cfg.EffectiveFrom,
				"activated":          true,
			},
		}})
	})
	var conflict *ledger.ConflictError
	switch {
	case errors.As(err, &conflict):
		r.announced.Store(int64(cfg.Version))
		return 0, nil
	case err != nil:
		return 0, err
	}
	r.announced.Store(int64(cfg.Version))
	r.Logger.Info("reward config activated", "version", cfg.Version, "effective_from", cfg.EffectiveFrom)
	return cfg.Version, nil
}
