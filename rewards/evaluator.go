/*
Package rewards implements the gamified loot-box rules on top of the ledger.

PURPOSE:
  After every referral or sale credit the Evaluator recounts the referrer's
  qualifying entries, reads the RewardConfig active at that moment, and
  unlocks the loot box for that config version when both thresholds are met.

COUNTING WINDOW:
  A referrer who has never unlocked a loot box keeps cumulative progress
  across versions: every credit counts. A referrer who cleared an older
  version starts from zero on a newer one and needs fresh qualifying
  credits made at or after its EffectiveFrom (and after that unlock).

ONE UNLOCK PER VERSION:
  The unlock check and the unlock append run in the caller's atomic unit.
  The RewardUnlock key (referrer, version) is unique in storage, so two
  qualifying credits committing at the same time still produce one unlock;
  the loser sees ConflictError and its retry finds the unlock already there.

SEE ALSO:
  - config.go: Publishing new versions
  - reconcile.go: Recomputing qualification from history
*/
package rewards

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/referral-engine/ledger"
	"github.com/warp/referral-engine/metrics"
)

// Counts are qualifying credits toward one config version.
type Counts struct {
	Referrals int
	Sales     int
}

// Measure counts the referrer's credits inside their window for cfg.
func Measure(ctx context.Context, s ledger.Store, referrer ledger.ReferrerID, cfg ledger.RewardConfig) (Counts, error) {
	since, err := Window(ctx, s, referrer, cfg)
	if err != nil {
		return Counts{}, err
	}
	referrals, err := s.CountEntries(ctx, referrer, ledger.KindReferralCredited, since)
	if err != nil {
		return Counts{}, err
	}
	sales, err := s.CountEntries(ctx, referrer, ledger.KindSaleCredited, since)
	if err != nil {
		return Counts{}, err
	}
	return Counts{Referrals: referrals, Sales: sales}, nil
}

// Window returns the earliest credit time that counts toward cfg.
// A referrer who never unlocked an earlier version counts every credit.
// One who did counts only credits from cfg's EffectiveFrom on that also
// come after that unlock.
func Window(ctx context.Context, s ledger.Store, referrer ledger.ReferrerID, cfg ledger.RewardConfig) (time.Time, error) {
	last, err := s.LatestRewardUnlockBefore(ctx, referrer, cfg.Version)
	if err != nil {
		return time.Time{}, err
	}
	if last == nil {
		return time.Time{}, nil
	}
	since := cfg.EffectiveFrom
	if !last.UnlockedAt.Before(since) {
		// The credit that triggered the unlock shares its timestamp.
		since = last.UnlockedAt.Add(time.Nanosecond)
	}
	return since, nil
}

// Outcome is the result of one evaluation.
type Outcome struct {
	Config   *ledger.RewardConfig
	Counts   Counts
	Unlocked *ledger.Entry
	// Event is set when Unlocked is; the caller records it in the outbox.
	Event *ledger.Event
}

type Evaluator struct {
	Now     func() time.Time
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func NewEvaluator(now func() time.Time, m *metrics.Metrics, logger *slog.Logger) *Evaluator {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{Now: now, Metrics: m, Logger: logger}
}

// Evaluate decides the unlock for referrer inside the unit bound to s.
// It is a no-op when no config is active or the active version is already
// unlocked.
func (ev *Evaluator) Evaluate(ctx context.Context, s ledger.Store, referrer ledger.ReferrerID, actor string) (Outcome, error) {
	now := ev.Now().UTC()

	cfg, err := s.ActiveRewardConfig(ctx, now)
	if err != nil {
		return Outcome{}, err
	}
	if cfg == nil {
		return Outcome{}, nil
	}
	out := Outcome{Config: cfg}

	existing, err := s.GetRewardUnlock(ctx, referrer, cfg.Version)
	if err != nil {
		return out, err
	}
	if existing != nil {
		return out, nil
	}

	out.Counts, err = Measure(ctx, s, referrer, *cfg)
	if err != nil {
		return out, err
	}
	if !cfg.Qualifies(out.Counts.Referrals, out.Counts.Sales) {
		return out, nil
	}

	entry, err := ledger.NewLedger(s, ev.Now).Append(ctx, ledger.Entry{
		ReferrerID:     referrer,
		Kind:           ledger.KindRewardUnlocked,
		Amount:         decimal.Zero,
		ConfigVersion:  cfg.Version,
		IdempotencyKey: ledger.UnlockKey(referrer, cfg.Version),
		Reason:         "loot box unlocked",
		CreatedBy:      actor,
		CreatedAt:      now,
	})
	if err != nil {
		return out, err
	}
	out.Unlocked = &entry
	out.Event = &ledger.Event{
		Type:       ledger.EventRewardUnlocked,
		ReferrerID: referrer,
		Payload: map[string]any{
			"entry_id":           string(entry.ID),
			"config_version":     cfg.Version,
			"referral_count":     out.Counts.Referrals,
			"sale_count":         out.Counts.Sales,
			"referrals_required": cfg.ReferralsRequired,
			"sales_required":     cfg.SalesRequired,
		},
	}

	ev.Logger.Info("reward unlocked",
		"referrer_id", referrer,
		"config_version", cfg.Version,
		"referrals", out.Counts.Referrals,
		"sales", out.Counts.Sales,
	)
	return out, nil
}

// Observe records metrics for a committed outcome.
func (ev *Evaluator) Observe(out Outcome) {
	if out.Unlocked == nil {
		return
	}
	ev.Metrics.ObserveUnlock()
	ev.Metrics.ObserveEntry(string(ledger.KindRewardUnlocked))
}
