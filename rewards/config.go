package rewards

import (
	"context"
	"log/slog"
	"time"

	"github.com/warp/referral-engine/ledger"
	"github.com/warp/referral-engine/metrics"
)

// =============================================================================
// CONFIG SERVICE - Versioned thresholds
// =============================================================================

// ConfigService publishes new RewardConfig versions. Versions are
// append-only: publishing never edits or invalidates an older version, and
// never re-evaluates referrers who already cleared one.
type ConfigService struct {
	Store    ledger.TxStore
	Notifier ledger.CommitNotifier
	Retry    ledger.RetryPolicy
	Now      func() time.Time
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

func NewConfigService(store ledger.TxStore, notifier ledger.CommitNotifier, m *metrics.Metrics, logger *slog.Logger) *ConfigService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigService{
		Store:    store,
		Notifier: notifier,
		Retry:    ledger.DefaultRetryPolicy(),
		Now:      time.Now,
		Metrics:  m,
		Logger:   logger,
	}
}

type PublishInput struct {
	ReferralsRequired int
	SalesRequired     int
	// EffectiveFrom defaults to now. It may be in the future, never the past.
	EffectiveFrom time.Time
}

// Publish stores the next version. Admin only.
func (c *ConfigService) Publish(ctx context.Context, p ledger.Principal, in PublishInput) (ledger.RewardConfig, error) {
	if !p.IsAdmin() {
		return ledger.RewardConfig{}, &ledger.PermissionError{Principal: p, Action: "publish reward config"}
	}
	if in.ReferralsRequired < 0 {
		return ledger.RewardConfig{}, &ledger.InputError{Field: "referrals_required", Message: "must be >= 0"}
	}
	if in.SalesRequired < 0 {
		return ledger.RewardConfig{}, &ledger.InputError{Field: "sales_required", Message: "must be >= 0"}
	}

	cfg, err := ledger.Retry(ctx, c.Retry, func() (ledger.RewardConfig, error) {
		return c.publishOnce(ctx, p.String(), in)
	}, func(error) { c.Metrics.ObserveRetry("publish_config") })
	if err != nil {
		return ledger.RewardConfig{}, err
	}

	c.Metrics.ObserveConfigVersion(cfg.Version)
	c.Logger.Info("reward config published",
		"version", cfg.Version,
		"referrals_required", cfg.ReferralsRequired,
		"sales_required", cfg.SalesRequired,
		"effective_from", cfg.EffectiveFrom,
		"by", p.String(),
	)
	if c.Notifier != nil {
		c.Notifier.Notify()
	}
	return cfg, nil
}

func (c *ConfigService) publishOnce(ctx context.Context, actor string, in PublishInput) (ledger.RewardConfig, error) {
	now := c.Now().UTC()
	effective := in.EffectiveFrom.UTC()
	if in.EffectiveFrom.IsZero() {
		effective = now
	}
	if effective.Before(now.Add(-time.Second)) {
		return ledger.RewardConfig{}, &ledger.InputError{Field: "effective_from", Message: "must not be in the past"}
	}

	var cfg ledger.RewardConfig
	err := c.Store.WithTx(ctx, func(s ledger.Store) error {
		var err error
		cfg, err = s.InsertRewardConfig(ctx, ledger.RewardConfig{
			ReferralsRequired: in.ReferralsRequired,
			SalesRequired:     in.SalesRequired,
			EffectiveFrom:     effective,
			CreatedBy:         actor,
			CreatedAt:         now,
		})
		if err != nil {
			return err
		}
		return ledger.RecordEvents(ctx, s, now, []ledger.Event{{
			Type: ledger.EventConfigUpdated,
			Payload: map[string]any{
				"version":            cfg.Version,
				"referrals_required": cfg.ReferralsRequired,
				"sales_required":     cfg.SalesRequired,
				"effective_from":     cfg.EffectiveFrom,
			},
		}})
	})
	return cfg, err
}

// EnsureDefault seeds a first version when no version is active yet.
// It reports whether a version was created.
func (c *ConfigService) EnsureDefault(ctx context.Context, referrals, sales int) (ledger.RewardConfig, bool, error) {
	active, err := c.Store.ActiveRewardConfig(ctx, c.Now().UTC())
	if err != nil {
		return ledger.RewardConfig{}, false, err
	}
	if active != nil {
		c.Metrics.ObserveConfigVersion(active.Version)
		return *active, false, nil
	}
	cfg, err := c.Publish(ctx, ledger.Principal{Role: ledger.RoleAdmin, ID: "system"}, PublishInput{
		ReferralsRequired: referrals,
		SalesRequired:     sales,
	})
	if err != nil {
		return ledger.RewardConfig{}, false, err
	}
	return cfg, true, nil
}
