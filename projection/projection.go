/*
Package projection answers read queries from the ledger.

PURPOSE:
  Dashboard totals, reward progress and transaction history are computed
  fresh from committed rows on every call. Nothing here is cached and
  nothing here writes: clients re-pull these views when a fanout event
  tells them something changed.

CONSISTENCY:
  Reads go through the pool, outside any write unit. SQLite never exposes
  uncommitted rows to another connection, so a view never shows half of an
  atomic unit; two views fetched in one request may straddle a commit.
*/
package projection

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/referral-engine/ledger"
	"github.com/warp/referral-engine/rewards"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Service struct {
	Store ledger.Queries
	Now   func() time.Time
}

func NewService(store ledger.Queries, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{Store: store, Now: now}
}

// =============================================================================
// VIEWS
// =============================================================================

type Balance struct {
	ReferrerID ledger.ReferrerID `json:"referrer_id"`
	Balance    decimal.Decimal   `json:"balance"`
	AsOf       time.Time         `json:"as_of"`
}

// Progress is the referrer's standing against the active thresholds.
type Progress struct {
	ReferrerID         ledger.ReferrerID    `json:"referrer_id"`
	ReferralCount      int                  `json:"referral_count"`
	SaleCount          int                  `json:"sale_count"`
	ActiveConfig       *ledger.RewardConfig `json:"active_config"`
	Unlocked           bool                 `json:"unlocked"`
	ReferralsRemaining int                  `json:"referrals_remaining"`
	SalesRemaining     int                  `json:"sales_remaining"`
	UnlockedVersions   []int                `json:"unlocked_versions"`
}

type Dashboard struct {
	ReferrerID ledger.ReferrerID `json:"referrer_id"`
	Name       string            `json:"name"`
	Balance    decimal.Decimal   `json:"balance"`

	// Referral counts by pipeline position.
	Pending   int `json:"pending"` // lead + contacted
	Converted int `json:"converted"`
	Lost      int `json:"lost"`
	Total     int `json:"total"`

	Progress Progress  `json:"progress"`
	AsOf     time.Time `json:"as_of"`
}

type HistoryPage struct {
	Entries    []ledger.Entry `json:"entries"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// =============================================================================
// QUERIES
// =============================================================================

// Balance is the sum of the referrer's entries.
func (s *Service) Balance(ctx context.Context, id ledger.ReferrerID, p ledger.Principal) (Balance, error) {
	if err := s.authorize(ctx, id, p); err != nil {
		return Balance{}, err
	}
	sum, err := s.Store.SumAmounts(ctx, id)
	if err != nil {
		return Balance{}, err
	}
	return Balance{ReferrerID: id, Balance: sum, AsOf: s.Now().UTC()}, nil
}

// Progress reports counts inside the active version's window, whether that
// version is unlocked, and what is still missing.
func (s *Service) Progress(ctx context.Context, id ledger.ReferrerID, p ledger.Principal) (Progress, error) {
	if err := s.authorize(ctx, id, p); err != nil {
		return Progress{}, err
	}
	return s.progress(ctx, id)
}

func (s *Service) progress(ctx context.Context, id ledger.ReferrerID) (Progress, error) {
	out := Progress{ReferrerID: id, UnlockedVersions: []int{}}

	unlocks, err := s.Store.ListRewardUnlocks(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	for _, u := range unlocks {
		out.UnlockedVersions = append(out.UnlockedVersions, u.ConfigVersion)
	}

	cfg, err := s.Store.ActiveRewardConfig(ctx, s.Now().UTC())
	if err != nil {
		return Progress{}, err
	}
	if cfg == nil {
		// No thresholds yet: report lifetime counts.
		cfg = &ledger.RewardConfig{}
	} else {
		out.ActiveConfig = cfg
	}

	counts, err := rewards.Measure(ctx, s.Store, id, *cfg)
	if err != nil {
		return Progress{}, err
	}
	out.ReferralCount = counts.Referrals
	out.SaleCount = counts.Sales

	if out.ActiveConfig == nil {
		return out, nil
	}
	for _, v := range out.UnlockedVersions {
		if v == cfg.Version {
			out.Unlocked = true
		}
	}
	if !out.Unlocked {
		out.ReferralsRemaining = max(0, cfg.ReferralsRequired-counts.Referrals)
		out.SalesRemaining = max(0, cfg.SalesRequired-counts.Sales)
	}
	return out, nil
}

// Dashboard combines balance, referral counts and progress.
func (s *Service) Dashboard(ctx context.Context, id ledger.ReferrerID, p ledger.Principal) (Dashboard, error) {
	referrer, err := s.Store.GetReferrer(ctx, id)
	if err != nil {
		return Dashboard{}, err
	}
	if !canView(p, id) {
		return Dashboard{}, &ledger.PermissionError{Principal: p, Action: "view referrer " + string(id)}
	}

	sum, err := s.Store.SumAmounts(ctx, id)
	if err != nil {
		return Dashboard{}, err
	}
	byState, err := s.Store.CountReferralsByState(ctx, id)
	if err != nil {
		return Dashboard{}, err
	}
	progress, err := s.progress(ctx, id)
	if err != nil {
		return Dashboard{}, err
	}

	d := Dashboard{
		ReferrerID: id,
		Name:       referrer.Name,
		Balance:    sum,
		Pending:    byState[ledger.StateLead] + byState[ledger.StateContacted],
		Converted:  byState[ledger.StateConverted],
		Lost:       byState[ledger.StateLost],
		Progress:   progress,
		AsOf:       s.Now().UTC(),
	}
	d.Total = d.Pending + d.Converted + d.Lost
	return d, nil
}

// History pages entries newest first, id as tiebreak.
func (s *Service) History(ctx context.Context, id ledger.ReferrerID, p ledger.Principal, limit int, cursor string) (HistoryPage, error) {
	if err := s.authorize(ctx, id, p); err != nil {
		return HistoryPage{}, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	after, err := DecodeCursor(cursor)
	if err != nil {
		return HistoryPage{}, err
	}

	entries, err := s.Store.ListEntries(ctx, id, after, limit+1)
	if err != nil {
		return HistoryPage{}, err
	}
	page := HistoryPage{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		last := page.Entries[limit-1]
		page.NextCursor = EncodeCursor(ledger.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	if page.Entries == nil {
		page.Entries = []ledger.Entry{}
	}
	return page, nil
}

// Referrals lists a referrer's referrals.
func (s *Service) Referrals(ctx context.Context, id ledger.ReferrerID, p ledger.Principal) ([]ledger.Referral, error) {
	if err := s.authorize(ctx, id, p); err != nil {
		return nil, err
	}
	return s.Store.ListReferralsByReferrer(ctx, id)
}

// ConsultantReferrals is the consultant's pipeline view.
func (s *Service) ConsultantReferrals(ctx context.Context, id ledger.ConsultantID, p ledger.Principal) ([]ledger.Referral, error) {
	if !p.IsAdmin() && !p.IsConsultant(id) {
		return nil, &ledger.PermissionError{Principal: p, Action: "view consultant " + string(id)}
	}
	return s.Store.ListReferralsByConsultant(ctx, id)
}

// RewardConfigs lists every version, newest first.
func (s *Service) RewardConfigs(ctx context.Context) ([]ledger.RewardConfig, error) {
	return s.Store.ListRewardConfigs(ctx)
}

// =============================================================================
// HELPERS
// =============================================================================

func canView(p ledger.Principal, id ledger.ReferrerID) bool {
	return p.IsAdmin() || p.IsReferrer(id)
}

// authorize checks the referrer exists before the permission so a missing
// referrer is a 404 for everyone.
func (s *Service) authorize(ctx context.Context, id ledger.ReferrerID, p ledger.Principal) error {
	if _, err := s.Store.GetReferrer(ctx, id); err != nil {
		return err
	}
	if !canView(p, id) {
		return &ledger.PermissionError{Principal: p, Action: "view referrer " + string(id)}
	}
	return nil
}

// EncodeCursor renders c as "<unix nanos>_<entry id>".
func EncodeCursor(c ledger.Cursor) string {
	return strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "_" + string(c.ID)
}

// DecodeCursor parses EncodeCursor output. An empty string is no cursor.
func DecodeCursor(s string) (*ledger.Cursor, error) {
	if s == "" {
		return nil, nil
	}
	nanos, id, ok := strings.Cut(s, "_")
	if !ok || id == "" {
		return nil, &ledger.InputError{Field: "cursor", Message: fmt.Sprintf("malformed %q", s)}
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, &ledger.InputError{Field: "cursor", Message: fmt.Sprintf("malformed %q", s)}
	}
	return &ledger.Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: ledger.EntryID(id)}, nil
}
