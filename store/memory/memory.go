// Package memory provides an in-memory implementation of the ledger storage
// interfaces.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/referral-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in process memory. Atomic units run one at a
// time against a private copy that replaces the live data on commit, so a
// failed unit leaves nothing behind and readers never see half of one.
type Memory struct {
	mu   sync.RWMutex // guards data
	tx   sync.Mutex   // serializes units
	data *tables
}

var (
	_ ledger.TxStore = (*Memory)(nil)
	_ ledger.Queries = (*Memory)(nil)
)

type unlockKey struct {
	referrer ledger.ReferrerID
	version  int
}

type tables struct {
	referrers map[ledger.ReferrerID]ledger.Referrer
	referrals map[ledger.ReferralID]ledger.Referral
	entries   []ledger.Entry
	keys      map[string]bool
	entryIDs  map[ledger.EntryID]bool
	configs   []ledger.RewardConfig // ascending version
	unlocks   map[unlockKey]ledger.RewardUnlock
	events    []ledger.Event
	eventIDs  map[string]bool
	seq       int64
}

func New() *Memory {
	return &Memory{data: &tables{
		referrers: make(map[ledger.ReferrerID]ledger.Referrer),
		referrals: make(map[ledger.ReferralID]ledger.Referral),
		keys:      make(map[string]bool),
		entryIDs:  make(map[ledger.EntryID]bool),
		unlocks:   make(map[unlockKey]ledger.RewardUnlock),
		eventIDs:  make(map[string]bool),
	}}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

// WithTx runs fn against a copy of the data and publishes the copy when fn
// succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.tx.Lock()
	defer m.tx.Unlock()
	if err := ctx.Err(); err != nil {
		return &ledger.TransientStorageError{Op: "begin", Err: err}
	}

	work := m.snapshot().clone()
	if err := fn(work); err != nil {
		return err
	}

	m.mu.Lock()
	m.data = work
	m.mu.Unlock()
	return nil
}

// write runs a single statement as its own unit.
func (m *Memory) write(ctx context.Context, fn func(*tables) error) error {
	return m.WithTx(ctx, func(s ledger.Store) error { return fn(s.(*tables)) })
}

func (m *Memory) snapshot() *tables {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

func (t *tables) clone() *tables {
	c := &tables{
		referrers: make(map[ledger.ReferrerID]ledger.Referrer, len(t.referrers)),
		referrals: make(map[ledger.ReferralID]ledger.Referral, len(t.referrals)),
		entries:   append([]ledger.Entry(nil), t.entries...),
		keys:      make(map[string]bool, len(t.keys)),
		entryIDs:  make(map[ledger.EntryID]bool, len(t.entryIDs)),
		configs:   append([]ledger.RewardConfig(nil), t.configs...),
		unlocks:   make(map[unlockKey]ledger.RewardUnlock, len(t.unlocks)),
		events:    append([]ledger.Event(nil), t.events...),
		eventIDs:  make(map[string]bool, len(t.eventIDs)),
		seq:       t.seq,
	}
	for k, v := range t.referrers {
		c.referrers[k] = v
	}
	for k, v := range t.referrals {
		c.referrals[k] = v
	}
	for k := range t.keys {
		c.keys[k] = true
	}
	for k := range t.entryIDs {
		c.entryIDs[k] = true
	}
	for k, v := range t.unlocks {
		c.unlocks[k] = v
	}
	for k := range t.eventIDs {
		c.eventIDs[k] = true
	}
	return c
}

// =============================================================================
// POOL METHODS - reads see the last committed data
// =============================================================================

func (m *Memory) GetReferrer(ctx context.Context, id ledger.ReferrerID) (*ledger.Referrer, error) {
	return m.snapshot().GetReferrer(ctx, id)
}

func (m *Memory) InsertReferrer(ctx context.Context, r ledger.Referrer) error {
	return m.write(ctx, func(t *tables) error { return t.InsertReferrer(ctx, r) })
}

func (m *Memory) ListReferrerIDs(ctx context.Context) ([]ledger.ReferrerID, error) {
	return m.snapshot().ListReferrerIDs(ctx)
}

func (m *Memory) GetReferral(ctx context.Context, id ledger.ReferralID) (*ledger.Referral, error) {
	return m.snapshot().GetReferral(ctx, id)
}

func (m *Memory) InsertReferral(ctx context.Context, r ledger.Referral) error {
	return m.write(ctx, func(t *tables) error { return t.InsertReferral(ctx, r) })
}

func (m *Memory) UpdateReferral(ctx context.Context, r ledger.Referral) (ledger.Referral, error) {
	var out ledger.Referral
	err := m.write(ctx, func(t *tables) error {
		var err error
		out, err = t.UpdateReferral(ctx, r)
		return err
	})
	if err != nil {
		return r, err
	}
	return out, nil
}

func (m *Memory) ListReferralsByConsultant(ctx context.Context, id ledger.ConsultantID) ([]ledger.Referral, error) {
	return m.snapshot().ListReferralsByConsultant(ctx, id)
}

func (m *Memory) ListReferralsByReferrer(ctx context.Context, id ledger.ReferrerID) ([]ledger.Referral, error) {
	return m.snapshot().ListReferralsByReferrer(ctx, id)
}

func (m *Memory) CountReferralsByState(ctx context.Context, id ledger.ReferrerID) (map[ledger.State]int, error) {
	return m.snapshot().CountReferralsByState(ctx, id)
}

func (m *Memory) AppendEntry(ctx context.Context, e ledger.Entry) error {
	return m.write(ctx, func(t *tables) error { return t.AppendEntry(ctx, e) })
}

func (m *Memory) EntryExists(ctx context.Context, key string) (bool, error) {
	return m.snapshot().EntryExists(ctx, key)
}

func (m *Memory) SumAmounts(ctx context.Context, id ledger.ReferrerID) (decimal.Decimal, error) {
	return m.snapshot().SumAmounts(ctx, id)
}

func (m *Memory) CountEntries(ctx context.Context, id ledger.ReferrerID, kind ledger.EntryKind, since time.Time) (int, error) {
	return m.snapshot().CountEntries(ctx, id, kind, since)
}

func (m *Memory) ListEntries(ctx context.Context, id ledger.ReferrerID, after *ledger.Cursor, limit int) ([]ledger.Entry, error) {
	return m.snapshot().ListEntries(ctx, id, after, limit)
}

func (m *Memory) ActiveRewardConfig(ctx context.Context, at time.Time) (*ledger.RewardConfig, error) {
	return m.snapshot().ActiveRewardConfig(ctx, at)
}

func (m *Memory) InsertRewardConfig(ctx context.Context, c ledger.RewardConfig) (ledger.RewardConfig, error) {
	var out ledger.RewardConfig
	err := m.write(ctx, func(t *tables) error {
		var err error
		out, err = t.InsertRewardConfig(ctx, c)
		return err
	})
	return out, err
}

func (m *Memory) ListRewardConfigs(ctx context.Context) ([]ledger.RewardConfig, error) {
	return m.snapshot().ListRewardConfigs(ctx)
}

func (m *Memory) GetRewardUnlock(ctx context.Context, id ledger.ReferrerID, version int) (*ledger.RewardUnlock, error) {
	return m.snapshot().GetRewardUnlock(ctx, id, version)
}

func (m *Memory) LatestRewardUnlockBefore(ctx context.Context, id ledger.ReferrerID, version int) (*ledger.RewardUnlock, error) {
	return m.snapshot().LatestRewardUnlockBefore(ctx, id, version)
}

func (m *Memory) InsertRewardUnlock(ctx context.Context, u ledger.RewardUnlock) error {
	return m.write(ctx, func(t *tables) error { return t.InsertRewardUnlock(ctx, u) })
}

func (m *Memory) ListRewardUnlocks(ctx context.Context, id ledger.ReferrerID) ([]ledger.RewardUnlock, error) {
	return m.snapshot().ListRewardUnlocks(ctx, id)
}

func (m *Memory) AppendEvent(ctx context.Context, e *ledger.Event) error {
	return m.write(ctx, func(t *tables) error { return t.AppendEvent(ctx, e) })
}

func (m *Memory) EventsAfter(ctx context.Context, seq int64, limit int) ([]ledger.Event, error) {
	return m.snapshot().EventsAfter(ctx, seq, limit)
}

func (m *Memory) MaxEventSeq(ctx context.Context) (int64, error) {
	return m.snapshot().MaxEventSeq(ctx)
}

// =============================================================================
// TABLES - ledger.Store inside a unit
// =============================================================================

func (t *tables) GetReferrer(_ context.Context, id ledger.ReferrerID) (*ledger.Referrer, error) {
	r, ok := t.referrers[id]
	if !ok {
		return nil, &ledger.NotFoundError{Entity: "referrer", ID: string(id)}
	}
	return &r, nil
}

func (t *tables) InsertReferrer(_ context.Context, r ledger.Referrer) error {
	if _, ok := t.referrers[r.ID]; ok {
		return &ledger.ConflictError{Key: "referrer:" + string(r.ID), Reason: "already exists"}
	}
	r.CreatedAt = r.CreatedAt.UTC()
	t.referrers[r.ID] = r
	return nil
}

func (t *tables) ListReferrerIDs(context.Context) ([]ledger.ReferrerID, error) {
	ids := make([]ledger.ReferrerID, 0, len(t.referrers))
	for id := range t.referrers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *tables) GetReferral(_ context.Context, id ledger.ReferralID) (*ledger.Referral, error) {
	r, ok := t.referrals[id]
	if !ok {
		return nil, &ledger.NotFoundError{Entity: "referral", ID: string(id)}
	}
	return &r, nil
}

func (t *tables) InsertReferral(_ context.Context, r ledger.Referral) error {
	if _, ok := t.referrals[r.ID]; ok {
		return &ledger.ConflictError{Key: "referral:" + string(r.ID), Reason: "already exists"}
	}
	if _, ok := t.referrers[r.ReferrerID]; !ok {
		return &ledger.InputError{Field: "reference", Message: "insert referral: unknown referrer " + string(r.ReferrerID)}
	}
	if r.Version == 0 {
		r.Version = 1
	}
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	t.referrals[r.ID] = r
	return nil
}

func (t *tables) UpdateReferral(_ context.Context, r ledger.Referral) (ledger.Referral, error) {
	stored, ok := t.referrals[r.ID]
	if !ok || stored.Version != r.Version {
		return r, &ledger.ConflictError{
			Key:    "referral:" + string(r.ID),
			Reason: fmt.Sprintf("version %d is stale", r.Version),
		}
	}
	stored.State = r.State
	stored.ConsultantID = r.ConsultantID
	stored.UpdatedAt = r.UpdatedAt.UTC()
	stored.Version++
	t.referrals[r.ID] = stored

	r.Version = stored.Version
	return r, nil
}

func (t *tables) ListReferralsByConsultant(_ context.Context, id ledger.ConsultantID) ([]ledger.Referral, error) {
	var out []ledger.Referral
	for _, r := range t.referrals {
		if r.ConsultantID != "" && r.ConsultantID == id {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (t *tables) ListReferralsByReferrer(_ context.Context, id ledger.ReferrerID) ([]ledger.Referral, error) {
	var out []ledger.Referral
	for _, r := range t.referrals {
		if r.ReferrerID == id {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (t *tables) CountReferralsByState(_ context.Context, id ledger.ReferrerID) (map[ledger.State]int, error) {
	counts := make(map[ledger.State]int)
	for _, r := range t.referrals {
		if r.ReferrerID == id {
			counts[r.State]++
		}
	}
	return counts, nil
}

// --- Entries ---

func (t *tables) AppendEntry(_ context.Context, e ledger.Entry) error {
	if t.entryIDs[e.ID] {
		return &ledger.ConflictError{Key: "entry:" + string(e.ID), Reason: "already exists"}
	}
	if e.IdempotencyKey != "" && t.keys[e.IdempotencyKey] {
		return &ledger.ConflictError{Key: e.IdempotencyKey, Reason: "idempotency key already used"}
	}
	if _, ok := t.referrers[e.ReferrerID]; !ok {
		return &ledger.InputError{Field: "reference", Message: "append entry: unknown referrer " + string(e.ReferrerID)}
	}
	e.CreatedAt = e.CreatedAt.UTC()
	t.entries = append(t.entries, e)
	t.entryIDs[e.ID] = true
	if e.IdempotencyKey != "" {
		t.keys[e.IdempotencyKey] = true
	}
	return nil
}

func (t *tables) EntryExists(_ context.Context, key string) (bool, error) {
	return t.keys[key], nil
}

func (t *tables) SumAmounts(_ context.Context, id ledger.ReferrerID) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range t.entries {
		if e.ReferrerID == id {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

func (t *tables) CountEntries(_ context.Context, id ledger.ReferrerID, kind ledger.EntryKind, since time.Time) (int, error) {
	n := 0
	for _, e := range t.entries {
		if e.ReferrerID == id && e.Kind == kind && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (t *tables) ListEntries(_ context.Context, id ledger.ReferrerID, after *ledger.Cursor, limit int) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, e := range t.entries {
		if e.ReferrerID != id {
			continue
		}
		if after != nil && !olderThan(e, *after) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return olderThan(out[j], ledger.Cursor{CreatedAt: out[i].CreatedAt, ID: out[i].ID})
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// olderThan reports whether e sorts after c in (created_at desc, id desc).
func olderThan(e ledger.Entry, c ledger.Cursor) bool {
	if !e.CreatedAt.Equal(c.CreatedAt) {
		return e.CreatedAt.Before(c.CreatedAt)
	}
	return e.ID < c.ID
}

// --- Reward configs & unlocks ---

func (t *tables) ActiveRewardConfig(_ context.Context, at time.Time) (*ledger.RewardConfig, error) {
	for i := len(t.configs) - 1; i >= 0; i-- {
		if !t.configs[i].EffectiveFrom.After(at) {
			cfg := t.configs[i]
			return &cfg, nil
		}
	}
	return nil, nil
}

func (t *tables) InsertRewardConfig(_ context.Context, c ledger.RewardConfig) (ledger.RewardConfig, error) {
	c.Version = len(t.configs) + 1
	c.EffectiveFrom, c.CreatedAt = c.EffectiveFrom.UTC(), c.CreatedAt.UTC()
	t.configs = append(t.configs, c)
	return c, nil
}

func (t *tables) ListRewardConfigs(context.Context) ([]ledger.RewardConfig, error) {
	out := make([]ledger.RewardConfig, 0, len(t.configs))
	for i := len(t.configs) - 1; i >= 0; i-- {
		out = append(out, t.configs[i])
	}
	return out, nil
}

func (t *tables) GetRewardUnlock(_ context.Context, id ledger.ReferrerID, version int) (*ledger.RewardUnlock, error) {
	u, ok := t.unlocks[unlockKey{id, version}]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (t *tables) LatestRewardUnlockBefore(_ context.Context, id ledger.ReferrerID, version int) (*ledger.RewardUnlock, error) {
	var latest *ledger.RewardUnlock
	for k, u := range t.unlocks {
		if k.referrer != id || k.version >= version {
			continue
		}
		if latest == nil || u.UnlockedAt.After(latest.UnlockedAt) ||
			(u.UnlockedAt.Equal(latest.UnlockedAt) && u.ConfigVersion > latest.ConfigVersion) {
			u := u
			latest = &u
		}
	}
	return latest, nil
}

func (t *tables) InsertRewardUnlock(_ context.Context, u ledger.RewardUnlock) error {
	k := unlockKey{u.ReferrerID, u.ConfigVersion}
	if _, ok := t.unlocks[k]; ok {
		return &ledger.ConflictError{Key: ledger.UnlockKey(u.ReferrerID, u.ConfigVersion), Reason: "already unlocked"}
	}
	if _, ok := t.referrers[u.ReferrerID]; !ok || u.ConfigVersion < 1 || u.ConfigVersion > len(t.configs) {
		return &ledger.InputError{Field: "reference", Message: "insert reward unlock: unknown referrer or version"}
	}
	u.UnlockedAt = u.UnlockedAt.UTC()
	t.unlocks[k] = u
	return nil
}

func (t *tables) ListRewardUnlocks(_ context.Context, id ledger.ReferrerID) ([]ledger.RewardUnlock, error) {
	var out []ledger.RewardUnlock
	for k, u := range t.unlocks {
		if k.referrer == id {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfigVersion < out[j].ConfigVersion })
	return out, nil
}

// --- Outbox ---

func (t *tables) AppendEvent(_ context.Context, e *ledger.Event) error {
	if e.ID == "" {
		e.ID = ledger.NewID()
	}
	if t.eventIDs[e.ID] {
		return &ledger.ConflictError{Key: "event:" + e.ID, Reason: "already exists"}
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	t.seq++
	e.Seq = t.seq
	e.CommittedAt = e.CommittedAt.UTC()
	t.events = append(t.events, *e)
	t.eventIDs[e.ID] = true
	return nil
}

func (t *tables) EventsAfter(_ context.Context, seq int64, limit int) ([]ledger.Event, error) {
	i := sort.Search(len(t.events), func(i int) bool { return t.events[i].Seq > seq })
	end := len(t.events)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	return append([]ledger.Event(nil), t.events[i:end]...), nil
}

func (t *tables) MaxEventSeq(context.Context) (int64, error) {
	return t.seq, nil
}
