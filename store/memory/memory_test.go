package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/ledger"
	"github.com/warp/referral-engine/store/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return New() })
}

func TestMemory_ConcurrentUnitsSerialize(t *testing.T) {
	// GIVEN: Many writers race to credit the same referral
	// WHEN: Each checks the key and appends inside one unit
	// THEN: Exactly one credit lands

	ctx := context.Background()
	s := New()
	require.NoError(t, s.InsertReferrer(ctx, ledger.Referrer{ID: "alice", Name: "Alice", CreatedAt: time.Now()}))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx ledger.Store) error {
				l := ledger.NewLedger(tx, nil)
				_, err := l.Append(ctx, ledger.Entry{
					ReferrerID:     "alice",
					ReferralID:     "r1",
					Kind:           ledger.KindReferralCredited,
					Amount:         decimal.NewFromInt(50),
					IdempotencyKey: ledger.ReferralCreditKey("r1"),
				})
				return err
			})
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ledger.ErrConflict)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	sum, err := s.SumAmounts(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "50", sum.String())
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New().WithTx(ctx, func(ledger.Store) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrTransientStorage)
}
