package credit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwork/credit-ledger/internal/pkg/lock"
)

func TestReserveValidatesAmount(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 500)
	ctx := context.Background()

	for _, amount := range []int64{0, -5, 10_001} {
		_, err := env.engine.Reserve(ctx, "u1", amount, "")
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %d", amount)
	}

	_, err := env.engine.Reserve(ctx, "missing", 10, "")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestReserveDoesNotTouchBalance(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 500)
	ctx := context.Background()

	res, err := env.engine.Reserve(ctx, "u1", 200, "sess-1")
	require.NoError(t, err)

	assert.Equal(t, ReservationActive, res.Status)
	assert.Equal(t, testEpoch.Add(15*time.Minute), res.ExpiresAt)
	require.NotNil(t, res.SessionID)
	assert.Equal(t, "sess-1", *res.SessionID)

	balance, available := env.balances(t, "u1")
	assert.Equal(t, int64(500), balance)
	assert.Equal(t, int64(300), available)

	// Only the purchase row exists
	assert.Len(t, env.transactions(t, "u1"), 1)
}

func TestReserveInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 100)
	ctx := context.Background()

	_, err := env.engine.Reserve(ctx, "u1", 101, "")
	require.ErrorIs(t, err, ErrInsufficientBalance)

	active, err := env.query.GetActiveReservations(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestReserveRefundRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 500)
	ctx := context.Background()

	before, _ := env.balances(t, "u1")

	res, err := env.engine.Reserve(ctx, "u1", 120, "")
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	require.NoError(t, env.engine.Refund(ctx, "u1", res.ID, "session cancelled"))

	balance, available := env.balances(t, "u1")
	assert.Equal(t, before, balance)
	assert.Equal(t, before, available)

	got, err := env.repo.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationRefunded, got.Status)
	require.NotNil(t, got.RefundedAt)
	require.NotNil(t, got.ReleaseReason)
	assert.Equal(t, "session cancelled", *got.ReleaseReason)
	assert.Nil(t, got.ChargedAt)

	txs := env.transactions(t, "u1")
	require.Len(t, txs, 2)
	refund := txs[1]
	assert.Equal(t, TxTypeRefund, refund.Type)
	assert.Equal(t, int64(120), refund.Amount)
	assert.Equal(t, before, refund.BalanceAfter)
	assert.Equal(t, res.ID, refund.Metadata[MetaReservationID])
	assert.Equal(t, "session cancelled", refund.Metadata[MetaReason])
}

func TestChargePartialWritesUsageAndRefund(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 500)
	ctx := context.Background()

	res, err := env.engine.Reserve(ctx, "u1", 100, "sess-9")
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	balanceAfter, err := env.engine.Charge(ctx, "u1", res.ID, 60, "usage-1")
	require.NoError(t, err)
	assert.Equal(t, int64(440), balanceAfter)

	balance, available := env.balances(t, "u1")
	assert.Equal(t, int64(440), balance)
	assert.Equal(t, int64(440), available)

	got, err := env.repo.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationCharged, got.Status)
	require.NotNil(t, got.ChargedAt)
	assert.True(t, got.ChargedAt.Equal(testEpoch.Add(time.Minute)))

	var usage, refund *Transaction
	txs := env.transactions(t, "u1")
	for i := range txs {
		switch txs[i].Type {
		case TxTypeUsage:
			usage = &txs[i]
		case TxTypeRefund:
			refund = &txs[i]
		}
	}
	require.NotNil(t, usage)
	require.NotNil(t, refund)

	assert.Equal(t, int64(-60), usage.Amount)
	assert.Equal(t, int64(440), usage.BalanceAfter)
	assert.Equal(t, res.ID, usage.Metadata[MetaReservationID])
	assert.Equal(t, "usage-1", usage.Metadata[MetaUsageLogID])
	assert.Equal(t, "sess-9", usage.Metadata[MetaSessionID])

	assert.Equal(t, int64(40), refund.Amount)
	assert.Equal(t, int64(440), refund.BalanceAfter)
	assert.Equal(t, res.ID, refund.Metadata[MetaReservationID])
}

func TestChargeFullAmountWritesNoRefund(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 500)
	ctx := context.Background()

	res, err := env.engine.Reserve(ctx, "u1", 100, "")
	require.NoError(t, err)

	balanceAfter, err := env.engine.Charge(ctx, "u1", res.ID, 100, "usage-1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), balanceAfter)

	for _, tx := range env.transactions(t, "u1") {
		assert.NotEqual(t, TxTypeRefund, tx.Type)
	}
}

func TestChargeValidation(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 500)
	env.fund(t, "u2", 500)
	ctx := context.Background()

	res, err := env.engine.Reserve(ctx, "u1", 100, "")
	require.NoError(t, err)

	_, err = env.engine.Charge(ctx, "u1", res.ID, 0, "usage")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.engine.Charge(ctx, "u1", res.ID, 101, "usage")
	assert.ErrorIs(t, err, ErrAmountExceedsReservation)

	_, err = env.engine.Charge(ctx, "u2", res.ID, 50, "usage")
	assert.ErrorIs(t, err, ErrOwnership)

	err = env.engine.Refund(ctx, "u2", res.ID, "not mine")
	assert.ErrorIs(t, err, ErrOwnership)

	_, err = env.engine.Charge(ctx, "u1", "00000000-0000-0000-0000-000000000000", 50, "usage")
	assert.ErrorIs(t, err, ErrReservationNotFound)

	// Failed attempts leave the hold intact
	got, err := env.repo.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationActive, got.Status)

	balance, _ := env.balances(t, "u1")
	assert.Equal(t, int64(500), balance)
}

func TestDoubleSettlementIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 500)
	ctx := context.Background()

	charged, err := env.engine.Reserve(ctx, "u1", 100, "")
	require.NoError(t, err)
	_, err = env.engine.Charge(ctx, "u1", charged.ID, 80, "usage-1")
	require.NoError(t, err)

	balance, _ := env.balances(t, "u1")
	txCount := len(env.transactions(t, "u1"))

	_, err = env.engine.Charge(ctx, "u1", charged.ID, 10, "usage-2")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, env.engine.Refund(ctx, "u1", charged.ID, "late"), ErrInvalidState)

	refunded, err := env.engine.Reserve(ctx, "u1", 50, "")
	require.NoError(t, err)
	require.NoError(t, env.engine.Refund(ctx, "u1", refunded.ID, "first"))
	assert.ErrorIs(t, env.engine.Refund(ctx, "u1", refunded.ID, "second"), ErrInvalidState)
	_, err = env.engine.Charge(ctx, "u1", refunded.ID, 10, "usage-3")
	assert.ErrorIs(t, err, ErrInvalidState)

	after, _ := env.balances(t, "u1")
	assert.Equal(t, balance, after)
	// Only the successful refund added a row
	assert.Len(t, env.transactions(t, "u1"), txCount+1)
}

func TestChargeAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 500)
	ctx := context.Background()

	res, err := env.engine.Reserve(ctx, "u1", 100, "")
	require.NoError(t, err)

	env.clock.Advance(15*time.Minute + time.Second)

	_, err = env.engine.Charge(ctx, "u1", res.ID, 50, "usage-1")
	require.ErrorIs(t, err, ErrReservationExpired)

	got, err := env.repo.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationExpired, got.Status)
	require.NotNil(t, got.ReleaseReason)
	assert.Equal(t, "Reservation expired", *got.ReleaseReason)

	err = env.engine.Refund(ctx, "u1", res.ID, "too late")
	assert.ErrorIs(t, err, ErrInvalidState)

	balance, available := env.balances(t, "u1")
	assert.Equal(t, int64(500), balance)
	assert.Equal(t, int64(500), available)

	txs := env.transactions(t, "u1")
	require.Len(t, txs, 2)
	assert.Equal(t, TxTypeRefund, txs[1].Type)
	assert.Equal(t, int64(100), txs[1].Amount)
}

func TestRefundAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 500)
	ctx := context.Background()

	res, err := env.engine.Reserve(ctx, "u1", 100, "")
	require.NoError(t, err)

	env.clock.Advance(time.Hour)

	assert.ErrorIs(t, env.engine.Refund(ctx, "u1", res.ID, "cancel"), ErrReservationExpired)

	got, err := env.repo.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationExpired, got.Status)
}

func TestExpiredHoldStopsCountingBeforeSweep(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 300)
	ctx := context.Background()

	_, err := env.engine.Reserve(ctx, "u1", 300, "")
	require.NoError(t, err)

	_, available := env.balances(t, "u1")
	assert.Equal(t, int64(0), available)

	env.clock.Advance(16 * time.Minute)

	_, available = env.balances(t, "u1")
	assert.Equal(t, int64(300), available)

	// The expired hold no longer blocks new reservations
	_, err = env.engine.Reserve(ctx, "u1", 300, "")
	require.NoError(t, err)
}

func TestConcurrentReservesExhaustAvailableBalance(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 1000)

	const goroutines = 20
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		failures  atomic.Int32
	)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			_, err := env.engine.Reserve(context.Background(), "u1", 100, fmt.Sprintf("sess-%d", i))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrInsufficientBalance):
				failures.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(10), successes.Load())
	assert.Equal(t, int32(10), failures.Load())

	balance, available := env.balances(t, "u1")
	assert.Equal(t, int64(1000), balance)
	assert.Equal(t, int64(0), available)
}

func TestConcurrentChargeAndRefundSettleOnce(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 1000)
	ctx := context.Background()

	res, err := env.engine.Reserve(ctx, "u1", 100, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var settled atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			var err error
			if i%2 == 0 {
				_, err = env.engine.Charge(ctx, "u1", res.ID, 70, fmt.Sprintf("usage-%d", i))
			} else {
				err = env.engine.Refund(ctx, "u1", res.ID, "race")
			}
			if err == nil {
				settled.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidState)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), settled.Load())

	balance, _ := env.balances(t, "u1")
	assert.Contains(t, []int64{930, 1000}, balance)
}

func TestSweepSettlesEachReservationOnce(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 1000)
	env.fund(t, "u2", 1000)
	ctx := context.Background()

	var ids []string
	for _, user := range []string{"u1", "u1", "u2"} {
		res, err := env.engine.Reserve(ctx, user, 100, "")
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}

	// Not yet expired
	cleaned, err := env.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cleaned)

	env.clock.Advance(20 * time.Minute)

	live, err := env.engine.Reserve(ctx, "u1", 50, "")
	require.NoError(t, err)

	cleaned, err = env.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cleaned)

	cleaned, err = env.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cleaned)

	for _, id := range ids {
		got, err := env.repo.GetReservation(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ReservationExpired, got.Status)
		require.NotNil(t, got.RefundedAt)
	}

	got, err := env.repo.GetReservation(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationActive, got.Status)

	balance, _ := env.balances(t, "u1")
	assert.Equal(t, int64(1000), balance)
}

func TestSweepContinuesPastFailingReservation(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 1000)
	env.fund(t, "u2", 1000)
	ctx := context.Background()

	// u2's hold is older, so the sweep reaches it first
	stuck, err := env.engine.Reserve(ctx, "u2", 100, "")
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	other, err := env.engine.Reserve(ctx, "u1", 100, "")
	require.NoError(t, err)

	env.clock.Advance(time.Hour)

	sweeper := NewEngine(env.repo, keyFailingLocker{
		Locker: env.engine.locker,
		key:    accountLockKey("u2"),
		err:    lock.ErrLockTimeout,
	}, env.engine.cfg)

	cleaned, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	got, err := env.repo.GetReservation(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationExpired, got.Status)

	got, err = env.repo.GetReservation(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationActive, got.Status)

	// Picked up again once the lock is available
	cleaned, err = env.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	got, err = env.repo.GetReservation(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationExpired, got.Status)
}

func TestSweepRespectsBatchSize(t *testing.T) {
	env := newTestEnv(t)
	env.engine.cfg.SweepBatchSize = 2
	env.fund(t, "u1", 1000)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := env.engine.Reserve(ctx, "u1", 10, "")
		require.NoError(t, err)
	}
	env.clock.Advance(time.Hour)

	total := 0
	for i := 0; i < 3; i++ {
		cleaned, err := env.engine.Sweep(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, cleaned, 2)
		total += cleaned
	}
	assert.Equal(t, 5, total)
}

func TestWorkedExample(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 500)
	ctx := context.Background()

	first, err := env.engine.Reserve(ctx, "u1", 200, "")
	require.NoError(t, err)
	_, available := env.balances(t, "u1")
	assert.Equal(t, int64(300), available)

	_, err = env.engine.Reserve(ctx, "u1", 250, "")
	require.NoError(t, err)
	_, available = env.balances(t, "u1")
	assert.Equal(t, int64(50), available)

	_, err = env.engine.Reserve(ctx, "u1", 100, "")
	require.ErrorIs(t, err, ErrInsufficientBalance)

	balanceAfter, err := env.engine.Charge(ctx, "u1", first.ID, 150, "usage-1")
	require.NoError(t, err)
	assert.Equal(t, int64(350), balanceAfter)

	balance, available := env.balances(t, "u1")
	assert.Equal(t, int64(350), balance)
	assert.Equal(t, int64(100), available)
}

func TestLedgerInvariantsHoldAfterMixedWorkload(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 2000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			res, err := env.engine.Reserve(ctx, "u1", int64(50+i*10), "")
			if err != nil {
				return
			}
			switch i % 3 {
			case 0:
				_, _ = env.engine.Charge(ctx, "u1", res.ID, int64(20+i), "usage")
			case 1:
				_ = env.engine.Refund(ctx, "u1", res.ID, "done")
			}
		}(i)
	}
	wg.Wait()

	balance, reserved, err := env.repo.GetAvailability(ctx, "u1", env.clock.Now())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, balance, int64(0))
	assert.LessOrEqual(t, reserved, balance)

	// The balance equals the purchase minus every usage row
	var spent int64
	for _, tx := range env.transactions(t, "u1") {
		assert.GreaterOrEqual(t, tx.BalanceAfter, int64(0))
		if tx.Type == TxTypeUsage {
			spent += -tx.Amount
		}
	}
	assert.Equal(t, int64(2000)-spent, balance)
}

func TestGrant(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 0)
	ctx := context.Background()

	balance, err := env.engine.Grant(ctx, "u1", 300, TxTypePromo, "welcome bonus", Metadata{"campaign": "spring"})
	require.NoError(t, err)
	assert.Equal(t, int64(300), balance)

	_, err = env.engine.Grant(ctx, "u1", -10, TxTypePurchase, "", nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.engine.Grant(ctx, "u1", 0, TxTypeAdminAdjustment, "", nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.engine.Grant(ctx, "u1", 10, TxTypeUsage, "", nil)
	assert.ErrorIs(t, err, ErrInvalidTxType)

	_, err = env.engine.Reserve(ctx, "u1", 250, "")
	require.NoError(t, err)

	// The held amount cannot be taken away by an adjustment
	_, err = env.engine.Grant(ctx, "u1", -100, TxTypeAdminAdjustment, "correction", nil)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	balance, err = env.engine.Grant(ctx, "u1", -50, TxTypeAdminAdjustment, "correction", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(250), balance)

	_, err = env.engine.Grant(ctx, "nobody", 10, TxTypePurchase, "", nil)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestOpenAccountIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 100)

	acc, err := env.engine.OpenAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Balance)

	_, err = env.engine.OpenAccount(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMutationsFailClosedWithoutLock(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db, 0)
	ctx := context.Background()

	// Seed through an engine with a working lock
	good := NewEngine(repo, lock.NewManager(lock.NewMemoryBackend(), lock.DefaultConfig()), Config{})
	_, err := good.OpenAccount(ctx, "u1")
	require.NoError(t, err)
	_, err = good.Grant(ctx, "u1", 100, TxTypePurchase, "", nil)
	require.NoError(t, err)
	res, err := good.Reserve(ctx, "u1", 40, "")
	require.NoError(t, err)

	lockErr := fmt.Errorf("%w: credit:account:u1", lock.ErrLockTimeout)
	engine := NewEngine(repo, failingLocker{err: lockErr}, Config{})

	_, err = engine.Reserve(ctx, "u1", 10, "")
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.True(t, IsRetryable(err))

	_, err = engine.Charge(ctx, "u1", res.ID, 10, "usage")
	assert.ErrorIs(t, err, ErrLockTimeout)

	assert.ErrorIs(t, engine.Refund(ctx, "u1", res.ID, "cancel"), ErrLockTimeout)

	active, err := repo.ListActiveReservations(ctx, "u1", time.Now())
	require.NoError(t, err)
	assert.Len(t, active, 1)

	acc, err := repo.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Balance)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("x: %w", lock.ErrBackend)))
	assert.True(t, IsRetryable(fmt.Errorf("%w: commit", ErrLedgerStore)))
	assert.True(t, IsRetryable(ErrConcurrentModification))

	for _, err := range []error{ErrInvalidAmount, ErrInsufficientBalance, ErrInvalidState, ErrReservationExpired, ErrOwnership} {
		assert.False(t, IsRetryable(err), err.Error())
	}
}
