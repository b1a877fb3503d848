package credit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/mwork/credit-ledger/internal/pkg/database"
	"github.com/mwork/credit-ledger/internal/pkg/lock"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testEpoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := database.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(context.Background(), db))
	return db
}

type testEnv struct {
	db     *sqlx.DB
	repo   *CreditRepository
	clock  *testClock
	engine *Engine
	query  *QueryService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	repo := NewRepository(db, 5*time.Second)
	clock := newTestClock()

	locks := lock.NewManager(lock.NewMemoryBackend(), lock.Config{
		TTL:           10 * time.Second,
		RetryInterval: 2 * time.Millisecond,
		RetryLimit:    2000,
		KeyPrefix:     "lock:",
	})

	engine := NewEngine(repo, locks, Config{
		ReservationTTL:       15 * time.Minute,
		MaxReservationAmount: 10_000,
		Now:                  clock.Now,
	})

	return &testEnv{
		db:     db,
		repo:   repo,
		clock:  clock,
		engine: engine,
		query:  NewQueryService(repo, clock.Now),
	}
}

// fund opens the account and tops it up with a purchase.
func (e *testEnv) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	ctx := context.Background()

	_, err := e.engine.OpenAccount(ctx, userID)
	require.NoError(t, err)
	if amount > 0 {
		_, err = e.engine.Grant(ctx, userID, amount, TxTypePurchase, "top up", nil)
		require.NoError(t, err)
	}
}

func (e *testEnv) balances(t *testing.T, userID string) (balance, available int64) {
	t.Helper()
	ctx := context.Background()

	balance, err := e.query.GetBalance(ctx, userID)
	require.NoError(t, err)
	available, err = e.query.GetAvailableBalance(ctx, userID)
	require.NoError(t, err)
	return balance, available
}

func (e *testEnv) transactions(t *testing.T, userID string) []Transaction {
	t.Helper()

	uid := userID
	txs, err := e.repo.SearchTransactions(context.Background(), SearchFilters{UserID: &uid, Limit: 1000})
	require.NoError(t, err)
	return txs
}

// failingLocker never grants the lock.
type failingLocker struct {
	err error
}

func (f failingLocker) WithLock(context.Context, string, func(context.Context) error) error {
	return f.err
}

// keyFailingLocker refuses one key and delegates every other key.
type keyFailingLocker struct {
	Locker
	key string
	err error
}

func (l keyFailingLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if key == l.key {
		return l.err
	}
	return l.Locker.WithLock(ctx, key, fn)
}
