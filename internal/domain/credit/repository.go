package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// DefaultQueryTimeout bounds every ledger store call.
const DefaultQueryTimeout = 3 * time.Second

// Repository is the ledger store: accounts, reservations and the append-only
// transaction log. Settle and Adjust apply all their writes atomically.
type Repository interface {
	CreateAccount(ctx context.Context, userID string, now time.Time) error
	GetAccount(ctx context.Context, userID string) (*Account, error)
	GetAvailability(ctx context.Context, userID string, now time.Time) (balance, reserved int64, err error)

	CreateReservation(ctx context.Context, res *Reservation) error
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	ListActiveReservations(ctx context.Context, userID string, now time.Time) ([]Reservation, error)
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error)

	Settle(ctx context.Context, s Settlement) (int64, error)
	Adjust(ctx context.Context, a Adjustment) (int64, error)

	ListTransactions(ctx context.Context, userID string, pagination Pagination) ([]Transaction, error)
	SearchTransactions(ctx context.Context, filters SearchFilters) ([]Transaction, error)
}

const (
	reservationColumns = `id, user_id, amount, session_id, status, created_at, expires_at, charged_at, refunded_at, release_reason`
	transactionColumns = `id, user_id, amount, tx_type, balance_after, description, metadata, created_at`
)

// CreditRepository implements Repository on PostgreSQL or SQLite through sqlx.
// Queries are written with '?' placeholders and rebound for the driver.
type CreditRepository struct {
	db           *sqlx.DB
	queryTimeout time.Duration
	forUpdate    string

	// seqColumn orders rows that share created_at by insertion
	seqColumn string
}

func NewRepository(db *sqlx.DB, queryTimeout time.Duration) *CreditRepository {
	if queryTimeout <= 0 {
		queryTimeout = DefaultQueryTimeout
	}

	forUpdate, seqColumn := " FOR UPDATE", "seq"
	if isSQLite(db) {
		// SQLite serializes writers on its own and has no row locks
		forUpdate = ""
		// Transactions are never deleted, so rowid only grows
		seqColumn = "rowid"
	}

	return &CreditRepository{
		db:           db,
		queryTimeout: queryTimeout,
		forUpdate:    forUpdate,
		seqColumn:    seqColumn,
	}
}

func (r *CreditRepository) q(query string) string {
	return r.db.Rebind(query)
}

func (r *CreditRepository) CreateAccount(ctx context.Context, userID string, now time.Time) error {
	ctx2, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, r.q(`
		INSERT INTO credit_accounts (user_id, balance, created_at, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`), userID, now.UTC(), now.UTC())
	if err != nil {
		return storeErr("create account", err)
	}
	return nil
}

func (r *CreditRepository) GetAccount(ctx context.Context, userID string) (*Account, error) {
	ctx2, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	var acc Account
	err := r.db.GetContext(ctx2, &acc, r.q(`
		SELECT user_id, balance, created_at, updated_at
		FROM credit_accounts
		WHERE user_id = ?
	`), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, storeErr("get account", err)
	}
	return &acc, nil
}

// GetAvailability reads the balance and the sum of active, unexpired holds in
// a single statement so both numbers come from the same snapshot.
func (r *CreditRepository) GetAvailability(ctx context.Context, userID string, now time.Time) (int64, int64, error) {
	ctx2, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	var row struct {
		Balance  int64 `db:"balance"`
		Reserved int64 `db:"reserved"`
	}
	err := r.db.GetContext(ctx2, &row, r.q(`
		SELECT a.balance,
		       CAST(COALESCE((
		           SELECT SUM(res.amount)
		           FROM credit_reservations res
		           WHERE res.user_id = a.user_id
		             AND res.status = 'ACTIVE'
		             AND res.expires_at >= ?
		       ), 0) AS BIGINT) AS reserved
		FROM credit_accounts a
		WHERE a.user_id = ?
	`), now.UTC(), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, ErrAccountNotFound
		}
		return 0, 0, storeErr("get availability", err)
	}
	return row.Balance, row.Reserved, nil
}

func (r *CreditRepository) CreateReservation(ctx context.Context, res *Reservation) error {
	ctx2, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, r.q(`
		INSERT INTO credit_reservations (id, user_id, amount, session_id, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), res.ID, res.UserID, res.Amount, res.SessionID, string(res.Status), res.CreatedAt.UTC(), res.ExpiresAt.UTC())
	if err != nil {
		return storeErr("insert reservation", err)
	}
	return nil
}

func (r *CreditRepository) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	ctx2, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	var res Reservation
	err := r.db.GetContext(ctx2, &res, r.q(`SELECT `+reservationColumns+` FROM credit_reservations WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, storeErr("get reservation", err)
	}
	return &res, nil
}

func (r *CreditRepository) ListActiveReservations(ctx context.Context, userID string, now time.Time) ([]Reservation, error) {
	ctx2, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	reservations := make([]Reservation, 0)
	err := r.db.SelectContext(ctx2, &reservations, r.q(`
		SELECT `+reservationColumns+`
		FROM credit_reservations
		WHERE user_id = ? AND status = 'ACTIVE' AND expires_at >= ?
		ORDER BY created_at DESC
	`), userID, now.UTC())
	if err != nil {
		return nil, storeErr("list active reservations", err)
	}
	return reservations, nil
}

func (r *CreditRepository) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	ctx2, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 500
	}

	reservations := make([]Reservation, 0)
	err := r.db.SelectContext(ctx2, &reservations, r.q(`
		SELECT `+reservationColumns+`
		FROM credit_reservations
		WHERE status = 'ACTIVE' AND expires_at < ?
		ORDER BY expires_at ASC
		LIMIT ?
	`), now.UTC(), limit)
	if err != nil {
		return nil, storeErr("list expired reservations", err)
	}
	return reservations, nil
}

// Settle moves an ACTIVE reservation to s.Status and writes s.Entries in the
// same database transaction. It returns the balance after the last entry.
func (r *CreditRepository) Settle(ctx context.Context, s Settlement) (int64, error) {
	if !s.Status.IsTerminal() {
		return 0, fmt.Errorf("%w: cannot settle to %s", ErrInvalidState, s.Status)
	}

	ctx2, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return 0, storeErr("begin tx", err)
	}
	defer tx.Rollback()

	balance, err := r.lockBalance(ctx2, tx, s.UserID)
	if err != nil {
		return 0, err
	}

	var chargedAt, refundedAt *time.Time
	var reason *string
	at := s.At.UTC()
	if s.Status == ReservationCharged {
		chargedAt = &at
	} else {
		refundedAt = &at
		if s.Reason != "" {
			reason = &s.Reason
		}
	}

	// Only an ACTIVE row may move; a lost race shows up as zero affected rows
	result, err := tx.ExecContext(ctx2, r.q(`
		UPDATE credit_reservations
		SET status = ?, charged_at = ?, refunded_at = ?, release_reason = ?
		WHERE id = ? AND user_id = ? AND status = 'ACTIVE'
	`), string(s.Status), chargedAt, refundedAt, reason, s.ReservationID, s.UserID)
	if err != nil {
		return 0, storeErr("update reservation", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, storeErr("rows affected", err)
	}
	if rows == 0 {
		return 0, ErrInvalidState
	}

	balanceAfter, err := r.applyEntries(ctx2, tx, s.UserID, balance, at, s.Entries)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit tx", err)
	}

	return balanceAfter, nil
}

// Adjust writes a single balance-changing entry atomically.
func (r *CreditRepository) Adjust(ctx context.Context, a Adjustment) (int64, error) {
	ctx2, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return 0, storeErr("begin tx", err)
	}
	defer tx.Rollback()

	balance, err := r.lockBalance(ctx2, tx, a.UserID)
	if err != nil {
		return 0, err
	}

	balanceAfter, err := r.applyEntries(ctx2, tx, a.UserID, balance, a.At.UTC(), []LedgerEntry{a.Entry})
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit tx", err)
	}

	return balanceAfter, nil
}

func (r *CreditRepository) lockBalance(ctx context.Context, tx *sqlx.Tx, userID string) (int64, error) {
	var balance int64
	err := tx.GetContext(ctx, &balance, r.q(`SELECT balance FROM credit_accounts WHERE user_id = ?`+r.forUpdate), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, storeErr("lock account row", err)
	}
	return balance, nil
}

// applyEntries inserts the ledger rows and then swaps the balance, guarded by
// the balance read at the start of the transaction.
func (r *CreditRepository) applyEntries(ctx context.Context, tx *sqlx.Tx, userID string, balance int64, at time.Time, entries []LedgerEntry) (int64, error) {
	current := balance
	for _, e := range entries {
		next := current + e.Delta
		if next < 0 {
			return 0, ErrInsufficientBalance
		}
		if err := r.insertLedger(ctx, tx, userID, e, next, at); err != nil {
			return 0, err
		}
		current = next
	}

	if current == balance {
		return current, nil
	}

	result, err := tx.ExecContext(ctx, r.q(`
		UPDATE credit_accounts
		SET balance = ?, updated_at = ?
		WHERE user_id = ? AND balance = ?
	`), current, at, userID, balance)
	if err != nil {
		return 0, storeErr("update balance", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, storeErr("rows affected", err)
	}
	if rows == 0 {
		return 0, ErrConcurrentModification
	}

	return current, nil
}

func (r *CreditRepository) insertLedger(ctx context.Context, tx *sqlx.Tx, userID string, e LedgerEntry, balanceAfter int64, at time.Time) error {
	if !e.Type.Valid() {
		return ErrInvalidTxType
	}

	if strings.TrimSpace(e.Description) == "" {
		e.Description = "credit balance adjustment"
	}
	if e.Metadata == nil {
		e.Metadata = Metadata{}
	}

	_, err := tx.ExecContext(ctx, r.q(`
		INSERT INTO credit_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), uuid.NewString(), userID, e.Amount, string(e.Type), balanceAfter, e.Description, e.Metadata, at)
	if err != nil {
		return storeErr("insert transaction", err)
	}
	return nil
}

func (r *CreditRepository) ListTransactions(ctx context.Context, userID string, pagination Pagination) ([]Transaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	limit := pagination.Limit
	if limit <= 0 {
		limit = 20
	}

	transactions := make([]Transaction, 0)
	err := r.db.SelectContext(ctx2, &transactions, r.q(`
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, `+r.seqColumn+` DESC
		LIMIT ? OFFSET ?
	`), userID, limit, pagination.Offset)
	if err != nil {
		return nil, storeErr("list transactions", err)
	}

	return transactions, nil
}

func (r *CreditRepository) SearchTransactions(ctx context.Context, filters SearchFilters) ([]Transaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	base := `
		SELECT ` + transactionColumns + `
		FROM credit_transactions
		WHERE 1=1`
	args := make([]interface{}, 0, 6)

	if filters.UserID != nil && *filters.UserID != "" {
		base += " AND user_id = ?"
		args = append(args, *filters.UserID)
	}
	if filters.TxType != nil && *filters.TxType != "" {
		base += " AND tx_type = ?"
		args = append(args, *filters.TxType)
	}
	if filters.DateFrom != nil {
		base += " AND created_at >= ?"
		args = append(args, filters.DateFrom.UTC())
	}
	if filters.DateTo != nil {
		base += " AND created_at < ?"
		args = append(args, filters.DateTo.UTC())
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}

	base = strings.TrimSpace(base) + " ORDER BY created_at ASC, " + r.seqColumn + " ASC LIMIT ? OFFSET ?"
	args = append(args, limit, filters.Offset)

	transactions := make([]Transaction, 0)
	if err := r.db.SelectContext(ctx2, &transactions, r.q(base), args...); err != nil {
		return nil, storeErr("search transactions", err)
	}

	return transactions, nil
}

// storeErr maps driver errors onto ledger errors. CHECK violations mean the
// balance would go negative; everything else is an infrastructure failure.
func storeErr(step string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23514" {
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, step)
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && liteErr.ExtendedCode == sqlite3.ErrConstraintCheck {
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, step)
	}

	return fmt.Errorf("%w: %s: %w", ErrLedgerStore, step, err)
}
