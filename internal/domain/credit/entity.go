package credit

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ReservationStatus is the lifecycle state of a reservation.
// Transitions are one-way: ACTIVE -> CHARGED | REFUNDED | EXPIRED.
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "ACTIVE"
	ReservationCharged  ReservationStatus = "CHARGED"
	ReservationRefunded ReservationStatus = "REFUNDED"
	ReservationExpired  ReservationStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is possible.
func (s ReservationStatus) IsTerminal() bool {
	return s == ReservationCharged || s == ReservationRefunded || s == ReservationExpired
}

// TxType defines supported credit transaction types.
type TxType string

const (
	TxTypePurchase        TxType = "purchase"
	TxTypeUsage           TxType = "usage"
	TxTypeRefund          TxType = "refund"
	TxTypeAdminAdjustment TxType = "admin_adjustment"
	TxTypePromo           TxType = "promo"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	switch t {
	case TxTypePurchase, TxTypeUsage, TxTypeRefund, TxTypeAdminAdjustment, TxTypePromo:
		return true
	}
	return false
}

// Metadata keys written by the engine.
const (
	MetaReservationID = "reservation_id"
	MetaUsageLogID    = "usage_log_id"
	MetaSessionID     = "session_id"
	MetaReason        = "reason"
)

// Metadata is free-form correlation data stored as a JSON object.
type Metadata map[string]string

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported type %T", src)
	}

	out := Metadata{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
	}
	*m = out
	return nil
}

// Account holds the credit balance of one user.
type Account struct {
	UserID    string    `db:"user_id" json:"userId"`
	Balance   int64     `db:"balance" json:"balance"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Reservation is a time-bounded soft hold against available balance.
type Reservation struct {
	ID            string            `db:"id" json:"id"`
	UserID        string            `db:"user_id" json:"userId"`
	Amount        int64             `db:"amount" json:"amount"`
	SessionID     *string           `db:"session_id" json:"sessionId,omitempty"`
	Status        ReservationStatus `db:"status" json:"status"`
	CreatedAt     time.Time         `db:"created_at" json:"createdAt"`
	ExpiresAt     time.Time         `db:"expires_at" json:"expiresAt"`
	ChargedAt     *time.Time        `db:"charged_at" json:"chargedAt,omitempty"`
	RefundedAt    *time.Time        `db:"refunded_at" json:"refundedAt,omitempty"`
	ReleaseReason *string           `db:"release_reason" json:"releaseReason,omitempty"`
}

// IsExpired reports whether the hold has passed its expiry at now.
func (r *Reservation) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Transaction is an immutable ledger row.
type Transaction struct {
	ID           string    `db:"id" json:"id"`
	UserID       string    `db:"user_id" json:"userId"`
	Amount       int64     `db:"amount" json:"amount"`
	Type         TxType    `db:"tx_type" json:"type"`
	BalanceAfter int64     `db:"balance_after" json:"balanceAfter"`
	Description  string    `db:"description" json:"description"`
	Metadata     Metadata  `db:"metadata" json:"metadata"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// LedgerEntry is a transaction row to be written by the store.
// Delta is the effect on the balance; it differs from Amount for hold
// releases, which report the released quantity but never touch the balance.
type LedgerEntry struct {
	Type        TxType
	Amount      int64
	Delta       int64
	Description string
	Metadata    Metadata
}

// Settlement moves an ACTIVE reservation to a terminal status together with
// its ledger entries, as one atomic unit.
type Settlement struct {
	ReservationID string
	UserID        string
	Status        ReservationStatus
	Reason        string
	At            time.Time
	Entries       []LedgerEntry
}

// Adjustment applies a single balance-changing entry outside a reservation.
type Adjustment struct {
	UserID string
	At     time.Time
	Entry  LedgerEntry
}

// Pagination controls simple list pagination.
type Pagination struct {
	Limit  int
	Offset int
}

// SearchFilters provides admin-facing transaction filtering.
type SearchFilters struct {
	UserID   *string
	TxType   *string
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
	Offset   int
}
