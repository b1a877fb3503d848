package credit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mwork/credit-ledger/internal/pkg/logger"
)

const (
	// DefaultReservationTTL is how long a hold stays ACTIVE before it expires.
	DefaultReservationTTL = 15 * time.Minute

	// DefaultMaxReservationAmount caps a single hold.
	DefaultMaxReservationAmount int64 = 100_000

	// DefaultSweepBatchSize limits how many expired holds one sweep settles.
	DefaultSweepBatchSize = 500

	reasonExpired = "Reservation expired"
)

// Locker serializes work per key across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Config controls the reservation engine.
type Config struct {
	ReservationTTL       time.Duration
	MaxReservationAmount int64
	SweepBatchSize       int

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Engine implements the reserve -> charge | refund state machine. Every
// mutation of an account happens while holding that account's lock.
type Engine struct {
	repo   Repository
	locker Locker
	cfg    Config
}

// NewEngine creates a new reservation engine
func NewEngine(repo Repository, locker Locker, cfg Config) *Engine {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = DefaultReservationTTL
	}
	if cfg.MaxReservationAmount <= 0 {
		cfg.MaxReservationAmount = DefaultMaxReservationAmount
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = DefaultSweepBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{repo: repo, locker: locker, cfg: cfg}
}

func accountLockKey(userID string) string {
	return "credit:account:" + userID
}

func (e *Engine) now() time.Time {
	return e.cfg.Now().UTC()
}

// OpenAccount creates an empty account for userID if it doesn't exist yet.
func (e *Engine) OpenAccount(ctx context.Context, userID string) (*Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrAccountNotFound
	}

	if err := e.repo.CreateAccount(ctx, userID, e.now()); err != nil {
		return nil, err
	}
	return e.repo.GetAccount(ctx, userID)
}

// Reserve places a soft hold of amount credits on the account. The balance is
// not touched; the hold only lowers the available balance until it settles.
func (e *Engine) Reserve(ctx context.Context, userID string, amount int64, sessionID string) (*Reservation, error) {
	if amount <= 0 || amount > e.cfg.MaxReservationAmount {
		return nil, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidAmount, e.cfg.MaxReservationAmount)
	}

	var res *Reservation
	err := e.locker.WithLock(ctx, accountLockKey(userID), func(ctx context.Context) error {
		now := e.now()

		balance, reserved, err := e.repo.GetAvailability(ctx, userID, now)
		if err != nil {
			return err
		}

		available := balance - reserved
		if available < amount {
			return fmt.Errorf("%w: available %d, requested %d", ErrInsufficientBalance, available, amount)
		}

		r := &Reservation{
			ID:        uuid.NewString(),
			UserID:    userID,
			Amount:    amount,
			Status:    ReservationActive,
			CreatedAt: now,
			ExpiresAt: now.Add(e.cfg.ReservationTTL),
		}
		if sessionID != "" {
			r.SessionID = &sessionID
		}

		if err := e.repo.CreateReservation(ctx, r); err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info().
		Str("user_id", userID).
		Str("reservation_id", res.ID).
		Int64("amount", amount).
		Time("expires_at", res.ExpiresAt).
		Msg("credits reserved")

	return res, nil
}

// Charge settles the reservation for actualAmount, which may be less than the
// held amount. The unused remainder is released with a refund row and the
// reservation still ends CHARGED. Returns the balance after the debit.
func (e *Engine) Charge(ctx context.Context, userID, reservationID string, actualAmount int64, usageLogID string) (int64, error) {
	if actualAmount <= 0 {
		return 0, fmt.Errorf("%w: actual amount must be greater than 0", ErrInvalidAmount)
	}

	var balanceAfter int64
	err := e.locker.WithLock(ctx, accountLockKey(userID), func(ctx context.Context) error {
		now := e.now()

		res, err := e.loadActive(ctx, userID, reservationID, now)
		if err != nil {
			return err
		}

		if actualAmount > res.Amount {
			return fmt.Errorf("%w: actual %d, reserved %d", ErrAmountExceedsReservation, actualAmount, res.Amount)
		}

		meta := Metadata{
			MetaReservationID: res.ID,
			MetaUsageLogID:    usageLogID,
		}
		if res.SessionID != nil {
			meta[MetaSessionID] = *res.SessionID
		}

		entries := []LedgerEntry{{
			Type:        TxTypeUsage,
			Amount:      -actualAmount,
			Delta:       -actualAmount,
			Description: "Usage charge",
			Metadata:    meta,
		}}
		if remainder := res.Amount - actualAmount; remainder > 0 {
			entries = append(entries, LedgerEntry{
				Type:        TxTypeRefund,
				Amount:      remainder,
				Description: "Unused reservation released",
				Metadata: Metadata{
					MetaReservationID: res.ID,
					MetaUsageLogID:    usageLogID,
				},
			})
		}

		balanceAfter, err = e.repo.Settle(ctx, Settlement{
			ReservationID: res.ID,
			UserID:        userID,
			Status:        ReservationCharged,
			At:            now,
			Entries:       entries,
		})
		return err
	})
	if err != nil {
		return 0, err
	}

	logger.FromContext(ctx).Info().
		Str("user_id", userID).
		Str("reservation_id", reservationID).
		Str("usage_log_id", usageLogID).
		Int64("amount", actualAmount).
		Int64("balance_after", balanceAfter).
		Msg("reservation charged")

	return balanceAfter, nil
}

// Refund releases the whole hold without any debit.
func (e *Engine) Refund(ctx context.Context, userID, reservationID, reason string) error {
	err := e.locker.WithLock(ctx, accountLockKey(userID), func(ctx context.Context) error {
		now := e.now()

		res, err := e.loadActive(ctx, userID, reservationID, now)
		if err != nil {
			return err
		}

		return e.release(ctx, res, ReservationRefunded, reason, now)
	})
	if err != nil {
		return err
	}

	logger.FromContext(ctx).Info().
		Str("user_id", userID).
		Str("reservation_id", reservationID).
		Str("reason", reason).
		Msg("reservation refunded")

	return nil
}

// Sweep settles ACTIVE reservations whose expiry has passed as EXPIRED. A
// failure on one reservation is logged and does not stop the others. Only
// reservations settled by this call are counted.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	log := logger.FromContext(ctx)

	expired, err := e.repo.ListExpiredReservations(ctx, e.now(), e.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for i := range expired {
		if err := ctx.Err(); err != nil {
			return cleaned, err
		}

		candidate := expired[i]
		settled := false
		err := e.locker.WithLock(ctx, accountLockKey(candidate.UserID), func(ctx context.Context) error {
			// Re-read under the lock: it may have been charged or refunded since the scan
			res, err := e.repo.GetReservation(ctx, candidate.ID)
			if err != nil {
				return err
			}

			now := e.now()
			if res.Status != ReservationActive || !res.IsExpired(now) {
				return nil
			}

			if err := e.release(ctx, res, ReservationExpired, reasonExpired, now); err != nil {
				return err
			}
			settled = true
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrInvalidState) {
				continue
			}
			log.Error().
				Err(err).
				Str("reservation_id", candidate.ID).
				Str("user_id", candidate.UserID).
				Msg("failed to expire reservation")
			continue
		}
		if settled {
			cleaned++
		}
	}

	if cleaned > 0 || len(expired) > 0 {
		log.Info().
			Int("found", len(expired)).
			Int("cleaned", cleaned).
			Msg("reservation sweep finished")
	}

	return cleaned, nil
}

// Grant applies a purchase, promo or admin adjustment to the balance.
// Only admin adjustments may be negative, and never below the held amount.
func (e *Engine) Grant(ctx context.Context, userID string, amount int64, txType TxType, description string, meta Metadata) (int64, error) {
	switch txType {
	case TxTypePurchase, TxTypePromo:
		if amount <= 0 {
			return 0, fmt.Errorf("%w: %s must be greater than 0", ErrInvalidAmount, txType)
		}
	case TxTypeAdminAdjustment:
		if amount == 0 {
			return 0, fmt.Errorf("%w: adjustment must not be 0", ErrInvalidAmount)
		}
	default:
		return 0, fmt.Errorf("%w: %q cannot be granted", ErrInvalidTxType, txType)
	}

	var balanceAfter int64
	err := e.locker.WithLock(ctx, accountLockKey(userID), func(ctx context.Context) error {
		now := e.now()

		if amount < 0 {
			balance, reserved, err := e.repo.GetAvailability(ctx, userID, now)
			if err != nil {
				return err
			}
			if balance-reserved < -amount {
				return fmt.Errorf("%w: available %d, adjustment %d", ErrInsufficientBalance, balance-reserved, amount)
			}
		}

		var err error
		balanceAfter, err = e.repo.Adjust(ctx, Adjustment{
			UserID: userID,
			At:     now,
			Entry: LedgerEntry{
				Type:        txType,
				Amount:      amount,
				Delta:       amount,
				Description: description,
				Metadata:    meta,
			},
		})
		return err
	})
	if err != nil {
		return 0, err
	}

	logger.FromContext(ctx).Info().
		Str("user_id", userID).
		Str("tx_type", string(txType)).
		Int64("amount", amount).
		Int64("balance_after", balanceAfter).
		Msg("credits granted")

	return balanceAfter, nil
}

// loadActive loads the reservation and runs the ownership, state and expiry
// checks shared by charge and refund. An expired hold is settled as EXPIRED
// before ErrReservationExpired is returned. Must run under the account lock.
func (e *Engine) loadActive(ctx context.Context, userID, reservationID string, now time.Time) (*Reservation, error) {
	res, err := e.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	if res.UserID != userID {
		return nil, ErrOwnership
	}
	if res.Status != ReservationActive {
		return nil, fmt.Errorf("%w: reservation is %s", ErrInvalidState, res.Status)
	}

	if res.IsExpired(now) {
		if err := e.release(ctx, res, ReservationExpired, reasonExpired, now); err != nil {
			logger.FromContext(ctx).Error().
				Err(err).
				Str("reservation_id", res.ID).
				Msg("failed to record reservation expiry")
			return nil, fmt.Errorf("%w (expiry not recorded: %w)", ErrReservationExpired, err)
		}
		return nil, ErrReservationExpired
	}

	return res, nil
}

// release returns the whole hold with a refund row and a terminal status.
// The balance is unchanged: the hold never debited it.
func (e *Engine) release(ctx context.Context, res *Reservation, status ReservationStatus, reason string, now time.Time) error {
	description := "Reservation refunded"
	if reason != "" {
		description = reason
	}

	meta := Metadata{MetaReservationID: res.ID}
	if reason != "" {
		meta[MetaReason] = reason
	}
	if res.SessionID != nil {
		meta[MetaSessionID] = *res.SessionID
	}

	_, err := e.repo.Settle(ctx, Settlement{
		ReservationID: res.ID,
		UserID:        res.UserID,
		Status:        status,
		Reason:        reason,
		At:            now,
		Entries: []LedgerEntry{{
			Type:        TxTypeRefund,
			Amount:      res.Amount,
			Description: description,
			Metadata:    meta,
		}},
	})
	return err
}
