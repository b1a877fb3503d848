package credit

import (
	"context"
	"time"
)

// QueryService serves read-only account views. It takes no locks: the values
// are a consistent snapshot per call but may be stale by the time they are
// displayed. Reserve re-checks availability under the account lock.
type QueryService struct {
	repo Repository
	now  func() time.Time
}

// NewQueryService creates a new account query service
func NewQueryService(repo Repository, now func() time.Time) *QueryService {
	if now == nil {
		now = time.Now
	}
	return &QueryService{repo: repo, now: now}
}

// GetBalance returns the current credit balance for a user
func (s *QueryService) GetBalance(ctx context.Context, userID string) (int64, error) {
	acc, err := s.repo.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// GetAvailableBalance returns the balance minus all active, unexpired holds
func (s *QueryService) GetAvailableBalance(ctx context.Context, userID string) (int64, error) {
	balance, reserved, err := s.repo.GetAvailability(ctx, userID, s.now().UTC())
	if err != nil {
		return 0, err
	}
	return balance - reserved, nil
}

// GetActiveReservations returns active, unexpired holds, newest first
func (s *QueryService) GetActiveReservations(ctx context.Context, userID string) ([]Reservation, error) {
	if _, err := s.repo.GetAccount(ctx, userID); err != nil {
		return nil, err
	}
	return s.repo.ListActiveReservations(ctx, userID, s.now().UTC())
}

// GetReservation returns a single reservation owned by userID
func (s *QueryService) GetReservation(ctx context.Context, userID, reservationID string) (*Reservation, error) {
	res, err := s.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.UserID != userID {
		return nil, ErrOwnership
	}
	return res, nil
}

// ListTransactions returns paginated transaction history for a user
func (s *QueryService) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	return s.repo.ListTransactions(ctx, userID, Pagination{Limit: limit, Offset: offset})
}
