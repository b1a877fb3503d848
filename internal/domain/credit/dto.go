package credit

import "time"

// ReserveRequest is the body of POST /reserve
type ReserveRequest struct {
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	SessionID string `json:"sessionId" validate:"omitempty,max=128"`
}

// ChargeRequest is the body of POST /charge
type ChargeRequest struct {
	ReservationID string `json:"reservationId" validate:"required,uuid"`
	ActualAmount  int64  `json:"actualAmount" validate:"required,gt=0"`
	UsageLogID    string `json:"usageLogId" validate:"required,max=128"`
}

// RefundRequest is the body of POST /refund
type RefundRequest struct {
	ReservationID string `json:"reservationId" validate:"required,uuid"`
	Reason        string `json:"reason" validate:"required,max=255"`
}

// GrantRequest is the body of POST /grants
type GrantRequest struct {
	Amount      int64    `json:"amount" validate:"ne=0"`
	Type        string   `json:"type" validate:"required,credit_tx_type"`
	Description string   `json:"description" validate:"omitempty,max=255"`
	Metadata    Metadata `json:"metadata,omitempty"`
}

// ReserveResponse is returned by POST /reserve
type ReserveResponse struct {
	ReservationID string    `json:"reservationId"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// BalanceResponse is returned by GET /balance
type BalanceResponse struct {
	Balance          int64 `json:"balance"`
	AvailableBalance int64 `json:"availableBalance"`
}

// BalanceAfterResponse is returned by charge and grant
type BalanceAfterResponse struct {
	BalanceAfter int64 `json:"balanceAfter"`
}

// RefundResponse is returned by POST /refund
type RefundResponse struct {
	Success bool `json:"success"`
}

// SweepResponse is returned by POST /sweep
type SweepResponse struct {
	Cleaned int `json:"cleaned"`
}
