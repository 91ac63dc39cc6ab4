package models

import "time"

type SessionStatus string

const (
	StatusPending   SessionStatus = "PENDING"
	StatusCompleted SessionStatus = "COMPLETED"
	StatusFailed    SessionStatus = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PaymentSession tracks one STK push attempt, keyed by the
// CheckoutRequestID issued by Daraja.
type PaymentSession struct {
	ID         string        `json:"id"`
	Phone      string        `json:"phone"`
	Amount     int64         `json:"amount"`
	Category   string        `json:"category"`
	Status     SessionStatus `json:"status"`
	Receipt    string        `json:"receipt,omitempty"`
	ResultDesc string        `json:"result_desc,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}
