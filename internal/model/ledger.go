package model

import "time"

// InitialCredits is the balance a user starts with on first lookup.
const InitialCredits int64 = 50

// Account is the balance record kept per user in the "users" collection.
// Timestamps are advisory only.
type Account struct {
	UserID            string    `json:"userId"`
	Credits           int64     `json:"credits"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	LastRefillDate    time.Time `json:"lastRefillDate"`
	LastDeductionTime time.Time `json:"lastDeductionTime"`
	LastPurchaseTime  time.Time `json:"lastPurchaseTime"`
}

type EventKind string

const (
	EventInitialized EventKind = "initialized"
	EventDeducted    EventKind = "deducted"
	EventAdded       EventKind = "added"
)

// CreditEvent is published on the bus after every committed balance change.
type CreditEvent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      EventKind `json:"kind"`
	Delta     int64     `json:"delta"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

type DeductRequest struct {
	UserID string `json:"user_id"`
}

type TopUpRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

type BalanceResult struct {
	UserID  string `json:"user_id"`
	Credits int64  `json:"credits"`
}
