package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceTick represents a single normalized trade tick from the market stream.
type PriceTick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate rejects ticks with negative volume or a timestamp in the future.
func (t PriceTick) Validate(now time.Time) error {
	if t.Volume.IsNegative() {
		return fmt.Errorf("tick volume must not be negative: %s", t.Volume)
	}
	if t.Timestamp.After(now) {
		return fmt.Errorf("tick timestamp %s is in the future", t.Timestamp.Format(time.RFC3339Nano))
	}
	return nil
}

// PairStatus is the lifecycle state of an OTO order pair.
type PairStatus string

const (
	PairPending   PairStatus = "PENDING"
	PairBuyFilled PairStatus = "BUY_FILLED"
	PairCompleted PairStatus = "COMPLETED"
	PairCancelled PairStatus = "CANCELLED"
	PairFailed    PairStatus = "FAILED"
)

// Terminal reports whether the status excludes the pair from the active index.
func (s PairStatus) Terminal() bool {
	switch s {
	case PairCompleted, PairCancelled, PairFailed:
		return true
	}
	return false
}

// OTOOrderPair is a linked buy/sell order pair. The sell leg is only placed
// once the buy leg fills.
type OTOOrderPair struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Symbol    string          `json:"symbol"`
	BuyRef    string          `json:"buy_ref,omitempty"`
	SellRef   string          `json:"sell_ref,omitempty"`
	BuyPrice  decimal.Decimal `json:"buy_price"`
	SellPrice decimal.Decimal `json:"sell_price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Status    PairStatus      `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// OrderEventKind classifies an inbound order-stream event after mapping.
type OrderEventKind string

const (
	OrderEventBuyFilled  OrderEventKind = "buy_filled"
	OrderEventSellFilled OrderEventKind = "sell_filled"
	OrderEventCancelled  OrderEventKind = "cancelled"
	OrderEventIgnored    OrderEventKind = "ignored"
)

// OrderEvent is a normalized event from a user's order stream.
type OrderEvent struct {
	Kind        OrderEventKind  `json:"kind"`
	UserID      string          `json:"user_id"`
	OrderRef    string          `json:"order_ref"`
	ClientRef   string          `json:"client_ref"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Status      string          `json:"status"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	ExecutedQty decimal.Decimal `json:"executed_qty"`
	Commission  decimal.Decimal `json:"commission"`
	EventTime   time.Time       `json:"event_time"`
}

// SessionToken is a time-limited credential authorizing a user-scoped
// stream subscription. There is no server-side revoke; it lapses naturally.
type SessionToken struct {
	Value      string    `json:"value"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Valid reports whether the token exists and has not expired.
func (t SessionToken) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}
