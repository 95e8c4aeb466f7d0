package book

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Opposite returns the side an order of this side matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Order is a resting or incoming limit order.
// Price is in integer ticks, Quantity in integer lots. Field order is part of
// the fingerprint encoding and must not change.
type Order struct {
	ID       string `json:"id" yaml:"id"`
	ClientID string `json:"clientId" yaml:"clientId"`
	Side     Side   `json:"side" yaml:"side"`
	Price    int64  `json:"price" yaml:"price"`
	Quantity int64  `json:"quantity" yaml:"quantity"`
}

// Trade is produced once per match. Price is the resting order's price.
type Trade struct {
	BuyOrderID  string `json:"buyOrderId"`
	SellOrderID string `json:"sellOrderId"`
	Quantity    int64  `json:"quantity"`
	Price       int64  `json:"price"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
}

var (
	ErrInvalidOrder   = errors.New("invalid order")
	ErrDuplicateOrder = errors.New("order already resting")
)

// ValidationError describes why an order was rejected before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidOrder }

// Validate checks the order shape. It does not consult any book state.
func (o Order) Validate() error {
	switch {
	case o.ID == "":
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	case !utf8.ValidString(o.ID):
		return &ValidationError{Field: "id", Reason: "must be valid UTF-8"}
	case o.ClientID == "":
		return &ValidationError{Field: "clientId", Reason: "must not be empty"}
	case !utf8.ValidString(o.ClientID):
		return &ValidationError{Field: "clientId", Reason: "must be valid UTF-8"}
	case !o.Side.Valid():
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", o.Side)}
	case o.Price <= 0:
		return &ValidationError{Field: "price", Reason: "must be positive"}
	case o.Quantity <= 0:
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	return nil
}
