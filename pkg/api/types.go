package api

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/peerbook/pkg/book"
)

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Request Types
// ==============================

// SubmitOrderRequest is the payload for POST /api/v1/orders. Price is a
// decimal in quote units and must be a multiple of the node's tick size.
// An empty ID is replaced by a random UUID.
type SubmitOrderRequest struct {
	ID       string          `json:"id,omitempty"`
	ClientID string          `json:"clientId"`
	Side     string          `json:"side"` // "buy" or "sell"
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// SyncRequest is the payload for POST /api/v1/sync.
type SyncRequest struct {
	Peer string `json:"peer,omitempty"` // empty picks any orderbook peer
	Push bool   `json:"push,omitempty"` // push local book instead of pulling
}

// ==============================
// REST Response Types
// ==============================

// SubmitOrderResponse is the response from order submission
type SubmitOrderResponse struct {
	Status  string      `json:"status"` // order_processed | order_rejected | lock_failed
	OrderID string      `json:"orderId"`
	Trades  []TradeInfo `json:"trades"`
	Message string      `json:"message,omitempty"` // Error message if not processed
	Order   *book.Order `json:"order,omitempty"`
}

// OrderbookSnapshot is the raw book plus aggregated price levels.
type OrderbookSnapshot struct {
	Fingerprint string       `json:"fingerprint"`
	Buys        []book.Order `json:"buys"`      // storage order
	Sells       []book.Order `json:"sells"`     // storage order
	Bids        []PriceLevel `json:"bids"`      // Sorted high to low
	Asks        []PriceLevel `json:"asks"`      // Sorted low to high
	Timestamp   int64        `json:"timestamp"` // Unix milliseconds
}

// PriceLevel is the total resting quantity at one price
type PriceLevel struct {
	Price   int64  `json:"price"`   // ticks
	Display string `json:"display"` // price in quote units
	Size    int64  `json:"size"`
}

// TradeInfo is one executed trade
type TradeInfo struct {
	BuyOrderID  string `json:"buyOrderId"`
	SellOrderID string `json:"sellOrderId"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Price       int64  `json:"price"`
	Display     string `json:"display"`
	Quantity    int64  `json:"quantity"`
}

type FingerprintResponse struct {
	Fingerprint string `json:"fingerprint"`
	Entries     int    `json:"entries"`
}

type SyncResponse struct {
	Peer    string       `json:"peer,omitempty"`
	Results []SyncResult `json:"results,omitempty"`
	State   string       `json:"state"`
}

type SyncResult struct {
	Peer  string `json:"peer"`
	Reply string `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // "orderbook", "trades"
}

// OrderbookUpdate is pushed after the book changes
type OrderbookUpdate struct {
	Type        string       `json:"type"` // "orderbook"
	Fingerprint string       `json:"fingerprint"`
	Bids        []PriceLevel `json:"bids"`
	Asks        []PriceLevel `json:"asks"`
	Timestamp   int64        `json:"timestamp"`
}

// TradeUpdate is pushed when a trade executes on this node
type TradeUpdate struct {
	Type      string    `json:"type"` // "trade"
	Trade     TradeInfo `json:"trade"`
	Remote    bool      `json:"remote"`
	Timestamp int64     `json:"timestamp"`
}
