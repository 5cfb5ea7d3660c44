package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order side as the exchange reports it.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// OrderType covers the four supported order types. Price orders buy by total
// amount, market orders sell by volume.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypePrice  OrderType = "price"
	OrderTypeMarket OrderType = "market"
	OrderTypeBest   OrderType = "best"
)

// OrderState is the exchange order lifecycle state.
type OrderState string

const (
	OrderStateWait   OrderState = "wait"
	OrderStateWatch  OrderState = "watch"
	OrderStateTrade  OrderState = "trade" // websocket-only fill push
	OrderStateDone   OrderState = "done"
	OrderStateCancel OrderState = "cancel"
)

// Terminal reports whether no further transitions can leave the state.
func (s OrderState) Terminal() bool {
	return s == OrderStateDone || s == OrderStateCancel
}

// Fill is a single matched trade belonging to an order.
type Fill struct {
	TradeUUID string          `json:"trade_uuid"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Funds     decimal.Decimal `json:"funds"`
	IsMaker   bool            `json:"is_maker"`
	Sequence  int64           `json:"sequence"`
	TradedAt  time.Time       `json:"traded_at"`
}

// Order is the engine's canonical view of one exchange order. Either UUID or
// Identifier resolves it; once the exchange assigns a UUID both point at the
// same order. Orders placed before identifier support carry UUID only.
type Order struct {
	UUID       string    `json:"uuid"`
	Identifier string    `json:"identifier,omitempty"`
	Market     string    `json:"market"`
	Side       Side      `json:"side"`
	Type       OrderType `json:"ord_type"`

	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`

	State           OrderState      `json:"state"`
	ExecutedVolume  decimal.Decimal `json:"executed_volume"`
	RemainingVolume decimal.Decimal `json:"remaining_volume"`
	ExecutedFunds   decimal.Decimal `json:"executed_funds"`
	AvgPrice        decimal.Decimal `json:"avg_price"`

	ReservedFee  decimal.Decimal `json:"reserved_fee"`
	RemainingFee decimal.Decimal `json:"remaining_fee"`
	PaidFee      decimal.Decimal `json:"paid_fee"`
	Locked       decimal.Decimal `json:"locked"`

	TradesCount int    `json:"trades_count"`
	Fills       []Fill `json:"trades,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the identity used to index the order in the live set, the
// exchange UUID when known, otherwise the caller identifier.
func (o *Order) Key() string {
	if o.UUID != "" {
		return o.UUID
	}
	return o.Identifier
}

// Clone returns a deep copy so readers never observe a partial update.
func (o *Order) Clone() *Order {
	cp := *o
	if len(o.Fills) > 0 {
		cp.Fills = make([]Fill, len(o.Fills))
		copy(cp.Fills, o.Fills)
	}
	return &cp
}
