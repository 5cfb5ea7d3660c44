package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DataType identifies one websocket stream type.
type DataType string

const (
	DataTypeTicker    DataType = "ticker"
	DataTypeTrade     DataType = "trade"
	DataTypeOrderbook DataType = "orderbook"
	DataTypeMyOrder   DataType = "myOrder"
	DataTypeMyAsset   DataType = "myAsset"
)

// CandleType returns the data type for a candle stream of the given unit,
// e.g. "1s", "1m", "5m".
func CandleType(unit string) DataType {
	return DataType("candle." + unit)
}

// StreamType marks an event as the initial full-state snapshot of a fresh
// subscription or a subsequent realtime increment.
type StreamType string

const (
	StreamSnapshot StreamType = "SNAPSHOT"
	StreamRealtime StreamType = "REALTIME"
)

// EventKind tags the StreamEvent union.
type EventKind string

const (
	EventTicker    EventKind = "ticker"
	EventTrade     EventKind = "trade"
	EventOrderbook EventKind = "orderbook"
	EventCandle    EventKind = "candle"
	EventMyOrder   EventKind = "myOrder"
	EventMyAsset   EventKind = "myAsset"
	EventError     EventKind = "error"
)

// StreamEvent is the canonical decoded websocket event. Exactly one payload
// field matching Kind is set.
type StreamEvent struct {
	Kind       EventKind
	StreamType StreamType
	ReceivedAt time.Time

	Ticker    *TickerEvent
	Trade     *TradeEvent
	Orderbook *OrderbookEvent
	Candle    *CandleEvent
	MyOrder   *MyOrderEvent
	MyAsset   *MyAssetEvent
	Err       error
}

// TickerEvent is the per-market price summary push.
type TickerEvent struct {
	Market            string
	TradePrice        decimal.Decimal
	OpeningPrice      decimal.Decimal
	HighPrice         decimal.Decimal
	LowPrice          decimal.Decimal
	PrevClosingPrice  decimal.Decimal
	SignedChangeRate  decimal.Decimal
	AccTradePrice24h  decimal.Decimal
	AccTradeVolume24h decimal.Decimal
	Timestamp         time.Time
}

// TradeEvent is one public trade tick.
type TradeEvent struct {
	Market       string
	Price        decimal.Decimal
	Volume       decimal.Decimal
	Side         Side
	SequentialID int64
	Timestamp    time.Time
}

// OrderbookUnit is one price level of an orderbook push.
type OrderbookUnit struct {
	AskPrice decimal.Decimal
	BidPrice decimal.Decimal
	AskSize  decimal.Decimal
	BidSize  decimal.Decimal
}

// OrderbookEvent is a full orderbook push for one market.
type OrderbookEvent struct {
	Market       string
	TotalAskSize decimal.Decimal
	TotalBidSize decimal.Decimal
	Units        []OrderbookUnit
	Timestamp    time.Time
}

// CandleEvent is one candle push.
type CandleEvent struct {
	Market       string
	Unit         string
	OpeningPrice decimal.Decimal
	HighPrice    decimal.Decimal
	LowPrice     decimal.Decimal
	TradePrice   decimal.Decimal
	AccVolume    decimal.Decimal
	Timestamp    time.Time
}

// MyOrderEvent is a private order/trade push. TradeUUID is empty for pure
// state changes and set for fill events.
type MyOrderEvent struct {
	Market          string
	UUID            string
	Identifier      string
	Side            Side
	OrderType       OrderType
	State           OrderState
	TradeUUID       string
	Price           decimal.Decimal
	AvgPrice        decimal.Decimal
	Volume          decimal.Decimal
	ExecutedVolume  decimal.Decimal
	RemainingVolume decimal.Decimal
	ExecutedFunds   decimal.Decimal
	ReservedFee     decimal.Decimal
	RemainingFee    decimal.Decimal
	PaidFee         decimal.Decimal
	Locked          decimal.Decimal
	TradesCount     int
	IsMaker         bool
	TradeTimestamp  time.Time
	OrderTimestamp  time.Time
	Timestamp       time.Time
}

// MyAssetEvent is a private balance push.
type MyAssetEvent struct {
	AssetUUID string
	Assets    []Balance
	Timestamp time.Time
}
