package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"upbitflow/models"
)

// Per-event-type SIMPLE to DEFAULT key tables. The format is decided once at
// subscription time; the decoder renames abbreviated keys (recursively, for
// nested unit/asset objects) and then parses one canonical wire shape.
var simpleKeyTables = map[string]map[string]string{
	"ticker": {
		"ty": "type", "cd": "code", "tp": "trade_price", "op": "opening_price",
		"hp": "high_price", "lp": "low_price", "pcp": "prev_closing_price",
		"scr": "signed_change_rate", "atp24h": "acc_trade_price_24h",
		"atv24h": "acc_trade_volume_24h", "tms": "timestamp", "st": "stream_type",
	},
	"trade": {
		"ty": "type", "cd": "code", "tp": "trade_price", "tv": "trade_volume",
		"ab": "ask_bid", "sid": "sequential_id", "ttms": "trade_timestamp",
		"tms": "timestamp", "st": "stream_type",
	},
	"orderbook": {
		"ty": "type", "cd": "code", "tas": "total_ask_size", "tbs": "total_bid_size",
		"obu": "orderbook_units", "ap": "ask_price", "bp": "bid_price",
		"as": "ask_size", "bs": "bid_size", "tms": "timestamp", "st": "stream_type",
	},
	"candle": {
		"ty": "type", "cd": "code", "op": "opening_price", "hp": "high_price",
		"lp": "low_price", "tp": "trade_price", "catv": "candle_acc_trade_volume",
		"tms": "timestamp", "st": "stream_type",
	},
	"myOrder": {
		"ty": "type", "cd": "code", "uid": "uuid", "ab": "ask_bid",
		"ot": "order_type", "s": "state", "tuid": "trade_uuid", "p": "price",
		"ap": "avg_price", "v": "volume", "rv": "remaining_volume",
		"ev": "executed_volume", "ef": "executed_funds", "tc": "trades_count",
		"rsf": "reserved_fee", "rmf": "remaining_fee", "pf": "paid_fee",
		"l": "locked", "im": "is_maker", "id": "identifier",
		"ttms": "trade_timestamp", "otms": "order_timestamp",
		"tms": "timestamp", "st": "stream_type",
	},
	"myAsset": {
		"ty": "type", "astuid": "asset_uuid", "ast": "assets",
		"cu": "currency", "b": "balance", "l": "locked",
		"asttms": "asset_timestamp", "st": "stream_type",
	},
}

type wsError struct {
	Error struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

type wsTicker struct {
	Code              string          `json:"code"`
	TradePrice        decimal.Decimal `json:"trade_price"`
	OpeningPrice      decimal.Decimal `json:"opening_price"`
	HighPrice         decimal.Decimal `json:"high_price"`
	LowPrice          decimal.Decimal `json:"low_price"`
	PrevClosingPrice  decimal.Decimal `json:"prev_closing_price"`
	SignedChangeRate  decimal.Decimal `json:"signed_change_rate"`
	AccTradePrice24h  decimal.Decimal `json:"acc_trade_price_24h"`
	AccTradeVolume24h decimal.Decimal `json:"acc_trade_volume_24h"`
	Timestamp         int64           `json:"timestamp"`
	StreamType        string          `json:"stream_type"`
}

type wsTrade struct {
	Code           string          `json:"code"`
	TradePrice     decimal.Decimal `json:"trade_price"`
	TradeVolume    decimal.Decimal `json:"trade_volume"`
	AskBid         string          `json:"ask_bid"`
	SequentialID   int64           `json:"sequential_id"`
	TradeTimestamp int64           `json:"trade_timestamp"`
	Timestamp      int64           `json:"timestamp"`
	StreamType     string          `json:"stream_type"`
}

type wsOrderbook struct {
	Code         string          `json:"code"`
	TotalAskSize decimal.Decimal `json:"total_ask_size"`
	TotalBidSize decimal.Decimal `json:"total_bid_size"`
	Units        []struct {
		AskPrice decimal.Decimal `json:"ask_price"`
		BidPrice decimal.Decimal `json:"bid_price"`
		AskSize  decimal.Decimal `json:"ask_size"`
		BidSize  decimal.Decimal `json:"bid_size"`
	} `json:"orderbook_units"`
	Timestamp  int64  `json:"timestamp"`
	StreamType string `json:"stream_type"`
}

type wsCandle struct {
	Type         string          `json:"type"`
	Code         string          `json:"code"`
	OpeningPrice decimal.Decimal `json:"opening_price"`
	HighPrice    decimal.Decimal `json:"high_price"`
	LowPrice     decimal.Decimal `json:"low_price"`
	TradePrice   decimal.Decimal `json:"trade_price"`
	AccVolume    decimal.Decimal `json:"candle_acc_trade_volume"`
	Timestamp    int64           `json:"timestamp"`
	StreamType   string          `json:"stream_type"`
}

type wsMyOrder struct {
	Code            string          `json:"code"`
	UUID            string          `json:"uuid"`
	Identifier      string          `json:"identifier"`
	AskBid          string          `json:"ask_bid"`
	OrderType       string          `json:"order_type"`
	State           string          `json:"state"`
	TradeUUID       string          `json:"trade_uuid"`
	Price           decimal.Decimal `json:"price"`
	AvgPrice        decimal.Decimal `json:"avg_price"`
	Volume          decimal.Decimal `json:"volume"`
	RemainingVolume decimal.Decimal `json:"remaining_volume"`
	ExecutedVolume  decimal.Decimal `json:"executed_volume"`
	ExecutedFunds   decimal.Decimal `json:"executed_funds"`
	TradesCount     int             `json:"trades_count"`
	ReservedFee     decimal.Decimal `json:"reserved_fee"`
	RemainingFee    decimal.Decimal `json:"remaining_fee"`
	PaidFee         decimal.Decimal `json:"paid_fee"`
	Locked          decimal.Decimal `json:"locked"`
	IsMaker         bool            `json:"is_maker"`
	TradeTimestamp  int64           `json:"trade_timestamp"`
	OrderTimestamp  int64           `json:"order_timestamp"`
	Timestamp       int64           `json:"timestamp"`
	StreamType      string          `json:"stream_type"`
}

type wsMyAsset struct {
	AssetUUID string `json:"asset_uuid"`
	Assets    []struct {
		Currency string          `json:"currency"`
		Balance  decimal.Decimal `json:"balance"`
		Locked   decimal.Decimal `json:"locked"`
	} `json:"assets"`
	AssetTimestamp int64  `json:"asset_timestamp"`
	Timestamp      int64  `json:"timestamp"`
	StreamType     string `json:"stream_type"`
}

// decodeEvent parses one inbound frame into the canonical event. Keepalive
// acknowledgements ({"status":"UP"}) yield a nil event and no error.
func decodeEvent(raw []byte, format Format) (*models.StreamEvent, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	if _, ok := generic["error"]; ok {
		var we wsError
		if err := json.Unmarshal(raw, &we); err != nil {
			return nil, fmt.Errorf("malformed error frame: %w", err)
		}
		return &models.StreamEvent{
			Kind:       models.EventError,
			ReceivedAt: time.Now(),
			Err:        fmt.Errorf("%s: %s", we.Error.Name, we.Error.Message),
		}, nil
	}

	if _, ok := generic["status"]; ok {
		// PING acknowledgement; counts as inbound traffic only.
		return nil, nil
	}

	typeKey := "type"
	if format == FormatSimple {
		typeKey = "ty"
	}
	var typeName string
	if rawType, ok := generic[typeKey]; ok {
		if err := json.Unmarshal(rawType, &typeName); err != nil {
			return nil, fmt.Errorf("malformed type field: %w", err)
		}
	}
	if typeName == "" {
		return nil, fmt.Errorf("frame without type field")
	}

	tableKey := typeName
	if strings.HasPrefix(typeName, "candle.") {
		tableKey = "candle"
	}

	if format == FormatSimple {
		table, ok := simpleKeyTables[tableKey]
		if !ok {
			return nil, fmt.Errorf("unknown stream type %q", typeName)
		}
		expanded, err := expandKeys(raw, table)
		if err != nil {
			return nil, err
		}
		raw = expanded
	}

	ev := &models.StreamEvent{ReceivedAt: time.Now()}
	switch tableKey {
	case "ticker":
		var w wsTicker
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("malformed ticker: %w", err)
		}
		ev.Kind = models.EventTicker
		ev.StreamType = models.StreamType(w.StreamType)
		ev.Ticker = &models.TickerEvent{
			Market:            w.Code,
			TradePrice:        w.TradePrice,
			OpeningPrice:      w.OpeningPrice,
			HighPrice:         w.HighPrice,
			LowPrice:          w.LowPrice,
			PrevClosingPrice:  w.PrevClosingPrice,
			SignedChangeRate:  w.SignedChangeRate,
			AccTradePrice24h:  w.AccTradePrice24h,
			AccTradeVolume24h: w.AccTradeVolume24h,
			Timestamp:         time.UnixMilli(w.Timestamp),
		}
	case "trade":
		var w wsTrade
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("malformed trade: %w", err)
		}
		ev.Kind = models.EventTrade
		ev.StreamType = models.StreamType(w.StreamType)
		ev.Trade = &models.TradeEvent{
			Market:       w.Code,
			Price:        w.TradePrice,
			Volume:       w.TradeVolume,
			Side:         models.Side(strings.ToLower(w.AskBid)),
			SequentialID: w.SequentialID,
			Timestamp:    time.UnixMilli(w.TradeTimestamp),
		}
	case "orderbook":
		var w wsOrderbook
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("malformed orderbook: %w", err)
		}
		ev.Kind = models.EventOrderbook
		ev.StreamType = models.StreamType(w.StreamType)
		book := &models.OrderbookEvent{
			Market:       w.Code,
			TotalAskSize: w.TotalAskSize,
			TotalBidSize: w.TotalBidSize,
			Timestamp:    time.UnixMilli(w.Timestamp),
		}
		for _, u := range w.Units {
			book.Units = append(book.Units, models.OrderbookUnit{
				AskPrice: u.AskPrice,
				BidPrice: u.BidPrice,
				AskSize:  u.AskSize,
				BidSize:  u.BidSize,
			})
		}
		ev.Orderbook = book
	case "candle":
		var w wsCandle
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("malformed candle: %w", err)
		}
		ev.Kind = models.EventCandle
		ev.StreamType = models.StreamType(w.StreamType)
		ev.Candle = &models.CandleEvent{
			Market:       w.Code,
			Unit:         strings.TrimPrefix(typeName, "candle."),
			OpeningPrice: w.OpeningPrice,
			HighPrice:    w.HighPrice,
			LowPrice:     w.LowPrice,
			TradePrice:   w.TradePrice,
			AccVolume:    w.AccVolume,
			Timestamp:    time.UnixMilli(w.Timestamp),
		}
	case "myOrder":
		var w wsMyOrder
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("malformed myOrder: %w", err)
		}
		ev.Kind = models.EventMyOrder
		ev.StreamType = models.StreamType(w.StreamType)
		ev.MyOrder = &models.MyOrderEvent{
			Market:          w.Code,
			UUID:            w.UUID,
			Identifier:      w.Identifier,
			Side:            models.Side(strings.ToLower(w.AskBid)),
			OrderType:       models.OrderType(w.OrderType),
			State:           models.OrderState(w.State),
			TradeUUID:       w.TradeUUID,
			Price:           w.Price,
			AvgPrice:        w.AvgPrice,
			Volume:          w.Volume,
			ExecutedVolume:  w.ExecutedVolume,
			RemainingVolume: w.RemainingVolume,
			ExecutedFunds:   w.ExecutedFunds,
			ReservedFee:     w.ReservedFee,
			RemainingFee:    w.RemainingFee,
			PaidFee:         w.PaidFee,
			Locked:          w.Locked,
			TradesCount:     w.TradesCount,
			IsMaker:         w.IsMaker,
			TradeTimestamp:  time.UnixMilli(w.TradeTimestamp),
			OrderTimestamp:  time.UnixMilli(w.OrderTimestamp),
			Timestamp:       time.UnixMilli(w.Timestamp),
		}
	case "myAsset":
		var w wsMyAsset
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("malformed myAsset: %w", err)
		}
		ev.Kind = models.EventMyAsset
		ev.StreamType = models.StreamType(w.StreamType)
		asset := &models.MyAssetEvent{
			AssetUUID: w.AssetUUID,
			Timestamp: time.UnixMilli(w.AssetTimestamp),
		}
		for _, a := range w.Assets {
			asset.Assets = append(asset.Assets, models.Balance{
				Currency: a.Currency,
				Balance:  a.Balance,
				Locked:   a.Locked,
			})
		}
		ev.MyAsset = asset
	default:
		return nil, fmt.Errorf("unknown stream type %q", typeName)
	}

	return ev, nil
}

// expandKeys renames abbreviated keys to their full names, descending into
// nested objects and arrays. Unknown keys pass through unchanged.
func expandKeys(raw []byte, table map[string]string) ([]byte, error) {
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return json.Marshal(renameValue(value, table))
}

func renameValue(value interface{}, table map[string]string) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, inner := range v {
			if full, ok := table[key]; ok {
				key = full
			}
			out[key] = renameValue(inner, table)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, inner := range v {
			out[i] = renameValue(inner, table)
		}
		return out
	default:
		return value
	}
}
