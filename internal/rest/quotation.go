package rest

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"upbitflow/internal/auth"
	"upbitflow/internal/ratelimit"
	"upbitflow/models"
)

// marketInfo is the wire shape of one market listing entry.
type marketInfo struct {
	Market      string `json:"market"`
	KoreanName  string `json:"korean_name"`
	EnglishName string `json:"english_name"`
	MarketEvent struct {
		Warning bool `json:"warning"`
	} `json:"market_event"`
}

// Candle is one OHLCV row from the candle endpoints.
type Candle struct {
	Market       string          `json:"market"`
	DateTimeUTC  string          `json:"candle_date_time_utc"`
	DateTimeKST  string          `json:"candle_date_time_kst"`
	OpeningPrice decimal.Decimal `json:"opening_price"`
	HighPrice    decimal.Decimal `json:"high_price"`
	LowPrice     decimal.Decimal `json:"low_price"`
	TradePrice   decimal.Decimal `json:"trade_price"`
	AccPrice     decimal.Decimal `json:"candle_acc_trade_price"`
	AccVolume    decimal.Decimal `json:"candle_acc_trade_volume"`
	Timestamp    int64           `json:"timestamp"`
	Unit         int             `json:"unit,omitempty"`
}

// Ticker is the current price summary for one market.
type Ticker struct {
	Market            string          `json:"market"`
	TradePrice        decimal.Decimal `json:"trade_price"`
	OpeningPrice      decimal.Decimal `json:"opening_price"`
	HighPrice         decimal.Decimal `json:"high_price"`
	LowPrice          decimal.Decimal `json:"low_price"`
	PrevClosingPrice  decimal.Decimal `json:"prev_closing_price"`
	SignedChangeRate  decimal.Decimal `json:"signed_change_rate"`
	AccTradePrice24h  decimal.Decimal `json:"acc_trade_price_24h"`
	AccTradeVolume24h decimal.Decimal `json:"acc_trade_volume_24h"`
	Timestamp         int64           `json:"timestamp"`
}

// OrderbookSnapshot is the REST orderbook for one market.
type OrderbookSnapshot struct {
	Market       string          `json:"market"`
	Timestamp    int64           `json:"timestamp"`
	TotalAskSize decimal.Decimal `json:"total_ask_size"`
	TotalBidSize decimal.Decimal `json:"total_bid_size"`
	Units        []struct {
		AskPrice decimal.Decimal `json:"ask_price"`
		BidPrice decimal.Decimal `json:"bid_price"`
		AskSize  decimal.Decimal `json:"ask_size"`
		BidSize  decimal.Decimal `json:"bid_size"`
	} `json:"orderbook_units"`
	Level decimal.Decimal `json:"level"`
}

// SupportedLevel is one row of the orderbook policy listing: the price
// grouping levels a market's orderbook can be queried at.
type SupportedLevel struct {
	Market          string            `json:"market"`
	SupportedLevels []decimal.Decimal `json:"supported_levels"`
}

// TradeTick is one public trade from the trade history endpoint.
type TradeTick struct {
	Market           string          `json:"market"`
	TradePrice       decimal.Decimal `json:"trade_price"`
	TradeVolume      decimal.Decimal `json:"trade_volume"`
	AskBid           string          `json:"ask_bid"`
	Timestamp        int64           `json:"timestamp"`
	SequentialID     int64           `json:"sequential_id"`
	PrevClosingPrice decimal.Decimal `json:"prev_closing_price"`
}

// Markets lists all tradable markets.
func (c *Client) Markets(ctx context.Context) ([]models.Market, error) {
	var raw []marketInfo
	err := c.do(ctx, request{
		method: "GET",
		path:   "/market/all",
		class:  ratelimit.Quotation,
		params: []auth.Param{{Key: "is_details", Value: "true"}},
	}, &raw)
	if err != nil {
		return nil, err
	}

	markets := make([]models.Market, 0, len(raw))
	for _, m := range raw {
		markets = append(markets, models.Market{
			Code:        m.Market,
			KoreanName:  m.KoreanName,
			EnglishName: m.EnglishName,
			Warning:     m.MarketEvent.Warning,
		})
	}
	return markets, nil
}

// CandlesMinutes fetches up to count minute candles for the given unit
// (1, 3, 5, 10, 15, 30, 60, 240). to is an optional exclusive upper bound
// timestamp in the exchange's string format.
func (c *Client) CandlesMinutes(ctx context.Context, market string, unit, count int, to string) ([]Candle, error) {
	params := []auth.Param{
		{Key: "market", Value: market},
		{Key: "count", Value: strconv.Itoa(count)},
	}
	if to != "" {
		params = append(params, auth.Param{Key: "to", Value: to})
	}

	var candles []Candle
	err := c.do(ctx, request{
		method: "GET",
		path:   fmt.Sprintf("/candles/minutes/%d", unit),
		class:  ratelimit.Quotation,
		params: params,
	}, &candles)
	return candles, err
}

// CandlesSeconds fetches second candles. The endpoint has no unit parameter.
func (c *Client) CandlesSeconds(ctx context.Context, market string, count int, to string) ([]Candle, error) {
	params := []auth.Param{
		{Key: "market", Value: market},
		{Key: "count", Value: strconv.Itoa(count)},
	}
	if to != "" {
		params = append(params, auth.Param{Key: "to", Value: to})
	}

	var candles []Candle
	err := c.do(ctx, request{
		method: "GET",
		path:   "/candles/seconds",
		class:  ratelimit.Quotation,
		params: params,
	}, &candles)
	return candles, err
}

// CandlesDays fetches daily candles.
func (c *Client) CandlesDays(ctx context.Context, market string, count int) ([]Candle, error) {
	return c.candlesPeriod(ctx, "/candles/days", market, count)
}

// CandlesWeeks fetches weekly candles.
func (c *Client) CandlesWeeks(ctx context.Context, market string, count int) ([]Candle, error) {
	return c.candlesPeriod(ctx, "/candles/weeks", market, count)
}

// CandlesMonths fetches monthly candles.
func (c *Client) CandlesMonths(ctx context.Context, market string, count int) ([]Candle, error) {
	return c.candlesPeriod(ctx, "/candles/months", market, count)
}

func (c *Client) candlesPeriod(ctx context.Context, path, market string, count int) ([]Candle, error) {
	var candles []Candle
	err := c.do(ctx, request{
		method: "GET",
		path:   path,
		class:  ratelimit.Quotation,
		params: []auth.Param{
			{Key: "market", Value: market},
			{Key: "count", Value: strconv.Itoa(count)},
		},
	}, &candles)
	return candles, err
}

// Tickers fetches the current price summary for the given markets.
func (c *Client) Tickers(ctx context.Context, markets []string) ([]Ticker, error) {
	var tickers []Ticker
	err := c.do(ctx, request{
		method: "GET",
		path:   "/ticker",
		class:  ratelimit.Quotation,
		params: []auth.Param{{Key: "markets", Value: strings.Join(markets, ",")}},
	}, &tickers)
	return tickers, err
}

// Orderbooks fetches orderbook snapshots for the given markets.
func (c *Client) Orderbooks(ctx context.Context, markets []string) ([]OrderbookSnapshot, error) {
	var books []OrderbookSnapshot
	err := c.do(ctx, request{
		method: "GET",
		path:   "/orderbook",
		class:  ratelimit.Quotation,
		params: []auth.Param{{Key: "markets", Value: strings.Join(markets, ",")}},
	}, &books)
	return books, err
}

// SupportedLevels fetches the orderbook grouping policy for the given
// markets.
func (c *Client) SupportedLevels(ctx context.Context, markets []string) ([]SupportedLevel, error) {
	var levels []SupportedLevel
	err := c.do(ctx, request{
		method: "GET",
		path:   "/orderbook/supported_levels",
		class:  ratelimit.Quotation,
		params: []auth.Param{{Key: "markets", Value: strings.Join(markets, ",")}},
	}, &levels)
	return levels, err
}

// TradesTicks fetches the most recent public trades for a market.
func (c *Client) TradesTicks(ctx context.Context, market string, count int) ([]TradeTick, error) {
	var ticks []TradeTick
	err := c.do(ctx, request{
		method: "GET",
		path:   "/trades/ticks",
		class:  ratelimit.Quotation,
		params: []auth.Param{
			{Key: "market", Value: market},
			{Key: "count", Value: strconv.Itoa(count)},
		},
	}, &ticks)
	return ticks, err
}
