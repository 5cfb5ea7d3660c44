package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceTier is one row of a market's tick table. Upper is ignored when
// Unbounded is set.
type PriceTier struct {
	Lower     decimal.Decimal `json:"lower"`
	Upper     decimal.Decimal `json:"upper"`
	Unbounded bool            `json:"unbounded"`
	TickSize  decimal.Decimal `json:"tick_size"`
}

// MarketRule holds the order constraints for one market: the tick table and
// the minimum notional order total. RefreshedAt drives the staleness check.
type MarketRule struct {
	Market      string          `json:"market"`
	Tiers       []PriceTier     `json:"tiers"`
	MinTotal    decimal.Decimal `json:"min_total"`
	MakerFee    decimal.Decimal `json:"maker_fee"`
	TakerFee    decimal.Decimal `json:"taker_fee"`
	RefreshedAt time.Time       `json:"refreshed_at"`
}

// TickSizeAt returns the tick size of the tier containing price. The tables
// the exchange publishes cover all non-negative prices, so the smallest tier
// is the fallback.
func (r *MarketRule) TickSizeAt(price decimal.Decimal) decimal.Decimal {
	for _, t := range r.Tiers {
		if price.GreaterThanOrEqual(t.Lower) && (t.Unbounded || price.LessThan(t.Upper)) {
			return t.TickSize
		}
	}
	if n := len(r.Tiers); n > 0 {
		return r.Tiers[n-1].TickSize
	}
	return decimal.Zero
}

// Balance is one currency row of the account snapshot.
type Balance struct {
	Currency     string          `json:"currency"`
	Balance      decimal.Decimal `json:"balance"`
	Locked       decimal.Decimal `json:"locked"`
	AvgBuyPrice  decimal.Decimal `json:"avg_buy_price"`
	UnitCurrency string          `json:"unit_currency"`
}

// Market is one entry of the tradable market listing.
type Market struct {
	Code        string `json:"market"`
	KoreanName  string `json:"korean_name"`
	EnglishName string `json:"english_name"`
	Warning     bool   `json:"-"`
}
