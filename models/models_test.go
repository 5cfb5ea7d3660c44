package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestOrderKeyPrefersUUID(t *testing.T) {
	o := &Order{UUID: "ord-1", Identifier: "client-1"}
	if o.Key() != "ord-1" {
		t.Errorf("expected uuid key, got %s", o.Key())
	}
	o.UUID = ""
	if o.Key() != "client-1" {
		t.Errorf("expected identifier key, got %s", o.Key())
	}
}

func TestOrderCloneIsDeep(t *testing.T) {
	o := &Order{
		UUID:  "ord-1",
		Fills: []Fill{{TradeUUID: "trd-1", Volume: decimal.RequireFromString("0.1")}},
	}
	cp := o.Clone()
	cp.Fills[0].TradeUUID = "mutated"
	if o.Fills[0].TradeUUID != "trd-1" {
		t.Error("clone shares the fills slice")
	}
}

func TestTerminalStates(t *testing.T) {
	for state, terminal := range map[OrderState]bool{
		OrderStateWait:   false,
		OrderStateWatch:  false,
		OrderStateTrade:  false,
		OrderStateDone:   true,
		OrderStateCancel: true,
	} {
		if state.Terminal() != terminal {
			t.Errorf("state %s terminal=%v, want %v", state, state.Terminal(), terminal)
		}
	}
}

func TestTickSizeAt(t *testing.T) {
	rule := &MarketRule{
		Market: "KRW-BTC",
		Tiers: []PriceTier{
			{Lower: decimal.RequireFromString("2000000"), Unbounded: true, TickSize: decimal.RequireFromString("1000")},
			{Lower: decimal.RequireFromString("1000000"), Upper: decimal.RequireFromString("2000000"), TickSize: decimal.RequireFromString("500")},
			{Lower: decimal.Zero, Upper: decimal.RequireFromString("1000000"), TickSize: decimal.RequireFromString("100")},
		},
		RefreshedAt: time.Now(),
	}

	cases := []struct {
		price, tick string
	}{
		{"50000000", "1000"},
		{"2000000", "1000"},
		{"1500000", "500"},
		{"999999", "100"},
	}
	for _, tc := range cases {
		got := rule.TickSizeAt(decimal.RequireFromString(tc.price))
		if got.String() != tc.tick {
			t.Errorf("tick at %s = %s, want %s", tc.price, got, tc.tick)
		}
	}
}

func TestCandleType(t *testing.T) {
	if CandleType("1m") != DataType("candle.1m") {
		t.Errorf("unexpected candle type %s", CandleType("1m"))
	}
}
