package stream

import (
	"encoding/json"
	"testing"

	"upbitflow/models"
)

func TestDecodeTickerDefault(t *testing.T) {
	raw := []byte(`{"type":"ticker","code":"KRW-BTC","trade_price":50000000,` +
		`"opening_price":49000000,"high_price":51000000,"low_price":48500000,` +
		`"prev_closing_price":49500000,"signed_change_rate":0.0101,` +
		`"acc_trade_price_24h":1.5e11,"acc_trade_volume_24h":3000.5,` +
		`"timestamp":1720000000000,"stream_type":"SNAPSHOT"}`)

	ev, err := decodeEvent(raw, FormatDefault)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ev.Kind != models.EventTicker {
		t.Fatalf("expected ticker event, got %s", ev.Kind)
	}
	if ev.StreamType != models.StreamSnapshot {
		t.Errorf("expected SNAPSHOT, got %s", ev.StreamType)
	}
	if ev.Ticker.Market != "KRW-BTC" {
		t.Errorf("unexpected market %s", ev.Ticker.Market)
	}
	if ev.Ticker.TradePrice.String() != "50000000" {
		t.Errorf("unexpected trade price %s", ev.Ticker.TradePrice)
	}
	if ev.Ticker.Timestamp.UnixMilli() != 1720000000000 {
		t.Errorf("unexpected timestamp %v", ev.Ticker.Timestamp)
	}
}

func TestDecodeTradeSimple(t *testing.T) {
	raw := []byte(`{"ty":"trade","cd":"KRW-ETH","tp":4000000,"tv":"0.25",` +
		`"ab":"BID","sid":17200001,"ttms":1720000000100,"tms":1720000000150,` +
		`"st":"REALTIME"}`)

	ev, err := decodeEvent(raw, FormatSimple)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ev.Kind != models.EventTrade {
		t.Fatalf("expected trade event, got %s", ev.Kind)
	}
	if ev.Trade.Market != "KRW-ETH" {
		t.Errorf("unexpected market %s", ev.Trade.Market)
	}
	if ev.Trade.Side != models.SideBid {
		t.Errorf("unexpected side %s", ev.Trade.Side)
	}
	if ev.Trade.Volume.String() != "0.25" {
		t.Errorf("unexpected volume %s", ev.Trade.Volume)
	}
	if ev.Trade.SequentialID != 17200001 {
		t.Errorf("unexpected sequential id %d", ev.Trade.SequentialID)
	}
}

func TestDecodeOrderbookSimpleNestedUnits(t *testing.T) {
	raw := []byte(`{"ty":"orderbook","cd":"KRW-BTC","tas":"1.2","tbs":"0.8",` +
		`"obu":[{"ap":50001000,"bp":50000000,"as":"0.5","bs":"0.3"}],` +
		`"tms":1720000000000,"st":"REALTIME"}`)

	ev, err := decodeEvent(raw, FormatSimple)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(ev.Orderbook.Units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(ev.Orderbook.Units))
	}
	unit := ev.Orderbook.Units[0]
	if unit.AskPrice.String() != "50001000" || unit.BidPrice.String() != "50000000" {
		t.Errorf("unexpected unit prices %s/%s", unit.AskPrice, unit.BidPrice)
	}
}

func TestDecodeMyOrderFill(t *testing.T) {
	raw := []byte(`{"type":"myOrder","code":"KRW-BTC","uuid":"ord-1",` +
		`"ask_bid":"ASK","order_type":"limit","state":"trade",` +
		`"trade_uuid":"trd-9","price":"50000000","volume":"0.1",` +
		`"executed_volume":"0.04","remaining_volume":"0.06",` +
		`"executed_funds":"2000000","trades_count":2,"is_maker":true,` +
		`"trade_timestamp":1720000000100,"order_timestamp":1720000000000,` +
		`"timestamp":1720000000150,"stream_type":"REALTIME"}`)

	ev, err := decodeEvent(raw, FormatDefault)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ev.Kind != models.EventMyOrder {
		t.Fatalf("expected myOrder event, got %s", ev.Kind)
	}
	o := ev.MyOrder
	if o.TradeUUID != "trd-9" {
		t.Errorf("unexpected trade uuid %s", o.TradeUUID)
	}
	if o.Side != models.SideAsk || o.State != models.OrderStateTrade {
		t.Errorf("unexpected side/state %s/%s", o.Side, o.State)
	}
	if !o.IsMaker || o.TradesCount != 2 {
		t.Errorf("unexpected maker/count %v/%d", o.IsMaker, o.TradesCount)
	}
	if o.ExecutedVolume.String() != "0.04" {
		t.Errorf("unexpected executed volume %s", o.ExecutedVolume)
	}
}

func TestDecodeCandleUnitFromType(t *testing.T) {
	raw := []byte(`{"type":"candle.5m","code":"KRW-BTC","opening_price":100,` +
		`"high_price":110,"low_price":95,"trade_price":105,` +
		`"candle_acc_trade_volume":"12.5","timestamp":1720000000000,` +
		`"stream_type":"REALTIME"}`)

	ev, err := decodeEvent(raw, FormatDefault)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ev.Kind != models.EventCandle {
		t.Fatalf("expected candle event, got %s", ev.Kind)
	}
	if ev.Candle.Unit != "5m" {
		t.Errorf("unexpected unit %s", ev.Candle.Unit)
	}
}

func TestDecodeErrorFrame(t *testing.T) {
	raw := []byte(`{"error":{"name":"WRONG_FORMAT","message":"invalid request"}}`)

	ev, err := decodeEvent(raw, FormatDefault)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ev.Kind != models.EventError {
		t.Fatalf("expected error event, got %s", ev.Kind)
	}
	if ev.Err == nil {
		t.Fatal("expected error payload")
	}
}

func TestDecodeKeepaliveAck(t *testing.T) {
	ev, err := decodeEvent([]byte(`{"status":"UP"}`), FormatDefault)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected keepalive ack to yield no event, got %+v", ev)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	if _, err := decodeEvent([]byte(`{"type":"mystery"}`), FormatDefault); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestFrameShape(t *testing.T) {
	set := newSubscriptionSet()
	set.add(Subscription{Type: models.DataTypeTicker, Codes: []string{"KRW-BTC", "KRW-ETH"}})
	set.add(Subscription{Type: models.DataTypeOrderbook, Codes: []string{"KRW-BTC"}, OnlyRealtime: true})

	raw, err := set.frame("t-1", FormatSimple)
	if err != nil {
		t.Fatalf("frame failed: %v", err)
	}

	var parts []map[string]interface{}
	if err := json.Unmarshal(raw, &parts); err != nil {
		t.Fatalf("frame is not a JSON array: %v", err)
	}
	if len(parts) != 4 {
		t.Fatalf("expected 4 frame parts, got %d", len(parts))
	}
	if parts[0]["ticket"] != "t-1" {
		t.Errorf("first part must carry the ticket, got %v", parts[0])
	}
	if parts[len(parts)-1]["format"] != "SIMPLE" {
		t.Errorf("last part must carry the format, got %v", parts[len(parts)-1])
	}
	if parts[1]["type"] != "orderbook" || parts[2]["type"] != "ticker" {
		t.Errorf("type parts not ordered: %v %v", parts[1], parts[2])
	}
	if parts[1]["is_only_realtime"] != true {
		t.Errorf("expected realtime flag on orderbook part, got %v", parts[1])
	}
	if _, ok := parts[2]["is_only_snapshot"]; ok {
		t.Errorf("unset flags must be omitted: %v", parts[2])
	}
}
