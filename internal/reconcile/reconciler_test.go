package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"upbitflow/config"
	"upbitflow/models"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testReconciler() *Reconciler {
	return NewReconciler(config.ReconcilerConfig{
		Retention:    time.Minute,
		UpdateBuffer: 64,
	}, nil)
}

func placedOrder() *models.Order {
	return &models.Order{
		UUID:       "ord-1",
		Identifier: "client-1",
		Market:     "KRW-BTC",
		Side:       models.SideBid,
		Type:       models.OrderTypeLimit,
		Price:      d("50000000"),
		Volume:     d("0.1"),
		State:      models.OrderStateWait,
		CreatedAt:  time.Now(),
	}
}

func fillEvent(executed, remaining, tradeUUID string) models.MyOrderEvent {
	return models.MyOrderEvent{
		Market:          "KRW-BTC",
		UUID:            "ord-1",
		Side:            models.SideBid,
		OrderType:       models.OrderTypeLimit,
		State:           models.OrderStateTrade,
		TradeUUID:       tradeUUID,
		Price:           d("50000000"),
		Volume:          d("0.02"),
		ExecutedVolume:  d(executed),
		RemainingVolume: d(remaining),
		Timestamp:       time.Now(),
	}
}

func TestFillAccumulation(t *testing.T) {
	r := testReconciler()
	r.Track(placedOrder())

	r.Apply(fillEvent("0.02", "0.08", "trd-1"))
	r.Apply(fillEvent("0.04", "0.06", "trd-2"))

	order, ok := r.Get("ord-1")
	if !ok {
		t.Fatal("order not found")
	}
	if !order.ExecutedVolume.Equal(d("0.04")) {
		t.Errorf("expected executed 0.04, got %s", order.ExecutedVolume)
	}
	if len(order.Fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(order.Fills))
	}
	if order.Fills[1].Sequence != 2 {
		t.Errorf("fills must be sequenced, got %d", order.Fills[1].Sequence)
	}
	if order.State != models.OrderStateWait {
		t.Errorf("partial fill must keep the order open, state %s", order.State)
	}
}

func TestDuplicateFillIgnored(t *testing.T) {
	r := testReconciler()
	r.Track(placedOrder())

	r.Apply(fillEvent("0.02", "0.08", "trd-1"))
	r.Apply(fillEvent("0.02", "0.08", "trd-1"))

	order, _ := r.Get("ord-1")
	if len(order.Fills) != 1 {
		t.Fatalf("duplicate trade uuid must not add a fill, got %d", len(order.Fills))
	}
}

func TestExecutedVolumeNeverRegresses(t *testing.T) {
	r := testReconciler()
	r.Track(placedOrder())

	r.Apply(fillEvent("0.04", "0.06", "trd-2"))
	r.Apply(fillEvent("0.02", "0.08", "trd-1")) // delivered late

	order, _ := r.Get("ord-1")
	if !order.ExecutedVolume.Equal(d("0.04")) {
		t.Errorf("executed volume regressed to %s", order.ExecutedVolume)
	}
	if len(order.Fills) != 1 {
		t.Errorf("stale push must be discarded entirely, got %d fills", len(order.Fills))
	}
}

func TestTerminalStateLatches(t *testing.T) {
	r := testReconciler()
	r.Track(placedOrder())

	cancelEv := fillEvent("0.02", "0.08", "")
	cancelEv.State = models.OrderStateCancel
	r.Apply(cancelEv)

	late := fillEvent("0.02", "0.08", "")
	late.State = models.OrderStateWait
	r.Apply(late)

	order, _ := r.Get("ord-1")
	if order.State != models.OrderStateCancel {
		t.Errorf("terminal state was overwritten, state %s", order.State)
	}
}

func TestExhaustingFillClosesOrder(t *testing.T) {
	r := testReconciler()
	r.Track(placedOrder())

	r.Apply(fillEvent("0.1", "0", "trd-1"))

	order, _ := r.Get("ord-1")
	if order.State != models.OrderStateDone {
		t.Errorf("full fill must close the order, state %s", order.State)
	}
}

func TestSnapshotDoesNotRollBackStream(t *testing.T) {
	r := testReconciler()
	r.Track(placedOrder())
	r.Apply(fillEvent("0.04", "0.06", "trd-2"))

	stale := placedOrder()
	stale.ExecutedVolume = d("0.02")
	stale.RemainingVolume = d("0.08")
	r.ApplySnapshot([]*models.Order{stale})

	order, _ := r.Get("ord-1")
	if !order.ExecutedVolume.Equal(d("0.04")) {
		t.Errorf("snapshot rolled executed volume back to %s", order.ExecutedVolume)
	}
}

func TestSnapshotFillsDedupAgainstStream(t *testing.T) {
	r := testReconciler()
	r.Track(placedOrder())
	r.Apply(fillEvent("0.02", "0.08", "trd-1"))

	snap := placedOrder()
	snap.ExecutedVolume = d("0.02")
	snap.RemainingVolume = d("0.08")
	snap.Fills = []models.Fill{{
		TradeUUID: "trd-1",
		Price:     d("50000000"),
		Volume:    d("0.02"),
	}}
	r.ApplySnapshot([]*models.Order{snap})

	order, _ := r.Get("ord-1")
	if len(order.Fills) != 1 {
		t.Fatalf("snapshot repeated a known trade, got %d fills", len(order.Fills))
	}
}

func TestSnapshotRegistersUnknownOrder(t *testing.T) {
	r := testReconciler()

	snap := placedOrder()
	snap.UUID = "ord-9"
	snap.Identifier = ""
	r.ApplySnapshot([]*models.Order{snap})

	if _, ok := r.Get("ord-9"); !ok {
		t.Fatal("snapshot-only order must be tracked")
	}
}

func TestIdentifierResolvesAfterUUIDAssignment(t *testing.T) {
	r := testReconciler()

	pending := placedOrder()
	pending.UUID = ""
	r.Track(pending)

	ev := fillEvent("0", "0.1", "")
	ev.State = models.OrderStateWait
	ev.Identifier = "client-1"
	r.Apply(ev)

	byUUID, ok := r.Get("ord-1")
	if !ok {
		t.Fatal("order not reachable by uuid")
	}
	byIdent, ok := r.Get("client-1")
	if !ok {
		t.Fatal("order not reachable by identifier")
	}
	if byUUID.UUID != byIdent.UUID {
		t.Errorf("identifier and uuid resolve different orders")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := testReconciler()
	r.Track(placedOrder())
	r.Apply(fillEvent("0.02", "0.08", "trd-1"))

	order, _ := r.Get("ord-1")
	order.ExecutedVolume = d("99")
	order.Fills[0].TradeUUID = "mutated"

	fresh, _ := r.Get("ord-1")
	if !fresh.ExecutedVolume.Equal(d("0.02")) {
		t.Error("reader mutation leaked into the live view")
	}
	if fresh.Fills[0].TradeUUID != "trd-1" {
		t.Error("reader fill mutation leaked into the live view")
	}
}

func TestOpenExcludesTerminal(t *testing.T) {
	r := testReconciler()
	r.Track(placedOrder())

	done := placedOrder()
	done.UUID = "ord-2"
	done.Identifier = "client-2"
	done.State = models.OrderStateDone
	r.Track(done)

	open := r.Open()
	if len(open) != 1 || open[0].UUID != "ord-1" {
		t.Fatalf("unexpected open set %+v", open)
	}
}

func TestEvictionForgetsAndBlocksResurrection(t *testing.T) {
	r := testReconciler()
	r.cfg.Retention = time.Millisecond

	done := placedOrder()
	done.State = models.OrderStateDone
	done.UpdatedAt = time.Now().Add(-time.Second)
	r.Track(done)

	r.evictTerminal()
	if _, ok := r.Get("ord-1"); ok {
		t.Fatal("terminal order past retention must be evicted")
	}

	ghost := fillEvent("0.02", "0.08", "trd-1")
	r.Apply(ghost)
	if _, ok := r.Get("ord-1"); ok {
		t.Fatal("straggler push resurrected an evicted order")
	}
}

func TestUpdatesChannelDeliversChanges(t *testing.T) {
	r := testReconciler()
	r.Track(placedOrder())

	drained := 0
	for len(r.Updates()) > 0 {
		<-r.Updates()
		drained++
	}
	if drained == 0 {
		t.Fatal("tracking an order must notify listeners")
	}

	r.Apply(fillEvent("0.02", "0.08", "trd-1"))
	select {
	case order := <-r.Updates():
		if !order.ExecutedVolume.Equal(d("0.02")) {
			t.Errorf("notification carries stale view %s", order.ExecutedVolume)
		}
	default:
		t.Fatal("fill must notify listeners")
	}
}

func TestStartConsumesStreamEvents(t *testing.T) {
	events := make(chan models.StreamEvent, 4)
	r := NewReconciler(config.ReconcilerConfig{Retention: time.Minute, UpdateBuffer: 16}, events)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := r.Start(context.Background()); err == nil {
		t.Error("second start must fail")
	}

	ev := fillEvent("0.02", "0.08", "trd-1")
	events <- models.StreamEvent{Kind: models.EventMyOrder, MyOrder: &ev}

	deadline := time.After(2 * time.Second)
	for {
		if order, ok := r.Get("ord-1"); ok && order.ExecutedVolume.Equal(d("0.02")) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("stream event never applied")
		case <-time.After(5 * time.Millisecond):
		}
	}

	r.Stop()
	r.Stop() // idempotent
}
