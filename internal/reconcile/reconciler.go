package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"upbitflow/config"
	"upbitflow/logger"
	"upbitflow/models"
)

// Reconciler holds the authoritative local view of order state. Stream pushes
// and REST snapshots are merged under one lock with two hard rules: executed
// volume never decreases and a terminal state is never left. Anything that
// would violate either rule is a stale message and is discarded.
type Reconciler struct {
	cfg    config.ReconcilerConfig
	events <-chan models.StreamEvent

	mu      sync.RWMutex
	orders  map[string]*models.Order
	aliases map[string]string
	seen    map[string]map[string]bool
	evicted map[string]time.Time

	updates chan *models.Order
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *logger.Entry
}

// NewReconciler builds a reconciler consuming private stream events.
func NewReconciler(cfg config.ReconcilerConfig, events <-chan models.StreamEvent) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		events:  events,
		orders:  make(map[string]*models.Order),
		aliases: make(map[string]string),
		seen:    make(map[string]map[string]bool),
		evicted: make(map[string]time.Time),
		updates: make(chan *models.Order, cfg.UpdateBuffer),
		log:     logger.GetLogger().WithComponent("reconciler"),
	}
}

// Updates delivers a deep copy of every order that changed.
func (r *Reconciler) Updates() <-chan *models.Order {
	return r.updates
}

// Start launches the event consumer and the retention sweeper.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reconciler already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.log.Info("starting order reconciler")
	r.wg.Add(1)
	go r.run()
	return nil
}

// Stop drains nothing: pending stream events simply stop being consumed.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	close(r.updates)
	r.log.Info("order reconciler stopped")
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	sweep := time.NewTicker(r.sweepInterval())
	defer sweep.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			if ev.Kind == models.EventMyOrder && ev.MyOrder != nil {
				r.Apply(*ev.MyOrder)
			}
		case <-sweep.C:
			r.evictTerminal()
		}
	}
}

func (r *Reconciler) sweepInterval() time.Duration {
	interval := r.cfg.Retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Track registers an order the engine just placed, before any stream event
// for it can arrive.
func (r *Reconciler) Track(order *models.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := order.Clone()
	r.upsert(cp)
	for _, fill := range cp.Fills {
		r.markTrade(cp, fill.TradeUUID)
	}
	r.notify(cp)
}

// Get resolves an order by exchange UUID or caller identifier. The returned
// order is a deep copy.
func (r *Reconciler) Get(ref string) (*models.Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order := r.lookup(ref)
	if order == nil {
		return nil, false
	}
	return order.Clone(), true
}

// Open returns deep copies of every non-terminal order.
func (r *Reconciler) Open() []*models.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var open []*models.Order
	for _, order := range r.orders {
		if !order.State.Terminal() {
			open = append(open, order.Clone())
		}
	}
	return open
}

// Apply merges one private order push into the local view.
func (r *Reconciler) Apply(ev models.MyOrderEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ev.UUID
	if key == "" {
		key = ev.Identifier
	}
	if key == "" {
		r.log.Warn("discarding order event without uuid or identifier")
		return
	}

	existing := r.lookup(key)
	if existing == nil && ev.Identifier != "" {
		// the placement was tracked by identifier before the exchange
		// assigned a uuid
		if prev := r.lookup(ev.Identifier); prev != nil && prev.UUID == "" && ev.UUID != "" {
			prev.UUID = ev.UUID
			r.upsert(prev)
			existing = prev
		}
	}
	if existing == nil {
		if _, gone := r.evicted[key]; gone {
			return
		}
		existing = &models.Order{
			UUID:       ev.UUID,
			Identifier: ev.Identifier,
			Market:     ev.Market,
			Side:       ev.Side,
			Type:       ev.OrderType,
			Price:      ev.Price,
			Volume:     ev.Volume,
			State:      models.OrderStateWait,
			CreatedAt:  ev.OrderTimestamp,
		}
		r.upsert(existing)
	}

	if existing.State.Terminal() && !ev.State.Terminal() {
		r.log.WithFields(logger.Fields{"order": key, "state": ev.State}).
			Debug("discarding push behind terminal state")
		return
	}
	if ev.ExecutedVolume.LessThan(existing.ExecutedVolume) {
		r.log.WithField("order", key).Debug("discarding push with regressed executed volume")
		return
	}

	if ev.State == models.OrderStateTrade && ev.TradeUUID != "" {
		r.recordFill(existing, ev)
	}

	existing.ExecutedVolume = ev.ExecutedVolume
	existing.RemainingVolume = ev.RemainingVolume
	existing.ExecutedFunds = ev.ExecutedFunds
	existing.AvgPrice = ev.AvgPrice
	existing.ReservedFee = ev.ReservedFee
	existing.RemainingFee = ev.RemainingFee
	existing.PaidFee = ev.PaidFee
	existing.Locked = ev.Locked
	if ev.TradesCount > existing.TradesCount {
		existing.TradesCount = ev.TradesCount
	}
	existing.State = lifecycleState(existing.State, ev)
	existing.UpdatedAt = ev.Timestamp
	if ev.UUID != "" && existing.UUID == "" {
		existing.UUID = ev.UUID
		r.upsert(existing)
	}

	logger.IncrementOrderTransition()
	r.notify(existing)
}

// ApplySnapshot merges a REST order snapshot, fill list included. The same
// staleness rules apply: a snapshot read before a push landed must not roll
// the view back.
func (r *Reconciler) ApplySnapshot(orders []*models.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, snap := range orders {
		existing := r.lookup(snap.Key())
		if existing == nil {
			if _, gone := r.evicted[snap.Key()]; gone {
				continue
			}
			cp := snap.Clone()
			r.upsert(cp)
			for _, fill := range cp.Fills {
				r.markTrade(cp, fill.TradeUUID)
			}
			r.notify(cp)
			continue
		}
		if existing.State.Terminal() && !snap.State.Terminal() {
			continue
		}
		if snap.ExecutedVolume.LessThan(existing.ExecutedVolume) {
			continue
		}

		for _, fill := range snap.Fills {
			if !r.seenTrade(existing, fill.TradeUUID) {
				fill.Sequence = int64(len(existing.Fills) + 1)
				existing.Fills = append(existing.Fills, fill)
				r.markTrade(existing, fill.TradeUUID)
			}
		}

		existing.State = snap.State
		existing.ExecutedVolume = snap.ExecutedVolume
		existing.RemainingVolume = snap.RemainingVolume
		existing.ExecutedFunds = snap.ExecutedFunds
		existing.AvgPrice = snap.AvgPrice
		existing.ReservedFee = snap.ReservedFee
		existing.RemainingFee = snap.RemainingFee
		existing.PaidFee = snap.PaidFee
		existing.Locked = snap.Locked
		if snap.TradesCount > existing.TradesCount {
			existing.TradesCount = snap.TradesCount
		}
		if snap.UUID != "" && existing.UUID == "" {
			existing.UUID = snap.UUID
			r.upsert(existing)
		}
		existing.UpdatedAt = time.Now()
		r.notify(existing)
	}
}

func (r *Reconciler) recordFill(order *models.Order, ev models.MyOrderEvent) {
	if r.seenTrade(order, ev.TradeUUID) {
		return
	}
	funds := ev.Price.Mul(ev.Volume)
	order.Fills = append(order.Fills, models.Fill{
		TradeUUID: ev.TradeUUID,
		Price:     ev.Price,
		Volume:    ev.Volume,
		Funds:     funds,
		IsMaker:   ev.IsMaker,
		Sequence:  int64(len(order.Fills) + 1),
		TradedAt:  ev.TradeTimestamp,
	})
	r.markTrade(order, ev.TradeUUID)
}

func (r *Reconciler) seenTrade(order *models.Order, tradeUUID string) bool {
	if tradeUUID == "" {
		return true
	}
	return r.seen[order.Key()][tradeUUID]
}

func (r *Reconciler) markTrade(order *models.Order, tradeUUID string) {
	key := order.Key()
	if r.seen[key] == nil {
		r.seen[key] = make(map[string]bool)
	}
	r.seen[key][tradeUUID] = true
}

// lookup resolves a reference through the identifier alias table. Callers
// hold r.mu.
func (r *Reconciler) lookup(ref string) *models.Order {
	if order, ok := r.orders[ref]; ok {
		return order
	}
	if uuid, ok := r.aliases[ref]; ok {
		return r.orders[uuid]
	}
	return nil
}

// upsert indexes the order under its canonical key and re-keys an
// identifier-only entry once the exchange UUID is known. Callers hold r.mu.
func (r *Reconciler) upsert(order *models.Order) {
	if order.UUID != "" && order.Identifier != "" {
		if prev, ok := r.orders[order.Identifier]; ok && prev.UUID == "" {
			delete(r.orders, order.Identifier)
			if fills := r.seen[order.Identifier]; fills != nil {
				r.seen[order.UUID] = fills
				delete(r.seen, order.Identifier)
			}
		}
		r.aliases[order.Identifier] = order.UUID
	}
	r.orders[order.Key()] = order
}

func (r *Reconciler) notify(order *models.Order) {
	select {
	case r.updates <- order.Clone():
	default:
		r.log.WithField("order", order.Key()).Warn("update listener too slow, dropping notification")
	}
}

// evictTerminal drops terminal orders past the retention window and remembers
// their keys so a straggler push cannot resurrect them.
func (r *Reconciler) evictTerminal() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.cfg.Retention)
	for key, order := range r.orders {
		if !order.State.Terminal() || order.UpdatedAt.After(cutoff) {
			continue
		}
		now := time.Now()
		delete(r.orders, key)
		delete(r.seen, key)
		r.evicted[key] = now
		if order.Identifier != "" {
			delete(r.aliases, order.Identifier)
			r.evicted[order.Identifier] = now
		}
	}
	for key, at := range r.evicted {
		if at.Before(cutoff) {
			delete(r.evicted, key)
		}
	}
}

// lifecycleState maps a push onto the order lifecycle. A trade push is a fill
// notification, not a lifecycle state: the order stays where it was unless
// the fill exhausted it.
func lifecycleState(current models.OrderState, ev models.MyOrderEvent) models.OrderState {
	if ev.State != models.OrderStateTrade {
		return ev.State
	}
	if ev.RemainingVolume.IsZero() {
		return models.OrderStateDone
	}
	return current
}
