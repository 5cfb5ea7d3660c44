package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"upbitflow/config"
	"upbitflow/internal/auth"
	"upbitflow/internal/ratelimit"
	"upbitflow/internal/reconcile"
	"upbitflow/internal/rest"
	"upbitflow/internal/rules"
	"upbitflow/internal/stream"
	"upbitflow/logger"
	"upbitflow/models"
)

// Engine wires the signer, rate governor, REST client, rule cache, stream
// sessions and order reconciler into one order-lifecycle surface. Callers
// submit through the engine and observe state through the reconciler's
// updates and the public market-data feed.
type Engine struct {
	cfg        *config.Config
	signer     *auth.Signer
	rest       *rest.Client
	rules      *rules.Cache
	public     *stream.Session
	private    *stream.Session
	reconciler *reconcile.Reconciler

	orderEvents chan models.StreamEvent

	mu       sync.RWMutex
	running  bool
	balances map[string]models.Balance

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Entry
}

// New assembles the engine. Credentials come from the environment, never
// from the config file.
func New(cfg *config.Config) (*Engine, error) {
	accessKey, secretKey, err := config.Credentials()
	if err != nil {
		return nil, err
	}

	signer := auth.NewSigner(accessKey, secretKey)
	governor := ratelimit.NewGovernor(cfg.RateLimit)
	client := rest.NewClient(cfg, signer, governor)
	ruleCache := rules.NewCache(cfg.Rules, client, cfg.Engine.Markets)
	client.SetValidator(ruleCache)

	orderEvents := make(chan models.StreamEvent, cfg.Stream.EventBuffer)

	return &Engine{
		cfg:         cfg,
		signer:      signer,
		rest:        client,
		rules:       ruleCache,
		public:      stream.NewPublicSession(cfg.Stream),
		private:     stream.NewPrivateSession(cfg.Stream, signer),
		reconciler:  reconcile.NewReconciler(cfg.Reconciler, orderEvents),
		orderEvents: orderEvents,
		balances:    make(map[string]models.Balance),
		log:         logger.GetLogger().WithComponent("engine"),
	}, nil
}

// Updates delivers every order change the reconciler observes.
func (e *Engine) Updates() <-chan *models.Order {
	return e.reconciler.Updates()
}

// MarketEvents is the public market-data feed.
func (e *Engine) MarketEvents() <-chan models.StreamEvent {
	return e.public.Events()
}

// Rest exposes the signed REST client for the quotation and account surface.
func (e *Engine) Rest() *rest.Client {
	return e.rest
}

// Rules exposes the market rule cache.
func (e *Engine) Rules() *rules.Cache {
	return e.rules
}

// Start brings all components up: rule cache, reconciler, both stream
// sessions and the initial order/balance sync.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.log.Info("starting engine")

	if err := e.rules.Start(e.ctx); err != nil {
		return err
	}
	if err := e.reconciler.Start(e.ctx); err != nil {
		return err
	}

	if err := e.private.Subscribe(
		stream.Subscription{Type: models.DataTypeMyOrder},
		stream.Subscription{Type: models.DataTypeMyAsset},
	); err != nil {
		return err
	}
	if err := e.private.Start(e.ctx); err != nil {
		return err
	}

	if err := e.public.Subscribe(e.marketSubscriptions()...); err != nil {
		return err
	}
	if err := e.public.Start(e.ctx); err != nil {
		return err
	}

	e.wg.Add(2)
	go e.fanOut()
	go e.watchResync()

	if err := e.seedBalances(e.ctx); err != nil {
		e.log.WithError(err).Warn("initial balance fetch failed")
	}
	if err := e.Resync(e.ctx); err != nil {
		e.log.WithError(err).Warn("initial order sync failed")
	}

	e.log.Info("engine started")
	return nil
}

// Stop shuts everything down and wipes the credential material.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.log.Info("stopping engine")
	e.cancel()
	e.public.Stop()
	e.private.Stop()
	e.wg.Wait()
	e.reconciler.Stop()
	e.rules.Stop()
	e.signer.Wipe()
	e.log.Info("engine stopped")
}

// NewIdentifier mints a caller identifier for order tracking.
func NewIdentifier() string {
	return "uf-" + uuid.NewString()
}

// Submit places an order. A missing identifier is filled in so the order is
// traceable even when the placement outcome is indeterminate, and limit
// prices are snapped to the market's tick table toward the caller's favor.
func (e *Engine) Submit(ctx context.Context, req rest.OrderRequest) (*models.Order, error) {
	if req.Identifier == "" {
		req.Identifier = NewIdentifier()
	}
	if err := e.quantize(&req); err != nil {
		return nil, err
	}

	order, err := e.rest.PlaceOrder(ctx, req)
	if err != nil {
		if rest.KindOf(err) == rest.KindIndeterminate {
			// The exchange may have accepted the order; track it by
			// identifier so the next sync can resolve it either way.
			e.reconciler.Track(pendingOrder(req))
		}
		return nil, err
	}

	e.reconciler.Track(order)
	return order, nil
}

// TestSubmit runs the full pre-flight for req without placing anything.
func (e *Engine) TestSubmit(ctx context.Context, req rest.OrderRequest) error {
	if err := e.quantize(&req); err != nil {
		return err
	}
	return e.rest.TestPlaceOrder(ctx, req)
}

// Cancel requests cancellation of the order ref resolves to.
func (e *Engine) Cancel(ctx context.Context, ref string) (*models.Order, error) {
	uuidArg, identArg := e.resolve(ref)
	order, err := e.rest.CancelOrder(ctx, uuidArg, identArg)
	if err != nil {
		return nil, err
	}
	e.reconciler.ApplySnapshot([]*models.Order{order})
	return order, nil
}

// CancelAll cancels every open order on the given side and markets.
func (e *Engine) CancelAll(ctx context.Context, side models.Side, markets []string) error {
	return e.rest.CancelAllOrders(ctx, side, markets)
}

// CancelAndReplace atomically swaps the order ref resolves to for a new one.
func (e *Engine) CancelAndReplace(ctx context.Context, ref string, req rest.OrderRequest) (*rest.CancelAndNewResult, error) {
	if req.Identifier == "" {
		req.Identifier = NewIdentifier()
	}
	if err := e.quantize(&req); err != nil {
		return nil, err
	}

	uuidArg, identArg := e.resolve(ref)
	result, err := e.rest.CancelAndReplace(ctx, uuidArg, identArg, req)
	if err != nil {
		if rest.KindOf(err) == rest.KindIndeterminate {
			e.reconciler.Track(pendingOrder(req))
		}
		return nil, err
	}

	pending := pendingOrder(req)
	pending.UUID = result.NewOrderUUID
	e.reconciler.Track(pending)
	return result, nil
}

// Order resolves one order, local view first, exchange second.
func (e *Engine) Order(ctx context.Context, ref string) (*models.Order, error) {
	if order, ok := e.reconciler.Get(ref); ok {
		return order, nil
	}

	order, err := e.rest.GetOrder(ctx, ref, "")
	if rest.KindOf(err) == rest.KindNotFound {
		order, err = e.rest.GetOrder(ctx, "", ref)
	}
	if err != nil {
		return nil, err
	}
	e.reconciler.ApplySnapshot([]*models.Order{order})
	return order, nil
}

// OpenOrders is the local non-terminal order set.
func (e *Engine) OpenOrders() []*models.Order {
	return e.reconciler.Open()
}

// Balances is the local asset view, seeded over REST and kept fresh by the
// private stream.
func (e *Engine) Balances() []models.Balance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.Balance, 0, len(e.balances))
	for _, b := range e.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// SubscribeMarketData extends the public stream set while connected.
func (e *Engine) SubscribeMarketData(subs ...stream.Subscription) error {
	return e.public.Subscribe(subs...)
}

// UnsubscribeMarketData drops public stream types.
func (e *Engine) UnsubscribeMarketData(types ...models.DataType) error {
	return e.public.Unsubscribe(types...)
}

// Resync repairs drift: the REST open-order snapshot is merged in, and local
// open orders the snapshot no longer lists are refetched one by one.
func (e *Engine) Resync(ctx context.Context) error {
	seen := make(map[string]bool)
	for _, market := range e.cfg.Engine.Markets {
		orders, err := e.rest.OpenOrders(ctx, market)
		if err != nil {
			return err
		}
		for _, o := range orders {
			seen[o.Key()] = true
		}
		e.reconciler.ApplySnapshot(orders)
	}

	for _, stale := range e.reconciler.Open() {
		if seen[stale.Key()] {
			continue
		}
		fresh, err := e.rest.GetOrder(ctx, stale.UUID, stale.Identifier)
		if err != nil {
			if rest.KindOf(err) == rest.KindNotFound {
				continue
			}
			return err
		}
		e.reconciler.ApplySnapshot([]*models.Order{fresh})
	}
	return nil
}

// marketSubscriptions builds the public stream set for the configured
// markets: ticker, trade and orderbook always, plus any configured candle
// units.
func (e *Engine) marketSubscriptions() []stream.Subscription {
	markets := e.cfg.Engine.Markets
	if len(markets) == 0 {
		return nil
	}
	subs := []stream.Subscription{
		{Type: models.DataTypeTicker, Codes: markets},
		{Type: models.DataTypeTrade, Codes: markets},
		{Type: models.DataTypeOrderbook, Codes: markets},
	}
	for _, unit := range e.cfg.Engine.CandleUnits {
		subs = append(subs, stream.Subscription{
			Type:  models.CandleType(unit),
			Codes: markets,
		})
	}
	return subs
}

// quantize snaps a limit price onto the market tick table, down for bids and
// up for asks, so the venue never rejects the price and never fills worse
// than asked.
func (e *Engine) quantize(req *rest.OrderRequest) error {
	if req.Type != models.OrderTypeLimit || req.Price.IsZero() {
		return nil
	}
	mode := rules.RoundDown
	if req.Side == models.SideAsk {
		mode = rules.RoundUp
	}
	price, err := e.rules.QuantizePrice(req.Market, req.Price, mode)
	if err != nil {
		return err
	}
	req.Price = price
	return nil
}

// resolve maps a caller reference onto the uuid/identifier pair the REST
// surface wants, preferring the exchange uuid when the local view knows it.
func (e *Engine) resolve(ref string) (uuid, identifier string) {
	if order, ok := e.reconciler.Get(ref); ok {
		if order.UUID != "" {
			return order.UUID, ""
		}
		return "", order.Identifier
	}
	return ref, ""
}

func pendingOrder(req rest.OrderRequest) *models.Order {
	return &models.Order{
		Identifier: req.Identifier,
		Market:     req.Market,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		Volume:     req.Volume,
		State:      models.OrderStateWait,
		CreatedAt:  time.Now(),
	}
}

// fanOut routes private stream events: order pushes feed the reconciler,
// asset pushes replace the balance view.
func (e *Engine) fanOut() {
	defer e.wg.Done()
	for ev := range e.private.Events() {
		switch ev.Kind {
		case models.EventMyOrder:
			select {
			case e.orderEvents <- ev:
			case <-e.ctx.Done():
				return
			}
		case models.EventMyAsset:
			if ev.MyAsset != nil {
				e.applyAssets(ev.MyAsset)
			}
		case models.EventError:
			e.log.WithError(ev.Err).Error("private stream error")
		}
	}
}

func (e *Engine) applyAssets(push *models.MyAssetEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances = make(map[string]models.Balance, len(push.Assets))
	for _, b := range push.Assets {
		e.balances[b.Currency] = b
	}
}

func (e *Engine) seedBalances(ctx context.Context) error {
	balances, err := e.rest.Accounts(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range balances {
		e.balances[b.Currency] = b
	}
	return nil
}

// watchResync reruns the order sync after the private stream recovers from a
// reconnect, closing the gap where pushes were lost.
func (e *Engine) watchResync() {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	sawReconnect := false
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			switch e.private.State() {
			case stream.StateReconnecting:
				sawReconnect = true
			case stream.StateSubscribed, stream.StateActive:
				if !sawReconnect {
					continue
				}
				sawReconnect = false
				ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
				if err := e.Resync(ctx); err != nil {
					e.log.WithError(err).Warn("post-reconnect order sync failed")
				}
				cancel()
			}
		}
	}
}
