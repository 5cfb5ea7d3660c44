package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"upbitflow/config"
	"upbitflow/internal/rest"
	"upbitflow/logger"
	"upbitflow/models"
)

// RoundMode selects the quantization direction.
type RoundMode int

const (
	// RoundNearest snaps to the closest valid tick.
	RoundNearest RoundMode = iota
	// RoundDown snaps toward zero. Used for bids so the engine never pays
	// more than the caller asked.
	RoundDown
	// RoundUp snaps away from zero. Used for asks.
	RoundUp
)

// chanceFetcher is the slice of the REST client the cache needs.
type chanceFetcher interface {
	OrderChance(ctx context.Context, market string) (*rest.OrderChance, error)
}

// Cache holds per-market tick tables and minimum order totals. Rules are
// refreshed periodically; a refresh failure keeps the last known rules (fail
// open), but rules older than the staleness ceiling fail new-order
// validation closed.
type Cache struct {
	client   chanceFetcher
	markets  []string
	interval time.Duration
	ceiling  time.Duration

	mu    sync.RWMutex
	rules map[string]*models.MarketRule

	ctx     context.Context
	wg      *sync.WaitGroup
	lifeMu  sync.Mutex
	running bool
	log     *logger.Log
}

// NewCache seeds rules for the given markets from the built-in tick tables.
// Venue-reported minimums and fees overwrite the seeds on first refresh.
func NewCache(cfg config.RulesConfig, client chanceFetcher, markets []string) *Cache {
	c := &Cache{
		client:   client,
		markets:  markets,
		interval: cfg.RefreshInterval,
		ceiling:  cfg.StalenessCeiling,
		rules:    make(map[string]*models.MarketRule),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
	now := time.Now()
	for _, m := range markets {
		c.rules[m] = seedRule(m, now)
	}
	return c
}

// Start launches the periodic refresh loop.
func (c *Cache) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	if c.running {
		c.lifeMu.Unlock()
		return fmt.Errorf("rule cache already running")
	}
	c.running = true
	c.ctx = ctx
	c.lifeMu.Unlock()

	log := c.log.WithComponent("rules")
	log.WithFields(logger.Fields{"markets": c.markets, "interval": c.interval}).Info("starting rule cache")

	c.Refresh(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Refresh(ctx)
			}
		}
	}()
	return nil
}

// Stop terminates the refresh loop.
func (c *Cache) Stop() {
	c.lifeMu.Lock()
	c.running = false
	c.lifeMu.Unlock()
	c.wg.Wait()
	c.log.WithComponent("rules").Info("rule cache stopped")
}

// Refresh pulls the venue-reported constraints for every tracked market.
// Individual failures are logged and the previous rule is kept.
func (c *Cache) Refresh(ctx context.Context) {
	log := c.log.WithComponent("rules")
	for _, market := range c.markets {
		chance, err := c.client.OrderChance(ctx, market)
		if err != nil {
			log.WithError(err).WithField("market", market).Warn("rule refresh failed; keeping last known rules")
			continue
		}

		rule := seedRule(market, time.Now())
		if !chance.Market.Bid.MinTotal.IsZero() {
			rule.MinTotal = chance.Market.Bid.MinTotal
		}
		rule.MakerFee = chance.MakerBidFee
		rule.TakerFee = chance.BidFee

		c.mu.Lock()
		c.rules[market] = rule
		c.mu.Unlock()
	}
}

// Rule returns the current rule for market, or nil when the market is not
// tracked.
func (c *Cache) Rule(market string) *models.MarketRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rules[market]
}

// QuantizePrice snaps price to a valid tick of the market's current tier.
func (c *Cache) QuantizePrice(market string, price decimal.Decimal, mode RoundMode) (decimal.Decimal, error) {
	rule := c.Rule(market)
	if rule == nil {
		return decimal.Zero, rest.NewAPIError(rest.KindInvalidOrderParameters, "no rules for market "+market)
	}

	tick := rule.TickSizeAt(price)
	if tick.IsZero() {
		return price, nil
	}

	steps := price.Div(tick)
	var snapped decimal.Decimal
	switch mode {
	case RoundDown:
		snapped = steps.Floor().Mul(tick)
	case RoundUp:
		snapped = steps.Ceil().Mul(tick)
	default:
		snapped = steps.Round(0).Mul(tick)
	}
	return snapped, nil
}

// ValidateAmount checks the notional (price times volume) against the
// market's minimum order total.
func (c *Cache) ValidateAmount(market string, price, volume decimal.Decimal) error {
	rule := c.Rule(market)
	if rule == nil {
		return rest.NewAPIError(rest.KindInvalidOrderParameters, "no rules for market "+market)
	}
	notional := price.Mul(volume)
	if notional.LessThan(rule.MinTotal) {
		return rest.NewAPIError(rest.KindInvalidOrderParameters,
			fmt.Sprintf("notional %s below minimum %s for %s", notional, rule.MinTotal, market))
	}
	return nil
}

// ValidateOrder is the pre-flight check the REST transport runs before any
// mutating order call. Stale rules fail closed.
func (c *Cache) ValidateOrder(market string, side models.Side, ordType models.OrderType, price, volume decimal.Decimal) error {
	rule := c.Rule(market)
	if rule == nil {
		return rest.NewAPIError(rest.KindInvalidOrderParameters, "no rules for market "+market)
	}
	if age := time.Since(rule.RefreshedAt); age > c.ceiling {
		return rest.NewAPIError(rest.KindStaleMarketRules,
			fmt.Sprintf("rules for %s are %s old, ceiling %s", market, age.Truncate(time.Second), c.ceiling))
	}

	switch ordType {
	case models.OrderTypeLimit:
		if price.IsZero() || volume.IsZero() {
			return rest.NewAPIError(rest.KindInvalidOrderParameters, "limit orders require price and volume")
		}
		if err := c.checkAligned(rule, price); err != nil {
			return err
		}
		return c.ValidateAmount(market, price, volume)
	case models.OrderTypePrice:
		// Market buy by total amount: price is the notional itself.
		if price.IsZero() {
			return rest.NewAPIError(rest.KindInvalidOrderParameters, "price orders require a total amount")
		}
		if price.LessThan(rule.MinTotal) {
			return rest.NewAPIError(rest.KindInvalidOrderParameters,
				fmt.Sprintf("amount %s below minimum %s for %s", price, rule.MinTotal, market))
		}
		return nil
	case models.OrderTypeMarket:
		// Market sell by volume: the matched price is unknown locally, the
		// venue enforces the minimum total at match time.
		if volume.IsZero() {
			return rest.NewAPIError(rest.KindInvalidOrderParameters, "market orders require a volume")
		}
		return nil
	case models.OrderTypeBest:
		if volume.IsZero() && price.IsZero() {
			return rest.NewAPIError(rest.KindInvalidOrderParameters, "best orders require price or volume")
		}
		return nil
	default:
		return rest.NewAPIError(rest.KindInvalidOrderParameters, "unknown order type "+string(ordType))
	}
}

func (c *Cache) checkAligned(rule *models.MarketRule, price decimal.Decimal) error {
	tick := rule.TickSizeAt(price)
	if tick.IsZero() {
		return nil
	}
	if !price.Mod(tick).IsZero() {
		return rest.NewAPIError(rest.KindInvalidOrderParameters,
			fmt.Sprintf("price %s not aligned to tick size %s", price, tick))
	}
	return nil
}

// seedRule builds the built-in rule for a market. KRW markets use the
// documented price tier table and the 5,000 KRW minimum; other quote
// currencies trade on a flat satoshi-scale tick.
func seedRule(market string, now time.Time) *models.MarketRule {
	rule := &models.MarketRule{
		Market:      market,
		RefreshedAt: now,
	}
	if strings.HasPrefix(market, "KRW-") {
		rule.Tiers = krwTiers
		rule.MinTotal = decimal.NewFromInt(5000)
	} else {
		rule.Tiers = flatTiers
		rule.MinTotal = decimal.Zero
	}
	return rule
}

func tier(lower, upper, tick string) models.PriceTier {
	return models.PriceTier{
		Lower:    decimal.RequireFromString(lower),
		Upper:    decimal.RequireFromString(upper),
		TickSize: decimal.RequireFromString(tick),
	}
}

// krwTiers is the venue's documented KRW price unit table, highest tier
// first so TickSizeAt scans top down.
var krwTiers = []models.PriceTier{
	{Lower: decimal.RequireFromString("2000000"), Unbounded: true, TickSize: decimal.RequireFromString("1000")},
	tier("1000000", "2000000", "500"),
	tier("500000", "1000000", "100"),
	tier("100000", "500000", "50"),
	tier("10000", "100000", "10"),
	tier("1000", "10000", "1"),
	tier("100", "1000", "0.1"),
	tier("10", "100", "0.01"),
	tier("1", "10", "0.001"),
	tier("0.1", "1", "0.0001"),
	tier("0.01", "0.1", "0.00001"),
	tier("0.001", "0.01", "0.000001"),
	tier("0", "0.001", "0.00000001"),
}

var flatTiers = []models.PriceTier{
	{Lower: decimal.Zero, Unbounded: true, TickSize: decimal.RequireFromString("0.00000001")},
}
