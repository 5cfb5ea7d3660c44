package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"upbitflow/config"
	"upbitflow/logger"
)

// Class identifies one of the exchange's documented endpoint rate groups.
type Class int

const (
	// Quotation covers public market data endpoints.
	Quotation Class = iota
	// Order covers order placement and single cancellation.
	Order
	// CancelAll covers the bulk cancel endpoint, replenished once per two
	// seconds so it cannot starve ordinary order calls.
	CancelAll
	// Other covers the remaining authenticated endpoints.
	Other
)

func (c Class) String() string {
	switch c {
	case Quotation:
		return "quotation"
	case Order:
		return "order"
	case CancelAll:
		return "cancel_all"
	case Other:
		return "other"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Governor enforces the per-group ceilings with one continuously refilled
// token bucket per class. Acquire blocks the calling operation under rate
// pressure instead of failing it; the only failure mode is the caller's own
// deadline expiring.
type Governor struct {
	limiters   map[Class]*rate.Limiter
	headerSync bool
	log        *logger.Log
}

// NewGovernor builds the buckets from configuration.
func NewGovernor(cfg config.RateLimitConfig) *Governor {
	return &Governor{
		limiters: map[Class]*rate.Limiter{
			Quotation: rate.NewLimiter(rate.Limit(cfg.Quotation.RequestsPerSecond), cfg.Quotation.Burst),
			Order:     rate.NewLimiter(rate.Limit(cfg.Order.RequestsPerSecond), cfg.Order.Burst),
			CancelAll: rate.NewLimiter(rate.Limit(cfg.CancelAll.RequestsPerSecond), cfg.CancelAll.Burst),
			Other:     rate.NewLimiter(rate.Limit(cfg.Other.RequestsPerSecond), cfg.Other.Burst),
		},
		headerSync: cfg.HeaderSync,
		log:        logger.GetLogger(),
	}
}

// Acquire blocks until a slot in the class bucket is available or ctx
// expires. The error is ctx.Err() on expiry so callers can classify it as a
// timeout rather than a rate rejection.
func (g *Governor) Acquire(ctx context.Context, class Class) error {
	lim, ok := g.limiters[class]
	if !ok {
		return fmt.Errorf("unknown rate class %v", class)
	}
	if err := lim.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Observe feeds the server's reported per-second remaining quota back into
// the bucket. Sync only ever removes tokens: the server's view can shrink
// the local budget but never grant extra slots, so bucket state stays
// authoritative when the header is missing or garbled.
func (g *Governor) Observe(class Class, remaining Remaining) {
	if !g.headerSync || !remaining.Valid {
		return
	}
	lim, ok := g.limiters[class]
	if !ok {
		return
	}

	now := time.Now()
	local := lim.TokensAt(now)
	server := float64(remaining.Sec)
	if server >= local {
		return
	}

	burn := int(local - server)
	if burn <= 0 {
		return
	}
	if !lim.AllowN(now, burn) {
		return
	}
	g.log.WithComponent("ratelimit").WithFields(logger.Fields{
		"class":            class.String(),
		"group":            remaining.Group,
		"server_remaining": remaining.Sec,
		"burned":           burn,
	}).Debug("synced bucket to server remaining quota")
}
