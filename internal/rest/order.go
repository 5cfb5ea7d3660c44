package rest

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"upbitflow/internal/auth"
	"upbitflow/internal/ratelimit"
	"upbitflow/models"
)

// OrderRequest describes one order placement. Price is required for limit
// and price (market buy by amount) orders; Volume for limit and market
// (sell by volume) orders. Identifier is the optional caller-assigned id.
type OrderRequest struct {
	Market     string
	Side       models.Side
	Type       models.OrderType
	Price      decimal.Decimal
	Volume     decimal.Decimal
	Identifier string
	// TimeInForce is optional: "ioc" or "fok" on supported order types.
	TimeInForce string
}

// wireOrder is the exchange's order payload. All numeric fields arrive as
// strings.
type wireOrder struct {
	UUID            string          `json:"uuid"`
	Side            string          `json:"side"`
	OrdType         string          `json:"ord_type"`
	Price           decimal.Decimal `json:"price"`
	State           string          `json:"state"`
	Market          string          `json:"market"`
	CreatedAt       string          `json:"created_at"`
	Volume          decimal.Decimal `json:"volume"`
	RemainingVolume decimal.Decimal `json:"remaining_volume"`
	ReservedFee     decimal.Decimal `json:"reserved_fee"`
	RemainingFee    decimal.Decimal `json:"remaining_fee"`
	PaidFee         decimal.Decimal `json:"paid_fee"`
	Locked          decimal.Decimal `json:"locked"`
	ExecutedVolume  decimal.Decimal `json:"executed_volume"`
	ExecutedFunds   decimal.Decimal `json:"executed_funds"`
	TradesCount     int             `json:"trades_count"`
	Identifier      string          `json:"identifier"`
	Trades          []wireTrade     `json:"trades"`
}

type wireTrade struct {
	Market    string          `json:"market"`
	UUID      string          `json:"uuid"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Funds     decimal.Decimal `json:"funds"`
	Side      string          `json:"side"`
	CreatedAt string          `json:"created_at"`
}

// CancelAndNewResult is the response of the atomic cancel-and-replace call.
type CancelAndNewResult struct {
	CanceledUUID       string `json:"uuid"`
	NewOrderUUID       string `json:"new_order_uuid"`
	NewOrderIdentifier string `json:"new_order_identifier"`
}

func (w *wireOrder) toOrder() *models.Order {
	o := &models.Order{
		UUID:            w.UUID,
		Identifier:      w.Identifier,
		Market:          w.Market,
		Side:            models.Side(w.Side),
		Type:            models.OrderType(w.OrdType),
		Price:           w.Price,
		Volume:          w.Volume,
		State:           models.OrderState(w.State),
		ExecutedVolume:  w.ExecutedVolume,
		RemainingVolume: w.RemainingVolume,
		ExecutedFunds:   w.ExecutedFunds,
		ReservedFee:     w.ReservedFee,
		RemainingFee:    w.RemainingFee,
		PaidFee:         w.PaidFee,
		Locked:          w.Locked,
		TradesCount:     w.TradesCount,
	}
	if ts, err := time.Parse(time.RFC3339, w.CreatedAt); err == nil {
		o.CreatedAt = ts
		o.UpdatedAt = ts
	}
	for i, tr := range w.Trades {
		fill := models.Fill{
			TradeUUID: tr.UUID,
			Price:     tr.Price,
			Volume:    tr.Volume,
			Funds:     tr.Funds,
			Sequence:  int64(i + 1),
		}
		if ts, err := time.Parse(time.RFC3339, tr.CreatedAt); err == nil {
			fill.TradedAt = ts
		}
		o.Fills = append(o.Fills, fill)
	}
	return o
}

// orderParams renders the placement fields of req in wire form.
func orderParams(req OrderRequest) []auth.Param {
	params := []auth.Param{
		{Key: "market", Value: req.Market},
		{Key: "side", Value: string(req.Side)},
		{Key: "ord_type", Value: string(req.Type)},
	}
	if !req.Volume.IsZero() {
		params = append(params, auth.Param{Key: "volume", Value: req.Volume.String()})
	}
	if !req.Price.IsZero() {
		params = append(params, auth.Param{Key: "price", Value: req.Price.String()})
	}
	if req.Identifier != "" {
		params = append(params, auth.Param{Key: "identifier", Value: req.Identifier})
	}
	if req.TimeInForce != "" {
		params = append(params, auth.Param{Key: "time_in_force", Value: req.TimeInForce})
	}
	return params
}

// validate runs the market-rule pre-flight so an order the exchange would
// reject never consumes rate budget.
func (c *Client) validate(req OrderRequest) error {
	if c.validator == nil {
		return nil
	}
	return c.validator.ValidateOrder(req.Market, req.Side, req.Type, req.Price, req.Volume)
}

// PlaceOrder submits a new order and returns the initial snapshot.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}

	var wire wireOrder
	err := c.do(ctx, request{
		method:        "POST",
		path:          "/orders",
		class:         ratelimit.Order,
		params:        orderParams(req),
		body:          true,
		authenticated: true,
		mutating:      true,
	}, &wire)
	if err != nil {
		return nil, err
	}
	return wire.toOrder(), nil
}

// TestPlaceOrder runs the full local pre-flight for req without submitting
// anything: rule-cache validation plus a live constraint check against the
// per-market order chance.
func (c *Client) TestPlaceOrder(ctx context.Context, req OrderRequest) error {
	if err := c.validate(req); err != nil {
		return err
	}

	chance, err := c.OrderChance(ctx, req.Market)
	if err != nil {
		return err
	}
	if chance.Market.State != "" && chance.Market.State != "active" {
		return NewAPIError(KindValidation, "market is not active: "+chance.Market.State)
	}
	return nil
}

// GetOrder fetches one order by exchange uuid or caller identifier. Exactly
// one of the two must be set.
func (c *Client) GetOrder(ctx context.Context, uuid, identifier string) (*models.Order, error) {
	var params []auth.Param
	switch {
	case uuid != "":
		params = append(params, auth.Param{Key: "uuid", Value: uuid})
	case identifier != "":
		params = append(params, auth.Param{Key: "identifier", Value: identifier})
	default:
		return nil, NewAPIError(KindValidation, "either uuid or identifier is required")
	}

	var wire wireOrder
	err := c.do(ctx, request{
		method:        "GET",
		path:          "/order",
		class:         ratelimit.Other,
		params:        params,
		authenticated: true,
	}, &wire)
	if err != nil {
		return nil, err
	}
	return wire.toOrder(), nil
}

// OpenOrders lists wait/watch orders for a market.
func (c *Client) OpenOrders(ctx context.Context, market string) ([]*models.Order, error) {
	params := []auth.Param{
		{Key: "market", Value: market},
		{Key: "states[]", Value: string(models.OrderStateWait)},
		{Key: "states[]", Value: string(models.OrderStateWatch)},
	}
	return c.listOrders(ctx, "/orders/open", params)
}

// ClosedOrders lists done/cancel orders in the given time range. This is the
// paging-safe history endpoint: the general order list's page/order_by
// parameters are documented but non-functional upstream, so history queries
// go through the time-range parameters here instead.
func (c *Client) ClosedOrders(ctx context.Context, market string, start, end time.Time) ([]*models.Order, error) {
	params := []auth.Param{{Key: "market", Value: market}}
	if !start.IsZero() {
		params = append(params, auth.Param{Key: "start_time", Value: start.Format(time.RFC3339)})
	}
	if !end.IsZero() {
		params = append(params, auth.Param{Key: "end_time", Value: end.Format(time.RFC3339)})
	}
	return c.listOrders(ctx, "/orders/closed", params)
}

// ListOrders lists orders by uuid or identifier.
func (c *Client) ListOrders(ctx context.Context, uuids, identifiers []string) ([]*models.Order, error) {
	var params []auth.Param
	for _, u := range uuids {
		params = append(params, auth.Param{Key: "uuids[]", Value: u})
	}
	for _, id := range identifiers {
		params = append(params, auth.Param{Key: "identifiers[]", Value: id})
	}
	return c.listOrders(ctx, "/orders/uuids", params)
}

func (c *Client) listOrders(ctx context.Context, path string, params []auth.Param) ([]*models.Order, error) {
	var wires []wireOrder
	err := c.do(ctx, request{
		method:        "GET",
		path:          path,
		class:         ratelimit.Other,
		params:        params,
		authenticated: true,
	}, &wires)
	if err != nil {
		return nil, err
	}

	orders := make([]*models.Order, 0, len(wires))
	for i := range wires {
		orders = append(orders, wires[i].toOrder())
	}
	return orders, nil
}

// CancelOrder requests cancellation of one order by uuid or identifier.
func (c *Client) CancelOrder(ctx context.Context, uuid, identifier string) (*models.Order, error) {
	var params []auth.Param
	switch {
	case uuid != "":
		params = append(params, auth.Param{Key: "uuid", Value: uuid})
	case identifier != "":
		params = append(params, auth.Param{Key: "identifier", Value: identifier})
	default:
		return nil, NewAPIError(KindValidation, "either uuid or identifier is required")
	}

	var wire wireOrder
	err := c.do(ctx, request{
		method:        "DELETE",
		path:          "/order",
		class:         ratelimit.Order,
		params:        params,
		authenticated: true,
		mutating:      true,
	}, &wire)
	if err != nil {
		return nil, err
	}
	return wire.toOrder(), nil
}

// CancelAllOrders requests bulk cancellation of open orders, optionally
// scoped to one side and a set of markets. Consumes the stricter bulk-cancel
// rate class.
func (c *Client) CancelAllOrders(ctx context.Context, side models.Side, markets []string) error {
	var params []auth.Param
	if side != "" {
		params = append(params, auth.Param{Key: "cancel_side", Value: string(side)})
	}
	for _, m := range markets {
		params = append(params, auth.Param{Key: "pairs[]", Value: m})
	}

	return c.do(ctx, request{
		method:        "DELETE",
		path:          "/orders/open",
		class:         ratelimit.CancelAll,
		params:        params,
		authenticated: true,
		mutating:      true,
	}, nil)
}

// CancelAndReplace atomically cancels the order identified by prevUUID or
// prevIdentifier and places req in its place. Either both succeed or neither
// does; when the prior order is already filled or gone the call fails with
// OrderNotCancellable and no new order is created.
func (c *Client) CancelAndReplace(ctx context.Context, prevUUID, prevIdentifier string, req OrderRequest) (*CancelAndNewResult, error) {
	if prevUUID == "" && prevIdentifier == "" {
		return nil, NewAPIError(KindValidation, "either prev uuid or prev identifier is required")
	}
	if err := c.validate(req); err != nil {
		return nil, err
	}

	var params []auth.Param
	if prevUUID != "" {
		params = append(params, auth.Param{Key: "prev_order_uuid", Value: prevUUID})
	} else {
		params = append(params, auth.Param{Key: "prev_order_identifier", Value: prevIdentifier})
	}
	params = append(params, []auth.Param{
		{Key: "new_ord_type", Value: string(req.Type)},
	}...)
	if !req.Volume.IsZero() {
		params = append(params, auth.Param{Key: "new_volume", Value: req.Volume.String()})
	}
	if !req.Price.IsZero() {
		params = append(params, auth.Param{Key: "new_price", Value: req.Price.String()})
	}
	if req.Identifier != "" {
		params = append(params, auth.Param{Key: "new_identifier", Value: req.Identifier})
	}
	if req.TimeInForce != "" {
		params = append(params, auth.Param{Key: "new_time_in_force", Value: req.TimeInForce})
	}

	var result CancelAndNewResult
	err := c.do(ctx, request{
		method:        "POST",
		path:          "/orders/cancel_and_new",
		class:         ratelimit.Order,
		params:        params,
		body:          true,
		authenticated: true,
		mutating:      true,
	}, &result)
	if err != nil {
		// A prior order that is already terminal cannot be replaced; the
		// venue reports it as gone and nothing was created.
		if KindOf(err) == KindNotFound {
			return nil, &APIError{Kind: KindOrderNotCancellable, Message: err.Error()}
		}
		return nil, err
	}
	return &result, nil
}
