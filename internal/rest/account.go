package rest

import (
	"context"

	"github.com/shopspring/decimal"

	"upbitflow/internal/auth"
	"upbitflow/internal/ratelimit"
	"upbitflow/models"
)

// OrderChance is the per-market order constraint snapshot: fee rates,
// minimum totals and the two account balances involved.
type OrderChance struct {
	BidFee      decimal.Decimal `json:"bid_fee"`
	AskFee      decimal.Decimal `json:"ask_fee"`
	MakerBidFee decimal.Decimal `json:"maker_bid_fee"`
	MakerAskFee decimal.Decimal `json:"maker_ask_fee"`
	Market      struct {
		ID  string `json:"id"`
		Bid struct {
			Currency string          `json:"currency"`
			MinTotal decimal.Decimal `json:"min_total"`
		} `json:"bid"`
		Ask struct {
			Currency string          `json:"currency"`
			MinTotal decimal.Decimal `json:"min_total"`
		} `json:"ask"`
		MaxTotal decimal.Decimal `json:"max_total"`
		State    string          `json:"state"`
	} `json:"market"`
	BidAccount models.Balance `json:"bid_account"`
	AskAccount models.Balance `json:"ask_account"`
}

// Transfer is one deposit or withdrawal record.
type Transfer struct {
	Type            string          `json:"type"`
	UUID            string          `json:"uuid"`
	Currency        string          `json:"currency"`
	NetType         string          `json:"net_type"`
	TxID            string          `json:"txid"`
	State           string          `json:"state"`
	CreatedAt       string          `json:"created_at"`
	DoneAt          string          `json:"done_at"`
	Amount          decimal.Decimal `json:"amount"`
	Fee             decimal.Decimal `json:"fee"`
	TransactionType string          `json:"transaction_type"`
}

// Accounts fetches the full balance snapshot.
func (c *Client) Accounts(ctx context.Context) ([]models.Balance, error) {
	var balances []models.Balance
	err := c.do(ctx, request{
		method:        "GET",
		path:          "/accounts",
		class:         ratelimit.Other,
		authenticated: true,
	}, &balances)
	return balances, err
}

// OrderChance fetches fee rates and minimum totals for one market.
func (c *Client) OrderChance(ctx context.Context, market string) (*OrderChance, error) {
	var chance OrderChance
	err := c.do(ctx, request{
		method:        "GET",
		path:          "/orders/chance",
		class:         ratelimit.Other,
		params:        []auth.Param{{Key: "market", Value: market}},
		authenticated: true,
	}, &chance)
	if err != nil {
		return nil, err
	}
	return &chance, nil
}

// Deposits lists deposit records, optionally filtered by currency.
func (c *Client) Deposits(ctx context.Context, currency string) ([]Transfer, error) {
	var params []auth.Param
	if currency != "" {
		params = append(params, auth.Param{Key: "currency", Value: currency})
	}

	var deposits []Transfer
	err := c.do(ctx, request{
		method:        "GET",
		path:          "/deposits",
		class:         ratelimit.Other,
		params:        params,
		authenticated: true,
	}, &deposits)
	return deposits, err
}

// Withdrawals lists withdrawal records, optionally filtered by currency.
func (c *Client) Withdrawals(ctx context.Context, currency string) ([]Transfer, error) {
	var params []auth.Param
	if currency != "" {
		params = append(params, auth.Param{Key: "currency", Value: currency})
	}

	var withdrawals []Transfer
	err := c.do(ctx, request{
		method:        "GET",
		path:          "/withdraws",
		class:         ratelimit.Other,
		params:        params,
		authenticated: true,
	}, &withdrawals)
	return withdrawals, err
}

// WithdrawKRW requests a KRW withdrawal of the given amount.
func (c *Client) WithdrawKRW(ctx context.Context, amount decimal.Decimal) (*Transfer, error) {
	var out Transfer
	err := c.do(ctx, request{
		method:        "POST",
		path:          "/withdraws/krw",
		class:         ratelimit.Other,
		params:        []auth.Param{{Key: "amount", Value: amount.String()}},
		body:          true,
		authenticated: true,
		mutating:      true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DepositKRW requests a KRW deposit of the given amount.
func (c *Client) DepositKRW(ctx context.Context, amount decimal.Decimal) (*Transfer, error) {
	var out Transfer
	err := c.do(ctx, request{
		method:        "POST",
		path:          "/deposits/krw",
		class:         ratelimit.Other,
		params:        []auth.Param{{Key: "amount", Value: amount.String()}},
		body:          true,
		authenticated: true,
		mutating:      true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
