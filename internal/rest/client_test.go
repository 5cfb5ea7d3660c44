package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"upbitflow/config"
	"upbitflow/internal/auth"
	"upbitflow/internal/ratelimit"
	"upbitflow/models"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.Rest.BaseURL = srv.URL
	cfg.Rest.Timeout = 2 * time.Second
	cfg.Rest.Retry = config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	cfg.RateLimit = config.RateLimitConfig{
		Quotation: config.BucketConfig{RequestsPerSecond: 1000, Burst: 100},
		Order:     config.BucketConfig{RequestsPerSecond: 1000, Burst: 100},
		CancelAll: config.BucketConfig{RequestsPerSecond: 1000, Burst: 100},
		Other:     config.BucketConfig{RequestsPerSecond: 1000, Burst: 100},
	}

	signer := auth.NewSigner("ak", "sk")
	governor := ratelimit.NewGovernor(cfg.RateLimit)
	return NewClient(cfg, signer, governor), srv
}

func TestAuthenticatedCallCarriesBearerToken(t *testing.T) {
	var header atomic.Value
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header.Store(r.Header.Get("Authorization"))
		w.Write([]byte(`[]`))
	}))

	if _, err := client.Accounts(context.Background()); err != nil {
		t.Fatalf("accounts: %v", err)
	}
	got, _ := header.Load().(string)
	if !strings.HasPrefix(got, "Bearer ") {
		t.Errorf("expected bearer credential, got %q", got)
	}
}

func TestRateLimitedIsRetried(t *testing.T) {
	var calls int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"name":"too_many_requests","message":"slow down"}}`))
			return
		}
		w.Write([]byte(`[]`))
	}))

	if _, err := client.Accounts(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected 2 calls, got %d", n)
	}
}

func TestAuthErrorIsNotRetried(t *testing.T) {
	var calls int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"name":"jwt_verification","message":"bad token"}}`))
	}))

	_, err := client.Accounts(context.Background())
	if KindOf(err) != KindAuth {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("auth failures must not be retried, got %d calls", n)
	}
}

func TestInsufficientFundsSurfacedImmediately(t *testing.T) {
	var calls int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"name":"insufficient_funds_bid","message":"not enough KRW"}}`))
	}))

	_, err := client.PlaceOrder(context.Background(), OrderRequest{
		Market: "KRW-BTC",
		Side:   models.SideBid,
		Type:   models.OrderTypeLimit,
		Price:  decimal.NewFromInt(50000000),
		Volume: decimal.NewFromFloat(0.001),
	})
	if KindOf(err) != KindInsufficientFunds {
		t.Fatalf("expected InsufficientFunds, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("order rejections must not be retried, got %d calls", n)
	}
}

type rejectAllValidator struct{}

func (rejectAllValidator) ValidateOrder(string, models.Side, models.OrderType, decimal.Decimal, decimal.Decimal) error {
	return NewAPIError(KindInvalidOrderParameters, "price not aligned to tick")
}

func TestPlaceOrderFailsLocallyBeforeNetwork(t *testing.T) {
	var calls int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{}`))
	}))
	client.SetValidator(rejectAllValidator{})

	_, err := client.PlaceOrder(context.Background(), OrderRequest{
		Market: "KRW-BTC",
		Side:   models.SideBid,
		Type:   models.OrderTypeLimit,
		Price:  decimal.NewFromInt(50000500),
		Volume: decimal.NewFromFloat(0.001),
	})
	if KindOf(err) != KindInvalidOrderParameters {
		t.Fatalf("expected InvalidOrderParameters, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Errorf("invalid order must not reach the network, got %d calls", n)
	}
}

func TestCancelAndReplaceGoneOrderIsNotCancellable(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"name":"order_not_found","message":"order is done"}}`))
	}))

	_, err := client.CancelAndReplace(context.Background(), "dead-beef", "", OrderRequest{
		Market: "KRW-BTC",
		Side:   models.SideBid,
		Type:   models.OrderTypeLimit,
		Price:  decimal.NewFromInt(50000000),
		Volume: decimal.NewFromFloat(0.001),
	})
	if KindOf(err) != KindOrderNotCancellable {
		t.Fatalf("expected OrderNotCancellable, got %v", err)
	}
}

func TestPlaceOrderDecodesSnapshot(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{
			"uuid":"ebe6c91c-51db-4d6d-9d1f-b1d7c6038ce2",
			"side":"bid","ord_type":"limit","price":"50000000","state":"wait",
			"market":"KRW-BTC","created_at":"2024-06-13T10:28:36+09:00",
			"volume":"0.001","remaining_volume":"0.001","reserved_fee":"25",
			"remaining_fee":"25","paid_fee":"0","locked":"50025",
			"executed_volume":"0","trades_count":0,"identifier":"my-order-1"
		}`))
	}))

	order, err := client.PlaceOrder(context.Background(), OrderRequest{
		Market:     "KRW-BTC",
		Side:       models.SideBid,
		Type:       models.OrderTypeLimit,
		Price:      decimal.NewFromInt(50000000),
		Volume:     decimal.NewFromFloat(0.001),
		Identifier: "my-order-1",
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if order.UUID != "ebe6c91c-51db-4d6d-9d1f-b1d7c6038ce2" || order.State != models.OrderStateWait {
		t.Errorf("unexpected order %+v", order)
	}
	if !order.RemainingVolume.Equal(decimal.NewFromFloat(0.001)) {
		t.Errorf("unexpected remaining volume %s", order.RemainingVolume)
	}
	if order.Identifier != "my-order-1" {
		t.Errorf("unexpected identifier %q", order.Identifier)
	}
}

func TestGetOrderRequiresIdentity(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	if _, err := client.GetOrder(context.Background(), "", ""); KindOf(err) != KindValidation {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestBulkCancelUsesArrayParams(t *testing.T) {
	var rawQuery atomic.Value
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery.Store(r.URL.RawQuery)
		w.Write([]byte(`{}`))
	}))

	if err := client.CancelAllOrders(context.Background(), models.SideAsk, []string{"KRW-BTC", "KRW-ETH"}); err != nil {
		t.Fatalf("bulk cancel: %v", err)
	}
	got, _ := rawQuery.Load().(string)
	if !strings.Contains(got, "pairs[]=KRW-BTC") || !strings.Contains(got, "pairs[]=KRW-ETH") {
		t.Errorf("expected literal array brackets in query, got %q", got)
	}
}
