package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"upbitflow/config"
	"upbitflow/internal/auth"
	"upbitflow/internal/ratelimit"
	"upbitflow/logger"
	"upbitflow/models"
)

// Validator is the pre-flight order check the market rule cache provides.
// Mutating order calls run it before consuming any rate budget.
type Validator interface {
	ValidateOrder(market string, side models.Side, ordType models.OrderType, price, volume decimal.Decimal) error
}

// Client issues signed, rate-governed HTTP calls against the exchange REST
// API and classifies failures into the error taxonomy.
type Client struct {
	baseURL   string
	http      *http.Client
	signer    *auth.Signer
	governor  *ratelimit.Governor
	retry     config.RetryConfig
	validator Validator
	log       *logger.Log
}

// NewClient builds a client with a tuned connection pool.
func NewClient(cfg *config.Config, signer *auth.Signer, governor *ratelimit.Governor) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Rest.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Rest.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.Rest.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Rest.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}

	return &Client{
		baseURL: cfg.Rest.BaseURL,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Rest.Timeout,
		},
		signer:   signer,
		governor: governor,
		retry:    cfg.Rest.Retry,
		log:      logger.GetLogger(),
	}
}

// SetValidator wires the market rule cache in. Without a validator the
// pre-flight check is skipped.
func (c *Client) SetValidator(v Validator) {
	c.validator = v
}

// request describes one call for the transport core.
type request struct {
	method        string
	path          string
	class         ratelimit.Class
	params        []auth.Param
	body          bool // params travel as a JSON body instead of a query string
	authenticated bool
	mutating      bool
}

// do runs the request: rate acquire, sign, issue, classify, retry. out is
// decoded from the response body when non-nil.
func (c *Client) do(ctx context.Context, req request, out interface{}) error {
	if err := c.governor.Acquire(ctx, req.class); err != nil {
		// No network call was issued; this is a plain timeout with no
		// exchange-side effect regardless of the operation.
		return &APIError{Kind: KindTimeout, Message: fmt.Sprintf("rate acquire: %v", err)}
	}

	boff := &backoff.Backoff{
		Min:    c.retry.BaseDelay,
		Max:    c.retry.MaxDelay,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, boff.Duration()); err != nil {
				return &APIError{Kind: KindTimeout, Message: fmt.Sprintf("retry wait: %v", err)}
			}
		}

		err := c.attempt(ctx, req, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !KindOf(err).Retryable() {
			return err
		}
		c.log.WithComponent("rest").WithError(err).WithFields(logger.Fields{
			"method":  req.method,
			"path":    req.path,
			"attempt": attempt + 1,
		}).Warn("retrying after transient failure")
	}
	return lastErr
}

// attempt issues exactly one signed HTTP call. Each attempt re-signs so a
// retried call never reuses a nonce.
func (c *Client) attempt(ctx context.Context, req request, out interface{}) error {
	rawQuery := auth.EncodeQuery(req.params)

	fullURL := c.baseURL + req.path
	var bodyReader io.Reader
	if req.body {
		payload := make(map[string]string, len(req.params))
		for _, p := range req.params {
			payload[p.Key] = p.Value
		}
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(buf)
	} else if rawQuery != "" {
		fullURL += "?" + rawQuery
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if req.body {
		httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	httpReq.Header.Set("Accept", "application/json")

	if req.authenticated {
		header, err := c.signer.Sign(rawQuery)
		if err != nil {
			return &APIError{Kind: KindAuth, Message: err.Error()}
		}
		httpReq.Header.Set("Authorization", header)
	}

	logger.IncrementRestCall()

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// The call was already in flight: for mutating operations the
		// exchange-side effect is unknown.
		if req.mutating {
			return &APIError{Kind: KindIndeterminate, Message: err.Error()}
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return &APIError{Kind: KindTimeout, Message: err.Error()}
		}
		return &APIError{Kind: KindServerError, Message: err.Error()}
	}
	defer resp.Body.Close()

	c.governor.Observe(req.class, ratelimit.ParseRemaining(resp.Header))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if req.mutating {
			return &APIError{Kind: KindIndeterminate, Message: err.Error()}
		}
		return &APIError{Kind: KindServerError, Message: err.Error()}
	}

	if resp.StatusCode >= 400 {
		var body errorBody
		_ = json.Unmarshal(data, &body)
		return &APIError{
			Kind:    classify(resp.StatusCode, body.Error.Name),
			Name:    body.Error.Name,
			Message: body.Error.Message,
			Status:  resp.StatusCode,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
