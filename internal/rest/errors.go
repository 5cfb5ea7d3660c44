package rest

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed taxonomy every exchange failure maps into.
type ErrorKind int

const (
	// KindUnknown covers responses that match no documented error name.
	KindUnknown ErrorKind = iota
	// KindAuth covers credential, nonce and IP-allowlist failures. Fatal;
	// operator intervention required, never retried.
	KindAuth
	// KindValidation covers client- or server-side parameter rejection.
	KindValidation
	// KindInvalidOrderParameters is the local pre-flight rejection from the
	// market rule cache, raised before any network call.
	KindInvalidOrderParameters
	// KindInsufficientFunds is surfaced immediately, never retried.
	KindInsufficientFunds
	// KindRateLimited is retried with backoff up to the attempt bound.
	KindRateLimited
	// KindNotFound covers unknown orders, markets and resources.
	KindNotFound
	// KindServerError covers 5xx responses, retried with backoff.
	KindServerError
	// KindTimeout means the operation expired before the network call was
	// issued; no exchange-side effect exists.
	KindTimeout
	// KindIndeterminate means a mutating call was already in flight when the
	// deadline fired: the exchange-side effect is unknown and the caller
	// must re-query order state instead of retrying blindly.
	KindIndeterminate
	// KindOrderNotCancellable is the atomic cancel-and-replace failure when
	// the prior order is already filled or gone.
	KindOrderNotCancellable
	// KindStaleMarketRules blocks new-order validation when the rule cache
	// is older than the staleness ceiling.
	KindStaleMarketRules
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "AuthError"
	case KindValidation:
		return "ValidationError"
	case KindInvalidOrderParameters:
		return "InvalidOrderParameters"
	case KindInsufficientFunds:
		return "InsufficientFunds"
	case KindRateLimited:
		return "RateLimited"
	case KindNotFound:
		return "NotFound"
	case KindServerError:
		return "ServerError"
	case KindTimeout:
		return "Timeout"
	case KindIndeterminate:
		return "Indeterminate"
	case KindOrderNotCancellable:
		return "OrderNotCancellable"
	case KindStaleMarketRules:
		return "StaleMarketRules"
	default:
		return "Unknown"
	}
}

// APIError is a classified exchange failure.
type APIError struct {
	Kind    ErrorKind
	Name    string
	Message string
	Status  int
}

func (e *APIError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Name, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewAPIError builds a classified error outside the transport, e.g. the
// local pre-flight validation failures.
func NewAPIError(kind ErrorKind, message string) *APIError {
	return &APIError{Kind: kind, Message: message}
}

// KindOf extracts the taxonomy kind from err, or KindUnknown when err is not
// an APIError.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// Retryable reports whether the transport may retry the call with backoff.
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimited || k == KindServerError
}

// errorBody is the wire shape of an exchange error response.
type errorBody struct {
	Error struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

// classify maps an HTTP status and documented error name into the taxonomy.
// The name wins over the status when both are present.
func classify(status int, name string) ErrorKind {
	switch name {
	case "jwt_verification", "invalid_access_key", "expired_access_key",
		"nonce_used", "no_authorization_ip", "no_authorization_i_p",
		"out_of_scope":
		return KindAuth
	case "insufficient_funds_ask", "insufficient_funds_bid":
		return KindInsufficientFunds
	case "under_min_total_ask", "under_min_total_bid",
		"invalid_price_bid", "invalid_price_ask",
		"invalid_volume_bid", "invalid_volume_ask",
		"invalid_parameter", "validation_error", "invalid_query_payload",
		"create_ask_error", "create_bid_error",
		"withdraw_address_not_registered":
		return KindValidation
	case "order_not_found", "market_not_found", "not_found":
		return KindNotFound
	case "too_many_requests":
		return KindRateLimited
	}

	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusBadRequest:
		return KindValidation
	case status >= 500:
		return KindServerError
	default:
		return KindUnknown
	}
}
