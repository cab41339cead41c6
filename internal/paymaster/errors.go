package paymaster

import (
	"errors"
	"net/http"
)

// Kind groups error codes by how a caller should react.
type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindValidation    Kind = "validation"
	KindState         Kind = "state"
	KindQuota         Kind = "quota"
	KindMode          Kind = "mode"
	KindPayment       Kind = "payment"
	KindNotFound      Kind = "not_found"
)

// Error is a rejection with a stable machine-readable code. Compare with
// errors.Is against the exported values below.
type Error struct {
	Code    string
	Message string
	Kind    Kind
}

func (e *Error) Error() string { return "paymaster: " + e.Message }

// HTTPStatus maps the error kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuthorization:
		if e.Code == "rate_limited" {
			return http.StatusTooManyRequests
		}
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindState:
		return http.StatusConflict
	case KindQuota:
		return http.StatusUnprocessableEntity
	case KindMode:
		return http.StatusServiceUnavailable
	case KindPayment:
		return http.StatusPaymentRequired
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Code: code, Message: msg, Kind: kind}
}

// Authorization
var (
	ErrGatewayNotAuthorized = newError(KindAuthorization, "gateway_not_authorized", "caller is not an authorized gateway")
	ErrNoSubscription       = newError(KindAuthorization, "no_subscription", "user has no active subscription")
	ErrRateLimited          = newError(KindAuthorization, "rate_limited", "gateway operation rate exceeded")
)

// Validation
var (
	ErrInvalidPaymentAmount = newError(KindValidation, "invalid_payment_amount", "payment amount must be greater than zero")
	ErrUnsupportedToken     = newError(KindValidation, "unsupported_token", "payment token is not supported")
	ErrInvalidGasAmount     = newError(KindValidation, "invalid_gas_amount", "gas amount must be greater than zero")
	ErrInvalidAddress       = newError(KindValidation, "invalid_address", "invalid address")
	ErrInvalidAmount        = newError(KindValidation, "invalid_amount", "amount must be greater than zero")
	ErrInvalidMode          = newError(KindValidation, "invalid_mode", "unknown paymaster mode")
	ErrInvalidParameters    = newError(KindValidation, "invalid_parameters", "tank parameters out of range")
)

// Session state
var (
	ErrSessionAlreadyActive = newError(KindState, "session_already_active", "user already has an active session")
	ErrSessionNotActive     = newError(KindState, "session_not_active", "session does not exist or has ended")
)

// Quota
var (
	ErrGasExceedsSessionLimit = newError(KindQuota, "gas_exceeds_session_limit", "gas would exceed the per-session maximum")
	ErrGatewayQuotaExceeded   = newError(KindQuota, "gateway_quota_exceeded", "gateway daily limit exceeded")
	ErrDailyLimitExceeded     = newError(KindQuota, "daily_limit_exceeded", "system daily LGU limit exceeded")
	ErrInsufficientLGUBalance = newError(KindQuota, "insufficient_lgu_balance", "Insufficient LGU balance")
	ErrAmountOverflow         = newError(KindQuota, "amount_overflow", "amount exceeds 2^256-1")
)

// Mode
var (
	ErrPaymasterPaused = newError(KindMode, "paymaster_paused", "paymaster is paused")
)

// Payment and lookup
var (
	ErrPaymentFailed   = newError(KindPayment, "payment_failed", "payment transfer failed")
	ErrSessionNotFound = newError(KindNotFound, "session_not_found", "session not found")
	ErrInvalidCursor   = newError(KindValidation, "invalid_cursor", "cursor is malformed")
)

// ErrTankMissing means the store was never given an initial tank.
var ErrTankMissing = errors.New("paymaster: tank not initialized")
