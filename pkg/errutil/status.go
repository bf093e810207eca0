package errutil

import "net/http"

// CoreStatus is the transport-independent error code carried by BaseError.
type CoreStatus string

const (
	StatusUnknown             CoreStatus = "UNKNOWN"
	StatusBadRequest          CoreStatus = "BAD_REQUEST"
	StatusValidationFailed    CoreStatus = "VALIDATION_FAILED"
	StatusUnauthorized        CoreStatus = "UNAUTHORIZED"
	StatusForbidden           CoreStatus = "FORBIDDEN"
	StatusNotFound            CoreStatus = "NOT_FOUND"
	StatusConflict            CoreStatus = "CONFLICT"
	StatusUnprocessableEntity CoreStatus = "UNPROCESSABLE_ENTITY"
	StatusTooManyRequests     CoreStatus = "TOO_MANY_REQUESTS"
	StatusTimeout             CoreStatus = "TIMEOUT"
	StatusInternal            CoreStatus = "INTERNAL"
	StatusNotImplemented      CoreStatus = "NOT_IMPLEMENTED"
	StatusBadGateway          CoreStatus = "BAD_GATEWAY"

	// Billing and job lifecycle.
	StatusInvalidInput         CoreStatus = "INVALID_INPUT"
	StatusInsufficientCredits  CoreStatus = "INSUFFICIENT_CREDITS"
	StatusExternalBackendError CoreStatus = "EXTERNAL_BACKEND_ERROR"
	StatusInvalidState         CoreStatus = "INVALID_STATE"

	// Invite redemption.
	StatusCodeNotFound    CoreStatus = "CODE_NOT_FOUND"
	StatusCodeExhausted   CoreStatus = "CODE_EXHAUSTED"
	StatusAlreadyRedeemed CoreStatus = "ALREADY_REDEEMED"
)

// HTTPStatus maps a CoreStatus to its closest HTTP status code.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusBadRequest, StatusValidationFailed, StatusInvalidInput:
		return http.StatusBadRequest
	case StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusNotFound, StatusCodeNotFound:
		return http.StatusNotFound
	case StatusConflict, StatusInvalidState, StatusAlreadyRedeemed:
		return http.StatusConflict
	case StatusCodeExhausted:
		return http.StatusGone
	case StatusInsufficientCredits:
		return http.StatusPaymentRequired
	case StatusUnprocessableEntity:
		return http.StatusUnprocessableEntity
	case StatusTooManyRequests:
		return http.StatusTooManyRequests
	case StatusTimeout:
		return http.StatusGatewayTimeout
	case StatusExternalBackendError, StatusBadGateway:
		return http.StatusBadGateway
	case StatusNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
