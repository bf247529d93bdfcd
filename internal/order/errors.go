package order

import "errors"

var (
	ErrInvalidRequest       = errors.New("invalid order request")
	ErrInvalidTicketType    = errors.New("invalid ticket type")
	ErrRegistrationClosed   = errors.New("registration is closed")
	ErrDuplicateRequest     = errors.New("a request with this idempotency key is already in progress")
	ErrOrderNotFound        = errors.New("order not found")
	ErrRegistrationNotFound = errors.New("registration not found")
	ErrForbidden            = errors.New("not allowed to access this order")
	ErrAlreadyCancelled     = errors.New("already cancelled")
	ErrRefundNotEligible    = errors.New("refund not eligible")
	ErrCheckoutInProgress   = errors.New("payment is still open for this order; cancel the whole order instead")
)
