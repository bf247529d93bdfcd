package eligibility

import (
	"errors"
	"fmt"
)

var ErrAccessDenied = errors.New("registration requires a valid access code")

// Reason is why a coupon was rejected.
type Reason string

const (
	ReasonNotFound          Reason = "not_found"
	ReasonInactive          Reason = "inactive"
	ReasonNotYetValid       Reason = "not_yet_valid"
	ReasonExpired           Reason = "expired"
	ReasonUsageLimitReached Reason = "usage_limit_reached"
	ReasonEmailNotAllowed   Reason = "email_not_allowed"
	ReasonTierNotAllowed    Reason = "tier_not_allowed"
)

var reasonMessages = map[Reason]string{
	ReasonNotFound:          "discount code not found",
	ReasonInactive:          "discount code is not active",
	ReasonNotYetValid:       "discount code is not yet valid",
	ReasonExpired:           "discount code has expired",
	ReasonUsageLimitReached: "discount code usage limit has been reached",
	ReasonEmailNotAllowed:   "discount code is not available for this email",
	ReasonTierNotAllowed:    "discount code does not apply to this ticket type",
}

type CouponError struct {
	Code   string
	Reason Reason
}

func (e *CouponError) Error() string {
	msg, ok := reasonMessages[e.Reason]
	if !ok {
		msg = string(e.Reason)
	}
	if e.Code == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// CouponReason extracts the Reason from err, if it is a CouponError.
func CouponReason(err error) (Reason, bool) {
	var ce *CouponError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return "", false
}
