package billing

import "errors"

var (
	ErrInvalidReceiver       = errors.New("billing: invalid receiver")
	ErrMerchantNotRegistered = errors.New("billing: merchant not registered")
	ErrInvalidToken          = errors.New("billing: invalid token")
	ErrInvalidPlan           = errors.New("billing: invalid plan")
	ErrPlanNotFound          = errors.New("billing: plan not found")
	ErrNotPlanOwner          = errors.New("billing: not plan owner")
	ErrPlanNotActive         = errors.New("billing: plan not active")
	ErrTokenNotAccepted      = errors.New("billing: token not accepted")
	ErrSubscriptionNotActive = errors.New("billing: subscription not active")
	ErrClaimTooEarly         = errors.New("billing: claim too early")
	ErrUnauthorized          = errors.New("billing: unauthorized")
	ErrTransferFailed        = errors.New("billing: transfer failed")
)
