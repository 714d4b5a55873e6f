package billing

import "errors"

var (
	// ErrSignatureInvalid means the payload was not signed with the shared
	// secret. Nothing was applied and a retry of the same payload cannot succeed.
	ErrSignatureInvalid = errors.New("billing: webhook signature invalid")

	// ErrUnresolvedPrincipal means the event references a customer or
	// subscription not yet mapped to a principal. The provider should retry.
	ErrUnresolvedPrincipal = errors.New("billing: event principal not resolved")

	// ErrEventInFlight means another delivery of the same event is being
	// processed right now.
	ErrEventInFlight = errors.New("billing: event already in flight")

	// ErrUnknownPlan is returned for checkout requests naming a tier,
	// interval or pack with no configured price.
	ErrUnknownPlan = errors.New("billing: unknown plan")
)

// IsRetryable reports whether a failed webhook should be redelivered by the
// provider. Everything except a bad signature is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrSignatureInvalid)
}
