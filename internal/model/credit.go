package model

import "time"

// CreditGrant is a non-expiring bonus allotment. SourceReference is the
// idempotency key of the purchase that produced it.
type CreditGrant struct {
	ID              string    `json:"id"`
	Principal       Principal `json:"principal"`
	Quantity        int64     `json:"quantity"`
	GrantedAt       time.Time `json:"granted_at"`
	SourceReference string    `json:"source_reference"`
}
