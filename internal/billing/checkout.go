package billing

import (
	"fmt"
	"strconv"

	billingstripe "github.com/dukerupert/haulscan/internal/billing/stripe"
	"github.com/dukerupert/haulscan/internal/model"
)

// SessionCreator creates provider checkout sessions.
type SessionCreator interface {
	CreateCheckoutSession(req billingstripe.CheckoutRequest) (*billingstripe.CheckoutSession, error)
}

// CheckoutRequest asks for either a subscription (Tier and Billing) or a
// one-time scan pack (Pack).
type CheckoutRequest struct {
	Tier    model.Tier `json:"tier"`
	Billing string     `json:"billing"`
	Pack    int64      `json:"pack"`
}

// Checkout stamps checkout sessions with everything the reconciler needs to
// resolve the principal and the purchased effect.
type Checkout struct {
	creator SessionCreator
	catalog *Catalog
}

func NewCheckout(creator SessionCreator, catalog *Catalog) *Checkout {
	return &Checkout{creator: creator, catalog: catalog}
}

func (c *Checkout) Create(p model.Principal, req CheckoutRequest) (*billingstripe.CheckoutSession, error) {
	meta := map[string]string{MetaPrincipal: p.String()}
	sr := billingstripe.CheckoutRequest{Metadata: meta}
	if ref, ok := ClientReference(p); ok {
		sr.ClientReferenceID = ref
	}

	if req.Pack > 0 {
		priceID, ok := c.catalog.PackPrice(req.Pack)
		if !ok {
			return nil, fmt.Errorf("%w: no scan pack of %d", ErrUnknownPlan, req.Pack)
		}
		sr.PriceID = priceID
		meta[MetaScans] = strconv.FormatInt(req.Pack, 10)
		return c.creator.CreateCheckoutSession(sr)
	}

	interval := Monthly
	if req.Billing != "" {
		iv, ok := ParseInterval(req.Billing)
		if !ok {
			return nil, fmt.Errorf("%w: billing interval %q", ErrUnknownPlan, req.Billing)
		}
		interval = iv
	}
	priceID, ok := c.catalog.PriceFor(Plan{Tier: req.Tier, Interval: interval})
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownPlan, req.Tier, interval)
	}
	sr.PriceID = priceID
	sr.Subscription = true
	meta[MetaTier] = string(req.Tier)
	meta[MetaBilling] = string(interval)
	return c.creator.CreateCheckoutSession(sr)
}
