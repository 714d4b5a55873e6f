package billing

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/dukerupert/haulscan/internal/model"
)

// Event types the reconciler acts on.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventCheckoutAsyncSucceeded  = "checkout.session.async_payment_succeeded"
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaid             = "invoice.paid"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// Metadata keys written on checkout sessions and their subscriptions.
const (
	MetaPrincipal = "principal"
	MetaTier      = "tier"
	MetaBilling   = "billing"
	MetaScans     = "scans"
)

// The payload types below decode only the fields the reconciler reads, so
// they tolerate provider API version drift.

type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

type subscriptionItem struct {
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

type subscription struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
}

// period returns the current billing period, preferring the top-level
// fields and falling back to the first item that carries one.
func (s *subscription) period() (int64, int64) {
	if s.CurrentPeriodEnd > s.CurrentPeriodStart && s.CurrentPeriodStart > 0 {
		return s.CurrentPeriodStart, s.CurrentPeriodEnd
	}
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > item.CurrentPeriodStart && item.CurrentPeriodStart > 0 {
			return item.CurrentPeriodStart, item.CurrentPeriodEnd
		}
	}
	return 0, 0
}

func (s *subscription) firstPriceID() string {
	for _, item := range s.Items.Data {
		if id := strings.TrimSpace(item.Price.ID); id != "" {
			return id
		}
	}
	return ""
}

type invoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// subscriptionID reads the subscription from the invoice parent, falling
// back to the pre-2025 top-level field.
func (inv *invoice) subscriptionID() string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != "" {
		return inv.Parent.SubscriptionDetails.Subscription
	}
	return inv.Subscription
}

// mapStatus folds the provider's subscription statuses onto ours.
func mapStatus(s string) model.Status {
	switch s {
	case "active", "trialing":
		return model.StatusActive
	case "canceled", "incomplete_expired":
		return model.StatusCanceled
	default:
		// past_due, unpaid, incomplete, paused
		return model.StatusPastDue
	}
}

func principalFromMetadata(meta map[string]string) (model.Principal, bool) {
	p, err := model.ParsePrincipal(meta[MetaPrincipal])
	return p, err == nil
}

func scansFromMetadata(meta map[string]string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(meta[MetaScans]), 10, 64)
	return n, err == nil && n > 0
}

var clientRefSafe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ClientReference encodes p for a checkout client_reference_id, which only
// allows alphanumerics, dashes and underscores. It reports false when the
// principal ID cannot be represented; metadata carries it instead.
func ClientReference(p model.Principal) (string, bool) {
	if p.IsZero() || !clientRefSafe.MatchString(p.ID) {
		return "", false
	}
	return string(p.Kind) + "_" + p.ID, true
}

func parseClientReference(ref string) (model.Principal, bool) {
	kind, id, ok := strings.Cut(ref, "_")
	if !ok || id == "" {
		return model.Principal{}, false
	}
	switch model.PrincipalKind(kind) {
	case model.PrincipalUser, model.PrincipalDevice:
		return model.Principal{Kind: model.PrincipalKind(kind), ID: id}, true
	}
	return model.Principal{}, false
}
