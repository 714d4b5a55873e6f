package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/haulscan/internal/metrics"
	"github.com/dukerupert/haulscan/internal/model"
	"github.com/dukerupert/haulscan/internal/store"
)

// EventVerifier checks a webhook signature and parses the event.
type EventVerifier interface {
	ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

// Notifier is told when a principal's entitlement inputs changed.
type Notifier interface {
	EntitlementChanged(p model.Principal, reason string)
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
)

// Ack is a successful webhook result. Every Ack is answered with 200.
type Ack struct {
	EventID   string  `json:"event_id"`
	EventType string  `json:"event_type"`
	Outcome   Outcome `json:"outcome"`
}

type Stores struct {
	Events        *store.WebhookEventStore
	Subscriptions *store.SubscriptionStore
	Credits       *store.CreditStore
	Refs          *store.ProviderRefStore
}

// Reconciler applies payment provider events to subscription state and the
// credit ledger. Deliveries are at least once; effects are at most once.
type Reconciler struct {
	verifier EventVerifier
	stores   Stores
	catalog  *Catalog
	notifier Notifier
	locks    *keyLock
	lockTTL  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewReconciler(verifier EventVerifier, stores Stores, catalog *Catalog, notifier Notifier, lockTTL time.Duration, logger *slog.Logger) *Reconciler {
	if catalog == nil {
		catalog, _ = NewCatalog(nil, nil)
	}
	return &Reconciler{
		verifier: verifier,
		stores:   stores,
		catalog:  catalog,
		notifier: notifier,
		locks:    newKeyLock(),
		lockTTL:  lockTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleProviderEvent verifies, deduplicates and applies one webhook
// delivery. A returned error means the provider must not consider the event
// delivered; see IsRetryable.
func (r *Reconciler) HandleProviderEvent(ctx context.Context, payload []byte, sigHeader string) (Ack, error) {
	start := time.Now()
	eventType := "unknown"
	outcome := "error"
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, outcome).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if sigHeader == "" {
		outcome = "invalid_signature"
		return Ack{}, fmt.Errorf("%w: missing signature header", ErrSignatureInvalid)
	}
	event, err := r.verifier.ConstructWebhookEvent(payload, sigHeader)
	if err != nil {
		outcome = "invalid_signature"
		return Ack{}, fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
	eventType = string(event.Type)
	ack := Ack{EventID: event.ID, EventType: eventType}
	log := r.logger.With("event_id", event.ID, "event_type", eventType)

	claim, err := r.stores.Events.Claim(ctx, event.ID, eventType, r.now(), r.lockTTL)
	if err != nil {
		return Ack{}, err
	}
	switch claim {
	case store.AlreadyDone:
		outcome = string(OutcomeDuplicate)
		ack.Outcome = OutcomeDuplicate
		log.Debug("webhook event already processed")
		return ack, nil
	case store.InFlight:
		outcome = "in_flight"
		return Ack{}, ErrEventInFlight
	}

	res, err := r.apply(ctx, &event)
	if err != nil {
		// Use a fresh context so a canceled request still frees the claim.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := r.stores.Events.Release(releaseCtx, event.ID); rerr != nil {
			log.Error("release webhook claim", "error", rerr)
		}
		if errors.Is(err, ErrUnresolvedPrincipal) {
			outcome = "unresolved"
			log.Warn("webhook principal not resolved, awaiting retry", "error", err)
		} else {
			log.Error("webhook processing failed", "error", err)
		}
		return Ack{}, err
	}

	if err := r.stores.Events.MarkDone(ctx, event.ID, r.now()); err != nil {
		return Ack{}, err
	}
	outcome = string(res.outcome)
	ack.Outcome = res.outcome
	if res.outcome == OutcomeApplied && r.notifier != nil && !res.principal.IsZero() {
		r.notifier.EntitlementChanged(res.principal, eventType)
	}
	log.Info("webhook event processed", "outcome", string(res.outcome), "principal", res.principal.String())
	return ack, nil
}

type applyResult struct {
	outcome   Outcome
	principal model.Principal
}

func (r *Reconciler) apply(ctx context.Context, event *stripe.Event) (applyResult, error) {
	if event.Data == nil {
		return applyResult{outcome: OutcomeIgnored}, nil
	}
	eventAt := time.Unix(event.Created, 0).UTC()
	raw := event.Data.Raw

	switch string(event.Type) {
	case EventCheckoutCompleted, EventCheckoutAsyncSucceeded:
		var sess checkoutSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			return r.malformed(event, err)
		}
		return r.applyCheckout(ctx, &sess, eventAt)

	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return r.malformed(event, err)
		}
		deleted := string(event.Type) == EventSubscriptionDeleted
		return r.applySubscription(ctx, &sub, deleted, eventAt)

	case EventInvoicePaid, EventInvoicePaymentSucceeded, EventInvoicePaymentFailed:
		var inv invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return r.malformed(event, err)
		}
		status := model.StatusActive
		if string(event.Type) == EventInvoicePaymentFailed {
			status = model.StatusPastDue
		}
		return r.applyInvoice(ctx, &inv, status, eventAt)
	}

	r.logger.Debug("webhook event ignored (unhandled type)", "event_id", event.ID, "event_type", string(event.Type))
	return applyResult{outcome: OutcomeIgnored}, nil
}

// malformed acknowledges a signed event whose object cannot be decoded;
// redelivery would carry the same bytes.
func (r *Reconciler) malformed(event *stripe.Event, err error) (applyResult, error) {
	r.logger.Error("webhook event payload malformed", "event_id", event.ID, "event_type", string(event.Type), "error", err)
	return applyResult{outcome: OutcomeIgnored}, nil
}

func (r *Reconciler) applyCheckout(ctx context.Context, sess *checkoutSession, eventAt time.Time) (applyResult, error) {
	p, err := r.checkoutPrincipal(ctx, sess)
	if err != nil {
		return applyResult{}, err
	}
	unlock := r.locks.Lock(p.String())
	defer unlock()

	now := r.now()
	if err := r.stores.Refs.Put(ctx, sess.Customer, store.RefCustomer, p, now); err != nil {
		return applyResult{}, err
	}

	switch sess.Mode {
	case "subscription":
		if err := r.stores.Refs.Put(ctx, sess.Subscription, store.RefSubscription, p, now); err != nil {
			return applyResult{}, err
		}
		tier := model.Tier(sess.Metadata[MetaTier])
		if !tier.Paid() {
			r.logger.Error("checkout session has no paid tier", "session_id", sess.ID, "tier", string(tier))
			return applyResult{outcome: OutcomeIgnored, principal: p}, nil
		}
		interval, ok := ParseInterval(sess.Metadata[MetaBilling])
		if !ok {
			interval = Monthly
		}
		state := &model.SubscriptionState{
			Principal:               p,
			Tier:                    tier,
			Status:                  model.StatusActive,
			PeriodStart:             eventAt,
			PeriodEnd:               interval.PeriodEnd(eventAt),
			ExternalSubscriptionRef: sess.Subscription,
			LastEventAt:             eventAt,
		}
		applied, err := r.stores.Subscriptions.Supersede(ctx, state, now)
		if err != nil {
			return applyResult{}, err
		}
		if !applied {
			return applyResult{outcome: OutcomeStale, principal: p}, nil
		}
		return applyResult{outcome: OutcomeApplied, principal: p}, nil

	case "payment":
		if sess.PaymentStatus != "" && sess.PaymentStatus != "paid" && sess.PaymentStatus != "no_payment_required" {
			// Delayed payment methods complete later via async_payment_succeeded.
			return applyResult{outcome: OutcomeIgnored, principal: p}, nil
		}
		scans, ok := scansFromMetadata(sess.Metadata)
		if !ok {
			r.logger.Error("scan pack checkout has no scan quantity", "session_id", sess.ID)
			return applyResult{outcome: OutcomeIgnored, principal: p}, nil
		}
		inserted, err := r.stores.Credits.Grant(ctx, &model.CreditGrant{
			Principal:       p,
			Quantity:        scans,
			GrantedAt:       eventAt,
			SourceReference: sess.ID,
		})
		if err != nil {
			return applyResult{}, err
		}
		if !inserted {
			return applyResult{outcome: OutcomeDuplicate, principal: p}, nil
		}
		metrics.CreditsGrantedTotal.WithLabelValues("purchase").Add(float64(scans))
		return applyResult{outcome: OutcomeApplied, principal: p}, nil
	}

	return applyResult{outcome: OutcomeIgnored, principal: p}, nil
}

func (r *Reconciler) checkoutPrincipal(ctx context.Context, sess *checkoutSession) (model.Principal, error) {
	if p, ok := parseClientReference(sess.ClientReferenceID); ok {
		return p, nil
	}
	if p, ok := principalFromMetadata(sess.Metadata); ok {
		return p, nil
	}
	return r.lookup(ctx, sess.Customer)
}

func (r *Reconciler) applySubscription(ctx context.Context, sub *subscription, deleted bool, eventAt time.Time) (applyResult, error) {
	p, err := r.lookup(ctx, sub.ID, sub.Customer)
	if errors.Is(err, ErrUnresolvedPrincipal) {
		mp, ok := principalFromMetadata(sub.Metadata)
		if !ok {
			return applyResult{}, fmt.Errorf("subscription %s: %w", sub.ID, err)
		}
		p = mp
	} else if err != nil {
		return applyResult{}, err
	}

	unlock := r.locks.Lock(p.String())
	defer unlock()

	now := r.now()
	if err := r.stores.Refs.Put(ctx, sub.ID, store.RefSubscription, p, now); err != nil {
		return applyResult{}, err
	}
	if err := r.stores.Refs.Put(ctx, sub.Customer, store.RefCustomer, p, now); err != nil {
		return applyResult{}, err
	}

	current, err := r.stores.Subscriptions.Get(ctx, p)
	if err != nil {
		return applyResult{}, err
	}
	// A principal holds one live subscription; events for a replaced one
	// must not touch the row.
	if current != nil && current.Tier.Paid() && current.Status != model.StatusCanceled &&
		current.ExternalSubscriptionRef != "" && current.ExternalSubscriptionRef != sub.ID {
		r.logger.Info("ignoring event for superseded subscription",
			"subscription_id", sub.ID, "current_subscription_id", current.ExternalSubscriptionRef, "principal", p.String())
		return applyResult{outcome: OutcomeIgnored, principal: p}, nil
	}

	status := mapStatus(sub.Status)
	if deleted || status == model.StatusCanceled {
		start, end := model.CalendarMonth(eventAt)
		state := &model.SubscriptionState{
			Principal:               p,
			Tier:                    model.TierFree,
			Status:                  model.StatusCanceled,
			PeriodStart:             start,
			PeriodEnd:               end,
			ExternalSubscriptionRef: sub.ID,
			LastEventAt:             eventAt,
		}
		return r.supersede(ctx, state, now)
	}

	tier := r.subscriptionTier(sub)
	if !tier.Paid() {
		if current == nil || !current.Tier.Paid() {
			r.logger.Error("subscription event has no recognizable tier", "subscription_id", sub.ID, "price_id", sub.firstPriceID())
			return applyResult{outcome: OutcomeIgnored, principal: p}, nil
		}
		tier = current.Tier
	}

	start, end := sub.period()
	state := &model.SubscriptionState{
		Principal:               p,
		Tier:                    tier,
		Status:                  status,
		ExternalSubscriptionRef: sub.ID,
		LastEventAt:             eventAt,
	}
	switch {
	case end > start && start > 0:
		state.PeriodStart = time.Unix(start, 0).UTC()
		state.PeriodEnd = time.Unix(end, 0).UTC()
	case current != nil && current.Tier.Paid() && current.PeriodEnd.After(current.PeriodStart):
		state.PeriodStart, state.PeriodEnd = current.PeriodStart, current.PeriodEnd
	default:
		state.PeriodStart = eventAt
		state.PeriodEnd = Monthly.PeriodEnd(eventAt)
	}
	return r.supersede(ctx, state, now)
}

// subscriptionTier prefers the catalog mapping of the subscribed price and
// falls back to the tier stamped in metadata at checkout.
func (r *Reconciler) subscriptionTier(sub *subscription) model.Tier {
	if plan, ok := r.catalog.PlanForPrice(sub.firstPriceID()); ok {
		return plan.Tier
	}
	return model.Tier(sub.Metadata[MetaTier])
}

func (r *Reconciler) applyInvoice(ctx context.Context, inv *invoice, status model.Status, eventAt time.Time) (applyResult, error) {
	subID := inv.subscriptionID()
	if subID == "" {
		// One-off invoices carry no subscription state.
		return applyResult{outcome: OutcomeIgnored}, nil
	}
	p, err := r.lookup(ctx, subID, inv.Customer)
	if err != nil {
		return applyResult{}, fmt.Errorf("invoice %s: %w", inv.ID, err)
	}

	unlock := r.locks.Lock(p.String())
	defer unlock()

	current, err := r.stores.Subscriptions.Get(ctx, p)
	if err != nil {
		return applyResult{}, err
	}
	if current == nil || !current.Tier.Paid() {
		return applyResult{outcome: OutcomeIgnored, principal: p}, nil
	}
	if current.Status == status {
		return applyResult{outcome: OutcomeIgnored, principal: p}, nil
	}
	applied, err := r.stores.Subscriptions.UpdateStatus(ctx, p, status, eventAt, r.now())
	if err != nil {
		return applyResult{}, err
	}
	if !applied {
		return applyResult{outcome: OutcomeStale, principal: p}, nil
	}
	return applyResult{outcome: OutcomeApplied, principal: p}, nil
}

func (r *Reconciler) supersede(ctx context.Context, state *model.SubscriptionState, now time.Time) (applyResult, error) {
	applied, err := r.stores.Subscriptions.Supersede(ctx, state, now)
	if err != nil {
		return applyResult{}, err
	}
	if !applied {
		return applyResult{outcome: OutcomeStale, principal: state.Principal}, nil
	}
	return applyResult{outcome: OutcomeApplied, principal: state.Principal}, nil
}

// lookup resolves the first ref with a stored principal mapping.
func (r *Reconciler) lookup(ctx context.Context, refs ...string) (model.Principal, error) {
	for _, ref := range refs {
		p, err := r.stores.Refs.Lookup(ctx, ref)
		if err != nil {
			return model.Principal{}, err
		}
		if p != nil {
			return *p, nil
		}
	}
	return model.Principal{}, ErrUnresolvedPrincipal
}
