package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/haulscan/internal/billing"
	billingstripe "github.com/dukerupert/haulscan/internal/billing/stripe"
	"github.com/dukerupert/haulscan/internal/config"
	"github.com/dukerupert/haulscan/internal/entitlement"
	"github.com/dukerupert/haulscan/internal/handler"
	"github.com/dukerupert/haulscan/internal/identity"
	"github.com/dukerupert/haulscan/internal/middleware"
	"github.com/dukerupert/haulscan/internal/store"
	ws "github.com/dukerupert/haulscan/internal/websocket"
)

type Server struct {
	hub          *ws.Hub
	identity     *identity.Resolver
	ledger       *store.LedgerStore
	entitlements *entitlement.Resolver
	scanH        *handler.ScanHandler
	webhookH     *handler.WebhookHandler
	checkoutH    *handler.CheckoutHandler
	adminH       *handler.AdminHandler
	rateLimiter  *middleware.RateLimiter
	rateLimit    int
	adminHash    []byte
	logger       *slog.Logger
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	hub := ws.NewHub(logger.With("component", "websocket"))

	ledger := store.NewLedgerStore(db)
	subscriptionStore := store.NewSubscriptionStore(db)
	creditStore := store.NewCreditStore(db)

	entitlements := entitlement.NewResolver(ledger, subscriptionStore, cfg.Allotments, cfg.StoreTimeout, logger.With("component", "entitlement"))
	recorder := entitlement.NewRecorder(store.NewScanStore(db), cfg.StoreTimeout, logger.With("component", "recorder"))

	catalog, err := billing.NewCatalog(cfg.Stripe.Prices, cfg.Stripe.Packs)
	if err != nil {
		return nil, err
	}
	stripeClient := billingstripe.NewClient(billingstripe.Config{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		SuccessURL:    cfg.Stripe.SuccessURL,
		CancelURL:     cfg.Stripe.CancelURL,
	})
	reconciler := billing.NewReconciler(stripeClient, billing.Stores{
		Events:        store.NewWebhookEventStore(db),
		Subscriptions: subscriptionStore,
		Credits:       creditStore,
		Refs:          store.NewProviderRefStore(db),
	}, catalog, hub, cfg.WebhookLockTTL, logger.With("component", "reconciler"))

	// Checkout needs the secret key; the webhook only needs the signing secret.
	var checkoutH *handler.CheckoutHandler
	if cfg.Stripe.SecretKey != "" {
		checkoutH = handler.NewCheckoutHandler(billing.NewCheckout(stripeClient, catalog), logger.With("component", "checkout"))
	}

	return &Server{
		hub: hub,
		identity: identity.NewResolver(identity.Config{
			Secret: []byte(cfg.JWTSecret),
			Issuer: cfg.JWTIssuer,
		}, store.NewDeviceLinkStore(db), logger.With("component", "identity")),
		ledger:       ledger,
		entitlements: entitlements,
		scanH:        handler.NewScanHandler(entitlements, recorder, logger.With("component", "scan")),
		webhookH:     handler.NewWebhookHandler(reconciler, logger.With("component", "webhook")),
		checkoutH:    checkoutH,
		adminH:       handler.NewAdminHandler(creditStore, entitlements, hub, logger.With("component", "admin")),
		rateLimiter:  middleware.NewRateLimiter(cfg.RateLimit, time.Minute),
		rateLimit:    cfg.RateLimit,
		adminHash:    []byte(cfg.AdminTokenHash),
		logger:       logger,
	}, nil
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Hub returns the websocket hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Provider and operational routes carry no client identity
	outerMux.HandleFunc("POST /webhook", s.webhookH.HandleWebhook)
	outerMux.HandleFunc("GET /health", handler.Health(s.ledger))
	outerMux.Handle("GET /metrics", promhttp.Handler())

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("POST /admin/credits", s.adminH.GrantCredits)
	adminMux.HandleFunc("GET /admin/entitlements/{principal}", s.adminH.Entitlement)
	outerMux.Handle("/admin/", middleware.RequireAdminToken(s.adminHash)(adminMux))

	clientMux := http.NewServeMux()
	s.registerClientRoutes(clientMux)

	var client http.Handler = clientMux
	if s.rateLimit > 0 {
		client = middleware.RateLimit(s.rateLimiter, middleware.PrincipalKey)(client)
	}
	outerMux.Handle("/", middleware.RequireIdentity(s.identity, s.logger.With("component", "identity"))(client))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) registerClientRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /check-scan-limit", s.scanH.CheckScanLimit)
	mux.HandleFunc("POST /record-scan", s.scanH.RecordScan)
	mux.HandleFunc("GET /subscription-status/{id}", s.scanH.SubscriptionStatus)
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket")))

	if s.checkoutH != nil {
		mux.HandleFunc("POST /create-checkout-session", s.checkoutH.CreateSession)
	}
}
