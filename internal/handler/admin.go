package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/haulscan/internal/billing"
	"github.com/dukerupert/haulscan/internal/entitlement"
	"github.com/dukerupert/haulscan/internal/metrics"
	"github.com/dukerupert/haulscan/internal/model"
	"github.com/dukerupert/haulscan/internal/store"
)

// AdminHandler serves operator endpoints behind the admin token.
type AdminHandler struct {
	credits      *store.CreditStore
	entitlements *entitlement.Resolver
	notifier     billing.Notifier
	logger       *slog.Logger
	now          func() time.Time
}

func NewAdminHandler(cs *store.CreditStore, er *entitlement.Resolver, notifier billing.Notifier, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{credits: cs, entitlements: er, notifier: notifier, logger: logger, now: time.Now}
}

type grantRequest struct {
	Principal       string `json:"principal"`
	Quantity        int64  `json:"quantity"`
	SourceReference string `json:"source_reference"`
}

// GrantCredits appends a manual credit grant. Repeating a source reference
// is a no-op reported with granted false.
func (h *AdminHandler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	p, err := model.ParsePrincipal(req.Principal)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid principal")
		return
	}
	if req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "quantity must be positive")
		return
	}
	req.SourceReference = strings.TrimSpace(req.SourceReference)
	if req.SourceReference == "" {
		writeError(w, http.StatusBadRequest, "source_reference is required")
		return
	}

	inserted, err := h.credits.Grant(r.Context(), &model.CreditGrant{
		Principal:       p,
		Quantity:        req.Quantity,
		GrantedAt:       h.now().UTC(),
		SourceReference: "admin:" + req.SourceReference,
	})
	if err != nil {
		h.logger.Error("admin credit grant failed", "principal", p.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "grant failed")
		return
	}
	status := http.StatusOK
	if inserted {
		status = http.StatusCreated
		metrics.CreditsGrantedTotal.WithLabelValues("admin").Add(float64(req.Quantity))
		h.logger.Info("admin credit grant", "principal", p.String(), "quantity", req.Quantity, "source_reference", req.SourceReference)
		if h.notifier != nil {
			h.notifier.EntitlementChanged(p, "admin_grant")
		}
	}
	writeJSON(w, status, map[string]any{"granted": inserted})
}

// Entitlement returns the status view for any principal.
func (h *AdminHandler) Entitlement(w http.ResponseWriter, r *http.Request) {
	p, err := model.ParsePrincipal(r.PathValue("principal"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid principal")
		return
	}
	st, err := h.entitlements.Status(r.Context(), p)
	if err != nil {
		h.logger.Warn("admin entitlement lookup failed", "principal", p.String(), "error", err)
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
