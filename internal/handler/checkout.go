package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/haulscan/internal/auth"
	"github.com/dukerupert/haulscan/internal/billing"
)

type CheckoutHandler struct {
	checkout *billing.Checkout
	logger   *slog.Logger
}

func NewCheckoutHandler(c *billing.Checkout, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{checkout: c, logger: logger}
}

func (h *CheckoutHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req billing.CheckoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	p := auth.Principal(r.Context())
	sess, err := h.checkout.Create(p, req)
	if errors.Is(err, billing.ErrUnknownPlan) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("create checkout session", "principal", p.String(), "error", err)
		writeError(w, http.StatusBadGateway, "checkout unavailable")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
