package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/dukerupert/haulscan/internal/billing"
)

const signatureHeader = "Stripe-Signature"

type WebhookHandler struct {
	reconciler *billing.Reconciler
	logger     *slog.Logger
}

func NewWebhookHandler(rc *billing.Reconciler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: rc, logger: logger}
}

// HandleWebhook acknowledges an event with 200 once it is applied or known
// to be a duplicate. Any other status makes the provider redeliver, except
// 400 for a bad signature.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	ack, err := h.reconciler.HandleProviderEvent(r.Context(), body, r.Header.Get(signatureHeader))
	if err != nil {
		writeError(w, webhookStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"event_id": ack.EventID,
		"outcome":  ack.Outcome,
	})
}

func webhookStatus(err error) int {
	switch {
	case errors.Is(err, billing.ErrSignatureInvalid):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrEventInFlight):
		return http.StatusConflict
	case errors.Is(err, billing.ErrUnresolvedPrincipal):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
