package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/haulscan/internal/auth"
	"github.com/dukerupert/haulscan/internal/entitlement"
	"github.com/dukerupert/haulscan/internal/model"
)

type ScanHandler struct {
	entitlements *entitlement.Resolver
	recorder     *entitlement.Recorder
	logger       *slog.Logger
}

func NewScanHandler(er *entitlement.Resolver, rec *entitlement.Recorder, logger *slog.Logger) *ScanHandler {
	return &ScanHandler{entitlements: er, recorder: rec, logger: logger}
}

type usageInfo struct {
	Tier         model.Tier   `json:"tier"`
	Status       model.Status `json:"status"`
	Unlimited    bool         `json:"unlimited"`
	Used         int64        `json:"used"`
	Limit        int64        `json:"limit"`
	BonusCredits int64        `json:"bonusCredits"`
	Remaining    int64        `json:"remaining"`
	PeriodStart  time.Time    `json:"periodStart"`
	PeriodEnd    time.Time    `json:"periodEnd"`
	Degraded     bool         `json:"degraded,omitempty"`
}

func newUsageInfo(ent model.Entitlement) usageInfo {
	return usageInfo{
		Tier:         ent.Tier,
		Status:       ent.Status,
		Unlimited:    ent.Unlimited,
		Used:         ent.UsedThisPeriod,
		Limit:        ent.BaseAllotment,
		BonusCredits: ent.BonusCredits,
		Remaining:    ent.Remaining,
		PeriodStart:  ent.PeriodStart,
		PeriodEnd:    ent.PeriodEnd,
		Degraded:     ent.Degraded,
	}
}

type checkScanRequest struct {
	ActionKind model.ActionKind `json:"action_kind"`
}

type checkScanResponse struct {
	CanScan   bool      `json:"canScan"`
	UsageInfo usageInfo `json:"usageInfo"`
	Reason    string    `json:"reason,omitempty"`
}

// CheckScanLimit answers whether the request principal may perform one more
// metered action. Store failures answer canScan true.
func (h *ScanHandler) CheckScanLimit(w http.ResponseWriter, r *http.Request) {
	var req checkScanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !req.ActionKind.Valid() {
		writeError(w, http.StatusBadRequest, "invalid action_kind")
		return
	}

	d := h.entitlements.CanScan(r.Context(), auth.Principal(r.Context()), req.ActionKind)
	writeJSON(w, http.StatusOK, checkScanResponse{
		CanScan:   d.Allowed,
		UsageInfo: newUsageInfo(d.Entitlement),
		Reason:    d.Reason,
	})
}

type recordScanRequest struct {
	ActionKind    model.ActionKind `json:"action_kind"`
	CorrelationID string           `json:"correlation_id"`
	Metadata      json.RawMessage  `json:"metadata"`
}

type recordScanResponse struct {
	Success       bool   `json:"success"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	Error         string `json:"error,omitempty"`
}

// RecordScan appends a scan after a completed metered action. A ledger
// failure is reported as success false with status 200 so the client never
// blocks on it.
func (h *ScanHandler) RecordScan(w http.ResponseWriter, r *http.Request) {
	var req recordScanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	res, err := h.recorder.RecordScan(r.Context(), auth.Principal(r.Context()), req.ActionKind, req.CorrelationID, req.Metadata)
	switch {
	case errors.Is(err, entitlement.ErrInvalidActionKind),
		errors.Is(err, entitlement.ErrInvalidMetadata),
		errors.Is(err, entitlement.ErrCorrelationID):
		writeJSON(w, http.StatusBadRequest, recordScanResponse{Error: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusOK, recordScanResponse{CorrelationID: res.CorrelationID, Error: "scan not recorded"})
		return
	}
	writeJSON(w, http.StatusOK, recordScanResponse{
		Success:       true,
		CorrelationID: res.CorrelationID,
		Duplicate:     res.Duplicate,
	})
}

type statusResponse struct {
	Principal    string                  `json:"principal"`
	Subscription model.SubscriptionState `json:"subscription"`
	Entitlement  model.Entitlement       `json:"entitlement"`
	UsageInfo    usageInfo               `json:"usageInfo"`
}

// SubscriptionStatus returns the combined subscription, usage and
// entitlement view. The path id must name the request principal, either in
// full form ("user:<id>") or as the bare id.
func (h *ScanHandler) SubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())
	if !ownsID(ac, r.PathValue("id")) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	st, err := h.entitlements.Status(r.Context(), ac.Principal)
	if err != nil {
		h.logger.Warn("subscription status unavailable", "principal", ac.Principal.String(), "error", err)
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Principal:    ac.Principal.String(),
		Subscription: st.Subscription,
		Entitlement:  st.Entitlement,
		UsageInfo:    newUsageInfo(st.Entitlement),
	})
}

// ownsID reports whether id refers to the request principal. A user may
// also use the device ID it signed in from.
func ownsID(ac auth.AuthContext, id string) bool {
	if id == "" || ac.Principal.IsZero() {
		return false
	}
	if id == ac.Principal.String() || id == ac.Principal.ID {
		return true
	}
	if ac.DeviceID != "" && (id == ac.DeviceID || id == model.DevicePrincipal(ac.DeviceID).String()) {
		return true
	}
	return false
}
