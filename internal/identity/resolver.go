package identity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukerupert/haulscan/internal/auth"
	"github.com/dukerupert/haulscan/internal/metrics"
	"github.com/dukerupert/haulscan/internal/model"
	"github.com/dukerupert/haulscan/internal/store"
)

// ErrUnauthenticated is returned when a request carries neither a valid
// user token nor a usable device identifier, or carries a bad token.
var ErrUnauthenticated = errors.New("unauthenticated")

// Linker is the device link storage the resolver depends on.
type Linker interface {
	LinkedUser(ctx context.Context, deviceID string) (string, error)
	Merge(ctx context.Context, deviceID, userID string, now time.Time) (store.MergeResult, error)
}

type Config struct {
	Secret []byte
	Issuer string
}

// Resolver maps request credentials to the canonical principal.
type Resolver struct {
	secret []byte
	issuer string
	links  Linker
	logger *slog.Logger
	now    func() time.Time
}

func NewResolver(cfg Config, links Linker, logger *slog.Logger) *Resolver {
	return &Resolver{
		secret: cfg.Secret,
		issuer: cfg.Issuer,
		links:  links,
		logger: logger,
		now:    time.Now,
	}
}

// Resolve returns the principal for a request. A valid bearer token wins
// and triggers the one-time merge of deviceID into the user; a token that
// is present but invalid is rejected rather than downgraded to the device.
// Without a token, a device already linked to a user resolves to that user.
func (r *Resolver) Resolve(ctx context.Context, authHeader, deviceID string) (auth.AuthContext, error) {
	var device string
	if deviceID != "" {
		d, err := NormalizeDeviceID(deviceID)
		if err != nil {
			return auth.AuthContext{}, err
		}
		device = d
	}

	if authHeader != "" {
		raw, ok := ParseBearer(authHeader)
		if !ok {
			return auth.AuthContext{}, errors.Join(ErrUnauthenticated, errors.New("authorization header is not a bearer token"))
		}
		userID, err := r.verifyToken(raw)
		if err != nil {
			return auth.AuthContext{}, err
		}
		ac := auth.AuthContext{Principal: model.UserPrincipal(userID), DeviceID: device}
		if device != "" {
			ac.Merged = r.link(ctx, device, userID)
		}
		return ac, nil
	}

	if device == "" {
		return auth.AuthContext{}, errors.Join(ErrUnauthenticated, errors.New("no credentials"))
	}
	ac := auth.AuthContext{Principal: model.DevicePrincipal(device), DeviceID: device}
	userID, err := r.links.LinkedUser(ctx, device)
	if err != nil {
		r.logger.Warn("device link lookup failed, using device principal", "device_id", device, "error", err)
		return ac, nil
	}
	if userID != "" {
		ac.Principal = model.UserPrincipal(userID)
	}
	return ac, nil
}

// link merges device into userID the first time the pair is seen. Merge
// failures are logged and retried on the next authenticated request.
func (r *Resolver) link(ctx context.Context, device, userID string) bool {
	linked, err := r.links.LinkedUser(ctx, device)
	if err != nil {
		r.logger.Warn("device link lookup failed", "device_id", device, "user_id", userID, "error", err)
		return false
	}
	if linked != "" {
		if linked != userID {
			r.logger.Debug("device already linked to another user", "device_id", device, "user_id", userID, "linked_user_id", linked)
		}
		return false
	}

	res, err := r.links.Merge(ctx, device, userID, r.now())
	if err != nil {
		metrics.IdentityMergesTotal.WithLabelValues("failed").Inc()
		r.logger.Error("merge device into user", "device_id", device, "user_id", userID, "error", err)
		return false
	}
	if !res.Merged {
		metrics.IdentityMergesTotal.WithLabelValues("already_linked").Inc()
		return false
	}
	metrics.IdentityMergesTotal.WithLabelValues("merged").Inc()
	r.logger.Info("merged device into user",
		"device_id", device,
		"user_id", userID,
		"scans", res.Scans,
		"credits", res.Credits,
		"subscription", res.Subscription,
	)
	return true
}
