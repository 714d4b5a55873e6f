package identity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var opaqueDeviceID = regexp.MustCompile(`^[A-Za-z0-9._-]{8,128}$`)

// NormalizeDeviceID canonicalizes a per-install identifier. UUIDs in any of
// the accepted encodings collapse to the lowercase hyphenated form so that
// one install never maps to two principals; other IDs must be 8-128
// URL-safe characters and are kept as-is.
func NormalizeDeviceID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty device id", ErrUnauthenticated)
	}
	if id, err := uuid.Parse(raw); err == nil {
		return id.String(), nil
	}
	if !opaqueDeviceID.MatchString(raw) {
		return "", fmt.Errorf("%w: malformed device id", ErrUnauthenticated)
	}
	return raw, nil
}
