package model

import (
	"fmt"
	"strings"
)

type PrincipalKind string

const (
	PrincipalUser   PrincipalKind = "user"
	PrincipalDevice PrincipalKind = "device"
)

// Principal is the identity usage and entitlement are tracked against.
// Exactly one of user or device is authoritative for a request.
type Principal struct {
	Kind PrincipalKind `json:"kind"`
	ID   string        `json:"id"`
}

func UserPrincipal(id string) Principal {
	return Principal{Kind: PrincipalUser, ID: id}
}

func DevicePrincipal(id string) Principal {
	return Principal{Kind: PrincipalDevice, ID: id}
}

// String returns the storage key form, e.g. "user:42" or "device:9f1c...".
func (p Principal) String() string {
	return string(p.Kind) + ":" + p.ID
}

func (p Principal) IsZero() bool {
	return p.ID == ""
}

func (p Principal) IsUser() bool {
	return p.Kind == PrincipalUser
}

// ParsePrincipal parses the storage key form produced by String.
func ParsePrincipal(s string) (Principal, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || id == "" {
		return Principal{}, fmt.Errorf("parse principal %q: missing kind or id", s)
	}
	switch PrincipalKind(kind) {
	case PrincipalUser, PrincipalDevice:
		return Principal{Kind: PrincipalKind(kind), ID: id}, nil
	default:
		return Principal{}, fmt.Errorf("parse principal %q: unknown kind %q", s, kind)
	}
}
