package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/haulscan/internal/database"
	"github.com/dukerupert/haulscan/internal/logging"
	"github.com/dukerupert/haulscan/internal/model"
	"github.com/dukerupert/haulscan/internal/store"
)

var (
	testSecret = []byte("test-secret")
	testNow    = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	testDevice = "3f2c1a9e-6b7d-4e8f-9a0b-1c2d3e4f5a6b"
)

type resolverTestEnv struct {
	resolver *Resolver
	links    *store.DeviceLinkStore
	scans    *store.ScanStore
}

func setupResolverTestDB(t *testing.T, issuer string) resolverTestEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	links := store.NewDeviceLinkStore(db)
	r := NewResolver(Config{Secret: testSecret, Issuer: issuer}, links, logging.Discard())
	r.now = func() time.Time { return testNow }
	return resolverTestEnv{resolver: r, links: links, scans: store.NewScanStore(db)}
}

func bearer(t *testing.T, secret []byte, issuer, userID string, ttl time.Duration) string {
	t.Helper()
	tok, err := SignToken(secret, issuer, userID, ttl, testNow)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + tok
}

func TestResolveDevice(t *testing.T) {
	env := setupResolverTestDB(t, "")

	ac, err := env.resolver.Resolve(t.Context(), "", testDevice)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ac.Principal != model.DevicePrincipal(testDevice) {
		t.Errorf("principal = %v, want device principal", ac.Principal)
	}
}

func TestResolveDeviceNormalizesUUID(t *testing.T) {
	env := setupResolverTestDB(t, "")

	ac, err := env.resolver.Resolve(t.Context(), "", "3F2C1A9E-6B7D-4E8F-9A0B-1C2D3E4F5A6B")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ac.Principal.ID != testDevice {
		t.Errorf("device id = %q, want %q", ac.Principal.ID, testDevice)
	}
}

func TestResolveNoCredentials(t *testing.T) {
	env := setupResolverTestDB(t, "")

	_, err := env.resolver.Resolve(t.Context(), "", "")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestResolveUser(t *testing.T) {
	env := setupResolverTestDB(t, "haulscan")

	ac, err := env.resolver.Resolve(t.Context(), bearer(t, testSecret, "haulscan", "u-1", time.Hour), "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ac.Principal != model.UserPrincipal("u-1") {
		t.Errorf("principal = %v, want user:u-1", ac.Principal)
	}
	if ac.Merged {
		t.Error("expected no merge without a device id")
	}
}

func TestResolveRejectsBadTokens(t *testing.T) {
	env := setupResolverTestDB(t, "haulscan")

	tests := []struct {
		name   string
		header string
	}{
		{"wrong secret", bearer(t, []byte("other"), "haulscan", "u-1", time.Hour)},
		{"expired", bearer(t, testSecret, "haulscan", "u-1", -time.Minute)},
		{"wrong issuer", bearer(t, testSecret, "someone-else", "u-1", time.Hour)},
		{"empty subject", bearer(t, testSecret, "haulscan", "", time.Hour)},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"garbage", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.resolver.Resolve(t.Context(), tt.header, testDevice)
			if !errors.Is(err, ErrUnauthenticated) {
				t.Errorf("err = %v, want ErrUnauthenticated", err)
			}
		})
	}
}

func TestResolveMergesDeviceOnLogin(t *testing.T) {
	env := setupResolverTestDB(t, "")
	ctx := t.Context()

	if _, err := env.scans.Record(ctx, &model.ScanRecord{
		Principal:     model.DevicePrincipal(testDevice),
		ActionKind:    model.ActionTextSearchCurrent,
		OccurredAt:    testNow,
		CorrelationID: "anon-1",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	header := bearer(t, testSecret, "", "u-1", time.Hour)
	ac, err := env.resolver.Resolve(ctx, header, testDevice)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ac.Merged {
		t.Error("expected first login to merge")
	}

	start, end := model.CalendarMonth(testNow)
	n, err := env.scans.CountBetween(ctx, model.UserPrincipal("u-1"), start, end)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("user scans = %d, want 1", n)
	}

	ac, err = env.resolver.Resolve(ctx, header, testDevice)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if ac.Merged {
		t.Error("expected second login not to merge again")
	}
}

func TestResolveLinkedDeviceWithoutToken(t *testing.T) {
	env := setupResolverTestDB(t, "")
	ctx := t.Context()

	if _, err := env.links.Merge(ctx, testDevice, "u-1", testNow); err != nil {
		t.Fatalf("merge: %v", err)
	}

	ac, err := env.resolver.Resolve(ctx, "", testDevice)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ac.Principal != model.UserPrincipal("u-1") {
		t.Errorf("principal = %v, want user:u-1", ac.Principal)
	}
}

func TestResolveDeviceLinkedToOtherUser(t *testing.T) {
	env := setupResolverTestDB(t, "")
	ctx := t.Context()

	if _, err := env.links.Merge(ctx, testDevice, "u-1", testNow); err != nil {
		t.Fatalf("merge: %v", err)
	}

	ac, err := env.resolver.Resolve(ctx, bearer(t, testSecret, "", "u-2", time.Hour), testDevice)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ac.Principal != model.UserPrincipal("u-2") {
		t.Errorf("principal = %v, want user:u-2", ac.Principal)
	}
	if ac.Merged {
		t.Error("expected no merge for a device linked elsewhere")
	}
}

func TestNormalizeDeviceID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: testDevice, want: testDevice},
		{in: "{3f2c1a9e-6b7d-4e8f-9a0b-1c2d3e4f5a6b}", want: testDevice},
		{in: "3f2c1a9e6b7d4e8f9a0b1c2d3e4f5a6b", want: testDevice},
		{in: "ios.install_0001", want: "ios.install_0001"},
		{in: "", wantErr: true},
		{in: "short", wantErr: true},
		{in: "has spaces in it", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeDeviceID(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnauthenticated) {
				t.Errorf("NormalizeDeviceID(%q) err = %v, want ErrUnauthenticated", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeDeviceID(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeDeviceID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseBearer(t *testing.T) {
	tests := []struct {
		in    string
		token string
		ok    bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Bearer", "", false},
		{"Token abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		token, ok := ParseBearer(tt.in)
		if token != tt.token || ok != tt.ok {
			t.Errorf("ParseBearer(%q) = %q, %v; want %q, %v", tt.in, token, ok, tt.token, tt.ok)
		}
	}
}
