package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/haulscan/internal/model"
)

const envPrefix = "HAULSCAN_"

// Config holds all configuration for the haulscan service.
type Config struct {
	Port           int
	DBPath         string
	LogLevel       string
	LogFormat      string
	JWTSecret      string
	JWTIssuer      string
	StoreTimeout   time.Duration
	WebhookLockTTL time.Duration
	RateLimit      int // requests per principal per minute, 0 disables
	AdminTokenHash string
	Allotments     model.Allotments
	Stripe         Stripe
}

type Stripe struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	// Prices maps "<tier>_<interval>" (e.g. "pro_monthly") to a price ID.
	Prices map[string]string
	// Packs maps a scan-pack size to its one-time price ID.
	Packs map[int64]string
}

// Load reads configuration from HAULSCAN_* environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return fromEnv(os.Environ())
}

func fromEnv(environ []string) (*Config, error) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, envPrefix) {
			continue
		}
		env[strings.TrimPrefix(k, envPrefix)] = strings.TrimSpace(v)
	}
	get := func(key, fallback string) string {
		if v := env[key]; v != "" {
			return v
		}
		return fallback
	}

	port, err := envInt(env, "PORT", 8080)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envInt(env, "RATE_LIMIT", 60)
	if err != nil {
		return nil, err
	}
	storeTimeout, err := envDuration(env, "STORE_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, err
	}
	lockTTL, err := envDuration(env, "WEBHOOK_LOCK_TTL", 2*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:           port,
		DBPath:         get("DB_PATH", "haulscan.db"),
		LogLevel:       get("LOG_LEVEL", "info"),
		LogFormat:      get("LOG_FORMAT", "text"),
		JWTSecret:      env["JWT_SECRET"],
		JWTIssuer:      env["JWT_ISSUER"],
		StoreTimeout:   storeTimeout,
		WebhookLockTTL: lockTTL,
		RateLimit:      rateLimit,
		AdminTokenHash: env["ADMIN_TOKEN_HASH"],
		Allotments:     model.Allotments{},
		Stripe: Stripe{
			SecretKey:     env["STRIPE_SECRET_KEY"],
			WebhookSecret: env["STRIPE_WEBHOOK_SECRET"],
			SuccessURL:    env["STRIPE_SUCCESS_URL"],
			CancelURL:     env["STRIPE_CANCEL_URL"],
			Prices:        map[string]string{},
			Packs:         map[int64]string{},
		},
	}

	for tier, n := range model.DefaultAllotments {
		cfg.Allotments[tier] = n
	}
	for key, v := range env {
		switch {
		case strings.HasPrefix(key, "ALLOTMENT_"):
			tier := model.Tier(strings.ToLower(strings.TrimPrefix(key, "ALLOTMENT_")))
			if !tier.Valid() || tier == model.TierUnlimited {
				return nil, fmt.Errorf("%s%s: unknown metered tier %q", envPrefix, key, tier)
			}
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%s%s must be a non-negative integer", envPrefix, key)
			}
			cfg.Allotments[tier] = n
		case strings.HasPrefix(key, "STRIPE_PRICE_PACK_"):
			n, err := strconv.ParseInt(strings.TrimPrefix(key, "STRIPE_PRICE_PACK_"), 10, 64)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("%s%s: pack size must be a positive integer", envPrefix, key)
			}
			if v != "" {
				cfg.Stripe.Packs[n] = v
			}
		case strings.HasPrefix(key, "STRIPE_PRICE_"):
			if v != "" {
				cfg.Stripe.Prices[strings.ToLower(strings.TrimPrefix(key, "STRIPE_PRICE_"))] = v
			}
		}
	}
	return cfg, nil
}

// Validate checks the settings the HTTP server cannot run without.
func (c *Config) Validate() error {
	var missing []string
	if c.JWTSecret == "" {
		missing = append(missing, envPrefix+"JWT_SECRET")
	}
	if c.Stripe.WebhookSecret == "" {
		missing = append(missing, envPrefix+"STRIPE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%sPORT must be between 1 and 65535, got %d", envPrefix, c.Port)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("%sSTORE_TIMEOUT must be positive, got %s", envPrefix, c.StoreTimeout)
	}
	if c.WebhookLockTTL <= 0 {
		return fmt.Errorf("%sWEBHOOK_LOCK_TTL must be positive, got %s", envPrefix, c.WebhookLockTTL)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%sRATE_LIMIT must not be negative, got %d", envPrefix, c.RateLimit)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func envInt(env map[string]string, key string, fallback int) (int, error) {
	v := env[key]
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s must be a valid integer: %w", envPrefix, key, err)
	}
	return n, nil
}

func envDuration(env map[string]string, key string, fallback time.Duration) (time.Duration, error) {
	v := env[key]
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s must be a valid duration: %w", envPrefix, key, err)
	}
	return d, nil
}
