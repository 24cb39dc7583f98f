package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	infisical "github.com/infisical/go-sdk"
	"github.com/shopspring/decimal"

	"github.com/web3-frozen/lending-monitor/internal/apperr"
	"github.com/web3-frozen/lending-monitor/internal/chain"
)

type Config struct {
	Port            string
	DatabaseURL     string
	RedisURL        string
	RedisPassword   string
	FrontendOrigins []string

	DefaultRPCURL string
	HeliusRPCURL  string
	RPCTimeout    time.Duration

	KlendAPIURL   string
	KlendAPIKey   string
	LegacyAPIURL  string
	HTTPTimeout   time.Duration
	LTVTick       decimal.Decimal
	RegistryFile  string
	CoinGeckoRate int

	TelegramToken  string
	TelegramChatID int64

	BorrowInterval time.Duration
	LoanInterval   time.Duration
	PriceInterval  time.Duration

	// invalid collects variables that were set but could not be parsed.
	invalid []error
}

func Load() Config {
	cfg := Config{
		Port:            envOr("PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        envOr("REDIS_URL", "redis://redis-master.redis.svc.cluster.local:6379/0"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		FrontendOrigins: splitList(envOr("FRONTEND_ORIGIN", "*")),
		DefaultRPCURL:   envOr("DEFAULT_RPC_URL", chain.DefaultRPC),
		HeliusRPCURL:    os.Getenv("HELIUS_RPC_URL"),
		KlendAPIURL:     os.Getenv("KLEND_API_URL"),
		KlendAPIKey:     os.Getenv("KLEND_API_KEY"),
		LegacyAPIURL:    os.Getenv("LEGACY_API_URL"),
		RegistryFile:    os.Getenv("REGISTRY_FILE"),
		TelegramToken:   os.Getenv("TELEGRAM_BOT_TOKEN"),
	}
	cfg.RPCTimeout = cfg.duration("RPC_TIMEOUT", 10*time.Second)
	cfg.HTTPTimeout = cfg.duration("HTTP_TIMEOUT", 15*time.Second)
	cfg.BorrowInterval = cfg.duration("BORROW_INTERVAL", 30*time.Second)
	cfg.LoanInterval = cfg.duration("LOAN_INTERVAL", 60*time.Second)
	cfg.PriceInterval = cfg.duration("PRICE_INTERVAL", 30*time.Second)
	cfg.LTVTick = cfg.decimal("LTV_TICK", decimal.RequireFromString("0.01"))
	cfg.CoinGeckoRate = int(cfg.integer("COINGECKO_PER_MINUTE", 30))
	cfg.TelegramChatID = cfg.integer("TELEGRAM_CHAT_ID", 0)

	// If Infisical credentials are available, fetch secrets from Infisical
	clientID := os.Getenv("INFISICAL_CLIENT_ID")
	clientSecret := os.Getenv("INFISICAL_CLIENT_SECRET")
	if clientID != "" && clientSecret != "" {
		loadFromInfisical(&cfg, clientID, clientSecret)
	}

	return cfg
}

// Validate reports unparsable values and settings that only make sense
// together. Missing upstream URLs are not errors: the endpoints that need
// them answer with a ConfigError instead.
func (c Config) Validate() error {
	errs := append([]error(nil), c.invalid...)
	for name, d := range map[string]time.Duration{
		"BORROW_INTERVAL": c.BorrowInterval,
		"LOAN_INTERVAL":   c.LoanInterval,
		"PRICE_INTERVAL":  c.PriceInterval,
	} {
		if d < time.Second {
			errs = append(errs, apperr.Invalid(name, "must be at least 1s"))
		}
	}
	if !c.LTVTick.IsPositive() {
		errs = append(errs, apperr.Invalid("LTV_TICK", "must be positive"))
	}
	if c.TelegramToken != "" && c.TelegramChatID == 0 {
		errs = append(errs, &apperr.ConfigError{Key: "TELEGRAM_CHAT_ID"})
	}
	return errors.Join(errs...)
}

// RPCEndpoints lists the selectable RPC endpoints. Helius is listed even
// without a URL so choosing it yields a ConfigError rather than "unknown".
func (c Config) RPCEndpoints() []chain.Endpoint {
	return []chain.Endpoint{
		{Label: "Default RPC", URL: c.DefaultRPCURL},
		{Label: "Helius", URL: c.HeliusRPCURL},
	}
}

func loadFromInfisical(cfg *Config, clientID, clientSecret string) {
	siteURL := envOr("INFISICAL_SITE_URL",
		"http://infisical-infisical-standalone-infisical.infisical.svc.cluster.local:8080")
	projectID := os.Getenv("INFISICAL_PROJECT_ID")
	envSlug := envOr("INFISICAL_ENV", "prod")

	if projectID == "" {
		slog.Warn("INFISICAL_PROJECT_ID not set, skipping Infisical")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := infisical.NewInfisicalClient(ctx, infisical.Config{
		SiteUrl:          siteURL,
		AutoTokenRefresh: false,
	})

	_, err := client.Auth().UniversalAuthLogin(clientID, clientSecret)
	if err != nil {
		slog.Error("infisical auth failed", "error", err)
		return
	}

	secrets := map[string]*string{
		"HELIUS_RPC_URL":     &cfg.HeliusRPCURL,
		"TELEGRAM_BOT_TOKEN": &cfg.TelegramToken,
		"REDIS_PASSWORD":     &cfg.RedisPassword,
		"KLEND_API_KEY":      &cfg.KlendAPIKey,
	}

	for key, target := range secrets {
		if *target != "" {
			continue // env var already set
		}
		secret, err := client.Secrets().Retrieve(infisical.RetrieveSecretOptions{
			SecretKey:   key,
			Environment: envSlug,
			ProjectID:   projectID,
			SecretPath:  "/",
		})
		if err != nil {
			slog.Warn("failed to retrieve secret from infisical", "key", key, "error", err)
			continue
		}
		*target = secret.SecretValue
		slog.Info("loaded secret from infisical", "key", key)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (c *Config) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		c.invalid = append(c.invalid, apperr.Invalid(key, "not a duration: "+v))
		return fallback
	}
	return d
}

func (c *Config) decimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		c.invalid = append(c.invalid, apperr.Invalid(key, "not a number: "+v))
		return fallback
	}
	return d
}

func (c *Config) integer(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		c.invalid = append(c.invalid, apperr.Invalid(key, "not an integer: "+v))
		return fallback
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
