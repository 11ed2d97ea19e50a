// Package config reads process configuration from the environment once at
// startup. Nothing else in the module calls os.Getenv.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"squadPlannerAPI/internal/tier"
)

// DefaultVercelPreviewPattern matches preview deployments of the web app.
const DefaultVercelPreviewPattern = `^https://squadplanner[a-z0-9-]*\.vercel\.app$`

var defaultAllowedOrigins = []string{
	"http://localhost:5173",
	"http://localhost:5174",
	"https://squadplanner.fr",
	"https://www.squadplanner.fr",
	"https://squadplanner.app",
	"https://www.squadplanner.app",
}

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Logging  LoggingConfig
	Auth     AuthConfig
	Stripe   StripeConfig
	Discord  DiscordConfig
	CORS     CORSConfig
	FCM      FCMConfig
	Metrics  MetricsConfig
	Cache    CacheConfig
}

type ServerConfig struct {
	Port            string
	Env             string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig selects the store. URL wins over SQLitePath.
type DatabaseConfig struct {
	URL        string
	SQLitePath string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type AuthConfig struct {
	ClerkSecretKey string
}

// StripeConfig holds one webhook secret per domain. An empty secret makes
// that endpoint answer 503.
type StripeConfig struct {
	SecretKey          string
	WebhookSecret      string
	GuildWebhookSecret string

	PricePremiumMonthly     string
	PricePremiumYearly      string
	PriceSquadLeaderMonthly string
	PriceSquadLeaderYearly  string
	PriceClubMonthly        string
	PriceClubYearly         string
	PriceBotPremiumMonthly  string
	PriceBotPremiumYearly   string
}

type DiscordConfig struct {
	ClientID     string
	ClientSecret string
	APIBaseURL   string
}

func (d DiscordConfig) Configured() bool {
	return d.ClientID != "" && d.ClientSecret != ""
}

type CORSConfig struct {
	AllowedOrigins []string
	OriginPattern  string
}

// FCMConfig points at Firebase service-account credentials. Either field
// enables billing push notifications.
type FCMConfig struct {
	CredentialsFile       string
	ServiceAccountJSONB64 string
}

func (f FCMConfig) Enabled() bool {
	return f.CredentialsFile != "" || f.ServiceAccountJSONB64 != ""
}

type MetricsConfig struct {
	User     string
	Password string
}

type CacheConfig struct {
	EntitlementTTL time.Duration
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds and validates a Config from the current environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			Env:             getEnv("APP_ENV", "development"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:        getEnv("DATABASE_URL", ""),
			SQLitePath: getEnv("SQLITE_PATH", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "auto"),
		},
		Auth: AuthConfig{
			ClerkSecretKey: getEnv("CLERK_SECRET_KEY", ""),
		},
		Stripe: StripeConfig{
			SecretKey:               getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret:           getEnv("STRIPE_WEBHOOK_SECRET", ""),
			GuildWebhookSecret:      getEnv("STRIPE_GUILD_WEBHOOK_SECRET", ""),
			PricePremiumMonthly:     getEnv("STRIPE_PRICE_PREMIUM_MONTHLY", ""),
			PricePremiumYearly:      getEnv("STRIPE_PRICE_PREMIUM_YEARLY", ""),
			PriceSquadLeaderMonthly: getEnv("STRIPE_PRICE_SL_MONTHLY", ""),
			PriceSquadLeaderYearly:  getEnv("STRIPE_PRICE_SL_YEARLY", ""),
			PriceClubMonthly:        getEnv("STRIPE_PRICE_CLUB_MONTHLY", ""),
			PriceClubYearly:         getEnv("STRIPE_PRICE_CLUB_YEARLY", ""),
			PriceBotPremiumMonthly:  getEnv("STRIPE_PRICE_BOT_PREMIUM_MONTHLY", ""),
			PriceBotPremiumYearly:   getEnv("STRIPE_PRICE_BOT_PREMIUM_YEARLY", ""),
		},
		Discord: DiscordConfig{
			ClientID:     getEnv("DISCORD_CLIENT_ID", ""),
			ClientSecret: getEnv("DISCORD_CLIENT_SECRET", ""),
			APIBaseURL:   strings.TrimRight(getEnv("DISCORD_API_BASE_URL", "https://discord.com/api"), "/"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", defaultAllowedOrigins),
			OriginPattern:  getEnv("CORS_ORIGIN_PATTERN", DefaultVercelPreviewPattern),
		},
		FCM: FCMConfig{
			CredentialsFile:       getEnv("FCM_CREDENTIALS_FILE", ""),
			ServiceAccountJSONB64: getEnv("FCM_SERVICE_ACCOUNT_JSON", ""),
		},
		Metrics: MetricsConfig{
			User:     getEnv("METRICS_USER", ""),
			Password: getEnv("METRICS_PASS", ""),
		},
		Cache: CacheConfig{
			EntitlementTTL: getEnvAsDuration("GUILD_ENTITLEMENT_CACHE_TTL", 5*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot start with. Missing
// webhook secrets and Discord credentials are not fatal.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" && c.Database.SQLitePath == "" {
		errs = append(errs, errors.New("DATABASE_URL or SQLITE_PATH must be set"))
	}
	if c.Server.Port == "" {
		errs = append(errs, errors.New("PORT must not be empty"))
	}
	if c.Cache.EntitlementTTL <= 0 {
		errs = append(errs, fmt.Errorf("GUILD_ENTITLEMENT_CACHE_TTL must be positive, got %s", c.Cache.EntitlementTTL))
	}
	if c.Auth.ClerkSecretKey == "" && c.IsProduction() {
		errs = append(errs, errors.New("CLERK_SECRET_KEY must be set in production"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Env, "production")
}

// PriceTable maps every configured price id to its tier. Bot prices unlock
// premium on a guild.
func (c *Config) PriceTable() map[string]tier.Tier {
	table := make(map[string]tier.Tier)
	add := func(id string, t tier.Tier) {
		if id = strings.TrimSpace(id); id != "" {
			table[id] = t
		}
	}
	s := c.Stripe
	add(s.PricePremiumMonthly, tier.Premium)
	add(s.PricePremiumYearly, tier.Premium)
	add(s.PriceSquadLeaderMonthly, tier.SquadLeader)
	add(s.PriceSquadLeaderYearly, tier.SquadLeader)
	add(s.PriceClubMonthly, tier.Club)
	add(s.PriceClubYearly, tier.Club)
	add(s.PriceBotPremiumMonthly, tier.Premium)
	add(s.PriceBotPremiumYearly, tier.Premium)
	return table
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts a Go duration ("90s") or a bare number of seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
		return d
	}
	if secs := getEnvAsInt(key, -1); secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimRight(strings.TrimSpace(part), "/"); part != "" {
			out = append(out, part)
		}
	}
	return out
}
