package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/adseeker/tinyengage/internal/risk"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "TINYENGAGE"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultPublicBaseURL      = "http://localhost:8080"
	defaultThankYouPath       = "/thank-you"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabasePath       = "tinyengage.db"
	defaultLogLevel           = "info"
	defaultTokenExpiration    = 14
	defaultOperatorIssuer     = "tinyengage-cli"
	defaultOperatorAudience   = "tinyengage-api"
	defaultOperatorTTLMinutes = 60
	defaultTimingFloorSeconds = 30
	defaultSequentialMinPrior = 3
)

// BotConfig holds the risk scorer and sequential detector tuning.
type BotConfig struct {
	Penalties          risk.Penalties
	Threshold          int
	TimingFloor        time.Duration
	SequentialWindow   time.Duration
	SequentialMinPrior int
}

// AppConfig captures runtime configuration for the API server and CLI.
type AppConfig struct {
	HTTPAddress           string
	TrustedProxies        []string
	AllowedOrigins        []string
	PublicBaseURL         string
	ThankYouPath          string
	DatabaseDriver        string
	DatabasePath          string
	DatabaseDSN           string
	TokenSigningSecret    string
	TokenExpiration       time.Duration
	OperatorSigningSecret string
	OperatorIssuer        string
	OperatorAudience      string
	OperatorTokenTTL      time.Duration
	Bot                   BotConfig
	LogLevel              string
}

// OperatorAPIEnabled reports whether operator JWTs can be minted and verified.
func (c AppConfig) OperatorAPIEnabled() bool {
	return strings.TrimSpace(c.OperatorSigningSecret) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	penalties := risk.DefaultPenalties()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.trusted_proxies", []string{})
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("public.base_url", defaultPublicBaseURL)
	configViper.SetDefault("public.thank_you_path", defaultThankYouPath)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("token.signing_secret", "")
	configViper.SetDefault("token.expiration_days", defaultTokenExpiration)
	configViper.SetDefault("operator.signing_secret", "")
	configViper.SetDefault("operator.issuer", defaultOperatorIssuer)
	configViper.SetDefault("operator.audience", defaultOperatorAudience)
	configViper.SetDefault("operator.token_ttl_minutes", defaultOperatorTTLMinutes)
	configViper.SetDefault("bot.penalty.user_agent", penalties.UserAgent)
	configViper.SetDefault("bot.penalty.timing", penalties.Timing)
	configViper.SetDefault("bot.penalty.ip_address", penalties.IPAddress)
	configViper.SetDefault("bot.penalty.malformed_request", penalties.MalformedRequest)
	configViper.SetDefault("bot.penalty.sequential_pattern", penalties.SequentialPattern)
	configViper.SetDefault("bot.threshold", risk.DefaultThreshold)
	configViper.SetDefault("bot.timing_floor_seconds", defaultTimingFloorSeconds)
	configViper.SetDefault("bot.sequential_window_seconds", 0)
	configViper.SetDefault("bot.sequential_min_prior", defaultSequentialMinPrior)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		TrustedProxies:        splitList(configViper.GetStringSlice("http.trusted_proxies")),
		AllowedOrigins:        splitList(configViper.GetStringSlice("http.allowed_origins")),
		PublicBaseURL:         strings.TrimRight(strings.TrimSpace(configViper.GetString("public.base_url")), "/"),
		ThankYouPath:          configViper.GetString("public.thank_you_path"),
		DatabaseDriver:        strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:          configViper.GetString("database.path"),
		DatabaseDSN:           configViper.GetString("database.dsn"),
		TokenSigningSecret:    configViper.GetString("token.signing_secret"),
		TokenExpiration:       time.Duration(configViper.GetInt("token.expiration_days")) * 24 * time.Hour,
		OperatorSigningSecret: configViper.GetString("operator.signing_secret"),
		OperatorIssuer:        configViper.GetString("operator.issuer"),
		OperatorAudience:      configViper.GetString("operator.audience"),
		OperatorTokenTTL:      time.Duration(configViper.GetInt("operator.token_ttl_minutes")) * time.Minute,
		Bot: BotConfig{
			Penalties: risk.Penalties{
				UserAgent:         configViper.GetInt("bot.penalty.user_agent"),
				Timing:            configViper.GetInt("bot.penalty.timing"),
				IPAddress:         configViper.GetInt("bot.penalty.ip_address"),
				MalformedRequest:  configViper.GetInt("bot.penalty.malformed_request"),
				SequentialPattern: configViper.GetInt("bot.penalty.sequential_pattern"),
			},
			Threshold:          configViper.GetInt("bot.threshold"),
			TimingFloor:        time.Duration(configViper.GetInt("bot.timing_floor_seconds")) * time.Second,
			SequentialWindow:   time.Duration(configViper.GetInt("bot.sequential_window_seconds")) * time.Second,
			SequentialMinPrior: configViper.GetInt("bot.sequential_min_prior"),
		},
		LogLevel: configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TokenSigningSecret) == "" {
		return fmt.Errorf("token.signing_secret is required")
	}
	if c.TokenExpiration <= 0 {
		return fmt.Errorf("token.expiration_days must be positive")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.PublicBaseURL == "" {
		return fmt.Errorf("public.base_url is required")
	}
	if !strings.HasPrefix(c.ThankYouPath, "/") && !strings.Contains(c.ThankYouPath, "://") {
		return fmt.Errorf("public.thank_you_path must be an absolute path or URL")
	}
	if c.OperatorAPIEnabled() {
		if strings.TrimSpace(c.OperatorIssuer) == "" {
			return fmt.Errorf("operator.issuer is required")
		}
		if strings.TrimSpace(c.OperatorAudience) == "" {
			return fmt.Errorf("operator.audience is required")
		}
		if c.OperatorTokenTTL <= 0 {
			return fmt.Errorf("operator.token_ttl_minutes must be positive")
		}
	}
	penalties := map[string]int{
		"bot.penalty.user_agent":         c.Bot.Penalties.UserAgent,
		"bot.penalty.timing":             c.Bot.Penalties.Timing,
		"bot.penalty.ip_address":         c.Bot.Penalties.IPAddress,
		"bot.penalty.malformed_request":  c.Bot.Penalties.MalformedRequest,
		"bot.penalty.sequential_pattern": c.Bot.Penalties.SequentialPattern,
	}
	for key, value := range penalties {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.Bot.TimingFloor <= 0 {
		return fmt.Errorf("bot.timing_floor_seconds must be positive")
	}
	if c.Bot.Threshold <= 0 {
		return fmt.Errorf("bot.threshold must be positive")
	}
	if c.Bot.SequentialWindow < 0 {
		return fmt.Errorf("bot.sequential_window_seconds must not be negative")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
