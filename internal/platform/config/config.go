package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	EnvPrefix        = "PAYCODE"
	DefaultJWTSecret = "dev-insecure-change-me"
)

type TLS struct {
	Enabled           bool
	CertFile          string
	KeyFile           string
	ClientCAFile      string
	RequireClientCert bool
}

type Config struct {
	Version          string
	HTTPAddr         string
	GRPCAddr         string
	DatabaseURL      string
	JWTSecret        string
	TrustedCIDRs     []string
	StrictProduction bool
	LogLevel         string
	TLS              TLS

	CodeDigits      int
	CodeTTL         time.Duration
	CodeMaxTTL      time.Duration
	CodeMaxAttempts int
	AmountCeiling   decimal.Decimal
	LockTimeout     time.Duration

	SweepInterval  time.Duration
	SweepBatchSize int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("version", "dev")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":8081")
	v.SetDefault("database_url", "")
	v.SetDefault("jwt_secret", DefaultJWTSecret)
	v.SetDefault("trusted_cidrs", "127.0.0.1/32,::1/128")
	v.SetDefault("strict_production", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("tls_enabled", false)
	v.SetDefault("tls_cert_file", "")
	v.SetDefault("tls_key_file", "")
	v.SetDefault("tls_client_ca_file", "")
	v.SetDefault("tls_require_client_cert", false)
	v.SetDefault("code_digits", 6)
	v.SetDefault("code_ttl", "3m")
	v.SetDefault("code_max_ttl", "1h")
	v.SetDefault("code_max_attempts", 10)
	v.SetDefault("amount_ceiling", "10000.00")
	v.SetDefault("lock_timeout", "5s")
	v.SetDefault("sweep_interval", "30s")
	v.SetDefault("sweep_batch_size", 500)
}

// Load resolves configuration from defaults, an optional .env file, an
// optional YAML file named by PAYCODE_CONFIG_FILE, and PAYCODE_* variables,
// later sources winning.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	v := viper.New()
	setDefaults(v)
	if file := os.Getenv(EnvPrefix + "_CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	ceiling, err := decimal.NewFromString(v.GetString("amount_ceiling"))
	if err != nil {
		return Config{}, fmt.Errorf("amount_ceiling: %w", err)
	}
	cfg := Config{
		Version:          v.GetString("version"),
		HTTPAddr:         v.GetString("http_addr"),
		GRPCAddr:         v.GetString("grpc_addr"),
		DatabaseURL:      v.GetString("database_url"),
		JWTSecret:        v.GetString("jwt_secret"),
		TrustedCIDRs:     splitList(v.GetString("trusted_cidrs")),
		StrictProduction: v.GetBool("strict_production"),
		LogLevel:         v.GetString("log_level"),
		TLS: TLS{
			Enabled:           v.GetBool("tls_enabled"),
			CertFile:          v.GetString("tls_cert_file"),
			KeyFile:           v.GetString("tls_key_file"),
			ClientCAFile:      v.GetString("tls_client_ca_file"),
			RequireClientCert: v.GetBool("tls_require_client_cert"),
		},
		CodeDigits:      v.GetInt("code_digits"),
		CodeTTL:         v.GetDuration("code_ttl"),
		CodeMaxTTL:      v.GetDuration("code_max_ttl"),
		CodeMaxAttempts: v.GetInt("code_max_attempts"),
		AmountCeiling:   ceiling,
		LockTimeout:     v.GetDuration("lock_timeout"),
		SweepInterval:   v.GetDuration("sweep_interval"),
		SweepBatchSize:  v.GetInt("sweep_batch_size"),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.CodeDigits < 4 || c.CodeDigits > 12:
		return fmt.Errorf("code_digits must be between 4 and 12, got %d", c.CodeDigits)
	case c.CodeTTL <= 0 || c.CodeMaxTTL <= 0 || c.CodeTTL > c.CodeMaxTTL:
		return fmt.Errorf("code_ttl %s must be positive and not above code_max_ttl %s", c.CodeTTL, c.CodeMaxTTL)
	case c.CodeMaxAttempts <= 0:
		return fmt.Errorf("code_max_attempts must be positive")
	case !c.AmountCeiling.IsPositive():
		return fmt.Errorf("amount_ceiling must be positive")
	case c.SweepBatchSize <= 0:
		return fmt.Errorf("sweep_batch_size must be positive")
	}
	return nil
}

// SlogLevel maps log_level onto slog; unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func splitList(raw string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
