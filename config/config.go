package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const EnvPrefix = "COMMITFLOW"

const (
	EnvironmentDevelopment = "development"
	EnvironmentTest        = "test"
	EnvironmentProduction  = "production"
)

type Config struct {
	// Environment selects safety checks, anything other than development or test is treated as production
	Environment string

	LogLevel string
	Log      Log

	HTTP      HTTP
	Database  Database
	Auth      Auth
	Payment   Payment
	Evidence  Evidence
	Lifecycle Lifecycle
}

type Log struct {
	// text or json
	Format string
}

type HTTP struct {
	ListenAddress   string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Requests per second allowed for a single client address
	RateLimit float64
	RateBurst int

	EnablePprof bool

	// Upper bound for webhook and upload bodies
	MaxBodyBytes int64
}

type Database struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MigrateOnStart  bool
}

type Auth struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type Payment struct {
	// stripe or mock
	Provider       string
	APIKey         string
	BaseURL        string
	Currency       string
	RequestTimeout time.Duration
	MaxRetries     uint64

	WebhookSecret    string
	WebhookTolerance time.Duration
}

type Evidence struct {
	// Empty endpoint keeps documents in memory, allowed outside production only
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLExpiry time.Duration
}

type Lifecycle struct {
	// How long after the end date a contract without evidence may still be completed
	CompletionGrace time.Duration

	SweepSchedule  string
	SweepBatchSize int
	SweepWorkers   int

	OutboxSchedule    string
	OutboxBatchSize   int
	OutboxMaxAttempts int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Environment", EnvironmentDevelopment)
	v.SetDefault("LogLevel", "INFO")
	v.SetDefault("Log.Format", "text")

	v.SetDefault("HTTP.ListenAddress", ":8080")
	v.SetDefault("HTTP.ReadTimeout", "15s")
	v.SetDefault("HTTP.WriteTimeout", "30s")
	v.SetDefault("HTTP.ShutdownTimeout", "20s")
	v.SetDefault("HTTP.RateLimit", 10)
	v.SetDefault("HTTP.RateBurst", 40)
	v.SetDefault("HTTP.EnablePprof", false)
	v.SetDefault("HTTP.MaxBodyBytes", 10<<20)

	v.SetDefault("Database.MaxConns", 20)
	v.SetDefault("Database.MinConns", 2)
	v.SetDefault("Database.MaxConnLifetime", "30m")
	v.SetDefault("Database.MigrateOnStart", false)

	v.SetDefault("Auth.TokenTTL", "24h")

	v.SetDefault("Payment.Provider", "stripe")
	v.SetDefault("Payment.BaseURL", "https://api.stripe.com")
	v.SetDefault("Payment.Currency", "usd")
	v.SetDefault("Payment.RequestTimeout", "10s")
	v.SetDefault("Payment.MaxRetries", 2)
	v.SetDefault("Payment.WebhookTolerance", "5m")

	v.SetDefault("Evidence.Bucket", "commitflow")
	v.SetDefault("Evidence.URLExpiry", "15m")

	v.SetDefault("Lifecycle.CompletionGrace", "72h")
	v.SetDefault("Lifecycle.SweepSchedule", "@every 1m")
	v.SetDefault("Lifecycle.SweepBatchSize", 200)
	v.SetDefault("Lifecycle.SweepWorkers", 4)
	v.SetDefault("Lifecycle.OutboxSchedule", "@every 5s")
	v.SetDefault("Lifecycle.OutboxBatchSize", 50)
	v.SetDefault("Lifecycle.OutboxMaxAttempts", 10)
}

// bindEnv walks the Config struct and binds every leaf to COMMITFLOW_<PATH>,
// e.g. Payment.WebhookSecret -> COMMITFLOW_PAYMENT_WEBHOOK_SECRET.
func bindEnv(v *viper.Viper, path []string, val reflect.Value) {
	if val.Kind() != reflect.Struct {
		key := strings.ToLower(strings.Join(path, "."))
		env := EnvPrefix + "_" + strcase.ToScreamingSnake(strings.Join(path, "_"))
		if err := v.BindEnv(key, env); err != nil {
			panic(err)
		}
		return
	}

	for i := 0; i < val.NumField(); i++ {
		newPath := make([]string, len(path), len(path)+1)
		copy(newPath, path)
		newPath = append(newPath, val.Type().Field(i).Name)
		bindEnv(v, newPath, val.Field(i))
	}
}

func decoderConfig(dc *mapstructure.DecoderConfig) {
	dc.WeaklyTypedInput = true
	dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Load reads defaults, the optional config file and the environment, in that
// order of increasing precedence.
func Load(filename string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v, []string{}, reflect.ValueOf(Config{}))

	if filename != "" {
		/* #nosec */
		content, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", filename, err)
		}
		v.SetConfigType(configType(filename))
		if err := v.ReadConfig(bytes.NewBuffer(content)); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", filename, err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderConfig); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.Payment.Provider = strings.ToLower(strings.TrimSpace(cfg.Payment.Provider))

	return cfg, nil
}

// Default returns the configuration produced by defaults and environment only.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

func configType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment != EnvironmentDevelopment && c.Environment != EnvironmentTest
}

// Validate refuses configurations that would silently degrade safety checks in
// production, and catches obviously broken values everywhere else.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("Database.URL is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("Auth.JWTSecret is required"))
	}

	switch c.Payment.Provider {
	case "stripe":
		if c.Payment.APIKey == "" && c.IsProduction() {
			errs = append(errs, errors.New("Payment.APIKey is required in production"))
		}
	case "mock":
		if c.IsProduction() {
			errs = append(errs, errors.New("Payment.Provider=mock is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown Payment.Provider %q", c.Payment.Provider))
	}
	if c.Payment.RequestTimeout <= 0 {
		errs = append(errs, errors.New("Payment.RequestTimeout must be positive"))
	}
	if c.Payment.WebhookSecret == "" && c.IsProduction() {
		errs = append(errs, errors.New("Payment.WebhookSecret is required in production"))
	}
	if c.Evidence.Endpoint == "" && c.IsProduction() {
		errs = append(errs, errors.New("Evidence.Endpoint is required in production"))
	}
	if c.Lifecycle.CompletionGrace < 0 {
		errs = append(errs, errors.New("Lifecycle.CompletionGrace must not be negative"))
	}
	if c.Lifecycle.SweepWorkers <= 0 {
		errs = append(errs, errors.New("Lifecycle.SweepWorkers must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
