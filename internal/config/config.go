// Package config holds the activator's settings: the YAML file, its
// defaults and the ACTIVATOR_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig             `yaml:"server"`
	Identity      IdentityConfig           `yaml:"identity"`
	Specs         SpecsConfig              `yaml:"specs"`
	Services      map[string]ServiceConfig `yaml:"services"`
	Store         StoreConfig              `yaml:"store"`
	Idempotency   IdempotencyConfig        `yaml:"idempotency"`
	Wizard        WizardConfig             `yaml:"wizard"`
	Observability ObservabilityConfig      `yaml:"observability"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig lists the console origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig points at the identity provider that signs caller tokens.
// ClaimPaths maps subject_id, tenant_id, email and roles to dotted claim paths.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// SpecsConfig locates the backend OpenAPI documents. Relative spec files
// resolve against Directory.
type SpecsConfig struct {
	Directory string       `yaml:"directory"`
	Sources   []SpecSource `yaml:"sources"`
}

type SpecSource struct {
	ServiceID string `yaml:"service_id"`
	SpecFile  string `yaml:"spec_file"`
}

// ServiceConfig is one backend: profiles, billing or provisioning.
type ServiceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings per service. Only idempotent methods
// are retried; POST and PATCH calls are attempted once.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// StoreConfig selects the session store. Connection strings come from the
// environment variables named by DSNEnv (postgres) or AddrEnv (redis).
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	AddrEnv         string        `yaml:"addr_env"`
	DB              int           `yaml:"db"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// IdempotencyConfig describes where provisioning results are remembered.
type IdempotencyConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// WizardConfig describes the activation workflow.
type WizardConfig struct {
	// ReturnURL is where the billing provider sends the browser back to
	// after checkout. Markers are appended as query parameters.
	ReturnURL       string        `yaml:"return_url"`
	UpgradeURL      string        `yaml:"upgrade_url"`
	PlanTiers       []string      `yaml:"plan_tiers"`
	ExpansionTiers  []string      `yaml:"expansion_tiers"`
	AdminRole       string        `yaml:"admin_role"`
	ConfirmationTTL time.Duration `yaml:"confirmation_ttl"`
	ResourcePath    string        `yaml:"resource_path"`
}

type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig selects the span exporter: otlp (gRPC) or stdout.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Service IDs the wizard depends on.
const (
	ServiceProfiles     = "profiles"
	ServiceBilling      = "billing"
	ServiceProvisioning = "provisioning"
)

// Defaults is the configuration before the file is applied. It uses the
// in-memory stores, so a file only needs identity, services and wizard.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			HandlerTimeout:  45 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Specs: SpecsConfig{
			Directory: "specs",
		},
		Store: StoreConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Driver: "memory",
			TTL:    24 * time.Hour,
		},
		Wizard: WizardConfig{
			PlanTiers:       []string{"starter", "pro", "enterprise"},
			ExpansionTiers:  []string{"pro", "enterprise"},
			AdminRole:       "admin",
			ConfirmationTTL: 5 * time.Minute,
			ResourcePath:    "/agents/",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads the YAML file at path over Defaults, applies ACTIVATOR_*
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// problems collects validation failures so an operator sees all of them at
// once.
type problems []error

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Errorf(format, args...))
}

// Validate reports every missing or inconsistent setting.
func (c *Config) Validate() error {
	var p problems
	c.validateServer(&p)
	c.validateIdentity(&p)
	c.validateServices(&p)
	c.validateStorage(&p)
	c.validateWizard(&p)
	return errors.Join(p...)
}

func (c *Config) validateServer(p *problems) {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		p.addf("server.port must be between 1 and 65535")
	}
}

func (c *Config) validateIdentity(p *problems) {
	if c.Identity.Issuer == "" {
		p.addf("identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		p.addf("identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		p.addf("identity.audience is required")
	}
}

// validateServices requires the three services the wizard calls and a
// configured service behind every spec source.
func (c *Config) validateServices(p *problems) {
	for _, id := range []string{ServiceProfiles, ServiceBilling, ServiceProvisioning} {
		if c.Services[id].BaseURL == "" {
			p.addf("services.%s.base_url is required", id)
		}
	}
	for _, src := range c.Specs.Sources {
		if _, ok := c.Services[src.ServiceID]; !ok {
			p.addf("specs.sources: service %q is not configured", src.ServiceID)
		}
	}
	for id, svc := range c.Services {
		if svc.Retry.MaxAttempts > 1 && svc.Retry.BackoffMultiplier != 0 && svc.Retry.BackoffMultiplier < 1 {
			p.addf("services.%s.retry.backoff_multiplier must be at least 1", id)
		}
	}
}

var (
	storeDrivers       = []string{"memory", "redis", "postgres"}
	idempotencyDrivers = []string{"memory", "redis"}
)

func (c *Config) validateStorage(p *problems) {
	if !slices.Contains(storeDrivers, c.Store.Driver) {
		p.addf("store.driver %q is not supported (%s)", c.Store.Driver, strings.Join(storeDrivers, ", "))
	}
	if !slices.Contains(idempotencyDrivers, c.Idempotency.Driver) {
		p.addf("idempotency.driver %q is not supported (%s)", c.Idempotency.Driver, strings.Join(idempotencyDrivers, ", "))
	}
}

func (c *Config) validateWizard(p *problems) {
	w := c.Wizard
	if w.ReturnURL == "" {
		p.addf("wizard.return_url is required")
	}
	if len(w.PlanTiers) == 0 {
		p.addf("wizard.plan_tiers must not be empty")
	}
	for _, tier := range w.ExpansionTiers {
		if !slices.Contains(w.PlanTiers, tier) {
			p.addf("wizard.expansion_tiers: %q is not a plan tier", tier)
		}
	}
	if w.ConfirmationTTL <= 0 {
		p.addf("wizard.confirmation_ttl must be positive")
	}
}

// envOverrides are the settings operators most often change per
// deployment without editing the file.
var envOverrides = []struct {
	name  string
	apply func(cfg *Config, v string) error
}{
	{"ACTIVATOR_SERVER_PORT", func(cfg *Config, v string) error {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ACTIVATOR_SERVER_PORT: %q is not a number", v)
		}
		cfg.Server.Port = port
		return nil
	}},
	{"ACTIVATOR_IDENTITY_ISSUER", setString(func(c *Config) *string { return &c.Identity.Issuer })},
	{"ACTIVATOR_IDENTITY_JWKS_URL", setString(func(c *Config) *string { return &c.Identity.JWKSURL })},
	{"ACTIVATOR_IDENTITY_AUDIENCE", setString(func(c *Config) *string { return &c.Identity.Audience })},
	{"ACTIVATOR_OBSERVABILITY_LOG_LEVEL", setString(func(c *Config) *string { return &c.Observability.LogLevel })},
	{"ACTIVATOR_STORE_DRIVER", setString(func(c *Config) *string { return &c.Store.Driver })},
	{"ACTIVATOR_IDEMPOTENCY_DRIVER", setString(func(c *Config) *string { return &c.Idempotency.Driver })},
	{"ACTIVATOR_WIZARD_RETURN_URL", setString(func(c *Config) *string { return &c.Wizard.ReturnURL })},
	{"ACTIVATOR_WIZARD_UPGRADE_URL", setString(func(c *Config) *string { return &c.Wizard.UpgradeURL })},
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*field(cfg) = v
		return nil
	}
}

// applyEnvOverrides applies every non-empty override found by lookup.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, o := range envOverrides {
		v, ok := lookup(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
