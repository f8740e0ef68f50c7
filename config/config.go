package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that unmarshals from either a Go duration
// string ("30s") or a bare number of milliseconds (600000).
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config is the root configuration, merged from defaults, an optional
// JSON file and environment variables.
type Config struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Environment string `json:"environment"`

	Logging        LoggingConfig        `json:"logging"`
	Auth           AuthConfig           `json:"auth"`
	Routing        RoutingConfig        `json:"routing"`
	RateLimit      RateLimitConfig      `json:"rateLimit"`
	Cache          CacheConfig          `json:"cache"`
	Security       SecurityConfig       `json:"security"`
	Monitoring     MonitoringConfig     `json:"monitoring"`
	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker"`
	Transformation TransformationConfig `json:"transformation"`
	Limits         LimitsConfig         `json:"limits"`
	Server         ServerConfig         `json:"server"`
	Plugins        PluginsConfig        `json:"plugins"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level      string `json:"level"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"maxSizeMb"`
	MaxBackups int    `json:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays"`
}

// AuthConfig configures the auth verifier and credential endpoints.
type AuthConfig struct {
	Enabled bool           `json:"enabled"`
	JWT     JWTConfig      `json:"jwt"`
	APIKey  APIKeyConfig   `json:"apiKey"`
	Basic   BasicConfig    `json:"basic"`
	Users   []UserConfig   `json:"users"`
	Keys    []APIKeyRecord `json:"keys"`
}

// JWTConfig configures bearer-token verification and minting.
type JWTConfig struct {
	Enabled  bool     `json:"enabled"`
	Secret   string   `json:"secret"`
	Issuer   string   `json:"issuer"`
	Audience []string `json:"audience"`
	TTL      Duration `json:"ttl"`
}

// APIKeyConfig configures API-key authentication.
type APIKeyConfig struct {
	Enabled bool   `json:"enabled"`
	Header  string `json:"header"`
}

// BasicConfig configures HTTP basic authentication.
type BasicConfig struct {
	Enabled bool `json:"enabled"`
}

// UserConfig seeds a credential-store user.
type UserConfig struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Permissions []string `json:"permissions"`
}

// APIKeyRecord seeds a credential-store API key. QuotaLimit and
// QuotaWindow, when set, override the per-identity rate limit defaults.
type APIKeyRecord struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	QuotaLimit  int      `json:"quotaLimit"`
	QuotaWindow Duration `json:"quotaWindow"`
}

// RoutingConfig holds the service table.
type RoutingConfig struct {
	Services []ServiceConfig `json:"services"`
}

// ServiceConfig describes one upstream service behind the gateway.
type ServiceConfig struct {
	Name           string                `json:"name"`
	PathPrefix     string                `json:"pathPrefix"`
	StripPrefix    bool                  `json:"stripPrefix"`
	Policy         string                `json:"policy"` // roundRobin, weightedRoundRobin, leastConn, random, ipHash
	Timeout        Duration              `json:"timeout"`
	Instances      []InstanceConfig      `json:"instances"`
	HealthCheck    HealthCheckConfig     `json:"healthCheck"`
	CircuitBreaker *CircuitBreakerConfig `json:"circuitBreaker"` // nil = global defaults
}

// InstanceConfig is one addressable backend endpoint.
type InstanceConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Weight int    `json:"weight"`
}

// HealthCheckConfig configures background probing of a service's instances.
type HealthCheckConfig struct {
	Path     string   `json:"path"`
	Interval Duration `json:"interval"`
	Timeout  Duration `json:"timeout"`
}

// RateLimitConfig configures the global IP window, the per-identity
// quota defaults and the slow-down policy.
type RateLimitConfig struct {
	Enabled     bool           `json:"enabled"`
	WindowMS    int64          `json:"windowMs"`
	MaxRequests int            `json:"maxRequests"`
	Identity    IdentityConfig `json:"identity"`
	SlowDown    SlowDownConfig `json:"slowDown"`
}

// IdentityConfig holds per-identity quota defaults. API key records may
// override both fields.
type IdentityConfig struct {
	WindowMS    int64 `json:"windowMs"`
	MaxRequests int   `json:"maxRequests"`
}

// SlowDownConfig adds deterministic latency after DelayAfter requests
// within the global window. It never rejects.
type SlowDownConfig struct {
	Enabled    bool     `json:"enabled"`
	DelayAfter int      `json:"delayAfter"`
	Delay      Duration `json:"delayMs"`
	MaxDelay   Duration `json:"maxDelayMs"`
}

// CacheConfig configures the two-tier response cache.
type CacheConfig struct {
	Enabled          bool                 `json:"enabled"`
	DefaultTTL       Duration             `json:"defaultTtl"`
	MaxSize          int                  `json:"maxSize"` // in-process tier entries
	KeyPrefix        string               `json:"keyPrefix"`
	Methods          []string             `json:"methods"`
	Statuses         []int                `json:"statuses"`
	KeyHeaders       []string             `json:"keyHeaders"`
	SensitiveHeaders []string             `json:"sensitiveHeaders"`
	PathTTLs         []PathTTLConfig      `json:"pathTtls"`
	Invalidation     []InvalidationConfig `json:"invalidation"`
	Redis            RedisConfig          `json:"redis"`
}

// PathTTLConfig sets a TTL for entries whose path matches the prefix.
type PathTTLConfig struct {
	Prefix string   `json:"prefix"`
	TTL    Duration `json:"ttl"`
}

// InvalidationConfig names the methods whose success invalidates cached
// entries under the prefix.
type InvalidationConfig struct {
	Prefix  string   `json:"prefix"`
	Methods []string `json:"methods"`
}

// RedisConfig configures the primary cache tier.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// SecurityConfig configures the security filter.
type SecurityConfig struct {
	Enabled        bool     `json:"enabled"`
	AllowList      []string `json:"allowList"`
	DenyList       []string `json:"denyList"`
	Patterns       []string `json:"patterns"` // extra threat regexes
	MaxHeaderBytes int      `json:"maxHeaderBytes"`
	MaxValueBytes  int      `json:"maxValueBytes"`
	MaxBodyDepth   int      `json:"maxBodyDepth"`
	MaxViolations  int      `json:"maxViolations"`
	ViolationTTL   Duration `json:"violationTtl"`
}

// MonitoringConfig configures the metrics subsystem.
type MonitoringConfig struct {
	Enabled        bool     `json:"enabled"`
	SampleInterval Duration `json:"sampleInterval"`
}

// CircuitBreakerConfig holds per-service breaker parameters.
type CircuitBreakerConfig struct {
	Timeout          Duration `json:"timeout"`        // per-upstream call
	ErrorCount       int      `json:"errorCount"`     // min failures before OPEN is considered
	ErrorThreshold   float64  `json:"errorThreshold"` // failure percentage
	ResetTimeout     Duration `json:"resetTimeout"`
	HalfOpenRequests int      `json:"halfOpenRequests"`
}

// TransformationConfig holds request/response transform rules.
type TransformationConfig struct {
	Enabled bool                  `json:"enabled"`
	Rules   []TransformRuleConfig `json:"rules"`
}

// TransformRuleConfig applies its operations to requests and responses
// whose path starts with PathPrefix.
type TransformRuleConfig struct {
	PathPrefix string              `json:"pathPrefix"`
	Request    []TransformOpConfig `json:"request"`
	Response   []TransformOpConfig `json:"response"`
}

// TransformOpConfig is one typed mutation.
//
// Action: add, remove, rename, transform.
// Target: header, query, body.
// Path is a header/query name or a dotted body path; To names the
// rename destination; Function names the value function for transform.
type TransformOpConfig struct {
	Action   string `json:"action"`
	Target   string `json:"target"`
	Path     string `json:"path"`
	Value    string `json:"value"`
	To       string `json:"to"`
	Function string `json:"function"`
}

// LimitsConfig bounds request sizes.
type LimitsConfig struct {
	MaxBodyBytes int64 `json:"maxBodyBytes"`
}

// ServerConfig holds HTTP server timing.
type ServerConfig struct {
	Timeout       Duration `json:"timeout"`
	ReadTimeout   Duration `json:"readTimeout"`
	WriteTimeout  Duration `json:"writeTimeout"`
	ShutdownGrace Duration `json:"shutdownGrace"`
	Compression   bool     `json:"compression"`
}

// PluginsConfig lists plugins to load at startup. Each entry names a
// registered plugin factory with its configuration.
type PluginsConfig struct {
	Enabled bool           `json:"enabled"`
	Load    []PluginConfig `json:"load"`
}

// PluginConfig is one plugin instantiation.
type PluginConfig struct {
	Name   string            `json:"name"`
	Config map[string]string `json:"config"`
}

// Default returns the compiled defaults.
func Default() *Config {
	return &Config{
		Host:        "0.0.0.0",
		Port:        8080,
		Environment: "development",
		Logging: LoggingConfig{
			Level: "info",
		},
		Auth: AuthConfig{
			Enabled: true,
			JWT: JWTConfig{
				Enabled: true,
				TTL:     Duration(time.Hour),
			},
			APIKey: APIKeyConfig{
				Enabled: true,
				Header:  "X-API-Key",
			},
			Basic: BasicConfig{Enabled: true},
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			WindowMS:    (15 * time.Minute).Milliseconds(),
			MaxRequests: 1000,
			Identity: IdentityConfig{
				WindowMS:    time.Minute.Milliseconds(),
				MaxRequests: 100,
			},
			SlowDown: SlowDownConfig{
				Enabled:    false,
				DelayAfter: 50,
				Delay:      Duration(100 * time.Millisecond),
				MaxDelay:   Duration(2 * time.Second),
			},
		},
		Cache: CacheConfig{
			Enabled:          true,
			DefaultTTL:       Duration(60 * time.Second),
			MaxSize:          1000,
			KeyPrefix:        "apexgate:cache:",
			Methods:          []string{"GET", "HEAD"},
			Statuses:         []int{200, 201, 202, 203, 204, 206, 301, 302, 304},
			KeyHeaders:       []string{"Accept", "Accept-Language", "Accept-Encoding"},
			SensitiveHeaders: []string{"Authorization", "Cookie", "X-API-Key"},
		},
		Security: SecurityConfig{
			Enabled:        true,
			MaxHeaderBytes: 8 << 10,
			MaxValueBytes:  10 << 10,
			MaxBodyDepth:   10,
			MaxViolations:  10,
			ViolationTTL:   Duration(time.Hour),
		},
		Monitoring: MonitoringConfig{
			Enabled:        true,
			SampleInterval: Duration(10 * time.Second),
		},
		CircuitBreaker: CircuitBreakerConfig{
			Timeout:          Duration(30 * time.Second),
			ErrorCount:       5,
			ErrorThreshold:   50,
			ResetTimeout:     Duration(30 * time.Second),
			HalfOpenRequests: 3,
		},
		Transformation: TransformationConfig{Enabled: true},
		Limits: LimitsConfig{
			MaxBodyBytes: 1 << 20,
		},
		Server: ServerConfig{
			Timeout:       Duration(30 * time.Second),
			ReadTimeout:   Duration(15 * time.Second),
			WriteTimeout:  Duration(30 * time.Second),
			ShutdownGrace: Duration(30 * time.Second),
		},
	}
}

// Load builds the effective config: defaults, deep-merged with the JSON
// file at path (when non-empty), then environment overrides, then
// validation.
func Load(path string) (*Config, error) {
	merged, err := mergedMap(path)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("re-encode merged config: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode merged config: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergedMap(path string) (map[string]any, error) {
	base, err := toMap(Default())
	if err != nil {
		return nil, err
	}
	if path == "" {
		return base, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var file map[string]any
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return DeepMerge(base, file), nil
}

func toMap(cfg *Config) (map[string]any, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// applyEnv overrides scalar settings from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("APEXGATE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("APEXGATE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("APEXGATE_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("APEXGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("APEXGATE_JWT_SECRET"); v != "" {
		cfg.Auth.JWT.Secret = v
	}
	if v := os.Getenv("APEXGATE_REDIS_ADDR"); v != "" {
		cfg.Cache.Redis.Enabled = true
		cfg.Cache.Redis.Addr = v
	}
	if v := os.Getenv("APEXGATE_REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}
}

// IsProduction reports whether the gateway runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

var validPolicies = map[string]bool{
	"":                   true, // defaults to roundRobin
	"roundRobin":         true,
	"weightedRoundRobin": true,
	"leastConn":          true,
	"random":             true,
	"ipHash":             true,
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if err := c.CircuitBreaker.validate("circuitBreaker"); err != nil {
		return err
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.WindowMS <= 0 {
			return fmt.Errorf("rateLimit.windowMs must be positive")
		}
		if c.RateLimit.MaxRequests <= 0 {
			return fmt.Errorf("rateLimit.maxRequests must be positive")
		}
	}
	for i, svc := range c.Routing.Services {
		if svc.Name == "" {
			return fmt.Errorf("routing.services[%d]: name is required", i)
		}
		if svc.PathPrefix == "" || !strings.HasPrefix(svc.PathPrefix, "/") {
			return fmt.Errorf("service %s: pathPrefix must start with /", svc.Name)
		}
		if !validPolicies[svc.Policy] {
			return fmt.Errorf("service %s: unknown policy %q", svc.Name, svc.Policy)
		}
		if len(svc.Instances) == 0 {
			return fmt.Errorf("service %s: at least one instance is required", svc.Name)
		}
		for j, inst := range svc.Instances {
			if inst.Host == "" || inst.Port <= 0 {
				return fmt.Errorf("service %s: instance %d is incomplete", svc.Name, j)
			}
		}
		if svc.CircuitBreaker != nil {
			if err := svc.CircuitBreaker.validate("service " + svc.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (cb *CircuitBreakerConfig) validate(scope string) error {
	if cb.HalfOpenRequests < 1 {
		// Zero would make the breaker unable to close again.
		return fmt.Errorf("%s: halfOpenRequests must be >= 1", scope)
	}
	if cb.ErrorThreshold < 0 || cb.ErrorThreshold > 100 {
		return fmt.Errorf("%s: errorThreshold must be within [0,100]", scope)
	}
	return nil
}

// URL returns the instance base URL.
func (i InstanceConfig) URL() string {
	return fmt.Sprintf("http://%s:%d", i.Host, i.Port)
}
