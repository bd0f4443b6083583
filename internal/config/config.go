// Package config handles loading and parsing of the CrowdSieve configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxAlertsPerBatch bounds the size of one signals batch.
const MaxAlertsPerBatch = 1000

// Config represents the complete CrowdSieve configuration.
type Config struct {
	Environment      string                 `yaml:"environment"`
	Proxy            ProxyConfig            `yaml:"proxy"`
	LAPIServers      []LAPIServer           `yaml:"lapi_servers"`
	Storage          StorageConfig          `yaml:"storage"`
	Logging          LoggingConfig          `yaml:"logging"`
	Filters          FiltersConfig          `yaml:"filters"`
	ClientValidation ClientValidationConfig `yaml:"client_validation"`
	Analyzers        AnalyzersConfig        `yaml:"analyzers"`
	Dashboard        DashboardConfig        `yaml:"dashboard"`

	// RuleErrors collects per-file failures from filters.d loading. They are
	// reported at startup but never abort the load.
	RuleErrors []string `yaml:"-"`
}

// ProxyConfig controls the listener and the CAPI upstream.
type ProxyConfig struct {
	ListenPort     int    `yaml:"listen_port"`
	CAPIURL        string `yaml:"capi_url"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	ForwardEnabled *bool  `yaml:"forward_enabled"`
}

// Timeout returns the upstream timeout as a duration.
func (p ProxyConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// Forward reports whether CAPI forwarding is enabled.
func (p ProxyConfig) Forward() bool {
	return p.ForwardEnabled == nil || *p.ForwardEnabled
}

// LAPIServer describes one downstream LAPI.
type LAPIServer struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	MachineID string `yaml:"machine_id"`
	Password  string `yaml:"password"`
}

// StorageConfig selects and parameterizes the storage backend.
type StorageConfig struct {
	Type          string `yaml:"type"` // embedded | relational
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`

	// Relational connection parameters.
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// LoggingConfig controls log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | pretty
}

// FiltersConfig holds the filter mode and rule set.
type FiltersConfig struct {
	Mode  string `yaml:"mode"` // block | allow
	Rules []Rule `yaml:"rules"`
}

// Rule is one declarative filter rule. The expression tree is kept as a
// generic map and compiled by the filter engine.
type Rule struct {
	Name        string         `yaml:"name"`
	Enabled     *bool          `yaml:"enabled"`
	Description string         `yaml:"description"`
	Filter      map[string]any `yaml:"filter"`
}

// IsEnabled reports whether the rule participates in evaluation.
func (r Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ClientValidationConfig controls bearer-token validation against CAPI.
type ClientValidationConfig struct {
	Enabled              bool `yaml:"enabled"`
	CacheTTLSeconds      int  `yaml:"cache_ttl_seconds"`
	CacheTTLErrorSeconds int  `yaml:"cache_ttl_error_seconds"`
	ValidationTimeoutMS  int  `yaml:"validation_timeout_ms"`
	MaxMemoryEntries     int  `yaml:"max_memory_entries"`
	FailClosed           bool `yaml:"fail_closed"`
}

// CacheTTL returns the TTL applied to successful validations.
func (c ClientValidationConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// ErrorTTL returns the TTL applied to upstream-error negative entries.
func (c ClientValidationConfig) ErrorTTL() time.Duration {
	return time.Duration(c.CacheTTLErrorSeconds) * time.Second
}

// ValidationTimeout returns the per-call upstream timeout.
func (c ClientValidationConfig) ValidationTimeout() time.Duration {
	return time.Duration(c.ValidationTimeoutMS) * time.Millisecond
}

// AnalyzersConfig is the global analyzer-engine section.
type AnalyzersConfig struct {
	Enabled         bool                    `yaml:"enabled"`
	ConfigDir       string                  `yaml:"config_dir"`
	DefaultInterval string                  `yaml:"default_interval"`
	DefaultLookback string                  `yaml:"default_lookback"`
	DefaultTargets  Targets                 `yaml:"default_targets"`
	Whitelist       []string                `yaml:"whitelist"`
	Sources         map[string]SourceConfig `yaml:"sources"`
}

// SourceConfig points at one external log store.
type SourceConfig struct {
	Type          string `yaml:"type"` // loki
	GrafanaURL    string `yaml:"grafana_url"`
	Token         string `yaml:"token"`
	DatasourceUID string `yaml:"datasource_uid"`
}

// Targets is either the literal "all" or an explicit server-name list.
type Targets struct {
	All   bool
	Names []string
}

// UnmarshalYAML accepts "all" or a sequence of names.
func (t *Targets) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if s != "all" && s != "" {
			return fmt.Errorf("targets must be %q or a list of server names", "all")
		}
		t.All = s == "all"
		t.Names = nil
		return nil
	}
	t.All = false
	return node.Decode(&t.Names)
}

// IsZero reports whether no target selection was configured.
func (t Targets) IsZero() bool {
	return !t.All && len(t.Names) == 0
}

// DashboardConfig controls the operator API surface.
type DashboardConfig struct {
	APIKey         string   `yaml:"api_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// Load reads, interpolates, parses, and validates the configuration file,
// then merges rules from a sibling filters.d directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	interpolateNode(&root)
	if root.Kind != 0 {
		if err := root.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.loadFilterDir(filepath.Join(filepath.Dir(path), "filters.d"))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a configuration populated with default values.
func Defaults() *Config {
	return &Config{
		Environment: "development",
		Proxy: ProxyConfig{
			ListenPort: 8080,
			CAPIURL:    "https://api.crowdsec.net",
			TimeoutMS:  30000,
		},
		Storage: StorageConfig{
			Type:          "embedded",
			Path:          "crowdsieve.db",
			RetentionDays: 30,
			Port:          5432,
			SSLMode:       "disable",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Filters: FiltersConfig{
			Mode: "block",
		},
		ClientValidation: ClientValidationConfig{
			CacheTTLSeconds:      3600,
			CacheTTLErrorSeconds: 60,
			ValidationTimeoutMS:  5000,
			MaxMemoryEntries:     1000,
		},
		Analyzers: AnalyzersConfig{
			ConfigDir:       "analyzers.d",
			DefaultInterval: "5m",
			DefaultLookback: "15m",
		},
		Dashboard: DashboardConfig{
			RateLimitRPS:   10,
			RateLimitBurst: 30,
		},
	}
}

// loadFilterDir merges rule files from dir into the rule set. Files are
// applied in lexicographic order; names starting with "_" or "." are
// skipped. A file that fails to parse is recorded and skipped.
func (c *Config) loadFilterDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return // optional directory
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			c.RuleErrors = append(c.RuleErrors, fmt.Sprintf("%s: %v", name, err))
			continue
		}

		var root yaml.Node
		if err := yaml.Unmarshal(data, &root); err != nil {
			c.RuleErrors = append(c.RuleErrors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		interpolateNode(&root)

		rules, err := decodeRuleFile(&root)
		if err != nil {
			c.RuleErrors = append(c.RuleErrors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		c.Filters.Rules = append(c.Filters.Rules, rules...)
	}
}

// decodeRuleFile accepts either a bare rule list or {rules: [...]}.
func decodeRuleFile(root *yaml.Node) ([]Rule, error) {
	if root.Kind == 0 {
		return nil, nil
	}

	var wrapped struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := root.Decode(&wrapped); err == nil && wrapped.Rules != nil {
		return wrapped.Rules, nil
	}

	var rules []Rule
	if err := root.Decode(&rules); err != nil {
		return nil, err
	}
	return rules, nil
}

var (
	durationRe   = regexp.MustCompile(`^(\d+)([smhd])$`)
	countryRe    = regexp.MustCompile(`^[A-Z]{2}$`)
	serverNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	banDurRe     = regexp.MustCompile(`^\d+[smh]$`)
)

// ParseDuration parses the restricted duration grammar used across the
// configuration: an integer followed by s, m, h, or d.
func ParseDuration(s string) (time.Duration, error) {
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q (want e.g. 30s, 5m, 3h, 1d)", s)
	}
	var n int64
	for _, r := range m[1] {
		n = n*10 + int64(r-'0')
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	default:
		return time.Duration(n) * 24 * time.Hour, nil
	}
}

// ValidCountry reports whether s is a two-letter upper-case country code.
func ValidCountry(s string) bool { return countryRe.MatchString(s) }

// ValidServerName reports whether s is a safe LAPI server name.
func ValidServerName(s string) bool { return serverNameRe.MatchString(s) }

// ValidBanDuration reports whether s is a manual-ban duration (s/m/h only).
func ValidBanDuration(s string) bool { return banDurRe.MatchString(s) }

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment != "development" && c.Environment != "production" {
		return fmt.Errorf("environment must be development or production, got %q", c.Environment)
	}
	if c.Proxy.ListenPort <= 0 || c.Proxy.ListenPort > 65535 {
		return fmt.Errorf("proxy.listen_port must be in 1..65535")
	}
	if c.Proxy.CAPIURL == "" {
		return fmt.Errorf("proxy.capi_url is required")
	}
	if _, err := url.ParseRequestURI(c.Proxy.CAPIURL); err != nil {
		return fmt.Errorf("proxy.capi_url: %w", err)
	}
	if c.Proxy.TimeoutMS <= 0 {
		return fmt.Errorf("proxy.timeout_ms must be positive")
	}

	switch c.Storage.Type {
	case "embedded":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the embedded backend")
		}
	case "relational":
		if c.Storage.Host == "" || c.Storage.Database == "" || c.Storage.User == "" {
			return fmt.Errorf("storage host, database, and user are required for the relational backend")
		}
	default:
		return fmt.Errorf("storage.type must be embedded or relational, got %q", c.Storage.Type)
	}
	if c.Storage.RetentionDays < 0 {
		return fmt.Errorf("storage.retention_days cannot be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "pretty":
	default:
		return fmt.Errorf("logging.format must be json or pretty")
	}

	if c.Filters.Mode != "block" && c.Filters.Mode != "allow" {
		return fmt.Errorf("filters.mode must be block or allow, got %q", c.Filters.Mode)
	}

	seen := map[string]bool{}
	for _, s := range c.LAPIServers {
		if s.Name == "" || s.URL == "" {
			return fmt.Errorf("lapi_servers entries require name and url")
		}
		if !ValidServerName(s.Name) {
			return fmt.Errorf("lapi_servers: invalid server name %q", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("lapi_servers: duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
	}

	for _, origin := range c.Dashboard.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("dashboard.allowed_origins: %q is not an http(s) URL", origin)
		}
	}

	if c.Environment == "production" && c.Dashboard.APIKey == "" {
		return fmt.Errorf("dashboard.api_key is required in production")
	}

	if c.Analyzers.Enabled {
		if c.Analyzers.ConfigDir == "" {
			return fmt.Errorf("analyzers.config_dir is required when analyzers are enabled")
		}
		for name, src := range c.Analyzers.Sources {
			if src.Type != "loki" {
				return fmt.Errorf("analyzers.sources.%s: unsupported type %q", name, src.Type)
			}
			if src.GrafanaURL == "" {
				return fmt.Errorf("analyzers.sources.%s: grafana_url is required", name)
			}
		}
	}

	if c.ClientValidation.Enabled {
		if c.ClientValidation.CacheTTLSeconds <= 0 {
			return fmt.Errorf("client_validation.cache_ttl_seconds must be positive")
		}
		if c.ClientValidation.MaxMemoryEntries <= 0 {
			return fmt.Errorf("client_validation.max_memory_entries must be positive")
		}
	}

	return nil
}

// Production reports whether the process runs in production mode.
func (c *Config) Production() bool { return c.Environment == "production" }
