package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tonproxy/tonproxy/tonproxy-srv/logger"
)

// Config represents the main configuration structure for the proxy server.
// It is loaded once at startup and never mutated afterwards; every
// connection handler shares the same read-only value.
type Config struct {
	BindAddress    string           // Address to listen on (e.g., 127.0.0.1:8080)
	TonDomains     []string         // TON domains to route through the gateway
	TonGateway     string           // Gateway base URL for TON sites
	VerboseLogging bool             // Whether to log detailed request information
	TimeoutSeconds int              // Per-connection timeout for reads, writes and dials
	Forwards       []Forward        // Optional upstream forwarding rules
	Statistics     StatisticsConfig // Optional statistics collection
}

// StatisticsConfig defines settings for connection statistics collection
type StatisticsConfig struct {
	Enabled     bool
	Backend     string // "sqlite", "postgres" or "dummy"
	SQLitePath  string
	PostgresDSN string
}

// ForwardType defines the type of forwarding rule.
type ForwardType int

const (
	// ForwardTypeDefaultNetwork represents the default network forwarding type.
	ForwardTypeDefaultNetwork ForwardType = iota
	// ForwardTypeSocks5 represents SOCKS5 proxy forwarding.
	ForwardTypeSocks5
	// ForwardTypeProxy represents HTTP proxy forwarding.
	ForwardTypeProxy
)

// Forward defines the interface for forwarding configurations. A rule
// applies to dial targets whose host matches one of its domains; an empty
// domain list matches every target.
type Forward interface {
	Type() ForwardType
	Domains() []string
}

// ForwardDefaultNetwork represents default network forwarding configuration.
type ForwardDefaultNetwork struct {
	DomainList []string
}

// Type returns the forwarding type for this configuration.
func (c *ForwardDefaultNetwork) Type() ForwardType {
	return ForwardTypeDefaultNetwork
}

// Domains returns the domain list for this forwarding rule.
func (c *ForwardDefaultNetwork) Domains() []string {
	return c.DomainList
}

// ForwardSocks5 represents SOCKS5 proxy forwarding configuration.
type ForwardSocks5 struct {
	DomainList []string
	Address    string
	Username   *string
	Password   *string
}

// Type returns the forwarding type for this configuration.
func (c *ForwardSocks5) Type() ForwardType {
	return ForwardTypeSocks5
}

// Domains returns the domain list for this forwarding rule.
func (c *ForwardSocks5) Domains() []string {
	return c.DomainList
}

// ForwardProxy represents HTTP proxy forwarding configuration.
type ForwardProxy struct {
	DomainList []string
	Address    string
	Username   *string
	Password   *string
}

// Type returns the forwarding type for this configuration.
func (c *ForwardProxy) Type() ForwardType {
	return ForwardTypeProxy
}

// Domains returns the domain list for this forwarding rule.
func (c *ForwardProxy) Domains() []string {
	return c.DomainList
}

// DefaultConfig returns the built-in configuration used when no config
// file exists yet.
func DefaultConfig() *Config {
	return &Config{
		BindAddress:    "127.0.0.1:8080",
		TonDomains:     []string{"ton", "t.me"},
		TonGateway:     "https://gateway.ton.org",
		VerboseLogging: false,
		TimeoutSeconds: 30,
	}
}

// LoadConfig loads configuration from the specified file path. An empty
// path yields the defaults plus environment overrides. A missing JSON
// config file is created with the default contents so the next load
// reproduces the same configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Apply environment variables
	loadConfigFromEnv(cfg)

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
			if os.IsNotExist(err) {
				logger.Info("Config file %s not found, writing defaults", configPath)
				if saveErr := SaveConfig(cfg, configPath); saveErr != nil {
					return nil, fmt.Errorf("failed to write default config: %w", saveErr)
				}
				err = nil
			}
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig writes the configuration to path as pretty-printed JSON.
func SaveConfig(cfg *Config, path string) error {
	data := map[string]any{
		"bind_address":    cfg.BindAddress,
		"ton_domains":     cfg.TonDomains,
		"ton_gateway":     cfg.TonGateway,
		"verbose_logging": cfg.VerboseLogging,
		"timeout_seconds": cfg.TimeoutSeconds,
	}

	out, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks invariants that routing depends on. Questionable
// entries fail here rather than being guessed at request time.
func (c *Config) Validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("bind_address must not be empty")
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive, got %d", c.TimeoutSeconds)
	}

	gw, err := url.Parse(c.TonGateway)
	if err != nil {
		return fmt.Errorf("invalid ton_gateway URL %q: %w", c.TonGateway, err)
	}
	if gw.Scheme != "http" && gw.Scheme != "https" {
		return fmt.Errorf("ton_gateway %q must be an absolute http(s) URL", c.TonGateway)
	}
	if gw.Host == "" {
		return fmt.Errorf("ton_gateway %q has no host", c.TonGateway)
	}

	for i, d := range c.TonDomains {
		if d == "" {
			return fmt.Errorf("ton_domains[%d] is empty", i)
		}
		if strings.Contains(d, ":") {
			return fmt.Errorf("ton_domains[%d] %q must not contain a port", i, d)
		}
		if strings.HasPrefix(d, ".") || strings.HasSuffix(d, ".") {
			return fmt.Errorf("ton_domains[%d] %q must not have a leading or trailing dot", i, d)
		}
	}

	for i, fwd := range c.Forwards {
		switch f := fwd.(type) {
		case *ForwardDefaultNetwork:
		case *ForwardSocks5:
			if _, _, err := net.SplitHostPort(f.Address); err != nil {
				return fmt.Errorf("forwards[%d]: invalid socks5 address %q: %w", i, f.Address, err)
			}
		case *ForwardProxy:
			if _, _, err := net.SplitHostPort(f.Address); err != nil {
				return fmt.Errorf("forwards[%d]: invalid proxy address %q: %w", i, f.Address, err)
			}
		default:
			return fmt.Errorf("forwards[%d]: unknown forward type %T", i, fwd)
		}
	}

	switch c.Statistics.Backend {
	case "", "dummy", "sqlite":
	case "postgres":
		if c.Statistics.Enabled && c.Statistics.PostgresDSN == "" {
			return fmt.Errorf("statistics: postgres backend requires a DSN")
		}
	default:
		return fmt.Errorf("statistics: unsupported backend %q", c.Statistics.Backend)
	}

	return nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map first so unknown keys can be rejected with a
	// useful message and defaults survive for absent keys.
	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	if val, exists := data["bind_address"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("bind_address must be a string: %w", err)
		}
		cfg.BindAddress = *ptr
	}

	if val, exists := data["ton_domains"]; exists {
		list, ok := val.([]any)
		if !ok {
			return fmt.Errorf("ton_domains must be an array")
		}
		domains := make([]string, 0, len(list))
		for i, item := range list {
			ptr, err := parseValue[string](item)
			if err != nil {
				return fmt.Errorf("ton_domains[%d] must be a string: %w", i, err)
			}
			domains = append(domains, *ptr)
		}
		cfg.TonDomains = domains
	}

	if val, exists := data["ton_gateway"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("ton_gateway must be a string: %w", err)
		}
		cfg.TonGateway = *ptr
	}

	if val, exists := data["verbose_logging"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("verbose_logging must be a boolean: %w", err)
		}
		cfg.VerboseLogging = *ptr
	}

	if val, exists := data["timeout_seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("timeout_seconds must be a number: %w", err)
		}
		cfg.TimeoutSeconds = *ptr
	}

	if forwards, ok := data["forwards"].([]any); ok && forwards != nil {
		cfg.Forwards = nil

		for i, forward := range forwards {
			forwardMap, ok := forward.(map[string]any)
			if !ok {
				return fmt.Errorf("forwards[%d] must be an object", i)
			}

			forwardType, ok := forwardMap["type"].(string)
			if !ok {
				return fmt.Errorf("forwards[%d] is missing a type", i)
			}

			var domains []string
			if domainsData, ok := forwardMap["domains"].([]any); ok {
				for j, item := range domainsData {
					ptr, err := parseValue[string](item)
					if err != nil {
						return fmt.Errorf("forwards[%d].domains[%d] must be a string: %w", i, j, err)
					}
					domains = append(domains, *ptr)
				}
			}

			var newForward Forward

			switch forwardType {
			case "default-network":
				newForward = &ForwardDefaultNetwork{DomainList: domains}

			case "socks5":
				fwd := &ForwardSocks5{DomainList: domains}
				if addr, ok := forwardMap["address"].(string); ok {
					fwd.Address = addr
				} else {
					return fmt.Errorf("forwards[%d]: socks5 forward requires an address", i)
				}
				if user, ok := forwardMap["username"].(string); ok {
					fwd.Username = &user
				}
				if pass, ok := forwardMap["password"].(string); ok {
					fwd.Password = &pass
				}
				newForward = fwd

			case "proxy":
				fwd := &ForwardProxy{DomainList: domains}
				if addr, ok := forwardMap["address"].(string); ok {
					fwd.Address = addr
				} else {
					return fmt.Errorf("forwards[%d]: proxy forward requires an address", i)
				}
				if user, ok := forwardMap["username"].(string); ok {
					fwd.Username = &user
				}
				if pass, ok := forwardMap["password"].(string); ok {
					fwd.Password = &pass
				}
				newForward = fwd

			default:
				return fmt.Errorf("forwards[%d]: unknown forward type %q", i, forwardType)
			}

			cfg.Forwards = append(cfg.Forwards, newForward)
		}
	}

	if statsData, ok := data["statistics"].(map[string]any); ok && statsData != nil {
		if val, exists := statsData["enabled"]; exists {
			ptr, err := parseValue[bool](val)
			if err != nil {
				return fmt.Errorf("statistics.enabled must be a boolean: %w", err)
			}
			cfg.Statistics.Enabled = *ptr
		}
		if val, exists := statsData["backend"]; exists {
			ptr, err := parseValue[string](val)
			if err != nil {
				return fmt.Errorf("statistics.backend must be a string: %w", err)
			}
			cfg.Statistics.Backend = *ptr
		}
		if val, exists := statsData["sqlite_path"]; exists {
			ptr, err := parseValue[string](val)
			if err != nil {
				return fmt.Errorf("statistics.sqlite_path must be a string: %w", err)
			}
			cfg.Statistics.SQLitePath = *ptr
		}
		if val, exists := statsData["postgres_dsn"]; exists {
			ptr, err := parseValue[string](val)
			if err != nil {
				return fmt.Errorf("statistics.postgres_dsn must be a string: %w", err)
			}
			cfg.Statistics.PostgresDSN = *ptr
		}
	}

	return nil
}

// parseValue converts a decoded JSON value to the requested type. JSON
// numbers arrive as float64 and need an explicit int conversion.
func parseValue[T any](val any) (*T, error) {
	if typed, ok := val.(T); ok {
		return &typed, nil
	}

	var zero T
	switch any(zero).(type) {
	case int:
		if f, ok := val.(float64); ok {
			converted := any(int(f)).(T)
			return &converted, nil
		}
	case string:
		// Allow numeric values written as strings, e.g. "30"
		if f, ok := val.(float64); ok {
			converted := any(strconv.FormatFloat(f, 'f', -1, 64)).(T)
			return &converted, nil
		}
	}

	return nil, fmt.Errorf("unexpected value %v (%T)", val, val)
}

func loadConfigFromEnv(cfg *Config) {
	if addr := os.Getenv("TONPROXY_BINDADDRESS"); addr != "" {
		cfg.BindAddress = addr
	}

	if gateway := os.Getenv("TONPROXY_TONGATEWAY"); gateway != "" {
		cfg.TonGateway = gateway
	}

	if domains := os.Getenv("TONPROXY_TONDOMAINS"); domains != "" {
		parts := strings.Split(domains, ",")
		parsed := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				parsed = append(parsed, trimmed)
			}
		}
		cfg.TonDomains = parsed
	}

	if verbose := os.Getenv("TONPROXY_VERBOSE"); verbose != "" {
		cfg.VerboseLogging = strings.EqualFold(verbose, "true") || verbose == "1"
	}

	if timeoutStr := os.Getenv("TONPROXY_TIMEOUTSECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.TimeoutSeconds = timeout
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for TONPROXY_TIMEOUTSECONDS: %s\n", timeoutStr)
		}
	}
}
