package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "127.0.0.1:8080", cfg.BindAddress)
	assert.Equal(t, []string{"ton", "t.me"}, cfg.TonDomains)
	assert.Equal(t, "https://gateway.ton.org", cfg.TonGateway)
	assert.False(t, cfg.VerboseLogging)
	assert.Equal(t, 30, cfg.TimeoutSeconds)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{
		"bind_address": "0.0.0.0:9090",
		"ton_domains": ["ton", "adnl", "t.me"],
		"ton_gateway": "http://my-gateway.example:8080",
		"verbose_logging": true,
		"timeout_seconds": 15
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", cfg.BindAddress)
	assert.Equal(t, []string{"ton", "adnl", "t.me"}, cfg.TonDomains)
	assert.Equal(t, "http://my-gateway.example:8080", cfg.TonGateway)
	assert.True(t, cfg.VerboseLogging)
	assert.Equal(t, 15, cfg.TimeoutSeconds)
}

func TestLoadConfigJSONPartialKeepsDefaults(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{"verbose_logging": true}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.VerboseLogging)
	assert.Equal(t, "127.0.0.1:8080", cfg.BindAddress)
	assert.Equal(t, []string{"ton", "t.me"}, cfg.TonDomains)
}

func TestLoadConfigCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().TonGateway, cfg.TonGateway)

	// The file now exists and loads back to the same configuration.
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, HasChanged(cfg, reloaded))
}

func TestLoadConfigJSONForwards(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{
		"forwards": [
			{"type": "socks5", "address": "127.0.0.1:1080", "username": "u", "password": "p"},
			{"type": "proxy", "address": "10.0.0.1:3128", "domains": ["internal.example"]},
			{"type": "default-network"}
		]
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Forwards, 3)

	socks, ok := cfg.Forwards[0].(*ForwardSocks5)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:1080", socks.Address)
	require.NotNil(t, socks.Username)
	assert.Equal(t, "u", *socks.Username)
	require.NotNil(t, socks.Password)
	assert.Equal(t, "p", *socks.Password)

	httpProxy, ok := cfg.Forwards[1].(*ForwardProxy)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:3128", httpProxy.Address)
	assert.Equal(t, []string{"internal.example"}, httpProxy.Domains())

	_, ok = cfg.Forwards[2].(*ForwardDefaultNetwork)
	assert.True(t, ok)
}

func TestLoadConfigJSONStatistics(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{
		"statistics": {
			"enabled": true,
			"backend": "sqlite",
			"sqlite_path": "/tmp/stats.db"
		}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Statistics.Enabled)
	assert.Equal(t, "sqlite", cfg.Statistics.Backend)
	assert.Equal(t, "/tmp/stats.db", cfg.Statistics.SQLitePath)
}

func TestLoadConfigHCL(t *testing.T) {
	path := writeTempConfig(t, "config.hcl", `
bind_address = "127.0.0.1:7070"
ton_domains  = ["ton"]
ton_gateway  = "https://gw.example"
timeout_seconds = 20

forward "socks5" {
  address = "127.0.0.1:1080"
  domains = ["slow.example"]
}

statistics {
  enabled = true
  backend = "sqlite"
}
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7070", cfg.BindAddress)
	assert.Equal(t, []string{"ton"}, cfg.TonDomains)
	assert.Equal(t, "https://gw.example", cfg.TonGateway)
	assert.Equal(t, 20, cfg.TimeoutSeconds)

	require.Len(t, cfg.Forwards, 1)
	socks, ok := cfg.Forwards[0].(*ForwardSocks5)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:1080", socks.Address)

	assert.True(t, cfg.Statistics.Enabled)
	assert.Equal(t, "sqlite", cfg.Statistics.Backend)
}

func TestLoadConfigUnsupportedExtension(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", "bind_address: nope")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config file format")
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{not json`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty bind address", func(c *Config) { c.BindAddress = "" }},
		{"zero timeout", func(c *Config) { c.TimeoutSeconds = 0 }},
		{"negative timeout", func(c *Config) { c.TimeoutSeconds = -5 }},
		{"schemeless gateway", func(c *Config) { c.TonGateway = "gateway.ton.org" }},
		{"non-http gateway", func(c *Config) { c.TonGateway = "ftp://gateway.ton.org" }},
		{"hostless gateway", func(c *Config) { c.TonGateway = "http://" }},
		{"empty domain entry", func(c *Config) { c.TonDomains = []string{"ton", ""} }},
		{"domain with port", func(c *Config) { c.TonDomains = []string{"ton:8080"} }},
		{"domain with leading dot", func(c *Config) { c.TonDomains = []string{".ton"} }},
		{"domain with trailing dot", func(c *Config) { c.TonDomains = []string{"ton."} }},
		{"bad socks5 address", func(c *Config) {
			c.Forwards = []Forward{&ForwardSocks5{Address: "no-port"}}
		}},
		{"bad proxy address", func(c *Config) {
			c.Forwards = []Forward{&ForwardProxy{Address: "no-port"}}
		}},
		{"unknown stats backend", func(c *Config) { c.Statistics.Backend = "redis" }},
		{"postgres without dsn", func(c *Config) {
			c.Statistics.Enabled = true
			c.Statistics.Backend = "postgres"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("TONPROXY_BINDADDRESS", "0.0.0.0:3128")
	t.Setenv("TONPROXY_TONGATEWAY", "http://env-gw.example")
	t.Setenv("TONPROXY_TONDOMAINS", "ton, adnl ,,bag")
	t.Setenv("TONPROXY_VERBOSE", "true")
	t.Setenv("TONPROXY_TIMEOUTSECONDS", "45")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:3128", cfg.BindAddress)
	assert.Equal(t, "http://env-gw.example", cfg.TonGateway)
	assert.Equal(t, []string{"ton", "adnl", "bag"}, cfg.TonDomains)
	assert.True(t, cfg.VerboseLogging)
	assert.Equal(t, 45, cfg.TimeoutSeconds)
}

func TestConfigFileOverridesEnv(t *testing.T) {
	t.Setenv("TONPROXY_BINDADDRESS", "0.0.0.0:1111")
	path := writeTempConfig(t, "config.json", `{"bind_address": "127.0.0.1:2222"}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2222", cfg.BindAddress)
}

func TestHasChanged(t *testing.T) {
	base := DefaultConfig()

	same := DefaultConfig()
	assert.False(t, HasChanged(base, same))

	changed := DefaultConfig()
	changed.TonGateway = "https://other.example"
	assert.True(t, HasChanged(base, changed))

	changed = DefaultConfig()
	changed.TonDomains = []string{"ton"}
	assert.True(t, HasChanged(base, changed))

	changed = DefaultConfig()
	changed.Forwards = []Forward{&ForwardDefaultNetwork{}}
	assert.True(t, HasChanged(base, changed))

	user := "u"
	a := DefaultConfig()
	a.Forwards = []Forward{&ForwardSocks5{Address: "127.0.0.1:1080", Username: &user}}
	b := DefaultConfig()
	otherUser := "u"
	b.Forwards = []Forward{&ForwardSocks5{Address: "127.0.0.1:1080", Username: &otherUser}}
	assert.False(t, HasChanged(a, b), "equal pointer values should compare equal")
}
