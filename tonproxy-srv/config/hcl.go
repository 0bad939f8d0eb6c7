package config

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// hclFile mirrors the JSON config surface for HCL files. Optional
// attributes are pointers so absent keys keep their defaults.
type hclFile struct {
	BindAddress    *string      `hcl:"bind_address,optional"`
	TonDomains     []string     `hcl:"ton_domains,optional"`
	TonGateway     *string      `hcl:"ton_gateway,optional"`
	VerboseLogging *bool        `hcl:"verbose_logging,optional"`
	TimeoutSeconds *int         `hcl:"timeout_seconds,optional"`
	Forwards       []hclForward `hcl:"forward,block"`
	Statistics     *hclStats    `hcl:"statistics,block"`
}

type hclForward struct {
	Kind     string   `hcl:"kind,label"`
	Address  *string  `hcl:"address,optional"`
	Domains  []string `hcl:"domains,optional"`
	Username *string  `hcl:"username,optional"`
	Password *string  `hcl:"password,optional"`
}

type hclStats struct {
	Enabled     *bool   `hcl:"enabled,optional"`
	Backend     *string `hcl:"backend,optional"`
	SQLitePath  *string `hcl:"sqlite_path,optional"`
	PostgresDSN *string `hcl:"postgres_dsn,optional"`
}

func loadHCLConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}

	var parsed hclFile
	if err := hclsimple.DecodeFile(cleanPath, nil, &parsed); err != nil {
		return fmt.Errorf("failed to decode HCL config: %w", err)
	}

	if parsed.BindAddress != nil {
		cfg.BindAddress = *parsed.BindAddress
	}
	if parsed.TonDomains != nil {
		cfg.TonDomains = parsed.TonDomains
	}
	if parsed.TonGateway != nil {
		cfg.TonGateway = *parsed.TonGateway
	}
	if parsed.VerboseLogging != nil {
		cfg.VerboseLogging = *parsed.VerboseLogging
	}
	if parsed.TimeoutSeconds != nil {
		cfg.TimeoutSeconds = *parsed.TimeoutSeconds
	}

	if len(parsed.Forwards) > 0 {
		cfg.Forwards = nil

		for i, fwd := range parsed.Forwards {
			switch fwd.Kind {
			case "default-network":
				cfg.Forwards = append(cfg.Forwards, &ForwardDefaultNetwork{DomainList: fwd.Domains})
			case "socks5":
				if fwd.Address == nil {
					return fmt.Errorf("forward[%d]: socks5 forward requires an address", i)
				}
				cfg.Forwards = append(cfg.Forwards, &ForwardSocks5{
					DomainList: fwd.Domains,
					Address:    *fwd.Address,
					Username:   fwd.Username,
					Password:   fwd.Password,
				})
			case "proxy":
				if fwd.Address == nil {
					return fmt.Errorf("forward[%d]: proxy forward requires an address", i)
				}
				cfg.Forwards = append(cfg.Forwards, &ForwardProxy{
					DomainList: fwd.Domains,
					Address:    *fwd.Address,
					Username:   fwd.Username,
					Password:   fwd.Password,
				})
			default:
				return fmt.Errorf("forward[%d]: unknown forward kind %q", i, fwd.Kind)
			}
		}
	}

	if parsed.Statistics != nil {
		if parsed.Statistics.Enabled != nil {
			cfg.Statistics.Enabled = *parsed.Statistics.Enabled
		}
		if parsed.Statistics.Backend != nil {
			cfg.Statistics.Backend = *parsed.Statistics.Backend
		}
		if parsed.Statistics.SQLitePath != nil {
			cfg.Statistics.SQLitePath = *parsed.Statistics.SQLitePath
		}
		if parsed.Statistics.PostgresDSN != nil {
			cfg.Statistics.PostgresDSN = *parsed.Statistics.PostgresDSN
		}
	}

	return nil
}
