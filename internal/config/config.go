// Package config loads and validates the proxy's TOML configuration:
// providers, routing policies, and server/database settings, plus the
// credential resolution (literal, ${VAR} expansion, or the
// ARBSTR_<NAME>_API_KEY environment convention) that keeps raw API keys
// out of the config file by default.
package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/johnzilla/arbstr/internal/apikey"
	"github.com/johnzilla/arbstr/internal/router"
)

// ServerConfig controls the listen address.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// DatabaseConfig controls where the request log is persisted.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// ProviderConfig is one upstream as written in the config file. APIKey is
// the raw, pre-resolution value -- see resolveKeys for what it becomes.
type ProviderConfig struct {
	Name       string  `toml:"name"`
	URL        string  `toml:"url"`
	APIKey     *string `toml:"api_key"`
	Models     []string `toml:"models"`
	InputRate  uint64  `toml:"input_rate"`
	OutputRate uint64  `toml:"output_rate"`
	BaseFee    uint64  `toml:"base_fee"`
}

// PolicyRuleConfig is one named routing policy.
type PolicyRuleConfig struct {
	Name               string   `toml:"name"`
	AllowedModels      []string `toml:"allowed_models"`
	Strategy           string   `toml:"strategy"`
	MaxSatsPer1kOutput *uint64  `toml:"max_sats_per_1k_output"`
	Keywords           []string `toml:"keywords"`
}

// PoliciesConfig is the [policies] table.
type PoliciesConfig struct {
	DefaultStrategy string             `toml:"default_strategy"`
	Rules           []PolicyRuleConfig `toml:"rules"`
}

// Config is the fully parsed, defaulted configuration file.
type Config struct {
	Server    ServerConfig     `toml:"server"`
	Database  DatabaseConfig   `toml:"database"`
	Providers []ProviderConfig `toml:"providers"`
	Policies  PoliciesConfig   `toml:"policies"`

	resolvedKeys map[string]apikey.Key
}

const (
	defaultListen  = "127.0.0.1:8080"
	defaultDBPath  = "./arbstr.db"
	defaultStrategy = "cheapest"
)

func applyDefaults(c *Config) {
	if c.Server.Listen == "" {
		c.Server.Listen = defaultListen
	}
	if c.Database.Path == "" {
		c.Database.Path = defaultDBPath
	}
	if c.Policies.DefaultStrategy == "" {
		c.Policies.DefaultStrategy = defaultStrategy
	}
}

// KeySource records how a provider's API key was obtained, surfaced by the
// "check" CLI subcommand and logged at startup so an operator can see at a
// glance whether a key came from the file in plaintext, from env
// expansion, or from the naming convention.
type KeySource struct {
	Kind string // "literal", "env-expanded", "convention", "none"
	Var  string // set only when Kind == "convention"
}

func (k KeySource) String() string {
	switch k.Kind {
	case "literal":
		return "literal (plaintext in config file)"
	case "env-expanded":
		return "env-expanded (${VAR} in config file)"
	case "convention":
		return fmt.Sprintf("convention (%s)", k.Var)
	default:
		return "none (no key available)"
	}
}

// ProviderKeySource pairs a provider name with how its key was resolved.
type ProviderKeySource struct {
	Provider string
	Source   KeySource
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, []ProviderKeySource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading config file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes, defaults, resolves credentials for, and validates a
// config document already in memory.
func Parse(data []byte) (*Config, []ProviderKeySource, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("parsing config: %w", err)
	}
	applyDefaults(&cfg)

	sources, err := resolveKeys(&cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, nil, err
	}
	return &cfg, sources, nil
}

func resolveKeys(cfg *Config) ([]ProviderKeySource, error) {
	cfg.resolvedKeys = make(map[string]apikey.Key, len(cfg.Providers))
	sources := make([]ProviderKeySource, 0, len(cfg.Providers))

	for _, p := range cfg.Providers {
		key, source, err := resolveProviderKey(p.Name, p.APIKey)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.Name, err)
		}
		cfg.resolvedKeys[p.Name] = key
		sources = append(sources, ProviderKeySource{Provider: p.Name, Source: source})
	}
	return sources, nil
}

func resolveProviderKey(providerName string, raw *string) (apikey.Key, KeySource, error) {
	if raw != nil && *raw != "" {
		if strings.Contains(*raw, "${") {
			expanded, err := expandEnv(*raw)
			if err != nil {
				return apikey.Key{}, KeySource{}, err
			}
			return apikey.New(expanded), KeySource{Kind: "env-expanded"}, nil
		}
		return apikey.New(*raw), KeySource{Kind: "literal"}, nil
	}

	varName := conventionEnvVarName(providerName)
	if v, ok := os.LookupEnv(varName); ok && v != "" {
		return apikey.New(v), KeySource{Kind: "convention", Var: varName}, nil
	}
	return apikey.Key{}, KeySource{Kind: "none"}, nil
}

// expandEnv replaces every ${VAR} occurrence in s with the named
// environment variable's value. An unclosed "${", an empty variable name,
// or a variable that isn't set are all configuration errors -- silently
// leaving a literal "${VAR}" in an Authorization header helps no one.
func expandEnv(s string) (string, error) {
	var sb strings.Builder
	i := 0
	for i < len(s) {
		if s[i] == '$' && i+1 < len(s) && s[i+1] == '{' {
			closeIdx := strings.IndexByte(s[i+2:], '}')
			if closeIdx < 0 {
				return "", fmt.Errorf("unclosed ${ in %q", s)
			}
			name := s[i+2 : i+2+closeIdx]
			if name == "" {
				return "", fmt.Errorf("empty variable name in %q", s)
			}
			val, ok := os.LookupEnv(name)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set (referenced in %q)", name, s)
			}
			sb.WriteString(val)
			i += 2 + closeIdx + 1
			continue
		}
		sb.WriteByte(s[i])
		i++
	}
	return sb.String(), nil
}

// conventionEnvVarName builds ARBSTR_<NAME_UPPER_SNAKE>_API_KEY from a
// provider name, e.g. "openai-primary" -> "ARBSTR_OPENAI_PRIMARY_API_KEY".
func conventionEnvVarName(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(name) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return "ARBSTR_" + sb.String() + "_API_KEY"
}

func validate(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		log.Printf("[Config] warning: no providers configured, every request will fail routing")
	}
	for _, p := range cfg.Providers {
		if p.URL == "" {
			return fmt.Errorf("provider %q has no url", p.Name)
		}
	}
	return nil
}

// CheckFilePermissions reports the file's permission bits and whether they
// are wider than 0600 (readable/writable by anyone other than the owner) --
// a config file routinely holds plaintext API keys.
func CheckFilePermissions(path string) (os.FileMode, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	perm := info.Mode().Perm()
	return perm, perm&^os.FileMode(0600) != 0
}

// RouterProviders converts the configured providers (with credentials
// resolved) into the shape the router package operates on.
func (c *Config) RouterProviders() []router.Provider {
	out := make([]router.Provider, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, router.Provider{
			Name:       p.Name,
			URL:        p.URL,
			APIKey:     c.resolvedKeys[p.Name],
			Models:     p.Models,
			InputRate:  p.InputRate,
			OutputRate: p.OutputRate,
			BaseFee:    p.BaseFee,
		})
	}
	return out
}

// RouterPolicies converts the configured policy rules into the shape the
// router package operates on.
func (c *Config) RouterPolicies() []router.PolicyRule {
	out := make([]router.PolicyRule, 0, len(c.Policies.Rules))
	for _, r := range c.Policies.Rules {
		out = append(out, router.PolicyRule{
			Name:               r.Name,
			AllowedModels:      r.AllowedModels,
			Strategy:           r.Strategy,
			MaxSatsPer1kOutput: r.MaxSatsPer1kOutput,
			Keywords:           r.Keywords,
		})
	}
	return out
}

// Mock builds the two-provider, one-policy configuration used by `arbstr
// serve --mock`, so the proxy can be exercised with no real credentials or
// upstream calls. The shape (rates, models, policy) mirrors the reference
// mock fixture this project was distilled from.
func Mock() *Config {
	cfg := &Config{
		Server:   ServerConfig{Listen: defaultListen},
		Database: DatabaseConfig{Path: ":memory:"},
		Providers: []ProviderConfig{
			{
				Name:       "mock-cheap",
				URL:        "http://127.0.0.1:0",
				Models:     []string{"gpt-4o", "gpt-4o-mini", "claude-3.5-sonnet"},
				InputRate:  5,
				OutputRate: 15,
				BaseFee:    0,
			},
			{
				Name:       "mock-expensive",
				URL:        "http://127.0.0.1:0",
				Models:     []string{"gpt-4o", "claude-3.5-sonnet"},
				InputRate:  10,
				OutputRate: 30,
				BaseFee:    1,
			},
		},
		Policies: PoliciesConfig{
			DefaultStrategy: defaultStrategy,
			Rules: []PolicyRuleConfig{
				{
					Name:               "code",
					AllowedModels:      []string{"gpt-4o", "claude-3.5-sonnet"},
					Strategy:           "lowest_cost",
					MaxSatsPer1kOutput: uint64Ptr(50),
					Keywords:           []string{"code", "function", "implement"},
				},
			},
		},
	}
	applyDefaults(cfg)
	cfg.resolvedKeys = make(map[string]apikey.Key, len(cfg.Providers))
	for _, p := range cfg.Providers {
		cfg.resolvedKeys[p.Name] = apikey.New("mock-key")
	}
	return cfg
}

func uint64Ptr(v uint64) *uint64 { return &v }
