package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"alfalyzer/internal/quota"
	"alfalyzer/internal/ratelimit"

	"gopkg.in/yaml.v3"
)

// Providers is the optional PROVIDERS_FILE: quota windows and priorities per
// provider, stream sources and rate-limit policies.
type Providers struct {
	Providers []ProviderConfig   `yaml:"providers"`
	Streams   []StreamConfig     `yaml:"streams"`
	Policies  []ratelimit.Policy `yaml:"policies"`
}

type ProviderConfig struct {
	ID       string         `yaml:"id"`
	Priority int            `yaml:"priority"`
	Disabled bool           `yaml:"disabled"`
	Windows  []WindowConfig `yaml:"windows"`
}

type WindowConfig struct {
	Kind     string        `yaml:"kind"`
	Duration time.Duration `yaml:"duration"`
	Limit    int           `yaml:"limit"`
}

// StreamConfig declares one streaming source. Type is "finnhub" or "json";
// json sources need an endpoint.
type StreamConfig struct {
	ID       string   `yaml:"id"`
	Type     string   `yaml:"type"`
	Endpoint string   `yaml:"endpoint"`
	Symbols  []string `yaml:"symbols"`
}

// DefaultProviders mirrors the free tiers of the built-in adapters.
func DefaultProviders() *Providers {
	return &Providers{
		Providers: []ProviderConfig{
			{ID: "finnhub", Priority: 1, Windows: []WindowConfig{{Kind: "minute", Duration: time.Minute, Limit: 60}}},
			{ID: "coingecko", Priority: 2, Windows: []WindowConfig{
				{Kind: "minute", Duration: time.Minute, Limit: 30},
				{Kind: "day", Duration: 24 * time.Hour, Limit: 10000},
			}},
		},
		Streams: []StreamConfig{
			{ID: "finnhub-ws", Type: "finnhub", Symbols: []string{"AAPL", "MSFT", "BINANCE:BTCUSDT"}},
		},
	}
}

// LoadProviders reads and validates the provider file. An empty path or a
// missing file yields the built-in defaults.
func LoadProviders(path string) (*Providers, error) {
	if path == "" {
		return DefaultProviders(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: providers file %s not found, using defaults", path)
		return DefaultProviders(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file '%s': %w", path, err)
	}

	var p Providers
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("providers file validation failed: %w", err)
	}
	return &p, nil
}

func (p *Providers) Validate() error {
	if len(p.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	seen := make(map[string]bool)
	for i, pc := range p.Providers {
		if pc.ID == "" {
			return fmt.Errorf("provider %d: id cannot be empty", i)
		}
		if seen[pc.ID] {
			return fmt.Errorf("provider '%s': declared twice", pc.ID)
		}
		seen[pc.ID] = true
		for _, w := range pc.Windows {
			if w.Kind == "" {
				return fmt.Errorf("provider '%s': window kind cannot be empty", pc.ID)
			}
			if w.Duration <= 0 || w.Limit <= 0 {
				return fmt.Errorf("provider '%s': window '%s' needs a positive duration and limit", pc.ID, w.Kind)
			}
		}
	}

	streams := make(map[string]bool)
	for i, s := range p.Streams {
		if s.ID == "" {
			return fmt.Errorf("stream %d: id cannot be empty", i)
		}
		if streams[s.ID] {
			return fmt.Errorf("stream '%s': declared twice", s.ID)
		}
		streams[s.ID] = true
		switch s.Type {
		case "finnhub":
		case "json":
			if s.Endpoint == "" {
				return fmt.Errorf("stream '%s': endpoint cannot be empty", s.ID)
			}
		default:
			return fmt.Errorf("stream '%s': unknown type %q", s.ID, s.Type)
		}
	}

	for _, pol := range p.Policies {
		if pol.Name == "" || pol.Limit <= 0 || pol.Window <= 0 {
			return fmt.Errorf("policy %q: needs a name, a positive limit and a window", pol.Name)
		}
	}
	return nil
}

// Provider returns the configuration for id, or nil.
func (p *Providers) Provider(id string) *ProviderConfig {
	for i := range p.Providers {
		if p.Providers[i].ID == id {
			return &p.Providers[i]
		}
	}
	return nil
}

// WindowSpecs converts the configured windows for quota registration.
func (pc ProviderConfig) WindowSpecs() []quota.WindowSpec {
	specs := make([]quota.WindowSpec, 0, len(pc.Windows))
	for _, w := range pc.Windows {
		specs = append(specs, quota.WindowSpec{Kind: w.Kind, Duration: w.Duration, Limit: w.Limit})
	}
	return specs
}

// PolicyMap returns the rate-limit overrides keyed by name, nil when none.
func (p *Providers) PolicyMap() map[string]ratelimit.Policy {
	if len(p.Policies) == 0 {
		return nil
	}
	out := make(map[string]ratelimit.Policy, len(p.Policies))
	for _, pol := range p.Policies {
		out[pol.Name] = pol
	}
	return out
}
