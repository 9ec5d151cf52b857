package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"guardline/internal/catalog"
	"guardline/internal/domain"
	"guardline/internal/opportunity"
)

const FileName = "guardline.yml"

// Config models guardline.yml.
type Config struct {
	Workspace struct {
		Name string `yaml:"name"`
	} `yaml:"workspace"`
	Webhooks struct {
		// Host is the public host embedded in generated webhook URLs.
		Host string `yaml:"host"`
	} `yaml:"webhooks"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Catalog struct {
		DefaultRange string `yaml:"default_range"`
		Demo         Demo   `yaml:"demo"`
	} `yaml:"catalog"`
	Connectors struct {
		Categories map[string][]domain.ConnectorTemplate `yaml:"categories"`
	} `yaml:"connectors"`
	Opportunities []domain.Opportunity `yaml:"opportunities"`
	// Forwarders receive audit events as JSON POSTs while the server runs.
	Forwarders []ForwarderConfig `yaml:"forwarders"`
}

type ForwarderConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Active reports whether the forwarder should receive deliveries.
func (f ForwarderConfig) Active() bool {
	if f.Enabled != nil && !*f.Enabled {
		return false
	}
	return strings.TrimSpace(f.URL) != ""
}

// Demo sizes the seeded demo dataset.
type Demo struct {
	Seed       uint64 `yaml:"seed"`
	Actions    int    `yaml:"actions"`
	Identities int    `yaml:"identities"`
	Policies   int    `yaml:"policies"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Webhooks.Host) == "" {
		return fmt.Errorf("config.webhooks.host is required")
	}
	bare := strings.TrimPrefix(strings.TrimPrefix(c.Webhooks.Host, "https://"), "http://")
	if strings.ContainsAny(strings.TrimSuffix(bare, "/"), " /?#") {
		return fmt.Errorf("config.webhooks.host %q must be a host without a path", c.Webhooks.Host)
	}
	if c.Catalog.DefaultRange != "" {
		if _, err := catalog.ParseWindow(c.Catalog.DefaultRange); err != nil {
			return fmt.Errorf("config.catalog.default_range: %w", err)
		}
	}
	d := c.Catalog.Demo
	if d.Actions < 0 || d.Identities < 0 || d.Policies < 0 {
		return fmt.Errorf("config.catalog.demo sizes must not be negative")
	}
	seen := map[string]string{}
	for category, templates := range c.Connectors.Categories {
		if strings.TrimSpace(category) == "" {
			return fmt.Errorf("config.connectors.categories contains empty category")
		}
		for _, t := range templates {
			if t.Name == "" || t.Provider == "" {
				return fmt.Errorf("connector in category %s needs name and provider", category)
			}
			slug := domain.Slug(t.Provider + "-" + t.Name)
			if prev, dup := seen[slug]; dup {
				return fmt.Errorf("connector %s/%s in %s duplicates one in %s", t.Provider, t.Name, category, prev)
			}
			seen[slug] = category
		}
	}
	for i, f := range c.Forwarders {
		if strings.TrimSpace(f.URL) == "" {
			continue
		}
		u, err := url.Parse(f.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.forwarders[%d].url %q must be an http(s) URL", i, f.URL)
		}
		if f.TimeoutSeconds < 0 {
			return fmt.Errorf("config.forwarders[%d].timeout_seconds must not be negative", i)
		}
	}
	ids := map[string]struct{}{}
	for _, o := range c.Opportunities {
		if err := opportunity.Validate(o); err != nil {
			return err
		}
		if _, dup := ids[o.ID]; dup {
			return fmt.Errorf("opportunity %s defined twice", o.ID)
		}
		ids[o.ID] = struct{}{}
		if o.RiskLevel != "" && !slices.Contains(domain.RiskLevels, o.RiskLevel) {
			return fmt.Errorf("opportunity %s has unknown risk_level %s", o.ID, o.RiskLevel)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(name string) string {
	return fmt.Sprintf(defaultTemplate, name)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to Default when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil || cfg != nil {
		return cfg, err
	}
	return Default("guardline"), nil
}

// Default returns the default Config.
func Default(name string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(name))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workspace:
  name: %s

webhooks:
  host: localhost:8080

server:
  addr: 127.0.0.1:8080

catalog:
  default_range: all
  demo:
    seed: 42
    actions: 200
    identities: 60
    policies: 24

connectors:
  categories:
    identity:
      - { name: Okta, provider: okta }
      - { name: Entra ID, provider: microsoft }
      - { name: Google Workspace, provider: google }
    cloud:
      - { name: AWS, provider: aws }
      - { name: GCP, provider: gcp }
      - { name: Azure, provider: azure }
    saas:
      - { name: Slack, provider: slack }
      - { name: GitHub, provider: github }
      - { name: Salesforce, provider: salesforce }
    endpoint:
      - { name: CrowdStrike, provider: crowdstrike }
      - { name: Jamf, provider: jamf }
    ai:
      - { name: OpenAI, provider: openai }
      - { name: Copilot, provider: github-copilot }

opportunities:
  - id: opp-bulk-export
    title: Require approval for bulk data exports
    description: Bulk exports from SaaS tools bypass data-loss controls.
    domain: saas
    risk_level: high
    policy_type: require_approval
    actions_covered: [export_data, download_report]
    identities_covered: [contractor, service]
  - id: opp-root-keys
    title: Block cloud root access key creation
    description: Root access keys grant unrestricted cloud control.
    domain: cloud
    risk_level: critical
    policy_type: block
    actions_covered: [create_access_key]
    identities_covered: [human]
  - id: opp-agent-secrets
    title: Alert on AI agents reading secrets
    description: Agents with secret access widen the blast radius of prompt injection.
    domain: ai
    risk_level: medium
    policy_type: alert
    actions_covered: [read_secret]
    identities_covered: [agent]
  - id: opp-mfa-reset
    title: Monitor MFA factor resets
    domain: identity
    risk_level: low
    policy_type: monitor
    actions_covered: [reset_mfa]
    identities_covered: [human]

# forwarders:
#   - url: https://siem.example.com/guardline
#     events: [integration.event_received, connector.updated]
#     secret: change-me
`
