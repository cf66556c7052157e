package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"caseline/internal/flow"
	"caseline/internal/sla"
)

// Config models caseline.yml: the declarative flow tables, SLA policy, auth
// settings and webhook targets of one deployment.
type Config struct {
	Instance struct {
		ID string `yaml:"id"`
	} `yaml:"instance"`
	Flow struct {
		EntityTypes map[string]EntityTypeConfig `yaml:"entity_types"`
	} `yaml:"flow"`
	SLA struct {
		AttentionAfterHours int `yaml:"attention_after_hours"`
	} `yaml:"sla"`
	Auth struct {
		JWTSecret     string `yaml:"jwt_secret"`
		DevLogin      bool   `yaml:"dev_login"`
		AllowActorHdr bool   `yaml:"allow_actor_header"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type EntityTypeConfig struct {
	Initial      string                       `yaml:"initial"`
	States       []StateConfig                `yaml:"states"`
	Requirements map[string]RequirementConfig `yaml:"requirements,omitempty"`
	Transitions  []TransitionConfig           `yaml:"transitions"`
}

type StateConfig struct {
	Name string   `yaml:"name"`
	Tags []string `yaml:"tags,omitempty"`
}

type RequirementConfig struct {
	Kind      string `yaml:"kind"`
	Attribute string `yaml:"attribute"`
}

type TransitionConfig struct {
	Name     string   `yaml:"name"`
	From     string   `yaml:"from"`
	To       string   `yaml:"to"`
	Requires []string `yaml:"requires,omitempty"`
	Sequence int      `yaml:"sequence"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// EntityTypes converts the YAML tables into flow declarations.
func (c *Config) EntityTypes() []flow.EntityType {
	names := make([]string, 0, len(c.Flow.EntityTypes))
	for name := range c.Flow.EntityTypes {
		names = append(names, name)
	}
	// stable conversion order so graph validation errors are reproducible
	sort.Strings(names)
	out := make([]flow.EntityType, 0, len(names))
	for _, name := range names {
		etc := c.Flow.EntityTypes[name]
		et := flow.EntityType{
			Name:         name,
			Initial:      etc.Initial,
			Requirements: map[string]flow.Requirement{},
		}
		for _, s := range etc.States {
			st := flow.State{Name: s.Name}
			for _, tag := range s.Tags {
				st.Tags = append(st.Tags, flow.StateTag(tag))
			}
			et.States = append(et.States, st)
		}
		for reqName, rc := range etc.Requirements {
			et.Requirements[reqName] = flow.Requirement{
				Name:      reqName,
				Kind:      flow.RequirementKind(rc.Kind),
				Attribute: rc.Attribute,
			}
		}
		for _, tc := range etc.Transitions {
			et.Rules = append(et.Rules, flow.Rule{
				EntityType:   name,
				From:         tc.From,
				Name:         tc.Name,
				To:           tc.To,
				Requirements: tc.Requires,
				Sequence:     tc.Sequence,
			})
		}
		out = append(out, et)
	}
	return out
}

// Graph builds the validated transition graph from the config.
func (c *Config) Graph() (*flow.Graph, error) {
	return flow.NewGraph(c.EntityTypes())
}

// SLAPolicy returns the deployment SLA policy.
func (c *Config) SLAPolicy() sla.Policy {
	return sla.Policy{AttentionAfter: time.Duration(c.SLA.AttentionAfterHours) * time.Hour}
}

// Validate ensures the config meets required structure. Graph construction
// covers state and requirement consistency; the checks here are the purely
// structural ones.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return fmt.Errorf("config.instance.id is required")
	}
	if len(c.Flow.EntityTypes) == 0 {
		return fmt.Errorf("config.flow.entity_types is required")
	}
	for name, etc := range c.Flow.EntityTypes {
		if etc.Initial == "" {
			return fmt.Errorf("entity type %s: initial state is required", name)
		}
		if len(etc.States) == 0 {
			return fmt.Errorf("entity type %s: states are required", name)
		}
		for _, s := range etc.States {
			if s.Name == "" {
				return fmt.Errorf("entity type %s: state with empty name", name)
			}
		}
	}
	if c.SLA.AttentionAfterHours < 0 {
		return fmt.Errorf("config.sla.attention_after_hours must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	if _, err := c.Graph(); err != nil {
		return err
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseline.yml")
}

// Load reads and validates config from the workspace, falling back to the
// built-in default flow when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// Default returns the built-in configuration: client documents and support
// questions with the standard lifecycle tables.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML for `config init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `instance:
  id: caseline

flow:
  entity_types:
    document:
      initial: draft
      states:
        - name: draft
        - name: pending
        - name: validated
          tags: [resolved]
        - name: archived
          tags: [closed, terminal]
      requirements:
        require_ocr:
          kind: boolean
          attribute: has_ocr_result
        require_amount:
          kind: number
          attribute: amount_total
        require_supplier:
          kind: reference
          attribute: supplier_id
        require_category:
          kind: reference
          attribute: category_id
      transitions:
        - name: submit
          from: draft
          to: pending
          requires: [require_ocr, require_category]
          sequence: 10
        - name: validate
          from: pending
          to: validated
          requires: [require_amount, require_supplier]
          sequence: 20
        - name: return
          from: pending
          to: draft
          sequence: 30
        - name: archive
          from: validated
          to: archived
          sequence: 40

    question:
      initial: draft
      states:
        - name: draft
        - name: pending
        - name: answered
          tags: [answered]
        - name: resolved
          tags: [resolved]
        - name: closed
          tags: [closed, terminal]
      requirements:
        require_answer:
          kind: reference
          attribute: answer_text
        require_resolution:
          kind: reference
          attribute: resolution_note
      transitions:
        - name: submit
          from: draft
          to: pending
          sequence: 10
        - name: answer
          from: pending
          to: answered
          requires: [require_answer]
          sequence: 20
        - name: resolve
          from: answered
          to: resolved
          requires: [require_resolution]
          sequence: 30
        - name: close
          from: resolved
          to: closed
          sequence: 40
        - name: reopen
          from: resolved
          to: pending
          sequence: 50

sla:
  attention_after_hours: 48

auth:
  jwt_secret: ""
  dev_login: false
  allow_actor_header: true
`
