package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models specgate.yml.
type Config struct {
	Project struct {
		ID       string `yaml:"id"`
		Workflow string `yaml:"workflow"`
	} `yaml:"project"`
	Rules struct {
		File string `yaml:"file"`
	} `yaml:"rules"`
	Policy struct {
		// CriticalActions lists actions that require explicit external
		// approval: "commit", or "transition:From->To".
		CriticalActions        []string `yaml:"critical_actions"`
		ApprovalTimeoutSeconds int      `yaml:"approval_timeout_seconds"`
		Approvers              []string `yaml:"approvers"`
	} `yaml:"policy"`
	Server struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
}

// ActionTransition renders the action label for a proposed transition.
func ActionTransition(from, to string) string {
	return fmt.Sprintf("transition:%s->%s", from, to)
}

// ActionCommit renders the action label for a proposed commit.
func ActionCommit(commitID string) string {
	return "commit:" + commitID
}

// IsCritical reports whether action is policy-marked as requiring
// explicit approval. The bare "transition" and "commit" entries match
// every action of that family.
func (c *Config) IsCritical(action string) bool {
	for _, a := range c.Policy.CriticalActions {
		switch {
		case a == action:
			return true
		case a == "transition" && strings.HasPrefix(action, "transition:"):
			return true
		case a == "commit" && strings.HasPrefix(action, "commit:"):
			return true
		}
	}
	return false
}

// IsApprover reports whether actorID may approve or deny critical
// decisions.
func (c *Config) IsApprover(actorID string) bool {
	for _, a := range c.Policy.Approvers {
		if a == actorID {
			return true
		}
	}
	return false
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sg init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Workflow == "" {
		return fmt.Errorf("config.project.workflow is required")
	}
	for _, a := range c.Policy.CriticalActions {
		if a == "" {
			return fmt.Errorf("config.policy.critical_actions contains an empty action")
		}
		if a != "commit" && a != "transition" && !strings.HasPrefix(a, "transition:") && !strings.HasPrefix(a, "commit:") {
			return fmt.Errorf("unknown critical action %q; expected commit, transition, or transition:From->To", a)
		}
	}
	if len(c.Policy.CriticalActions) > 0 && len(c.Policy.Approvers) == 0 {
		return fmt.Errorf("config.policy.approvers is required when critical_actions is set")
	}
	for _, a := range c.Policy.Approvers {
		if a == "" {
			return fmt.Errorf("config.policy.approvers contains an empty actor id")
		}
	}
	if c.Policy.ApprovalTimeoutSeconds < 0 {
		return fmt.Errorf("config.policy.approval_timeout_seconds must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "specgate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Workflow = "Delivery"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
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

const defaultTemplate = `project:
  id: %s
  workflow: Delivery

rules:
  file: specgate.rules

policy:
  critical_actions: [commit]
  approval_timeout_seconds: 0
  approvers: [local-approver]

server:
  jwt_secret: ""
  allow_legacy_actor_header: true
`
