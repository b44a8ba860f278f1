// Package config loads the fleet configuration. The config file's path is
// identity: it locates the file and its directory is hashed to isolate this
// installation's data from any other.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joescharf/fleet/internal/fleeterr"
	"github.com/joescharf/fleet/internal/models"
	"github.com/joescharf/fleet/internal/plugin"
)

// Defaults name the plugins used when a project doesn't override them.
type Defaults struct {
	Runtime   string   `yaml:"runtime"`
	Agent     string   `yaml:"agent"`
	Workspace string   `yaml:"workspace"`
	Notifiers []string `yaml:"notifiers"`
}

// Project configures one supervised repository.
type Project struct {
	Name          string                    `yaml:"name"`
	Repo          string                    `yaml:"repo"`
	Path          string                    `yaml:"path"`
	DefaultBranch string                    `yaml:"default_branch"`
	SessionPrefix string                    `yaml:"session_prefix"`
	Agent         string                    `yaml:"agent"`
	Runtime       string                    `yaml:"runtime"`
	Workspace     string                    `yaml:"workspace"`
	Tracker       string                    `yaml:"tracker"`
	SCM           string                    `yaml:"scm"`
	Reactions     map[string]ReactionConfig `yaml:"reactions"`
}

// Routing lists notifier names per priority level.
type Routing struct {
	Urgent  []string `yaml:"urgent"`
	Action  []string `yaml:"action"`
	Warning []string `yaml:"warning"`
	Info    []string `yaml:"info"`
}

// For returns the notifier names routed for a priority.
func (r Routing) For(p models.Priority) []string {
	switch p {
	case models.PriorityUrgent:
		return r.Urgent
	case models.PriorityAction:
		return r.Action
	case models.PriorityWarning:
		return r.Warning
	}
	return r.Info
}

// Config is the full loaded configuration.
type Config struct {
	ConfigPath string `yaml:"-"`

	DataDir         string `yaml:"data_dir"`
	PollIntervalRaw string `yaml:"poll_interval"`
	MaxEvents       int    `yaml:"max_events"`

	PollInterval time.Duration `yaml:"-"`

	Defaults  Defaults                  `yaml:"defaults"`
	Projects  map[string]Project        `yaml:"projects"`
	Notifiers map[string]yaml.Node      `yaml:"notifiers"` // plugin-specific, opaque to the core
	Routing   Routing                   `yaml:"notification_routing"`
	Reactions map[string]ReactionConfig `yaml:"reactions"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{ConfigPath: path}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.PollInterval = 30 * time.Second
	if cfg.PollIntervalRaw != "" {
		d, perr := time.ParseDuration(cfg.PollIntervalRaw)
		if perr != nil {
			return nil, fmt.Errorf("config: poll_interval: %w", perr)
		}
		cfg.PollInterval = d
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 500
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	for key, p := range c.Projects {
		if p.Path == "" {
			return fmt.Errorf("config: project %s: path is required", key)
		}
		if p.SessionPrefix == "" {
			return fmt.Errorf("config: project %s: session_prefix is required", key)
		}
	}
	for key, r := range c.Reactions {
		if err := r.validate(); err != nil {
			return fmt.Errorf("config: reaction %s: %w", key, err)
		}
	}
	for pkey, p := range c.Projects {
		for key, r := range p.Reactions {
			if err := r.validate(); err != nil {
				return fmt.Errorf("config: project %s reaction %s: %w", pkey, key, err)
			}
		}
	}
	return nil
}

// ProjectIDs returns the configured project keys, sorted.
func (c *Config) ProjectIDs() []string {
	ids := make([]string, 0, len(c.Projects))
	for id := range c.Projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Project returns the project for a key.
func (c *Config) Project(id string) (Project, error) {
	p, ok := c.Projects[id]
	if !ok {
		return Project{}, fmt.Errorf("%w: %s", fleeterr.ErrUnknownProject, id)
	}
	return p, nil
}

// Ref converts a project to the plugin-facing reference.
func (c *Config) Ref(id string) (plugin.ProjectRef, error) {
	p, err := c.Project(id)
	if err != nil {
		return plugin.ProjectRef{}, err
	}
	branch := p.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	return plugin.ProjectRef{
		ID:            id,
		Name:          p.Name,
		Repo:          p.Repo,
		Path:          p.Path,
		DefaultBranch: branch,
	}, nil
}

// RuntimeName resolves the runtime plugin for a project.
func (c *Config) RuntimeName(p Project) string {
	if p.Runtime != "" {
		return p.Runtime
	}
	return c.Defaults.Runtime
}

// AgentName resolves the agent plugin for a project.
func (c *Config) AgentName(p Project) string {
	if p.Agent != "" {
		return p.Agent
	}
	return c.Defaults.Agent
}

// WorkspaceName resolves the workspace plugin for a project.
func (c *Config) WorkspaceName(p Project) string {
	if p.Workspace != "" {
		return p.Workspace
	}
	return c.Defaults.Workspace
}

// ReactionFor composes the reaction config for (project, key): global
// defaults overlaid with the project's override.
func (c *Config) ReactionFor(projectID, key string) (ReactionConfig, bool) {
	base, haveBase := c.Reactions[key]
	p, ok := c.Projects[projectID]
	if !ok {
		return base, haveBase
	}
	override, haveOverride := p.Reactions[key]
	if !haveOverride {
		return base, haveBase
	}
	if !haveBase {
		return override, true
	}
	return base.overlay(override), true
}
