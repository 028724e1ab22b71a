package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeploymentBundle is the fixed set of parameters needed to publish into one
// CVMFS repository. Loaded once at startup, immutable afterward.
type DeploymentBundle struct {
	User                string         `yaml:"user"`
	Stratum0            string         `yaml:"stratum0"`
	SSHPort             int            `yaml:"ssh_port,omitempty"`
	CondaPath           string         `yaml:"conda_path"`
	InstallDBPath       string         `yaml:"install_db_path"`
	ShedToolConfig      string         `yaml:"shed_tool_config"`
	ShedDataTableConfig string         `yaml:"shed_data_table_config"`
	ShedToolsDir        string         `yaml:"shed_tools_dir"`
	Image               string         `yaml:"image"`
	Strategy            LaunchStrategy `yaml:"strategy"`
	TemplateDBURL       string         `yaml:"template_db_url,omitempty"`
}

// Config maps toolset directories to repository identities, and repository
// identities to their deployment bundles.
type Config struct {
	Toolsets map[string]string           `yaml:"toolsets"`
	Repos    map[string]DeploymentBundle `yaml:"repos"`
}

// ParseConfig parses and validates toolset map data from YAML bytes.
func ParseConfig(data []byte) (*Config, error) {
	if len(data) == 0 {
		return nil, errors.New("toolset config is empty")
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse toolset config: %w", err)
	}
	if len(cfg.Toolsets) == 0 {
		return nil, errors.New("toolset config has no toolsets")
	}
	for toolset, repo := range cfg.Toolsets {
		bundle, ok := cfg.Repos[repo]
		if !ok {
			return nil, fmt.Errorf("toolset %s references unknown repo %s", toolset, repo)
		}
		if err := bundle.validate(); err != nil {
			return nil, fmt.Errorf("repo %s: %w", repo, err)
		}
	}
	return &cfg, nil
}

// LoadConfig reads a YAML file containing the toolset and repo maps.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("toolset config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read toolset config %s: %w", path, err)
	}
	return ParseConfig(data)
}

func (b DeploymentBundle) validate() error {
	switch {
	case b.User == "":
		return errors.New("missing user")
	case b.Stratum0 == "":
		return errors.New("missing stratum0 host")
	case b.CondaPath == "":
		return errors.New("missing conda_path")
	case b.InstallDBPath == "":
		return errors.New("missing install_db_path")
	case b.ShedToolConfig == "":
		return errors.New("missing shed_tool_config")
	case b.ShedDataTableConfig == "":
		return errors.New("missing shed_data_table_config")
	case b.ShedToolsDir == "":
		return errors.New("missing shed_tools_dir")
	case b.Image == "":
		return errors.New("missing container image")
	}
	switch b.Strategy {
	case LaunchTemplateDB:
		if b.TemplateDBURL == "" {
			return errors.New("template-db strategy requires template_db_url")
		}
	case LaunchStable:
	default:
		return fmt.Errorf("unknown launch strategy %q", b.Strategy)
	}
	return nil
}

// Resolve maps a toolset name to its repository identity and deployment
// bundle. An unrecognized toolset is a configuration error, never skipped.
func (c *Config) Resolve(toolset string) (string, DeploymentBundle, error) {
	repo, ok := c.Toolsets[toolset]
	if !ok {
		return "", DeploymentBundle{}, fmt.Errorf("no repo mapping for toolset %s", toolset)
	}
	bundle, ok := c.Repos[repo]
	if !ok {
		return "", DeploymentBundle{}, fmt.Errorf("no deployment bundle for repo %s", repo)
	}
	if bundle.SSHPort == 0 {
		bundle.SSHPort = 22
	}
	return repo, bundle, nil
}

// PublishIntent decides up front whether a successful run publishes its CVMFS
// transaction or aborts it. An explicit opt-in wins; otherwise the CI comment
// body is checked for the trigger phrase as a prefix match.
func PublishIntent(explicit bool, commentBody string) bool {
	if explicit {
		return true
	}
	return strings.HasPrefix(strings.TrimSpace(commentBody), DeployTriggerPhrase)
}
