// Package config provides configuration for the modver CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the working directory.
const FileName = "modver.yaml"

// Config holds CLI configuration.
type Config struct {
	// WorkspaceRoot holds the operator workspaces, one per module.
	WorkspaceRoot string `yaml:"workspaceRoot"`
	// StateDir holds the database, repository mirrors and scratch checkouts.
	StateDir string `yaml:"stateDir"`
	// Catalog is the modules.yaml file.
	Catalog string `yaml:"catalog"`
	// Matcher is an optional rules file selecting the modules jobs act on.
	Matcher string `yaml:"matcher,omitempty"`
	// AuthorName and AuthorEmail sign commits and tags.
	AuthorName  string `yaml:"authorName,omitempty"`
	AuthorEmail string `yaml:"authorEmail,omitempty"`
	// SkipBuild disables build validation.
	SkipBuild bool `yaml:"skipBuild,omitempty"`
	// EchoBuilds copies build output to the terminal as well as the archive.
	EchoBuilds bool `yaml:"echoBuilds,omitempty"`
	Debug      bool `yaml:"debug,omitempty"`
	// Properties are global defaults for the properties jobs consult.
	Properties map[string]string `yaml:"properties,omitempty"`
	// Timeout bounds a whole run. Zero means no limit.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		WorkspaceRoot: "workspaces",
		StateDir:      ".modver",
		Catalog:       "modules.yaml",
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve loads .env, then the config file, then applies MODVER_*
// variables.
func Resolve(path string) (*Config, error) {
	_ = godotenv.Load()

	if env := os.Getenv("MODVER_CONFIG"); env != "" && path == "" {
		path = env
	}
	if path == "" {
		path = FileName
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides fields from MODVER_* environment variables.
func (c *Config) ApplyEnv() {
	c.WorkspaceRoot = getEnv("MODVER_WORKSPACES", c.WorkspaceRoot)
	c.StateDir = getEnv("MODVER_STATE", c.StateDir)
	c.Catalog = getEnv("MODVER_CATALOG", c.Catalog)
	c.Matcher = getEnv("MODVER_MATCHER", c.Matcher)
	c.AuthorName = getEnv("MODVER_AUTHOR_NAME", c.AuthorName)
	c.AuthorEmail = getEnv("MODVER_AUTHOR_EMAIL", c.AuthorEmail)
	c.SkipBuild = getEnvBool("MODVER_SKIP_BUILD", c.SkipBuild)
	c.EchoBuilds = getEnvBool("MODVER_ECHO_BUILDS", c.EchoBuilds)
	c.Debug = getEnvBool("MODVER_DEBUG", c.Debug)
	c.Timeout = getEnvDuration("MODVER_TIMEOUT", c.Timeout)
}

// MirrorDir is where repository mirrors are kept.
func (c *Config) MirrorDir() string {
	return filepath.Join(c.StateDir, "mirrors")
}

// ScratchDir is where inspection checkouts are kept.
func (c *Config) ScratchDir() string {
	return filepath.Join(c.StateDir, "scratch")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
