// Package config loads the optional tool configuration file. Flags override
// file values; file values override the built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/simon8233/ssync/tool"
)

// Tool configures one external tool: its path and the options always placed
// before positional arguments.
type Tool struct {
	Path    string   `yaml:"path"`
	Options []string `yaml:"options"`
}

// Config holds the settings a run starts from.
type Config struct {
	// Transfer is the file transfer tool (scp-compatible argv contract).
	Transfer Tool `yaml:"transfer"`
	// Exec is the remote execution channel (ssh-compatible argv contract).
	Exec Tool `yaml:"exec"`
	// Program is the name the remote re-invocation runs on reached hosts.
	Program string `yaml:"program"`
	// StateDir is where run report databases are written.
	StateDir string `yaml:"state_dir"`
}

// Default returns the built-in configuration: scp and ssh, with ssh kept
// non-interactive so an unreachable host fails instead of prompting.
func Default() Config {
	return Config{
		Transfer: Tool{Path: tool.DefaultTransferPath},
		Exec:     Tool{Path: tool.DefaultExecPath, Options: []string{"-oBatchMode=yes"}},
		Program:  tool.DefaultProgram,
		StateDir: "./.ssync-state",
	}
}

// DefaultPath returns the default config file location, or empty if the
// user config directory cannot be determined.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ssync.yaml")
}

// Load reads the config file at path and overlays it on the defaults. A
// missing file is an error only when explicit is set, meaning the user named
// the path themselves; the default location is allowed to be absent.
func Load(path string, explicit bool) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.merge(file)
	return cfg, nil
}

// merge overlays set fields from o. Option lists replace wholesale rather
// than append; omit a key to keep its default.
func (c *Config) merge(o Config) {
	if o.Transfer.Path != "" {
		c.Transfer.Path = o.Transfer.Path
	}
	if len(o.Transfer.Options) > 0 {
		c.Transfer.Options = o.Transfer.Options
	}
	if o.Exec.Path != "" {
		c.Exec.Path = o.Exec.Path
	}
	if len(o.Exec.Options) > 0 {
		c.Exec.Options = o.Exec.Options
	}
	if o.Program != "" {
		c.Program = o.Program
	}
	if o.StateDir != "" {
		c.StateDir = o.StateDir
	}
}
