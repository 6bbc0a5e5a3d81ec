package suiteview

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/suiteview/suiteview/flags"
)

// Config holds the service configuration.
type Config struct {
	Directory     string        // Suite directory to collect and serve
	Host          string        // Interface the server binds to
	Port          int           // Port the server listens on
	Watch         bool          // Recollect packages when test files change
	WatchDebounce time.Duration // Debounce for file change bursts (0 = default)
	GoBinary      string        // Go binary used for listing and running tests
	Log           *slog.Logger
}

// fileConfig mirrors Config for the optional YAML config file.
type fileConfig struct {
	Directory string `yaml:"directory"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Watch     *bool  `yaml:"watch"`
	GoBinary  string `yaml:"go_binary"`
}

// NewConfig creates a Config from the cli context, layered over the YAML
// config file when one is given. Flags set on the command line win.
func NewConfig(ctx *cli.Context, log *slog.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}

	cfg := &Config{
		Directory: ctx.String(flags.Directory.Name),
		Host:      ctx.String(flags.Host.Name),
		Port:      ctx.Int(flags.Port.Name),
		Watch:     ctx.Bool(flags.Watch.Name),
		GoBinary:  ctx.String(flags.GoBinary.Name),
		Log:       log,
	}

	if path := ctx.String(flags.ConfigFile.Name); path != "" {
		if err := cfg.applyFile(ctx, path); err != nil {
			return nil, err
		}
	}

	absDir, err := filepath.Abs(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("resolving suite directory %q: %w", cfg.Directory, err)
	}
	cfg.Directory = absDir

	info, err := os.Stat(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("suite directory %q: %w", cfg.Directory, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("suite directory %q is not a directory", cfg.Directory)
	}
	return cfg, nil
}

// applyFile overlays the YAML file onto cfg, for every field the command
// line did not set explicitly.
func (c *Config) applyFile(ctx *cli.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if file.Directory != "" && !ctx.IsSet(flags.Directory.Name) {
		c.Directory = file.Directory
	}
	if file.Host != "" && !ctx.IsSet(flags.Host.Name) {
		c.Host = file.Host
	}
	if file.Port != 0 && !ctx.IsSet(flags.Port.Name) {
		c.Port = file.Port
	}
	if file.Watch != nil && !ctx.IsSet(flags.Watch.Name) {
		c.Watch = *file.Watch
	}
	if file.GoBinary != "" && !ctx.IsSet(flags.GoBinary.Name) {
		c.GoBinary = file.GoBinary
	}
	return nil
}

// Check validates the assembled configuration.
func (c *Config) Check() error {
	if c.Directory == "" {
		return errors.New("suite directory is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.GoBinary == "" {
		return errors.New("go binary is required")
	}
	if c.Log == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Addr returns the host:port the server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
