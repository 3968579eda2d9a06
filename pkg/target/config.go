package target

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/loom/pkg/arch"
)

// Config represents a loom.toml file: the target the engine lowers for
// plus the knobs of the surrounding services.
type Config struct {
	VM     VMConfig     `toml:"vm"`
	Engine EngineConfig `toml:"engine"`
	Server ServerConfig `toml:"server"`

	// Dir is the directory containing the loom.toml file (set at load time).
	Dir string `toml:"-"`
}

// VMConfig selects the target.
type VMConfig struct {
	Name     string `toml:"name"`
	Dispatch string `toml:"dispatch"`
	Arch     string `toml:"arch"`
	Fast     int    `toml:"fast-registers"`
}

// EngineConfig configures caching and the routine registry.
type EngineConfig struct {
	Cache    int    `toml:"cache"`
	Registry string `toml:"registry"`
}

// ServerConfig configures the diagnostics service.
type ServerConfig struct {
	Listen    string `toml:"listen"`
	HandleTTL string `toml:"handle-ttl"`
}

// Load parses a loom.toml file from the given directory and applies
// defaults.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "loom.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	c.applyDefaults()
	if err := c.check(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find a loom.toml file, then loads
// and returns the config. Returns nil if no config is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "loom.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Default returns the configuration used when no loom.toml exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.VM.Name == "" {
		c.VM.Name = "sir"
	}
	if c.VM.Dispatch == "" {
		c.VM.Dispatch = "switch"
	}
	if c.VM.Arch == "" {
		c.VM.Arch = runtime.GOARCH
	}
	if c.VM.Fast == 0 {
		c.VM.Fast = 8
	}
	if c.Engine.Cache == 0 {
		c.Engine.Cache = 64
	}
	if c.Engine.Registry == "" {
		c.Engine.Registry = "loom.db"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "localhost:7933"
	}
	if c.Server.HandleTTL == "" {
		c.Server.HandleTTL = "10m"
	}
}

func (c *Config) check() error {
	d, err := ParseDispatch(c.VM.Dispatch)
	if err != nil {
		return err
	}
	if d.NeedsNative() {
		if _, ok := arch.Lookup(c.VM.Arch); !ok {
			return fmt.Errorf("unknown arch %q (have %v)", c.VM.Arch, arch.Names())
		}
	}
	if _, err := c.ParseHandleTTL(); err != nil {
		return err
	}
	if c.VM.Fast < 0 {
		return fmt.Errorf("fast-registers must not be negative")
	}
	return nil
}

// ParseHandleTTL returns the server handle lifetime as a duration.
func (c *Config) ParseHandleTTL() (time.Duration, error) {
	d, err := time.ParseDuration(c.Server.HandleTTL)
	if err != nil {
		return 0, fmt.Errorf("bad handle-ttl: %w", err)
	}
	return d, nil
}

// RegistryPath returns the registry database path, resolved against the
// config directory when relative.
func (c *Config) RegistryPath() string {
	if filepath.IsAbs(c.Engine.Registry) || c.Dir == "" {
		return c.Engine.Registry
	}
	return filepath.Join(c.Dir, c.Engine.Registry)
}
