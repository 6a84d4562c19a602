// Package config is used to load the configuration file
package config

import (
	"fmt"
	"runtime"

	"github.com/caarlos0/env/v8"
	"github.com/spf13/viper"

	"github.com/blacktop/kcbuild/pkg/kernelcache/kmutil"
)

// EnvPrefix is the prefix of every environment variable kcbuild reads
const EnvPrefix = "KCBUILD_"

// Defaults are the values used when neither a flag nor the config file sets
// them
type Defaults struct {
	Arch    string `env:"ARCH" envDefault:"arm64e"`
	Kind    string `env:"KIND" envDefault:"root"`
	Workers int    `env:"WORKERS"`
	Strip   string `env:"STRIP" envDefault:"none"`
	Regions string `env:"REGIONS"`
}

// LoadDefaults parses the KCBUILD_* environment
func LoadDefaults() (*Defaults, error) {
	var d Defaults
	if err := env.ParseWithOptions(&d, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment: %v", err)
	}
	if d.Workers <= 0 {
		d.Workers = runtime.NumCPU()
	}
	return &d, nil
}

type create struct {
	Arch        []string `mapstructure:"arch"`
	Kind        string   `mapstructure:"kind"`
	Kernel      string   `mapstructure:"kernel"`
	Bundles     []string `mapstructure:"bundle"`
	BundleIDs   []string `mapstructure:"bundle-id"`
	Parents     []string `mapstructure:"parent"`
	SharedSlide []int    `mapstructure:"shared-slide"`
	Regions     string   `mapstructure:"regions"`
	Strip       string   `mapstructure:"strip"`
	Workers     int      `mapstructure:"workers"`
	BaseAddress string   `mapstructure:"base"`
	Output      string   `mapstructure:"output"`
}

// Config is the configuration struct
type Config struct {
	Create create `mapstructure:"create"`
}

func (c *Config) verify(d *Defaults) error {
	if len(c.Create.Arch) == 0 {
		c.Create.Arch = []string{d.Arch}
	}
	if c.Create.Kind == "" {
		c.Create.Kind = d.Kind
	}
	if c.Create.Strip == "" {
		c.Create.Strip = d.Strip
	}
	if c.Create.Regions == "" {
		c.Create.Regions = d.Regions
	}
	if c.Create.Workers <= 0 {
		c.Create.Workers = d.Workers
	}

	kind, err := kmutil.ParseKind(c.Create.Kind)
	if err != nil {
		return err
	}
	if _, err := kmutil.ParseStripMode(c.Create.Strip); err != nil {
		return err
	}
	switch {
	case c.Create.Output == "":
		return fmt.Errorf("config: an output path is required")
	case kind == kmutil.KindRoot && c.Create.Kernel == "":
		return fmt.Errorf("config: a root collection needs a kernel")
	case kind == kmutil.KindRoot && len(c.Create.Parents) > 0:
		return fmt.Errorf("config: a root collection cannot link against parent collections")
	case kind != kmutil.KindRoot && len(c.Create.Parents) == 0:
		return fmt.Errorf("config: a %s collection needs at least the root collection as a parent", kind)
	case kind != kmutil.KindRoot && len(c.Create.Arch) > 1:
		return fmt.Errorf("config: universal output is only supported for root collections")
	}
	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	d, err := LoadDefaults()
	if err != nil {
		return nil, err
	}

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}
	if c == nil {
		c = &Config{}
	}

	if err := c.verify(d); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
