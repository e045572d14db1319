// Package config loads fexd's configuration file (spec §6): top-level
// daemon options plus repeated watchpoint/import blocks, each import
// carrying its own inline uid/gid translate rules (there are no separately
// named translate blocks), the
// way the teacher's cmd/client/main.go loads its own config through
// viper, but backed by YAML and a nested struct instead of a flat one.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/fexd/fexd/internal/idmap"
	"github.com/fexd/fexd/internal/watchpoint"
)

const (
	DefaultPort       = "3025"
	DefaultSSHCommand = "/usr/bin/ssh"
	DefaultSSHUser    = "fex"
)

// TranslateRule is one `uid <client> <server>` / `gid <client> <server>`
// line inside a `translate` block.
type TranslateRule struct {
	Kind   string `mapstructure:"kind"`
	Client uint32 `mapstructure:"client"`
	Server uint32 `mapstructure:"server"`
}

// WatchPointConfig is one `watchpoint` block.
type WatchPointConfig struct {
	Dir      string   `mapstructure:"dir"`
	Export   string   `mapstructure:"export"`
	ReadOnly bool     `mapstructure:"readonly"`
	Include  []string `mapstructure:"include"`
	Exclude  []string `mapstructure:"exclude"`
}

// ImportConfig is one `import` block: a remote watchpoint to pull in over
// an (optionally SSH-tunneled) connection.
type ImportConfig struct {
	SSH         bool            `mapstructure:"ssh"`
	Server      string          `mapstructure:"server"`
	Gateway     string          `mapstructure:"gateway"`
	User        string          `mapstructure:"user"`
	Port        string          `mapstructure:"port"`
	Name        string          `mapstructure:"name"`
	Dir         string          `mapstructure:"dir"`
	Translate   []TranslateRule `mapstructure:"translate"`
}

// Config is the fully decoded fexd configuration, spec §6.
type Config struct {
	Port        string             `mapstructure:"port"`
	SSHCommand  string             `mapstructure:"ssh_command"`
	SSHUser     string             `mapstructure:"ssh_user"`
	AcceptKeys  bool               `mapstructure:"accept_keys"`
	CreateUser  bool               `mapstructure:"create_user"`
	StateDir    string             `mapstructure:"state_dir"`
	WatchPoints []WatchPointConfig `mapstructure:"watchpoint"`
	Imports     []ImportConfig     `mapstructure:"import"`
}

// Load reads and decodes the configuration file at path (or viper's
// default search path, if path is empty), applying spec §6's defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("port", DefaultPort)
	v.SetDefault("ssh_command", DefaultSSHCommand)
	v.SetDefault("ssh_user", DefaultSSHUser)
	v.SetDefault("accept_keys", true)
	v.SetDefault("create_user", true)
	v.SetDefault("state_dir", "/var/lib/fexd")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fexd")
		v.AddConfigPath("/etc/fexd")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FEXD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config: no config file found (tried %q): %w", path, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, fmt.Errorf("config: no config file found: %w", err)
		}
		return nil, fmt.Errorf("config: read %q: %w", v.ConfigFileUsed(), err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", v.ConfigFileUsed(), err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.WatchPoints))
	for _, wp := range c.WatchPoints {
		if wp.Dir == "" {
			return fmt.Errorf("config: watchpoint entry missing dir")
		}
		if seen[wp.Dir] {
			return fmt.Errorf("config: duplicate watchpoint dir %q", wp.Dir)
		}
		seen[wp.Dir] = true
	}
	for _, imp := range c.Imports {
		if imp.Server == "" || imp.Dir == "" {
			return fmt.Errorf("config: import entry missing server or dir")
		}
	}
	return nil
}

// WatchPointConfigs converts the decoded blocks to watchpoint.Config
// values ready for watchpoint.New.
func (c *Config) WatchPointConfigs() []watchpoint.Config {
	out := make([]watchpoint.Config, 0, len(c.WatchPoints))
	for _, wp := range c.WatchPoints {
		out = append(out, watchpoint.Config{
			Dir:      wp.Dir,
			Export:   wp.Export,
			ReadOnly: wp.ReadOnly,
			Include:  wp.Include,
			Exclude:  wp.Exclude,
		})
	}
	return out
}

// Translator builds the idmap.Translator for one import block.
func (imp *ImportConfig) Translator() *idmap.Translator {
	rules := make([]idmap.Rule, 0, len(imp.Translate))
	for _, r := range imp.Translate {
		rules = append(rules, idmap.Rule{Kind: r.Kind, Client: r.Client, Server: r.Server})
	}
	return idmap.New(rules)
}

// Key is the gateway-keyed identity used by internal/reconnect to dedup
// ClientConnections: user@gateway/server:port.
func (imp *ImportConfig) Key() string {
	gateway := imp.Gateway
	if gateway == "" {
		gateway = imp.Server
	}
	return fmt.Sprintf("%s@%s/%s:%s", imp.User, gateway, imp.Server, imp.Port)
}
