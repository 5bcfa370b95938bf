package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen    string                    `mapstructure:"listen" yaml:"listen"`
	DataDir   string                    `mapstructure:"data_dir" yaml:"data_dir"`
	Send      SendConfig                `mapstructure:"send" yaml:"send"`
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Sessions  SessionsConfig            `mapstructure:"sessions" yaml:"sessions"`
	Server    ServerConfig              `mapstructure:"server" yaml:"server"`
}

type SendConfig struct {
	Temperature  float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens    int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	SingleFlight bool    `mapstructure:"single_flight" yaml:"single_flight"`
}

type ProviderConfig struct {
	BaseURL  string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	AppURL   string `mapstructure:"app_url" yaml:"app_url,omitempty"`
	AppTitle string `mapstructure:"app_title" yaml:"app_title,omitempty"`
}

type SessionsConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	Path             string        `mapstructure:"path" yaml:"path,omitempty"`
	AutosaveInterval time.Duration `mapstructure:"autosave_interval" yaml:"autosave_interval"`
}

// MarshalYAML prints the interval as a duration string.
func (s SessionsConfig) MarshalYAML() (any, error) {
	return struct {
		Enabled          bool   `yaml:"enabled"`
		Path             string `yaml:"path,omitempty"`
		AutosaveInterval string `yaml:"autosave_interval"`
	}{s.Enabled, s.Path, s.AutosaveInterval.String()}, nil
}

type ServerConfig struct {
	Token     string  `mapstructure:"token" yaml:"token,omitempty"`
	SendRate  float64 `mapstructure:"send_rate" yaml:"send_rate"`
	SendBurst int     `mapstructure:"send_burst" yaml:"send_burst"`
}

// ProviderNames lists the provider sections understood in the config file.
var ProviderNames = []string{"echo", "gemini", "openrouter"}

// envKeyFallbacks are consulted when no api_key is configured.
var envKeyFallbacks = map[string]string{
	"gemini":     "GEMINI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", "127.0.0.1:8787")
	v.SetDefault("data_dir", "")
	v.SetDefault("send.temperature", 0.2)
	v.SetDefault("send.max_tokens", 512)
	v.SetDefault("send.single_flight", true)
	v.SetDefault("sessions.enabled", true)
	v.SetDefault("sessions.path", "")
	v.SetDefault("sessions.autosave_interval", "2s")
	v.SetDefault("server.token", "")
	v.SetDefault("server.send_rate", 2.0)
	v.SetDefault("server.send_burst", 4)
	for _, name := range ProviderNames {
		v.SetDefault("providers."+name+".base_url", "")
		v.SetDefault("providers."+name+".api_key", "")
	}
	v.SetDefault("providers.openrouter.app_title", "ioai")
	v.SetDefault("providers.openrouter.app_url", "")
}

// Load reads the config file at path, or the default location when path is
// empty. A missing file is not an error. IOAI_* environment variables
// override file values (IOAI_SEND_MAX_TOKENS, IOAI_PROVIDERS_GEMINI_API_KEY).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		configPath, err := GetConfigPath()
		if err != nil {
			return nil, err
		}
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Dir(configPath))
	}

	setDefaults(v)
	v.SetEnvPrefix("IOAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional - won't error if missing)
	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve expands secret references and applies environment fallbacks.
func (c *Config) resolve() error {
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	for name, p := range c.Providers {
		key, err := ResolveValue(p.APIKey)
		if err != nil {
			return fmt.Errorf("providers.%s.api_key: %w", name, err)
		}
		if key == "" {
			if env, ok := envKeyFallbacks[name]; ok {
				key = os.Getenv(env)
			}
		}
		p.APIKey = key

		base, err := ResolveValue(p.BaseURL)
		if err != nil {
			return fmt.Errorf("providers.%s.base_url: %w", name, err)
		}
		p.BaseURL = strings.TrimRight(base, "/")
		c.Providers[name] = p
	}
	token, err := ResolveValue(c.Server.Token)
	if err != nil {
		return fmt.Errorf("server.token: %w", err)
	}
	c.Server.Token = token
	if c.Sessions.AutosaveInterval <= 0 {
		c.Sessions.AutosaveInterval = 2 * time.Second
	}
	return nil
}

// Provider returns the settings for name, zero-valued when absent.
func (c *Config) Provider(name string) ProviderConfig {
	return c.Providers[name]
}

// APIKeys returns the configured keys by provider, skipping empty ones.
func (c *Config) APIKeys() map[string]string {
	out := map[string]string{}
	for name, p := range c.Providers {
		if p.APIKey != "" {
			out[name] = p.APIKey
		}
	}
	return out
}

// SessionsPath returns the session database path. An empty result selects
// the session package default.
func (c *Config) SessionsPath() string {
	if c.Sessions.Path != "" {
		return c.Sessions.Path
	}
	if c.DataDir != "" {
		return filepath.Join(c.DataDir, "sessions.db")
	}
	return ""
}

// Redacted returns a copy with secrets masked, suitable for printing.
func (c *Config) Redacted() *Config {
	out := *c
	out.Providers = make(map[string]ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		p.APIKey = mask(p.APIKey)
		out.Providers[name] = p
	}
	out.Server.Token = mask(c.Server.Token)
	return &out
}

// YAML renders the config.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func mask(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 8:
		return "****"
	default:
		return secret[:4] + "****" + secret[len(secret)-4:]
	}
}

// GetConfigPath returns the path where the config file should be located
func GetConfigPath() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		var err error
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("failed to get config dir: %w", err)
		}
	}
	return filepath.Join(configDir, "ioai", "config.yaml"), nil
}

// Exists returns true if a config file exists
func Exists() bool {
	path, err := GetConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Default returns the built-in configuration without consulting the
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Save writes cfg to path as YAML, refusing to overwrite unless force is set.
func Save(cfg *Config, path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
