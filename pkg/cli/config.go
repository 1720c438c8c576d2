package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const defaultProfile = "default"

// UserConfig is the profile file, ~/.metl/config.yaml.
type UserConfig struct {
	CurrentProfile string             `yaml:"current-profile" json:"current_profile"`
	Profiles       map[string]Profile `yaml:"profiles" json:"profiles"`
}

// Profile holds connection defaults. Zero fields fall through to the
// server configuration.
type Profile struct {
	Host     string `yaml:"host,omitempty" json:"host,omitempty"`
	Port     int    `yaml:"port,omitempty" json:"port,omitempty"`
	User     string `yaml:"user,omitempty" json:"user,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	Output   string `yaml:"output,omitempty" json:"output,omitempty"`
}

// ActiveProfile returns the profile named by override, or the current one.
// An unknown name yields the zero Profile.
func (c *UserConfig) ActiveProfile(override string) Profile {
	if override != "" {
		return c.Profiles[override]
	}
	return c.Profiles[c.CurrentProfile]
}

// redacted returns a copy with every stored password replaced by "****".
func (c *UserConfig) redacted() *UserConfig {
	out := &UserConfig{CurrentProfile: c.CurrentProfile, Profiles: make(map[string]Profile, len(c.Profiles))}
	for name, p := range c.Profiles {
		if p.Password != "" {
			p.Password = "****"
		}
		out.Profiles[name] = p
	}
	return out
}

func emptyUserConfig() *UserConfig {
	return &UserConfig{CurrentProfile: defaultProfile, Profiles: map[string]Profile{}}
}

// ConfigDir is $METL_CONFIG_DIR, or ~/.metl.
func ConfigDir() string {
	if dir := os.Getenv("METL_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".metl"
	}
	return filepath.Join(home, ".metl")
}

// ConfigPath is the profile file inside ConfigDir.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// LoadUserConfig reads and parses the profile file.
func LoadUserConfig() (*UserConfig, error) {
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := emptyUserConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigPath(), err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]Profile{}
	}
	return cfg, nil
}

// SaveUserConfig writes the profile file. It may hold passwords, so the
// directory and file are private to the owner.
func SaveUserConfig(cfg *UserConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(ConfigDir(), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(ConfigPath(), data, 0o600)
}
