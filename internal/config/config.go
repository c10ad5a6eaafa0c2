package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"taskflow/internal/domain"
	"taskflow/internal/logging"
)

// FileName is the config file inside a workspace.
const FileName = "taskflow.yml"

// Config models taskflow.yml.
type Config struct {
	Remote struct {
		URL        string `yaml:"url" mapstructure:"url"`
		Collection string `yaml:"collection" mapstructure:"collection"`
		Token      string `yaml:"token" mapstructure:"token"`
	} `yaml:"remote" mapstructure:"remote"`
	Identity struct {
		DisplayName string `yaml:"display_name" mapstructure:"display_name"`
		Email       string `yaml:"email" mapstructure:"email"`
	} `yaml:"identity" mapstructure:"identity"`
	Admin struct {
		Emails []string `yaml:"emails" mapstructure:"emails"`
	} `yaml:"admin" mapstructure:"admin"`
	Sync struct {
		ProbeInterval     time.Duration `yaml:"probe_interval" mapstructure:"probe_interval"`
		UploadConcurrency int           `yaml:"upload_concurrency" mapstructure:"upload_concurrency"`
		Auto              bool          `yaml:"auto" mapstructure:"auto"`
	} `yaml:"sync" mapstructure:"sync"`
	SLA struct {
		Warning  time.Duration `yaml:"warning" mapstructure:"warning"`
		Critical time.Duration `yaml:"critical" mapstructure:"critical"`
	} `yaml:"sla" mapstructure:"sla"`
	Server struct {
		Listen    string   `yaml:"listen" mapstructure:"listen"`
		JWTSecret string   `yaml:"jwt_secret" mapstructure:"jwt_secret"`
		Data      string   `yaml:"data" mapstructure:"data"`
		Webhooks  []string `yaml:"webhooks" mapstructure:"webhooks"`
	} `yaml:"server" mapstructure:"server"`
	Log logging.Config `yaml:"log" mapstructure:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config %s not found; create it with tf init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err != nil {
		if _, statErr := os.Stat(Path(workspace)); errors.Is(statErr, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.remote.url must be an http(s) url, got %q", c.Remote.URL)
		}
	}
	if strings.TrimSpace(c.Remote.Collection) == "" {
		return fmt.Errorf("config.remote.collection is required")
	}
	if strings.Contains(c.Remote.Collection, "/") {
		return fmt.Errorf("config.remote.collection must not contain '/'")
	}
	for _, e := range c.Admin.Emails {
		if !strings.Contains(e, "@") {
			return fmt.Errorf("config.admin.emails has invalid address %q", e)
		}
	}
	if c.Sync.ProbeInterval < 0 {
		return fmt.Errorf("config.sync.probe_interval must not be negative")
	}
	if c.Sync.UploadConcurrency < 0 {
		return fmt.Errorf("config.sync.upload_concurrency must not be negative")
	}
	if c.SLA.Critical <= 0 || c.SLA.Warning <= 0 {
		return fmt.Errorf("config.sla thresholds must be positive")
	}
	if c.SLA.Critical >= c.SLA.Warning {
		return fmt.Errorf("config.sla.critical must be shorter than config.sla.warning")
	}
	for _, hook := range c.Server.Webhooks {
		if u, err := url.Parse(hook); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.server.webhooks has invalid url %q", hook)
		}
	}
	return nil
}

// Thresholds returns the SLA section as domain thresholds.
func (c *Config) Thresholds() domain.SLAThresholds {
	return domain.SLAThresholds{Warning: c.SLA.Warning, Critical: c.SLA.Critical}
}

// IsAdminEmail reports whether email is listed under admin.emails. The
// comparison ignores case.
func (c *Config) IsAdminEmail(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" {
		return false
	}
	for _, e := range c.Admin.Emails {
		if strings.EqualFold(strings.TrimSpace(e), email) {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML for the given identity.
func GenerateDefault(displayName, email string) string {
	return fmt.Sprintf(defaultTemplate, quote(displayName), quote(email))
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(GenerateDefault("", "")), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections left
// out of the file keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func quote(s string) string {
	out, _ := yaml.Marshal(s)
	return strings.TrimSpace(string(out))
}

const defaultTemplate = `remote:
  url: ""
  collection: tasks
  token: ""

identity:
  display_name: %s
  email: %s

admin:
  emails: []

sync:
  probe_interval: 15s
  upload_concurrency: 8
  auto: true

sla:
  warning: 6h
  critical: 1h

server:
  listen: 127.0.0.1:8787
  jwt_secret: ""
  data: ""
  webhooks: []

log:
  level: info
  format: console
  file: ""
`
