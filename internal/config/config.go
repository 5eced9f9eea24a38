package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config models lixcarbon.yml. The same struct is filled by viper (flags, env, file) or by yaml.v3.
type Config struct {
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Settlement SettlementConfig `yaml:"settlement" mapstructure:"settlement"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Auth       AuthConfig       `yaml:"auth" mapstructure:"auth"`
	RBAC       RBACConfig       `yaml:"rbac" mapstructure:"rbac"`
	NATS       NATSConfig       `yaml:"nats" mapstructure:"nats"`
	Webhooks   []WebhookConfig  `yaml:"webhooks" mapstructure:"webhooks" validate:"dive"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
}

type DatabaseConfig struct {
	Driver    string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN       string `yaml:"dsn" mapstructure:"dsn" validate:"required_if=Driver postgres"`
	Workspace string `yaml:"workspace" mapstructure:"workspace"`
}

type SettlementConfig struct {
	// CompanySharePercent is stamped on every new lot.
	CompanySharePercent string `yaml:"company_share_percent" mapstructure:"company_share_percent" validate:"required,numeric"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr" validate:"required"`
	BasePath string `yaml:"base_path" mapstructure:"base_path" validate:"required,startswith=/"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
}

type RBACConfig struct {
	Roles map[string]RBACRole `yaml:"roles" mapstructure:"roles" validate:"required,min=1"`
}

type RBACRole struct {
	Description string   `yaml:"description" mapstructure:"description"`
	Permissions []string `yaml:"permissions" mapstructure:"permissions" validate:"required,min=1,dive,required"`
}

type NATSConfig struct {
	URL           string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	SubjectPrefix string `yaml:"subject_prefix" mapstructure:"subject_prefix" validate:"required"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" mapstructure:"url" validate:"required,url"`
	Events         []string `yaml:"events" mapstructure:"events"`
	Secret         string   `yaml:"secret" mapstructure:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds" mapstructure:"timeout_seconds" validate:"gte=0"`
	Enabled        *bool    `yaml:"enabled" mapstructure:"enabled"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	pct, err := decimal.NewFromString(c.Settlement.CompanySharePercent)
	if err != nil {
		return fmt.Errorf("config.settlement.company_share_percent: %w", err)
	}
	if pct.IsNegative() || pct.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("config.settlement.company_share_percent must be in [0, 100)")
	}
	return nil
}

// CompanySharePercent returns the configured platform fee as a decimal.
func (c *Config) CompanySharePercent() decimal.Decimal {
	pct, err := decimal.NewFromString(c.Settlement.CompanySharePercent)
	if err != nil {
		return decimal.NewFromInt(20)
	}
	return pct
}

// RolePermissions expands role names into the union of their permissions.
func (c *Config) RolePermissions(roles []string) []string {
	seen := map[string]struct{}{}
	var perms []string
	for _, name := range roles {
		role, ok := c.RBAC.Roles[name]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			perms = append(perms, p)
		}
	}
	return perms
}

// SetDefaults registers every key with viper so env overrides resolve during Unmarshal.
func SetDefaults(v *viper.Viper) error {
	v.SetConfigType("yaml")
	return v.MergeConfig(strings.NewReader(defaultTemplate))
}

// Load builds the config from viper's merged view (defaults, config file, env, flags).
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes, on top of the defaults.
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

const defaultTemplate = `database:
  driver: sqlite
  dsn: ""
  workspace: "."

settlement:
  company_share_percent: "20"

server:
  addr: 127.0.0.1:8080
  base_path: /v1

auth:
  jwt_secret: ""

rbac:
  roles:
    admin:
      description: "Platform operator: forms lots, settles validator payments, pays depositors"
      permissions: [settlement.admin, tokens.issue, records.redeem, records.read, events.read]
    depositor:
      description: "Company depositing waste and redeeming tokens"
      permissions: [records.redeem, records.read]
    totem:
      description: "Weighing totem that issues tokens"
      permissions: [tokens.issue]

nats:
  url: ""
  subject_prefix: lixcarbon

webhooks: []

metrics:
  enabled: false
`
