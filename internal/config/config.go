// Package config loads the service configuration from a YAML file with
// environment overrides. The file is read once at startup; admin commands
// mutate registry state at runtime, never this struct.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Cooldowns CooldownConfig  `yaml:"cooldowns"`
	Quotas    QuotaConfig     `yaml:"quotas"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Admins    []string        `yaml:"admins"`
	Accounts  []AccountSeed   `yaml:"accounts"`
	Groups    []GroupSeed     `yaml:"groups"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateBurst       int           `yaml:"rate_burst"`
	RatePerSecond   int           `yaml:"rate_per_second"`
}

// DatabaseConfig holds the PostgreSQL connection string. Empty DSN runs the
// service on in-memory stores (useful for local development only).
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// GatewayConfig points at the session gateway that owns the MTProto sessions.
type GatewayConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// CooldownConfig holds the minimum spacing between actions.
type CooldownConfig struct {
	Requester        time.Duration `yaml:"requester"`
	Group            time.Duration `yaml:"group"`
	Reinvite         time.Duration `yaml:"reinvite"`
	ConsumeOnFailure *bool         `yaml:"consume_on_failure"`
}

// QuotaConfig holds daily ceilings.
type QuotaConfig struct {
	AccountDaily int `yaml:"account_daily"`
	GroupDaily   int `yaml:"group_daily"`
}

// SchedulerConfig holds background job settings.
type SchedulerConfig struct {
	StatsRefresh time.Duration `yaml:"stats_refresh"`
}

// AccountSeed declares an operator account known at startup. Credentials are
// opaque here; the session gateway owns them.
type AccountSeed struct {
	Session        string   `yaml:"session"`
	Phone          string   `yaml:"phone"`
	Active         *bool    `yaml:"active"`
	GroupsAssigned []string `yaml:"groups_assigned"`
}

// GroupSeed declares a target group known at startup.
type GroupSeed struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	InviteLink       string   `yaml:"invite_link"`
	MaxDailyInvites  int      `yaml:"max_daily_invites"`
	AssignedAccounts []string `yaml:"assigned_accounts"`
}

// Defaults mirror the behaviour of the production deployment.
const (
	DefaultRequesterCooldown = 180 * time.Second
	DefaultGroupCooldown     = 3 * time.Second
	DefaultReinviteSpacing   = 24 * time.Hour
	DefaultAccountDaily      = 50
	DefaultGroupDaily        = 100
	DefaultStatsRefresh      = 30 * time.Minute
)

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.overrideWithEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) overrideWithEnv() {
	if v := os.Getenv("INVITEGATE_PG_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("INVITEGATE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("INVITEGATE_GATEWAY_URL"); v != "" {
		c.Gateway.BaseURL = v
	}
	if v := os.Getenv("INVITEGATE_GATEWAY_TOKEN"); v != "" {
		c.Gateway.Token = v
	}
	if v := os.Getenv("INVITEGATE_REQUESTER_COOLDOWN"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Cooldowns.Requester = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("INVITEGATE_GROUP_COOLDOWN"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Cooldowns.Group = time.Duration(secs) * time.Second
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = 20
	}
	if c.Server.RatePerSecond <= 0 {
		c.Server.RatePerSecond = 10
	}
	if c.Gateway.Timeout <= 0 {
		c.Gateway.Timeout = 30 * time.Second
	}
	if c.Cooldowns.Requester <= 0 {
		c.Cooldowns.Requester = DefaultRequesterCooldown
	}
	if c.Cooldowns.Group <= 0 {
		c.Cooldowns.Group = DefaultGroupCooldown
	}
	if c.Cooldowns.Reinvite <= 0 {
		c.Cooldowns.Reinvite = DefaultReinviteSpacing
	}
	if c.Quotas.AccountDaily <= 0 {
		c.Quotas.AccountDaily = DefaultAccountDaily
	}
	if c.Quotas.GroupDaily <= 0 {
		c.Quotas.GroupDaily = DefaultGroupDaily
	}
	if c.Scheduler.StatsRefresh <= 0 {
		c.Scheduler.StatsRefresh = DefaultStatsRefresh
	}
}

// ConsumeCooldownOnFailure reports whether a failed invite still advances
// cooldown stamps. Defaults to true: rate-limit protection over efficiency.
func (c *Config) ConsumeCooldownOnFailure() bool {
	if c.Cooldowns.ConsumeOnFailure == nil {
		return true
	}
	return *c.Cooldowns.ConsumeOnFailure
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.Session == "" {
			return fmt.Errorf("account with empty session name")
		}
		if _, dup := seen[a.Session]; dup {
			return fmt.Errorf("duplicate account session %q", a.Session)
		}
		seen[a.Session] = struct{}{}
	}
	for _, g := range c.Groups {
		if g.ID == "" {
			return fmt.Errorf("group %q has no id", g.Name)
		}
		if g.InviteLink == "" {
			return fmt.Errorf("group %s has no invite link", g.ID)
		}
		if g.MaxDailyInvites < 0 {
			return fmt.Errorf("group %s has negative daily quota", g.ID)
		}
	}
	return nil
}
