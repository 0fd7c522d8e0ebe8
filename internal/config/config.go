// Package config loads the node and worker JSON configuration files (spec
// §6 "CLI/env") and applies environment overrides on top of them. Grounded
// on the teacher pack's config.Initialize shape (codeready-toolchain-tarsy/
// pkg/config/loader.go): read file, expand/override, validate, return a
// ready-to-use struct — adapted from YAML+mergo to the flat JSON files this
// spec names.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// decodeConfigFile reads path and unmarshals it into v, picking YAML or
// JSON by file extension (`.yaml`/`.yml` vs everything else). Grounded on
// codeready-toolchain-tarsy/pkg/config/loader.go, whose config files are
// YAML; this repo's spec-named config files are JSON, so YAML is offered
// as an operator convenience rather than the default.
func decodeConfigFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return nil
}

// RedisConfig is the connection info shared by both config files.
type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	TLS      bool   `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// Addr returns host:port for redis.Options.Addr.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func (r *RedisConfig) applyDefaults() {
	if r.Host == "" {
		r.Host = "127.0.0.1"
	}
	if r.Port == 0 {
		r.Port = 6379
	}
}

func (r *RedisConfig) applyEnv() {
	if v := os.Getenv("REDIS_HOST"); v != "" {
		r.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			r.Port = p
		}
	}
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		r.Password = v
	}
	if v := os.Getenv("REDIS_TLS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			r.TLS = b
		}
	}
}

// NodeConfig is `~/.scalyclaw/scalyclaw.json`: `{homeDir, redis:{host,port,password,tls}}`
// plus the gateway settings this implementation adds to serve §4.9.
type NodeConfig struct {
	HomeDir string      `json:"homeDir" yaml:"homeDir"`
	Redis   RedisConfig `json:"redis" yaml:"redis"`

	// Bind is the gateway's listen address. Not named explicitly by spec.md;
	// added so cmd/node has somewhere to read it from besides a flag.
	Bind string `json:"bind,omitempty" yaml:"bind,omitempty"`
	// AuthToken gates every bearer-authed gateway endpoint (spec §4.9).
	AuthToken string `json:"authToken,omitempty" yaml:"authToken,omitempty"`
	// Budget limits (spec §4.7); zero value disables the corresponding check.
	Budget BudgetConfig `json:"budget,omitempty" yaml:"budget,omitempty"`
}

// BudgetConfig mirrors budget.Limits in JSON form.
type BudgetConfig struct {
	DailyHardTokens   int64 `json:"dailyHardTokens,omitempty" yaml:"dailyHardTokens,omitempty"`
	DailySoftTokens   int64 `json:"dailySoftTokens,omitempty" yaml:"dailySoftTokens,omitempty"`
	MonthlyHardTokens int64 `json:"monthlyHardTokens,omitempty" yaml:"monthlyHardTokens,omitempty"`
	MonthlySoftTokens int64 `json:"monthlySoftTokens,omitempty" yaml:"monthlySoftTokens,omitempty"`
}

// WorkerConfig is `{home}/worker.json`.
type WorkerConfig struct {
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// NodeURL is where the worker fetches skill bundles from (spec §4.10:
	// "GET {nodeUrl}/api/skills/{id}/zip").
	NodeURL   string `json:"nodeUrl" yaml:"nodeUrl"`
	AuthToken string `json:"authToken,omitempty" yaml:"authToken,omitempty"`

	// Workspace roots workers never resolve paths outside of (spec §5).
	Workspace string `json:"workspace,omitempty" yaml:"workspace,omitempty"`

	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
}

func (w *WorkerConfig) applyDefaults(homeDir string) {
	if w.Workspace == "" {
		w.Workspace = filepath.Join(homeDir, "workspace")
	}
	if w.Concurrency <= 0 {
		w.Concurrency = 4
	}
}

// DashboardConfig is the dashboard process's own small config file: where
// to bind, which node to reverse-proxy API/WS traffic to, and the static
// SPA directory to serve (spec §2: "authenticated reverse proxy and static
// UI host, registered in the same process registry"; the SPA itself is
// named out of scope by spec §1, so this type only carries what the proxy
// needs to run).
type DashboardConfig struct {
	Redis RedisConfig `json:"redis" yaml:"redis"`

	Bind      string `json:"bind,omitempty" yaml:"bind,omitempty"`
	NodeURL   string `json:"nodeUrl" yaml:"nodeUrl"`
	AuthToken string `json:"authToken,omitempty" yaml:"authToken,omitempty"`
	StaticDir string `json:"staticDir,omitempty" yaml:"staticDir,omitempty"`
}

func (d *DashboardConfig) applyDefaults() {
	if d.Bind == "" {
		d.Bind = ":8081"
	}
}

// LoadDashboard reads and validates the dashboard config.
func LoadDashboard(path string) (*DashboardConfig, error) {
	var cfg DashboardConfig
	if err := decodeConfigFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.NodeURL == "" {
		return nil, fmt.Errorf("config: dashboard config %s: nodeUrl is required", path)
	}
	cfg.Redis.applyDefaults()
	cfg.Redis.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// DefaultDashboardConfigPath returns `~/.scalyclaw/dashboard.json`.
func DefaultDashboardConfigPath() (string, error) {
	home, err := DefaultHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "dashboard.json"), nil
}

func (w *WorkerConfig) applyEnv() {
	w.Redis.applyEnv()
	if v := os.Getenv("SCALYCLAW_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			w.Concurrency = n
		}
	}
}

// DefaultHomeDir returns `~/.scalyclaw`.
func DefaultHomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".scalyclaw"), nil
}

// DefaultNodeConfigPath returns `~/.scalyclaw/scalyclaw.json`.
func DefaultNodeConfigPath() (string, error) {
	home, err := DefaultHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "scalyclaw.json"), nil
}

// DefaultWorkerConfigPath honors SCALYCLAW_WORKER_CONFIG, falling back to
// `~/.scalyclaw/worker.json`.
func DefaultWorkerConfigPath() (string, error) {
	if v := os.Getenv("SCALYCLAW_WORKER_CONFIG"); v != "" {
		return v, nil
	}
	home, err := DefaultHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "worker.json"), nil
}

// LoadNode reads and validates the node setup config. A missing file is
// fatal-at-boot (spec §7): callers should abort with a non-zero exit.
func LoadNode(path string) (*NodeConfig, error) {
	var cfg NodeConfig
	if err := decodeConfigFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.HomeDir == "" {
		home, err := DefaultHomeDir()
		if err != nil {
			return nil, err
		}
		cfg.HomeDir = home
	}
	cfg.Redis.applyDefaults()
	cfg.Redis.applyEnv()
	return &cfg, nil
}

// LoadWorker reads and validates the worker config.
func LoadWorker(path string) (*WorkerConfig, error) {
	var cfg WorkerConfig
	if err := decodeConfigFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.NodeURL == "" {
		return nil, fmt.Errorf("config: worker config %s: nodeUrl is required", path)
	}
	home, err := DefaultHomeDir()
	if err != nil {
		return nil, err
	}
	cfg.Redis.applyDefaults()
	cfg.applyDefaults(home)
	cfg.applyEnv()
	return &cfg, nil
}
