package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/wsm/session"
)

var (
	// ErrDuplicateConfigFiles is returned when both .json and .jsonc config files exist.
	ErrDuplicateConfigFiles = errors.New("duplicate config files")
	// ErrInvalidSetting is returned for config values wsm cannot use.
	ErrInvalidSetting = errors.New("invalid setting")
)

// Environment variables that override config file values.
const (
	envWaitTimeout     = "WSM_WAIT_VARNAMES_TIMEOUT"
	envSettleTime      = "WSM_WAIT_VARNAMES_SETTLETIME"
	envUseSessionSlice = "WSM_USE_SESSION_SLICE"
)

// Env file loaders accepted by the env_files key.
const (
	envFilesShell       = "shell"
	envFilesDeclarative = "declarative"
)

// Config holds the application configuration.
type Config struct {
	// WaitTimeout and SettleTime are in seconds.
	WaitTimeout      *float64            `json:"wait_timeout,omitempty"`
	SettleTime       *float64            `json:"settle_time,omitempty"`
	FinalizeVarnames []string            `json:"finalize_varnames,omitempty"`
	WaitVarnames     []string            `json:"wait_varnames,omitempty"`
	EnvFiles         string              `json:"env_files,omitempty"`
	UseSessionSlice  *bool               `json:"use_session_slice,omitempty"`
	Policy           session.PolicyLists `json:"policy"`

	// Resolved (not serialized)
	Files []string `json:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		WaitTimeout:     floatPtr(session.DefaultWaitTimeout.Seconds()),
		SettleTime:      floatPtr(session.DefaultSettleTime.Seconds()),
		EnvFiles:        envFilesShell,
		UseSessionSlice: boolPtr(false),
	}
}

func boolPtr(b bool) *bool {
	return &b
}

func floatPtr(f float64) *float64 {
	return &f
}

// WaitTimeoutDuration is WaitTimeout as a duration.
func (c Config) WaitTimeoutDuration() time.Duration {
	return secondsDuration(c.WaitTimeout, session.DefaultWaitTimeout)
}

// SettleDuration is SettleTime as a duration. Zero disables settling.
func (c Config) SettleDuration() time.Duration {
	return secondsDuration(c.SettleTime, session.DefaultSettleTime)
}

func secondsDuration(v *float64, def time.Duration) time.Duration {
	if v == nil {
		return def
	}

	return time.Duration(*v * float64(time.Second))
}

// SessionSlice reports whether the compositor goes to session.slice.
func (c Config) SessionSlice() bool {
	return c.UseSessionSlice != nil && *c.UseSessionSlice
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	ConfigPath string            // --config flag value
	Env        map[string]string // Environment variables (XDG_CONFIG_HOME and overrides)
}

// LoadConfig loads configuration with the following precedence (later overrides earlier):
//  1. Built-in defaults
//  2. Global config: $XDG_CONFIG_HOME/wsm/config.json or config.jsonc
//     (defaults to ~/.config/wsm/) - always loaded if exists
//  3. --config path
//  4. WSM_* environment variables
//
// Both .json and .jsonc files support comments via tailscale/hujson.
// If both .json and .jsonc exist at the same location, it's an error.
func LoadConfig(input LoadConfigInput) (Config, error) {
	cfg := DefaultConfig()

	globalConfigBasePath, err := getUserConfigBasePath(input.Env)
	if err != nil {
		return Config{}, err
	}

	globalConfigPath, findErr := findConfigFile(globalConfigBasePath)
	if findErr == nil {
		globalCfg, loadErr := loadConfigFile(globalConfigPath)
		if loadErr != nil {
			// File exists but is invalid - this is an error
			return Config{}, loadErr
		}

		cfg = mergeConfigs(&cfg, &globalCfg)
		cfg.Files = append(cfg.Files, globalConfigPath)
	} else if !errors.Is(findErr, os.ErrNotExist) {
		// Error finding config (e.g., both .json and .jsonc exist)
		return Config{}, findErr
	}

	if input.ConfigPath != "" {
		explicitCfg, err := loadConfigFile(input.ConfigPath)
		if err != nil {
			return Config{}, err
		}

		cfg = mergeConfigs(&cfg, &explicitCfg)
		cfg.Files = append(cfg.Files, input.ConfigPath)
	}

	err = applyEnvOverrides(&cfg, input.Env)
	if err != nil {
		return Config{}, err
	}

	err = validateConfig(&cfg)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// findConfigFile finds a config file at the given base path.
// It checks for both .json and .jsonc extensions and returns an error if both exist.
func findConfigFile(basePath string) (string, error) {
	jsonPath := basePath + ".json"
	jsoncPath := basePath + ".jsonc"

	jsonExists, jsonErr := fileExists(jsonPath)
	if jsonErr != nil {
		return "", jsonErr
	}

	jsoncExists, jsoncErr := fileExists(jsoncPath)
	if jsoncErr != nil {
		return "", jsoncErr
	}

	if jsonExists && jsoncExists {
		return "", fmt.Errorf("%w: both %s and %s exist; remove one", ErrDuplicateConfigFiles, jsonPath, jsoncPath)
	}

	if jsonExists {
		return jsonPath, nil
	}

	if jsoncExists {
		return jsoncPath, nil
	}

	return "", os.ErrNotExist
}

// fileExists checks if a file exists and is not a directory.
// Returns (true, nil) if file exists, (false, nil) if not found,
// or (false, error) for other errors (e.g., permission denied).
func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("checking file %s: %w", path, err)
	}

	if info.IsDir() {
		return false, nil
	}

	return true, nil
}

// loadConfigFile loads and parses a JSON/JSONC config file.
func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	// Standardize JSONC to JSON (handles comments in both .json and .jsonc)
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// mergeConfigs merges override into base, with override taking precedence.
// Empty/zero values in override do not override base values. Policy lists
// accumulate since they only ever extend the built-in lists.
func mergeConfigs(base, override *Config) Config {
	result := *base

	if override.WaitTimeout != nil {
		result.WaitTimeout = override.WaitTimeout
	}

	if override.SettleTime != nil {
		result.SettleTime = override.SettleTime
	}

	if len(override.FinalizeVarnames) > 0 {
		result.FinalizeVarnames = override.FinalizeVarnames
	}

	if len(override.WaitVarnames) > 0 {
		result.WaitVarnames = override.WaitVarnames
	}

	if override.EnvFiles != "" {
		result.EnvFiles = override.EnvFiles
	}

	if override.UseSessionSlice != nil {
		result.UseSessionSlice = override.UseSessionSlice
	}

	result.Policy = session.PolicyLists{
		AlwaysExport:  concat(base.Policy.AlwaysExport, override.Policy.AlwaysExport),
		NeverExport:   concat(base.Policy.NeverExport, override.Policy.NeverExport),
		AlwaysUnset:   concat(base.Policy.AlwaysUnset, override.Policy.AlwaysUnset),
		AlwaysCleanup: concat(base.Policy.AlwaysCleanup, override.Policy.AlwaysCleanup),
		NeverCleanup:  concat(base.Policy.NeverCleanup, override.Policy.NeverCleanup),
	}

	return result
}

func concat(a, b []string) []string {
	if len(b) == 0 {
		return a
	}

	return append(append([]string(nil), a...), b...)
}

func applyEnvOverrides(cfg *Config, env map[string]string) error {
	for name, target := range map[string]**float64{
		envWaitTimeout: &cfg.WaitTimeout,
		envSettleTime:  &cfg.SettleTime,
	} {
		raw, ok := env[name]
		if !ok || raw == "" {
			continue
		}

		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidSetting, name, raw)
		}

		*target = floatPtr(v)
	}

	if raw := env[envUseSessionSlice]; raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidSetting, envUseSessionSlice, raw)
		}

		cfg.UseSessionSlice = boolPtr(v)
	}

	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.WaitTimeout != nil && (*cfg.WaitTimeout < 1 || math.IsInf(*cfg.WaitTimeout, 0) || math.IsNaN(*cfg.WaitTimeout)) {
		return fmt.Errorf("%w: wait timeout must be at least 1 second, got %v", ErrInvalidSetting, *cfg.WaitTimeout)
	}

	if cfg.SettleTime != nil && (*cfg.SettleTime < 0 || math.IsInf(*cfg.SettleTime, 0) || math.IsNaN(*cfg.SettleTime)) {
		return fmt.Errorf("%w: settle time must not be negative, got %v", ErrInvalidSetting, *cfg.SettleTime)
	}

	switch cfg.EnvFiles {
	case envFilesShell, envFilesDeclarative:
	default:
		return fmt.Errorf("%w: env_files must be %q or %q, got %q", ErrInvalidSetting, envFilesShell, envFilesDeclarative, cfg.EnvFiles)
	}

	return nil
}

// getUserConfigBasePath returns the user config base path (without extension).
// Uses env map for XDG_CONFIG_HOME instead of os.Getenv().
func getUserConfigBasePath(env map[string]string) (string, error) {
	if xdg, ok := env["XDG_CONFIG_HOME"]; ok && xdg != "" {
		return filepath.Join(xdg, session.Namespace, "config"), nil
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", session.Namespace, "config"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, ".config", session.Namespace, "config"), nil
}
