package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Planner      PlannerConfig      `toml:"planner"`
	Perf         PerfConfig         `toml:"perf"`
	Raw          map[string]any     `toml:"-"`
	Path         string             `toml:"-"`
}

type OrchestratorConfig struct {
	Addr                 string `toml:"addr"`
	DBPath               string `toml:"db_path"`
	PlannerID            string `toml:"planner_id"`
	LearningID           string `toml:"learning_id"`
	MaxActiveMissions    int    `toml:"max_active_missions"`
	MissionTimeoutMS     int    `toml:"mission_timeout_ms"`
	StuckStepMS          int    `toml:"stuck_step_ms"`
	SupervisorIntervalMS int    `toml:"supervisor_interval_ms"`
	RetryBaseMS          int    `toml:"retry_base_ms"`
	RetryMaxMS           int    `toml:"retry_max_ms"`
	DefaultMaxAttempts   int    `toml:"default_max_attempts"`
}

type PlannerConfig struct {
	Mode            string `toml:"mode"`
	APIEndpoint     string `toml:"api_endpoint"`
	APIModel        string `toml:"api_model"`
	APIAuthToken    string `toml:"api_auth_token"`
	ReasoningEffort string `toml:"reasoning_effort"`
}

type PerfConfig struct {
	Window     int `toml:"window"`
	BaselineMS int `toml:"baseline_ms"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".missionmesh/config.toml"
	}
	return filepath.Join(home, ".missionmesh", "config.toml")
}
