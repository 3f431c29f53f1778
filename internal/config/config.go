// Package config loads the engine configuration from a YAML file with
// environment-variable overrides for secrets. Non-secret settings have safe
// defaults so the engine can boot from an empty file in development.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ChainConfig struct {
	RPCURLs         []string `yaml:"rpc_urls"`
	ExplorerAPIBase string   `yaml:"explorer_api_base"`
	ExplorerAPIKey  string   `yaml:"explorer_api_key"`
	UpstreamRPC     string   `yaml:"upstream_rpc"` // proxy forward target; first rpc_url when empty
}

type CircuitConfig struct {
	FailThreshold int           `yaml:"fail_threshold"`
	Window        time.Duration `yaml:"window_ms"`
	Cooldown      time.Duration `yaml:"cooldown_ms"`
}

type AnalyzerConfig struct {
	Weight  *float64 `yaml:"weight"`
	Enabled *bool    `yaml:"enabled"`
}

type RescueConfig struct {
	MaxApprovalsScanned int `yaml:"max_approvals_scanned"`
}

type ForensicConfig struct {
	ThresholdScore float64 `yaml:"threshold_score"`
	UploadURL      string  `yaml:"upload_url"`
}

type RiskConfig struct {
	BonusCap float64 `yaml:"bonus_cap"` // cap on intent+signature additive bonuses
}

type Config struct {
	PolicyMode      string                    `yaml:"policy_mode"`
	Chains          map[int64]ChainConfig     `yaml:"chains"`
	RequestDeadline time.Duration             `yaml:"request_deadline_ms"`
	UpstreamTimeout time.Duration             `yaml:"upstream_timeout_ms"`
	Circuit         CircuitConfig             `yaml:"circuit"`
	Analyzers       map[string]AnalyzerConfig `yaml:"analyzer"`
	InflightLimit   int                       `yaml:"inflight_limit"`
	Rescue          RescueConfig              `yaml:"rescue"`
	Forensic        ForensicConfig            `yaml:"forensic_upload"`
	Risk            RiskConfig                `yaml:"risk"`
	AdminSecret     string                    `yaml:"-"` // env only, never from file
	DatabaseURL     string                    `yaml:"-"` // env only
	Port            string                    `yaml:"port"`
}

// Load reads the YAML file at path (optional) and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		// Durations in the file are integer milliseconds; decode through a
		// shadow struct so `request_deadline_ms: 1500` means 1500ms.
		var file fileConfig
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		file.apply(cfg)
	}

	// Secrets come from the environment only.
	cfg.AdminSecret = os.Getenv("ADMIN_SECRET")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	for id, chain := range cfg.Chains {
		if key := os.Getenv(fmt.Sprintf("EXPLORER_API_KEY_%d", id)); key != "" {
			chain.ExplorerAPIKey = key
			cfg.Chains[id] = chain
		}
	}

	if cfg.PolicyMode != "STRICT" && cfg.PolicyMode != "BALANCED" {
		return nil, fmt.Errorf("invalid policy_mode %q (want STRICT or BALANCED)", cfg.PolicyMode)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		PolicyMode:      "BALANCED",
		Chains:          map[int64]ChainConfig{},
		RequestDeadline: 1500 * time.Millisecond,
		UpstreamTimeout: 1000 * time.Millisecond,
		Circuit: CircuitConfig{
			FailThreshold: 5,
			Window:        30 * time.Second,
			Cooldown:      60 * time.Second,
		},
		Analyzers:     map[string]AnalyzerConfig{},
		InflightLimit: 256,
		Rescue:        RescueConfig{MaxApprovalsScanned: 200},
		Forensic:      ForensicConfig{ThresholdScore: 50},
		Risk:          RiskConfig{BonusCap: 40},
		Port:          "5440",
	}
}

type fileConfig struct {
	PolicyMode      string                    `yaml:"policy_mode"`
	Chains          map[int64]ChainConfig     `yaml:"chains"`
	RequestDeadline int                       `yaml:"request_deadline_ms"`
	UpstreamTimeout int                       `yaml:"upstream_timeout_ms"`
	Circuit         struct {
		FailThreshold int `yaml:"fail_threshold"`
		WindowMs      int `yaml:"window_ms"`
		CooldownMs    int `yaml:"cooldown_ms"`
	} `yaml:"circuit"`
	Analyzers     map[string]AnalyzerConfig `yaml:"analyzer"`
	InflightLimit int                       `yaml:"inflight_limit"`
	Rescue        RescueConfig              `yaml:"rescue"`
	Forensic      ForensicConfig            `yaml:"forensic_upload"`
	Risk          struct {
		BonusCap float64 `yaml:"bonus_cap"`
	} `yaml:"risk"`
	Port string `yaml:"port"`
}

func (f *fileConfig) apply(cfg *Config) {
	if f.PolicyMode != "" {
		cfg.PolicyMode = f.PolicyMode
	}
	if len(f.Chains) > 0 {
		cfg.Chains = f.Chains
	}
	if f.RequestDeadline > 0 {
		cfg.RequestDeadline = time.Duration(f.RequestDeadline) * time.Millisecond
	}
	if f.UpstreamTimeout > 0 {
		cfg.UpstreamTimeout = time.Duration(f.UpstreamTimeout) * time.Millisecond
	}
	if f.Circuit.FailThreshold > 0 {
		cfg.Circuit.FailThreshold = f.Circuit.FailThreshold
	}
	if f.Circuit.WindowMs > 0 {
		cfg.Circuit.Window = time.Duration(f.Circuit.WindowMs) * time.Millisecond
	}
	if f.Circuit.CooldownMs > 0 {
		cfg.Circuit.Cooldown = time.Duration(f.Circuit.CooldownMs) * time.Millisecond
	}
	if len(f.Analyzers) > 0 {
		cfg.Analyzers = f.Analyzers
	}
	if f.InflightLimit > 0 {
		cfg.InflightLimit = f.InflightLimit
	}
	if f.Rescue.MaxApprovalsScanned > 0 {
		cfg.Rescue.MaxApprovalsScanned = f.Rescue.MaxApprovalsScanned
	}
	if f.Forensic.ThresholdScore > 0 {
		cfg.Forensic.ThresholdScore = f.Forensic.ThresholdScore
	}
	if f.Forensic.UploadURL != "" {
		cfg.Forensic.UploadURL = f.Forensic.UploadURL
	}
	if f.Risk.BonusCap > 0 {
		cfg.Risk.BonusCap = f.Risk.BonusCap
	}
	if f.Port != "" {
		cfg.Port = f.Port
	}
}
