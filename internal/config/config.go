// Package config loads the engine's process-environment configuration,
// optionally from a .env file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/vaultize/alert-engine/internal/utils"
)

// Config is the engine's fully resolved startup configuration.
type Config struct {
	RulesDir string

	StoreURL       string
	StoreUser      string
	StorePassword  string
	StoreTLSVerify bool

	StateIndex   string
	HistoryIndex string

	MgmtListenAddr    string
	MetricsListenAddr string
	MgmtAdminToken    string

	MaxConcurrentEvaluations int
	MaxConcurrentDeliveries  int

	ShutdownGrace time.Duration
}

// Load reads configuration from the process environment, loading a .env
// file first if one is present in the working directory (ignored if
// missing — a missing .env is never fatal since env vars can be set any
// other way).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env file, continuing with process environment")
	}

	cfg := &Config{
		RulesDir:                 utils.GetenvTrim("RULES_DIR"),
		StoreURL:                 utils.GetenvTrim("STORE_URL"),
		StoreUser:                utils.GetenvTrim("STORE_USER"),
		StorePassword:            os.Getenv("STORE_PASSWORD"),
		StoreTLSVerify:           true,
		StateIndex:               utils.GetenvTrim("STATE_INDEX"),
		HistoryIndex:             utils.GetenvTrim("HISTORY_INDEX"),
		MgmtListenAddr:           utils.GetenvTrim("MGMT_LISTEN_ADDR"),
		MetricsListenAddr:        utils.GetenvTrim("METRICS_LISTEN_ADDR"),
		MgmtAdminToken:           os.Getenv("MGMT_ADMIN_TOKEN"),
		MaxConcurrentEvaluations: 32,
		MaxConcurrentDeliveries:  64,
		ShutdownGrace:            5 * time.Second,
	}

	if v := utils.GetenvTrim("STORE_TLS_VERIFY"); v != "" {
		cfg.StoreTLSVerify = utils.ParseBool(v)
	}
	if v := utils.GetenvTrim("MAX_CONCURRENT_EVALUATIONS"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.MaxConcurrentEvaluations = n
		}
	}
	if v := utils.GetenvTrim("MAX_CONCURRENT_DELIVERIES"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.MaxConcurrentDeliveries = n
		}
	}
	if v := utils.GetenvTrim("SHUTDOWN_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownGrace = d
		}
	}
	if cfg.MgmtListenAddr == "" {
		cfg.MgmtListenAddr = ":8080"
	}
	if cfg.MetricsListenAddr == "" {
		cfg.MetricsListenAddr = ":9090"
	}
	if cfg.StateIndex == "" {
		cfg.StateIndex = "alerts-state"
	}
	if cfg.HistoryIndex == "" {
		cfg.HistoryIndex = "alerts-history"
	}

	if cfg.RulesDir == "" {
		return nil, fmt.Errorf("config: RULES_DIR is required")
	}
	if cfg.StoreURL == "" {
		return nil, fmt.Errorf("config: STORE_URL is required")
	}

	return cfg, nil
}

func parsePositiveInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("value must be positive, got %d", n)
	}
	return n, nil
}
