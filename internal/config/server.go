package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type StorageConfig struct {
	DatabasePath    string `json:"database_path"`
	FilesDir        string `json:"files_dir"`
	BranchCacheSize int    `json:"branch_cache_size"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type ServerConfig struct {
	Server struct {
		ListenAddr       string   `json:"listen_addr"`
		OpsAddr          string   `json:"ops_addr"`
		PingIntervalSec  int      `json:"ping_interval_sec"`
		WriteTimeoutSec  int      `json:"write_timeout_sec"`
		MaxDatabaseMB    int      `json:"max_database_mb"`
		SendQueueSize    int      `json:"send_queue_size"`
		ParkedEventLimit int      `json:"parked_event_limit"`
		AllowedOrigins   []string `json:"allowed_origins"`
	} `json:"server"`
	Storage StorageConfig `json:"storage"`
	Logging LoggingConfig `json:"logging"`
}

const (
	defaultListenAddr       = ":31013"
	defaultPingIntervalSec  = 54
	defaultWriteTimeoutSec  = 10
	defaultMaxDatabaseMB    = 512
	defaultSendQueueSize    = 256
	defaultParkedEventLimit = 1024
	defaultDatabasePath     = "./binshare.db"
	defaultFilesDir         = "./files"
	defaultBranchCacheSize  = 1024
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
)

// DefaultServerConfig returns a config that runs out of the box: the
// standard port, storage next to the working directory, json logs.
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.applyDefaults()
	return cfg
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ServerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := validateServerConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cfg *ServerConfig) applyDefaults() {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}
	if cfg.Server.PingIntervalSec == 0 {
		cfg.Server.PingIntervalSec = defaultPingIntervalSec
	}
	if cfg.Server.WriteTimeoutSec == 0 {
		cfg.Server.WriteTimeoutSec = defaultWriteTimeoutSec
	}
	if cfg.Server.MaxDatabaseMB == 0 {
		cfg.Server.MaxDatabaseMB = defaultMaxDatabaseMB
	}
	if cfg.Server.SendQueueSize == 0 {
		cfg.Server.SendQueueSize = defaultSendQueueSize
	}
	if cfg.Server.ParkedEventLimit == 0 {
		cfg.Server.ParkedEventLimit = defaultParkedEventLimit
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = defaultDatabasePath
	}
	if cfg.Storage.FilesDir == "" {
		cfg.Storage.FilesDir = defaultFilesDir
	}
	if cfg.Storage.BranchCacheSize == 0 {
		cfg.Storage.BranchCacheSize = defaultBranchCacheSize
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogFormat
	}
}

func validateServerConfig(cfg *ServerConfig) error {
	if cfg.Server.PingIntervalSec <= 0 {
		return fmt.Errorf("validation error: server.ping_interval_sec must be positive, got %d", cfg.Server.PingIntervalSec)
	}
	if cfg.Server.WriteTimeoutSec <= 0 {
		return fmt.Errorf("validation error: server.write_timeout_sec must be positive, got %d", cfg.Server.WriteTimeoutSec)
	}
	if cfg.Server.MaxDatabaseMB <= 0 {
		return fmt.Errorf("validation error: server.max_database_mb must be positive, got %d", cfg.Server.MaxDatabaseMB)
	}
	if cfg.Server.SendQueueSize <= 0 {
		return fmt.Errorf("validation error: server.send_queue_size must be positive, got %d", cfg.Server.SendQueueSize)
	}
	if cfg.Server.ParkedEventLimit <= 0 {
		return fmt.Errorf("validation error: server.parked_event_limit must be positive, got %d", cfg.Server.ParkedEventLimit)
	}
	if cfg.Storage.BranchCacheSize <= 0 {
		return fmt.Errorf("validation error: storage.branch_cache_size must be positive, got %d", cfg.Storage.BranchCacheSize)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("validation error: logging.format must be json or console, got %q", cfg.Logging.Format)
	}
	return nil
}
