package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress  string `toml:"ListenAddress"`
	DataDir        string `toml:"DataDir"`
	AdminAddress   string `toml:"AdminAddress"`
	CustodyAddress string `toml:"CustodyAddress"`
	Environment    string `toml:"Environment"`
	LogFile        string `toml:"LogFile"`
	LogMaxSizeMB   int    `toml:"LogMaxSizeMB"`
	LogMaxBackups  int    `toml:"LogMaxBackups"`
	LogMaxAgeDays  int    `toml:"LogMaxAgeDays"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists. The RPC admin token is intentionally not part of the
// file; it is read from MERKLEDROP_RPC_TOKEN at startup.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg, path)
	if strings.TrimSpace(cfg.AdminAddress) == "" {
		return nil, fmt.Errorf("config file %s: AdminAddress is required", path)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config, path string) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8645"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join(filepath.Dir(path), "data")
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if cfg.LogMaxSizeMB <= 0 {
		cfg.LogMaxSizeMB = 100
	}
	if cfg.LogMaxBackups < 0 {
		cfg.LogMaxBackups = 0
	}
	if cfg.LogMaxAgeDays < 0 {
		cfg.LogMaxAgeDays = 0
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg, path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("wrote default config to %s; set AdminAddress and restart", path)
}
