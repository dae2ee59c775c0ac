package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Completion  CompletionConfig          `json:"completion"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	// WindowSize is the trailing conversation window submitted to the
	// completion endpoint. Defaults to 8.
	WindowSize int `json:"window_size"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type CompletionConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

const (
	defaultCompletionURL   = "https://api.openai.com/v1/chat/completions"
	defaultCompletionModel = "gpt-3.5-turbo"
	defaultWindowSize      = 8
)

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	for name, db := range cfg.Databases {
		if db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) && isFileDSN(name) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.WindowSize <= 0 {
		c.BasicConfig.WindowSize = defaultWindowSize
	}
	if c.Completion.BaseURL == "" {
		c.Completion.BaseURL = defaultCompletionURL
	}
	if c.Completion.Model == "" {
		c.Completion.Model = defaultCompletionModel
	}
	// The credential is usually kept out of the config file.
	if c.Completion.APIKey == "" {
		c.Completion.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

func isFileDSN(driver string) bool {
	return driver == "sqlite" || driver == "sqlite3"
}
