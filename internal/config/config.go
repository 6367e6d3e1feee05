// Package config загружает конфигурацию агента и сервера из YAML файла.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config общая конфигурация бинарей waresync.
type Config struct {
	Agent  AgentConfig  `yaml:"agent"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// AgentConfig настройки устройства-агента.
type AgentConfig struct {
	// ServerURL адрес sync-сервера.
	ServerURL string `yaml:"server_url"`
	// DBPath путь к SQLite базе устройства.
	DBPath string `yaml:"db_path"`
	// MetaPath путь к BoltDB файлу метаданных и снимков.
	MetaPath string `yaml:"meta_path"`
	// DeviceName человекочитаемое имя устройства.
	DeviceName string `yaml:"device_name"`
	// DeviceType handheld, desktop, kiosk...
	DeviceType string `yaml:"device_type"`
	// SyncInterval период фоновых sync-циклов.
	SyncInterval time.Duration `yaml:"sync_interval"`
	// ProbeInterval период проб доступности сервера.
	ProbeInterval time.Duration `yaml:"probe_interval"`
	// BatchSize максимальный размер push/pull батча.
	BatchSize int `yaml:"batch_size"`
	// MaxRetries бюджет повторов доставки одной записи.
	MaxRetries int `yaml:"max_retries"`
	// StaleConflictAge возраст, после которого открытый конфликт
	// помечается как устаревший в выводе `conflicts`.
	StaleConflictAge time.Duration `yaml:"stale_conflict_age"`
}

// ServerConfig настройки sync-сервера.
type ServerConfig struct {
	// Addr адрес прослушивания HTTP API.
	Addr string `yaml:"addr"`
	// DBPath путь к SQLite базе сервера.
	DBPath string `yaml:"db_path"`
	// JWTSecret секрет подписи device token-ов.
	JWTSecret string `yaml:"jwt_secret"`
	// TokenTTL время жизни device token.
	TokenTTL time.Duration `yaml:"token_ttl"`
	// ReadTimeout и WriteTimeout таймауты HTTP сервера.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LogConfig настройки логирования.
type LogConfig struct {
	// Level debug, info, warn, error.
	Level string `yaml:"level"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ServerURL:        "http://localhost:8080",
			DBPath:           "waresync-agent.db",
			MetaPath:         "waresync-agent-meta.db",
			DeviceName:       "warehouse-device",
			DeviceType:       "handheld",
			SyncInterval:     30 * time.Second,
			ProbeInterval:    10 * time.Second,
			BatchSize:        100,
			MaxRetries:       10,
			StaleConflictAge: 24 * time.Hour,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			DBPath:       "waresync-server.db",
			TokenTTL:     24 * time.Hour,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load читает конфигурацию из YAML файла поверх значений по умолчанию.
// Пустой путь возвращает значения по умолчанию.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}
