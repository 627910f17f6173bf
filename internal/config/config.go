package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации клиента синхронизации.

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Net     NetConfig     `yaml:"net"`
	Stream  StreamConfig  `yaml:"stream"`
	Metrics MetricsConfig `yaml:"metrics"`
	Trace   TraceConfig   `yaml:"trace"`
}

// ServerConfig адреса серверных каналов
type ServerConfig struct {
	Host    string `yaml:"host"`
	TCPPort int    `yaml:"tcp_port"`
	UDPPort int    `yaml:"udp_port"`
}

// NetConfig параметры надёжности транспорта
type NetConfig struct {
	MaxRetries     int `yaml:"max_retries"`
	BackoffStepMs  int `yaml:"backoff_step_ms"`
	DialTimeoutSec int `yaml:"dial_timeout_seconds"`
}

// StreamConfig параметры стриминга чанков
type StreamConfig struct {
	RenderDistance int `yaml:"render_distance"`
	TickRateHz     int `yaml:"tick_rate_hz"`
	QueueCap       int `yaml:"queue_cap"`
	EvictEvery     int `yaml:"evict_every_ticks"`
}

// MetricsConfig параметры Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// TraceConfig параметры записи сетевого трафика
type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// GetHost возвращает хост сервера с поддержкой fallback значений
func (s *ServerConfig) GetHost() string {
	if s.Host != "" {
		return s.Host
	}
	if env := os.Getenv("VOXEL_SERVER_HOST"); env != "" {
		return env
	}
	return "127.0.0.1"
}

// GetTCPPort возвращает TCP порт с поддержкой fallback значений
func (s *ServerConfig) GetTCPPort() int {
	return getPortWithEnvFallback(s.TCPPort, "VOXEL_TCP_PORT", 7777)
}

// GetUDPPort возвращает UDP порт с поддержкой fallback значений
func (s *ServerConfig) GetUDPPort() int {
	return getPortWithEnvFallback(s.UDPPort, "VOXEL_UDP_PORT", 7778)
}

// GetMetricsPort возвращает Prometheus метрики порт с поддержкой fallback значений
func (m *MetricsConfig) GetMetricsPort() int {
	return getPortWithEnvFallback(m.Port, "VOXEL_METRICS_PORT", 2112)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	// Если порт задан в конфиге и больше 0, используем его
	if configPort > 0 {
		return configPort
	}

	// Пробуем прочитать из environment variable
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	// Используем дефолтное значение
	return defaultPort
}

// Load читает YAML файл конфигурации.
// Если path == "", пытается прочитать из ENV VOXEL_CONFIG или возвращает nil, nil.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("VOXEL_CONFIG")
		if path == "" {
			return nil, nil // конфиг не задан — использовать дефолты
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
