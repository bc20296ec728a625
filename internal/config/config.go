package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/annel0/zonesync/internal/logging"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Переменные окружения, используемые как запасные значения
const (
	EnvConfig    = "ZONESYNC_CONFIG"
	EnvRole      = "ZONESYNC_ROLE"
	EnvNATSURL   = "ZONESYNC_NATS_URL"
	EnvAdminPort = "ZONESYNC_ADMIN_PORT"
	// EnvAdminToken задаёт bcrypt-хэш токена администратора
	EnvAdminToken = "ZONESYNC_ADMIN_TOKEN_HASH"
	// EnvRedisPassword задаёт пароль Redis для шины событий; в YAML он не хранится
	EnvRedisPassword = "ZONESYNC_REDIS_PASSWORD"
)

var ErrInvalid = errors.New("config: некорректная конфигурация")

// Config корневая структура конфигурации участника.
type Config struct {
	Session   SessionConfig   `yaml:"session"`
	Limits    LimitsConfig    `yaml:"limits"`
	Transport TransportConfig `yaml:"transport"`
	Admin     AdminConfig     `yaml:"admin"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	EventBus  EventBusConfig  `yaml:"eventbus"`
	Logging   LoggingConfig   `yaml:"logging"`
	// Editors - пользователи с правом изменений; пусто - разрешено всем
	Editors []uint64 `yaml:"editors"`
	// Peers - пользователь каждого участника; сервер берёт автора запроса отсюда
	Peers map[string]uint64 `yaml:"peers"`
	// LevelFile - YAML с зонами уровня, загружается сервером при старте
	LevelFile string `yaml:"level_file"`
}

type SessionConfig struct {
	Role          string `yaml:"role"`
	PeerID        string `yaml:"peer_id"`
	AuthorityPeer string `yaml:"authority_peer"`
	UserID        uint64 `yaml:"user_id"`
}

type LimitsConfig struct {
	MaxZones   int `yaml:"max_zones"`
	MaxAnchors int `yaml:"max_anchors"`
}

type TransportConfig struct {
	Kind              string `yaml:"kind"` // nats | kcp | memory
	NATSURL           string `yaml:"nats_url"`
	KCPAddr           string `yaml:"kcp_addr"` // сервер слушает, реплика подключается
	Prefix            string `yaml:"prefix"`
	CompressThreshold int    `yaml:"compress_threshold"`
	MaxReconnects     int    `yaml:"max_reconnects"`
	ReconnectWait     int    `yaml:"reconnect_wait_seconds"`
}

type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
	// TokenHash - bcrypt-хэш Bearer-токена для /api; пусто - без авторизации
	TokenHash string `yaml:"token_hash"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"` // host:port OTLP HTTP; пусто - по умолчанию экспортера
	// SampleRatio - доля записываемых трасс; 0 - все
	SampleRatio float64 `yaml:"sample_ratio"`
}

type EventBusConfig struct {
	Kind      string `yaml:"kind"` // memory | jetstream | redis | none
	URL       string `yaml:"url"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
	Buffer    int    `yaml:"buffer"`
}

type LoggingConfig struct {
	Dir          string `yaml:"dir"`
	ConsoleLevel string `yaml:"console_level"`
	FileLevel    string `yaml:"file_level"`
	// Components переопределяет консольный уровень отдельных компонентов (store, netdb, ...)
	Components map[string]string `yaml:"components"`
}

// Defaults возвращает конфигурацию сервера с одним участником в памяти
func Defaults() *Config {
	cfg := &Config{
		Admin:     AdminConfig{Enabled: true},
		Telemetry: TelemetryConfig{ServiceName: "zonesync"},
		Transport: TransportConfig{Kind: "nats"},
		EventBus:  EventBusConfig{Kind: "memory"},
	}
	cfg.fill()
	return cfg
}

// fill дополняет незаданные поля: config -> env -> default
func (c *Config) fill() {
	c.Session.Role = stringWithEnvFallback(c.Session.Role, EnvRole, "authority")
	if c.Session.PeerID == "" && strings.EqualFold(c.Session.Role, "authority") {
		c.Session.PeerID = "authority"
	}
	if c.Session.AuthorityPeer == "" {
		c.Session.AuthorityPeer = "authority"
	}

	if c.Limits.MaxZones == 0 {
		c.Limits.MaxZones = 65535
	}
	if c.Limits.MaxAnchors == 0 {
		c.Limits.MaxAnchors = 255
	}

	if c.Transport.Kind == "" {
		c.Transport.Kind = "nats"
	}
	c.Transport.NATSURL = stringWithEnvFallback(c.Transport.NATSURL, EnvNATSURL, "nats://127.0.0.1:4222")
	if c.Transport.KCPAddr == "" {
		c.Transport.KCPAddr = "127.0.0.1:7777"
	}
	if c.Transport.Prefix == "" {
		c.Transport.Prefix = "zonesync"
	}
	if c.Transport.MaxReconnects == 0 {
		c.Transport.MaxReconnects = 10
	}
	if c.Transport.ReconnectWait == 0 {
		c.Transport.ReconnectWait = 2
	}

	c.Admin.Port = getPortWithEnvFallback(c.Admin.Port, EnvAdminPort, 8088)
	c.Admin.TokenHash = stringWithEnvFallback(c.Admin.TokenHash, EnvAdminToken, "")

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "zonesync"
	}

	if c.EventBus.Kind == "" {
		c.EventBus.Kind = "memory"
	}
	if c.EventBus.URL == "" {
		c.EventBus.URL = c.Transport.NATSURL
	}
	if c.EventBus.RedisAddr == "" {
		c.EventBus.RedisAddr = "127.0.0.1:6379"
	}
	if c.EventBus.Stream == "" {
		c.EventBus.Stream = "ZONESYNC_EVENTS"
	}
	if c.EventBus.Retention == 0 {
		c.EventBus.Retention = 24
	}
	if c.EventBus.Buffer == 0 {
		c.EventBus.Buffer = 1024
	}

	if c.Logging.ConsoleLevel == "" {
		c.Logging.ConsoleLevel = "info"
	}
	if c.Logging.FileLevel == "" {
		c.Logging.FileLevel = "debug"
	}
}

// Validate проверяет согласованность настроек
func (c *Config) Validate() error {
	var problems []string

	switch strings.ToLower(c.Session.Role) {
	case "authority", "server":
	case "replica", "client":
		if c.Session.AuthorityPeer == "" {
			problems = append(problems, "реплике нужен session.authority_peer")
		}
	default:
		problems = append(problems, fmt.Sprintf("неизвестная роль %q", c.Session.Role))
	}

	if c.Limits.MaxZones < 1 || c.Limits.MaxZones > 65535 {
		problems = append(problems, fmt.Sprintf("limits.max_zones %d вне 1..65535", c.Limits.MaxZones))
	}
	if c.Limits.MaxAnchors < 1 || c.Limits.MaxAnchors > 255 {
		problems = append(problems, fmt.Sprintf("limits.max_anchors %d вне 1..255", c.Limits.MaxAnchors))
	}

	switch c.Transport.Kind {
	case "nats", "kcp", "memory":
	default:
		problems = append(problems, fmt.Sprintf("неизвестный транспорт %q", c.Transport.Kind))
	}
	if c.Transport.CompressThreshold < 0 {
		problems = append(problems, "transport.compress_threshold отрицательный")
	}

	switch c.EventBus.Kind {
	case "memory", "jetstream", "redis", "none":
	default:
		problems = append(problems, fmt.Sprintf("неизвестная шина событий %q", c.EventBus.Kind))
	}

	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		problems = append(problems, fmt.Sprintf("admin.port %d вне 1..65535", c.Admin.Port))
	}
	if c.Admin.TokenHash != "" {
		if _, err := bcrypt.Cost([]byte(c.Admin.TokenHash)); err != nil {
			problems = append(problems, fmt.Sprintf("admin.token_hash не является bcrypt-хэшем: %v", err))
		}
	}

	for _, lvl := range []string{c.Logging.ConsoleLevel, c.Logging.FileLevel} {
		if _, err := logging.ParseLevel(lvl); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		problems = append(problems, fmt.Sprintf("telemetry.sample_ratio %g вне 0..1", c.Telemetry.SampleRatio))
	}
	for component, lvl := range c.Logging.Components {
		if _, err := logging.ParseLevel(lvl); err != nil {
			problems = append(problems, fmt.Sprintf("logging.components.%s: %v", component, err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ReconnectWaitDuration возвращает паузу между переподключениями NATS
func (t TransportConfig) ReconnectWaitDuration() time.Duration {
	return time.Duration(t.ReconnectWait) * time.Second
}

// RetentionDuration возвращает срок хранения событий в стриме
func (e EventBusConfig) RetentionDuration() time.Duration {
	return time.Duration(e.Retention) * time.Hour
}

// stringWithEnvFallback возвращает строку с приоритетом: config -> env -> default
func stringWithEnvFallback(configVal, envVar, defaultVal string) string {
	if configVal != "" {
		return configVal
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		return envVal
	}
	return defaultVal
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

// Load читает YAML файл конфигурации и дополняет его значениями по умолчанию.
// Если path == "", пытается прочитать из ENV ZONESYNC_CONFIG или возвращает Defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
		if path == "" {
			return Defaults(), nil // конфиг не задан - использовать дефолты
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать конфигурацию %s: %w", path, err)
	}

	cfg := &Config{Admin: AdminConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора конфигурации %s: %w", path, err)
	}
	cfg.fill()

	return cfg, nil
}
