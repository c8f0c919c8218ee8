// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/YaganovValera/kis-collector/internal/gateway"
	"github.com/YaganovValera/kis-collector/internal/kis"
	"github.com/YaganovValera/kis-collector/internal/marketcap"
	"github.com/YaganovValera/kis-collector/internal/sink"
	"github.com/YaganovValera/kis-collector/internal/storage/kafkastore"
	"github.com/YaganovValera/kis-collector/internal/storage/timescaledb"
	"github.com/YaganovValera/kis-collector/internal/stream"
	"github.com/YaganovValera/kis-collector/pkg/backoff"
	"github.com/YaganovValera/kis-collector/pkg/httpserver"
	"github.com/YaganovValera/kis-collector/pkg/logger"
	"github.com/YaganovValera/kis-collector/pkg/telemetry"
)

/*
   --------------------------------------------------------------------------
   СТРУКТУРЫ
   --------------------------------------------------------------------------
*/

// Config — все настройки сервиса.
type Config struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`

	KIS       KISConfig         `mapstructure:"kis"`
	Stream    stream.Config     `mapstructure:"websocket"`
	Sink      sink.Config       `mapstructure:"sink"`
	Storage   StorageConfig     `mapstructure:"storage"`
	MarketCap MarketCapConfig   `mapstructure:"marketcap"`
	Logging   logger.Config     `mapstructure:"logging"`
	Telemetry telemetry.Config  `mapstructure:"telemetry"`
	HTTP      httpserver.Config `mapstructure:"http"`
}

// KISConfig — два именованных окружения брокера и общие параметры
// исходящих запросов. Окружения не наследуют друг от друга.
type KISConfig struct {
	// Environment выбирает активное окружение: "real" | "mock".
	Environment string      `mapstructure:"environment"`
	Real        KISInstance `mapstructure:"real"`
	Mock        KISInstance `mapstructure:"mock"`

	// AuthDomain — адрес выдачи approval key; пусто → BaseURL окружения.
	AuthDomain string `mapstructure:"auth_domain"`

	PacingDelay     time.Duration `mapstructure:"pacing_delay"`
	QueueCapacity   int           `mapstructure:"queue_capacity"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxConnsPerHost int           `mapstructure:"max_conns_per_host"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout"`
	TokenRetries    uint64        `mapstructure:"token_retries"`
}

// KISInstance — адрес и учётные данные одного окружения.
type KISInstance struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AppKey    string `mapstructure:"app_key"`
	AppSecret string `mapstructure:"app_secret"`
}

// BaseURL — host или host:port, если порт задан.
func (i KISInstance) BaseURL() string {
	host := strings.TrimRight(i.Host, "/")
	if i.Port > 0 {
		return host + ":" + strconv.Itoa(i.Port)
	}
	return host
}

// Active возвращает выбранное окружение.
func (k KISConfig) Active() KISInstance {
	if strings.EqualFold(k.Environment, "mock") {
		return k.Mock
	}
	return k.Real
}

// StorageConfig выбирает хранилище real-time записей.
type StorageConfig struct {
	// Backend: "timescale" | "kafka".
	Backend   string             `mapstructure:"backend"`
	Timescale timescaledb.Config `mapstructure:"timescaledb"`
	Kafka     kafkastore.Config  `mapstructure:"kafka"`
	// Backoff — повторы подключения к хранилищу.
	Backoff backoff.Config `mapstructure:"backoff"`
}

// MarketCapConfig — откуда брать рейтинг для подписки.
type MarketCapConfig struct {
	// Source: "redis" | "static".
	Source string           `mapstructure:"source"`
	Redis  marketcap.Config `mapstructure:"redis"`
	// Instruments — статический список (и запасной вариант для redis).
	Instruments []string `mapstructure:"instruments"`
}

// GatewayConfig собирает конфигурацию очереди запросов.
func (c *Config) GatewayConfig() gateway.Config {
	inst := c.KIS.Active()
	return gateway.Config{
		BaseURL:         inst.BaseURL(),
		AppKey:          inst.AppKey,
		AppSecret:       inst.AppSecret,
		PacingDelay:     c.KIS.PacingDelay,
		QueueCapacity:   c.KIS.QueueCapacity,
		RequestTimeout:  c.KIS.RequestTimeout,
		MaxIdleConns:    c.KIS.MaxIdleConns,
		MaxConnsPerHost: c.KIS.MaxConnsPerHost,
		IdleConnTimeout: c.KIS.IdleConnTimeout,
		TokenRetry:      backoff.Config{Operation: "kis_token", MaxRetries: c.KIS.TokenRetries},
		EagerToken:      true,
	}
}

// ClientConfig собирает конфигурацию REST-клиента.
func (c *Config) ClientConfig() kis.Config {
	inst := c.KIS.Active()
	return kis.Config{
		BaseURL:    inst.BaseURL(),
		AuthDomain: c.KIS.AuthDomain,
		AppKey:     inst.AppKey,
		AppSecret:  inst.AppSecret,
	}
}

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// Load загружает и валидирует конфиг. Если path пустой — читаются только ENV и defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	// ---------- 1) Defaults ----------
	v.SetDefault("service_name", "kis-collector")
	v.SetDefault("service_version", "v1.0.0")

	// KIS
	v.SetDefault("kis.environment", "real")
	v.SetDefault("kis.real.host", "https://openapi.koreainvestment.com")
	v.SetDefault("kis.real.port", 9443)
	v.SetDefault("kis.real.app_key", "")
	v.SetDefault("kis.real.app_secret", "")
	v.SetDefault("kis.mock.host", "https://openapivts.koreainvestment.com")
	v.SetDefault("kis.mock.port", 29443)
	v.SetDefault("kis.mock.app_key", "")
	v.SetDefault("kis.mock.app_secret", "")
	v.SetDefault("kis.auth_domain", "")
	v.SetDefault("kis.pacing_delay", "50ms")
	v.SetDefault("kis.queue_capacity", 1024)
	v.SetDefault("kis.request_timeout", "5s")
	v.SetDefault("kis.max_idle_conns", 500)
	v.SetDefault("kis.max_conns_per_host", 500)
	v.SetDefault("kis.idle_conn_timeout", "20s")
	v.SetDefault("kis.token_retries", 3)

	// WebSocket
	v.SetDefault("websocket.url", "ws://ops.koreainvestment.com:21000")
	v.SetDefault("websocket.min_backoff", "1s")
	v.SetDefault("websocket.max_backoff", "1m")
	v.SetDefault("websocket.multiplier", 2.0)
	v.SetDefault("websocket.jitter", stream.DefaultJitter)
	v.SetDefault("websocket.handshake_timeout", "10s")
	v.SetDefault("websocket.read_timeout", "2m")
	v.SetDefault("websocket.write_timeout", "5s")
	v.SetDefault("websocket.top_n", 20)
	v.SetDefault("websocket.feeds", []string{"H0UNCNT0", "H0UNASP0"})
	v.SetDefault("websocket.cust_type", "P")

	// Sink
	v.SetDefault("sink.flush_interval", "10s")
	v.SetDefault("sink.retention", "168h")
	v.SetDefault("sink.sweep_schedule", "0 0 0 * * *")
	v.SetDefault("sink.timezone", "Asia/Seoul")
	v.SetDefault("sink.write_timeout", "30s")

	// Storage
	v.SetDefault("storage.backend", "timescale")
	v.SetDefault("storage.timescaledb.dsn", "")
	v.SetDefault("storage.timescaledb.max_conns", 8)
	v.SetDefault("storage.timescaledb.conn_max_lifetime", "1h")
	v.SetDefault("storage.timescaledb.migrate_on_start", true)
	v.SetDefault("storage.kafka.brokers", []string{})
	v.SetDefault("storage.kafka.required_acks", "all")
	v.SetDefault("storage.kafka.compression", "none")
	v.SetDefault("storage.kafka.timeout", "5s")
	v.SetDefault("storage.kafka.topic_prefix", "kis.realtime")
	v.SetDefault("storage.backoff.max_elapsed_time", "1m")

	// Market cap
	v.SetDefault("marketcap.source", "static")
	v.SetDefault("marketcap.redis.url", "")
	v.SetDefault("marketcap.redis.key", "kis:marketcap")
	v.SetDefault("marketcap.instruments", []string{})

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	// Telemetry
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "otel-collector:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sampler_ratio", 1.0)

	// HTTP
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")

	// ---------- 2) ENV ----------
	v.SetEnvPrefix("COLLECTOR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ---------- 3) Optional file ----------
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", v.ConfigFileUsed(), err)
		}
	}

	// ---------- 4) Decode ----------
	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHook,
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           &cfg,
		DecodeHook:       decodeHook,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// ---------- 5) Validation ----------
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// stringToBoolHook разбирает true/false, иначе отдает исходные данные.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}

	// KIS
	switch strings.ToLower(c.KIS.Environment) {
	case "real", "mock":
	default:
		return fmt.Errorf("kis.environment must be one of [real, mock]")
	}
	env := strings.ToLower(c.KIS.Environment)
	inst := c.KIS.Active()
	if inst.Host == "" {
		return fmt.Errorf("kis.%s.host is required", env)
	}
	if inst.Port < 0 || inst.Port > 65535 {
		return fmt.Errorf("kis.%s.port must be between 0 and 65535", env)
	}
	if inst.AppKey == "" || inst.AppSecret == "" {
		return fmt.Errorf("kis.%s.app_key and kis.%s.app_secret are required", env, env)
	}
	if c.KIS.PacingDelay < 0 {
		return fmt.Errorf("kis.pacing_delay must be >= 0")
	}
	if c.KIS.QueueCapacity <= 0 {
		return fmt.Errorf("kis.queue_capacity must be > 0")
	}
	if c.KIS.RequestTimeout <= 0 {
		return fmt.Errorf("kis.request_timeout must be > 0")
	}

	// WebSocket
	ws := c.Stream
	ws.ApplyDefaults()
	if err := ws.Validate(); err != nil {
		return fmt.Errorf("websocket: %w", err)
	}

	// Sink
	if c.Sink.FlushInterval <= 0 {
		return fmt.Errorf("sink.flush_interval must be > 0")
	}
	if c.Sink.Retention <= 0 {
		return fmt.Errorf("sink.retention must be > 0")
	}
	if _, err := time.LoadLocation(c.Sink.Timezone); err != nil {
		return fmt.Errorf("sink.timezone: %w", err)
	}

	// Storage
	switch strings.ToLower(c.Storage.Backend) {
	case "timescale":
		if c.Storage.Timescale.DSN == "" {
			return fmt.Errorf("storage.timescaledb.dsn is required for backend timescale")
		}
	case "kafka":
		if len(c.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required for backend kafka")
		}
	default:
		return fmt.Errorf("storage.backend must be one of [timescale, kafka]")
	}

	// Market cap
	switch strings.ToLower(c.MarketCap.Source) {
	case "redis":
		if c.MarketCap.Redis.URL == "" {
			return fmt.Errorf("marketcap.redis.url is required for source redis")
		}
	case "static":
		if len(c.MarketCap.Instruments) == 0 {
			return fmt.Errorf("marketcap.instruments must contain at least one code for source static")
		}
	default:
		return fmt.Errorf("marketcap.source must be one of [redis, static]")
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	// HTTP
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	return nil
}

// Print выводит конфигурацию без секретов.
func (c Config) Print() string {
	c.KIS.Real.AppSecret = mask(c.KIS.Real.AppSecret)
	c.KIS.Mock.AppSecret = mask(c.KIS.Mock.AppSecret)
	c.Storage.Timescale.DSN = mask(c.Storage.Timescale.DSN)
	c.MarketCap.Redis.URL = mask(c.MarketCap.Redis.URL)
	b, _ := json.MarshalIndent(c, "", "  ")
	return string(b)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
