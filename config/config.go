package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/eddielth/simonair-bridge/logger"
)

// EnvPrefix is the prefix of environment variables overriding file values
const EnvPrefix = "SIMONAIR"

// Config 表示应用程序的配置
type Config struct {
	MQTT         MQTTConfig             `mapstructure:"mqtt"`
	Telemetry    TelemetryConfig        `mapstructure:"telemetry"`
	Devices      DevicesConfig          `mapstructure:"devices"`
	Transformers map[string]Transformer `mapstructure:"transformers"`
	Storage      StorageConfig          `mapstructure:"storage"`
	Logger       LoggerConfig           `mapstructure:"logger"`
	Metrics      MetricsConfig          `mapstructure:"metrics"`
}

// MQTTConfig 表示MQTT连接与命令协议的配置
type MQTTConfig struct {
	Broker               string        `mapstructure:"broker"`
	ClientID             string        `mapstructure:"client_id"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	TopicPrefix          string        `mapstructure:"topic_prefix"`
	QoS                  byte          `mapstructure:"qos"`
	PublishTimeout       time.Duration `mapstructure:"publish_timeout"`
	RetryInterval        time.Duration `mapstructure:"retry_interval"`
	MaxRetries           int           `mapstructure:"max_retries"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries       int           `mapstructure:"connect_retries"`
	ReconnectMaxInterval time.Duration `mapstructure:"reconnect_max_interval"`
}

// TelemetryConfig 表示遥测数据校验策略
type TelemetryConfig struct {
	// FutureDrift is how far ahead of ingestion time a reading timestamp may be
	FutureDrift time.Duration `mapstructure:"future_drift"`
	// Strict rejects the whole message when any sensor field is out of range
	Strict bool `mapstructure:"strict"`
}

// DevicesConfig 表示设备注册表配置
type DevicesConfig struct {
	IDPrefix string        `mapstructure:"id_prefix"`
	Static   []string      `mapstructure:"static"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// Transformer 表示数据转换器的配置
type Transformer struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// LoggerConfig 表示日志配置
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// MetricsConfig 表示Prometheus指标端点配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// StorageConfig 表示存储配置
type StorageConfig struct {
	File     FileStorageConfig     `mapstructure:"file"`
	Database DatabaseStorageConfig `mapstructure:"database"`
}

// FileStorageConfig 表示文件存储配置
type FileStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DatabaseStorageConfig 表示数据库存储配置
type DatabaseStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"`
	DSN     string `mapstructure:"dsn"`
}

// ConfigChangeCallback 是配置文件变更时的回调函数类型
type ConfigChangeCallback func(cfg *Config) error

// Loader reads one configuration file and can watch it for changes.
type Loader struct {
	v    *viper.Viper
	path string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.topic_prefix", "simonair/")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.publish_timeout", 5000*time.Millisecond)
	v.SetDefault("mqtt.retry_interval", time.Second)
	v.SetDefault("mqtt.max_retries", 3)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.connect_retries", 5)
	v.SetDefault("mqtt.reconnect_max_interval", time.Minute)

	v.SetDefault("telemetry.future_drift", time.Hour)
	v.SetDefault("telemetry.strict", false)

	v.SetDefault("devices.id_prefix", "SMNR-")
	v.SetDefault("devices.cache_ttl", 30*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9464")
}

// NewLoader prepares a loader for the YAML file at configPath
func NewLoader(configPath string) *Loader {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return &Loader{v: v, path: configPath}
}

// LoadConfig 从指定路径加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// Load reads the file and decodes it
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the protocol core cannot run without
func (c *Config) Validate() error {
	var errs []error
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker cannot be empty"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.MQTT.PublishTimeout <= 0 {
		errs = append(errs, errors.New("mqtt.publish_timeout must be positive"))
	}
	if c.MQTT.RetryInterval < 0 {
		errs = append(errs, errors.New("mqtt.retry_interval cannot be negative"))
	}
	if c.MQTT.MaxRetries < 0 {
		errs = append(errs, errors.New("mqtt.max_retries cannot be negative"))
	}
	if c.Telemetry.FutureDrift < 0 {
		errs = append(errs, errors.New("telemetry.future_drift cannot be negative"))
	}
	if c.Storage.Database.Enabled && c.Storage.Database.DSN == "" {
		errs = append(errs, errors.New("storage.database.dsn is required when the database is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Watch 监听配置文件变化并调用回调函数
func (l *Loader) Watch(callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(l.path)
	if err != nil {
		return err
	}
	l.v.SetConfigFile(absPath)

	// 防抖动处理，避免短时间内多次触发
	var (
		mu             sync.Mutex
		lastChangeTime time.Time
	)
	const debounceInterval = 2 * time.Second

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		mu.Lock()
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			mu.Unlock()
			return
		}
		lastChangeTime = now
		mu.Unlock()

		logger.Info("config file changed: %s", e.Name)

		newConfig, err := l.decode()
		if err != nil {
			logger.Error("failed to decode updated config: %v", err)
			return
		}

		if err := callback(newConfig); err != nil {
			logger.Error("failed to apply updated config: %v", err)
			return
		}

		logger.Info("config reloaded")
	})
	l.v.WatchConfig()

	return nil
}
