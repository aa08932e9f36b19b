package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"salvage/internal/recovery"
)

// Config 是应用配置的根结构体
type Config struct {
	Version  string         `mapstructure:"version" yaml:"version"`
	Host     HostConfig     `mapstructure:"host" yaml:"host"`
	Recovery RecoveryConfig `mapstructure:"recovery" yaml:"recovery"`
	Gateway  GatewayConfig  `mapstructure:"gateway" yaml:"gateway"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Queue    QueueConfig    `mapstructure:"queue" yaml:"queue"`
	Cron     CronConfig     `mapstructure:"cron" yaml:"cron"`
	Audit    AuditConfig    `mapstructure:"audit" yaml:"audit"`
}

// HostConfig describes the host whose sessions are recovered.
type HostConfig struct {
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	Directory  string        `mapstructure:"directory" yaml:"directory"` // 会话目录未知时使用
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MinVersion string        `mapstructure:"min_version" yaml:"min_version"`
	Subscribe  bool          `mapstructure:"subscribe" yaml:"subscribe"` // 订阅宿主 SSE 事件流
}

// RecoveryConfig 恢复策略
type RecoveryConfig struct {
	Retry         RetryConfig    `mapstructure:"retry" yaml:"retry"`
	Fallback      FallbackConfig `mapstructure:"fallback" yaml:"fallback"`
	ResubmitDelay time.Duration  `mapstructure:"resubmit_delay" yaml:"resubmit_delay"`
	RevertDelay   time.Duration  `mapstructure:"revert_delay" yaml:"revert_delay"`
}

// RetryConfig 压缩重试配置
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialDelay  time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor" yaml:"backoff_factor"`
	MaxDelay      time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// FallbackConfig 历史回退配置
type FallbackConfig struct {
	MaxRevertAttempts   int `mapstructure:"max_revert_attempts" yaml:"max_revert_attempts"`
	MinMessagesRequired int `mapstructure:"min_messages_required" yaml:"min_messages_required"`
}

// GatewayConfig 网关配置
type GatewayConfig struct {
	Port      int             `mapstructure:"port" yaml:"port"`
	Host      string          `mapstructure:"host" yaml:"host"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig 限流配置，任一值为 0 即关闭
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int `mapstructure:"burst" yaml:"burst"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// StorageConfig 恢复日志存储
type StorageConfig struct {
	Path      string        `mapstructure:"path" yaml:"path"`
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

// QueueConfig 每会话运行队列
type QueueConfig struct {
	Size        int           `mapstructure:"size" yaml:"size"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// CronConfig 定时维护任务
type CronConfig struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	PruneSchedule  string `mapstructure:"prune_schedule" yaml:"prune_schedule"`
	HealthSchedule string `mapstructure:"health_schedule" yaml:"health_schedule"`
}

// AuditConfig 审计配置
type AuditConfig struct {
	Enabled        bool `mapstructure:"enabled" yaml:"enabled"`
	SkipDetections bool `mapstructure:"skip_detections" yaml:"skip_detections"`
}

// RecoveryConfig converts the recovery section into controller settings.
func (c *Config) RecoveryConfig() recovery.Config {
	r := c.Recovery
	return recovery.Config{
		Retry: recovery.RetryPolicy{
			MaxAttempts:   r.Retry.MaxAttempts,
			InitialDelay:  r.Retry.InitialDelay,
			BackoffFactor: r.Retry.BackoffFactor,
			MaxDelay:      r.Retry.MaxDelay,
		},
		Fallback: recovery.FallbackPolicy{
			MaxRevertAttempts:   r.Fallback.MaxRevertAttempts,
			MinMessagesRequired: r.Fallback.MinMessagesRequired,
		},
		ResubmitDelay: r.ResubmitDelay,
		RevertDelay:   r.RevertDelay,
	}
}

// Validate 校验配置取值范围
func (c *Config) Validate() error {
	var errs []error
	if c.Host.BaseURL == "" {
		errs = append(errs, errors.New("host.base_url is required"))
	}
	if c.Recovery.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("recovery.retry.max_attempts must be at least 1"))
	}
	if c.Recovery.Retry.BackoffFactor < 1 {
		errs = append(errs, errors.New("recovery.retry.backoff_factor must be at least 1"))
	}
	if c.Recovery.Retry.InitialDelay < 0 || c.Recovery.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("recovery.retry delays must not be negative"))
	}
	if c.Recovery.Fallback.MaxRevertAttempts < 0 {
		errs = append(errs, errors.New("recovery.fallback.max_revert_attempts must not be negative"))
	}
	if c.Recovery.Fallback.MinMessagesRequired < 2 {
		errs = append(errs, errors.New("recovery.fallback.min_messages_required must be at least 2"))
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	return errors.Join(errs...)
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load 加载配置文件
// 优先级: ENV > 配置文件 > 默认值
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("SALVAGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		if err := readInConfig(); err != nil {
			return nil, err
		}
	}

	return unmarshal()
}

// Reload 重新读取已加载的配置文件
func Reload() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if configPath == "" {
		return nil, errors.New("config path not set")
	}
	if err := readInConfig(); err != nil {
		return nil, err
	}
	return unmarshal()
}

// readInConfig 忽略文件不存在，只返回解析错误
func readInConfig() error {
	err := viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) || os.IsNotExist(err) {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return fmt.Errorf("read config: %w", err)
}

func unmarshal() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	globalConfig = &cfg
	return &cfg, nil
}

// Path 返回当前配置文件路径
func Path() string {
	mu.RLock()
	defer mu.RUnlock()
	return configPath
}

// GetConfig 获取当前配置
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Get 获取任意配置键值
func Get(key string) any {
	return viper.Get(key)
}

// GetString 获取字符串配置值
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt 获取整数配置值
func GetInt(key string) int {
	return viper.GetInt(key)
}

// AllSettings 返回合并后的全部配置
func AllSettings() map[string]any {
	return viper.AllSettings()
}

// Set 设置配置值并持久化
func Set(key string, value any) error {
	mu.Lock()
	defer mu.Unlock()

	viper.Set(key, value)
	if configPath != "" {
		return save()
	}
	return nil
}

// Save 保存配置到文件
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return save()
}

// save 调用者需要持有锁
func save() error {
	if configPath == "" {
		return errors.New("config path not set")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return err
	}

	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0o600)
}

// Reset 重置配置（主要用于测试）
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}
