package config

import (
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// SetDefaults 设置所有配置项的默认值
func SetDefaults() {
	// Host 配置
	viper.SetDefault("host.base_url", "http://127.0.0.1:4096")
	viper.SetDefault("host.directory", "")
	viper.SetDefault("host.timeout", 30*time.Second)
	viper.SetDefault("host.min_version", "")
	viper.SetDefault("host.subscribe", true)

	// Recovery 配置
	viper.SetDefault("recovery.retry.max_attempts", 2)
	viper.SetDefault("recovery.retry.initial_delay", 2*time.Second)
	viper.SetDefault("recovery.retry.backoff_factor", 2.0)
	viper.SetDefault("recovery.retry.max_delay", 30*time.Second)
	viper.SetDefault("recovery.fallback.max_revert_attempts", 3)
	viper.SetDefault("recovery.fallback.min_messages_required", 2)
	viper.SetDefault("recovery.resubmit_delay", 500*time.Millisecond)
	viper.SetDefault("recovery.revert_delay", 1*time.Second)

	// Gateway 配置
	viper.SetDefault("gateway.port", 8787)
	viper.SetDefault("gateway.host", "127.0.0.1")
	viper.SetDefault("gateway.rate_limit.requests_per_minute", 600)
	viper.SetDefault("gateway.rate_limit.burst", 100)

	// Log 配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "auto")
	viper.SetDefault("log.file", "")

	// Storage 配置
	dbPath := "~/.salvage/salvage.db"
	if dir, err := DefaultConfigDir(); err == nil {
		dbPath = filepath.Join(dir, "salvage.db")
	}
	viper.SetDefault("storage.path", dbPath)
	viper.SetDefault("storage.retention", 30*24*time.Hour)

	// Queue 配置
	viper.SetDefault("queue.size", 100)
	viper.SetDefault("queue.idle_timeout", 30*time.Second)

	// Cron 配置
	viper.SetDefault("cron.enabled", true)
	viper.SetDefault("cron.prune_schedule", "@daily")
	viper.SetDefault("cron.health_schedule", "@every 1m")

	// Audit 配置
	viper.SetDefault("audit.enabled", true)
	viper.SetDefault("audit.skip_detections", true)
}
