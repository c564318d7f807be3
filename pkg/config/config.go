// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigPath 未显式指定 --config 时尝试读取的文件；不存在则全部使用默认值
const DefaultConfigPath = "configs/review-gate.yaml"

// EnvPrefix 环境变量前缀，如 REVIEW_GATE_API_PORT 覆盖 api.port
const EnvPrefix = "REVIEW_GATE"

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	MCP        MCPConfig        `mapstructure:"mcp"`
	Settings   SettingsConfig   `mapstructure:"settings"`
	Fallback   FallbackConfig   `mapstructure:"fallback"`
	MessageLog MessageLogConfig `mapstructure:"message_log"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig 浏览器网关（HTTP + WebSocket）配置
type APIConfig struct {
	Enable          bool             `mapstructure:"enable"`
	Port            int              `mapstructure:"port"`
	Host            string           `mapstructure:"host"`
	AutoOpenBrowser bool             `mapstructure:"auto_open_browser"`
	HeartbeatPeriod string           `mapstructure:"heartbeat_period"` // 如 "10s"
	CORS            CORSConfig       `mapstructure:"cors"`
	Middleware      MiddlewareConfig `mapstructure:"middleware"`
	Grpc            GrpcConfig       `mapstructure:"grpc"`
}

// Addr 返回 host:port
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GrpcConfig gRPC 服务配置
type GrpcConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	RateLimit    bool `mapstructure:"rate_limit"`
	RateLimitRPS int  `mapstructure:"rate_limit_rps"`
	AccessLog    bool `mapstructure:"access_log"`
}

// MCPConfig agent 侧 stdio 端点
type MCPConfig struct {
	Enable  bool   `mapstructure:"enable"`
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// SettingsConfig 用户设置文件位置；Path 为空时使用平台默认目录
type SettingsConfig struct {
	Path string `mapstructure:"path"`
}

// FallbackConfig 文件兜底通道配置
type FallbackConfig struct {
	Dir          string `mapstructure:"dir"` // 空则使用系统临时目录
	BackupCount  int    `mapstructure:"backup_count"`
	AckTimeout   string `mapstructure:"ack_timeout"`
	PollInterval string `mapstructure:"poll_interval"`
}

// MessageLogConfig 消息日志存储配置
type MessageLogConfig struct {
	Type     string `mapstructure:"type"`   // memory | sqlite | postgres | redis
	Path     string `mapstructure:"path"`   // sqlite 文件路径，空则放在设置目录下
	DSN      string `mapstructure:"dsn"`    // Postgres 连接串，type=postgres 时必填
	Addr     string `mapstructure:"addr"`   // Redis 地址
	DB       int    `mapstructure:"db"`     // Redis DB 编号
	Prefix   string `mapstructure:"prefix"` // Redis key 前缀
	Password string `mapstructure:"password"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置；Enable 时在网关上暴露 /metrics
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.enable", true)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8865)
	v.SetDefault("api.auto_open_browser", true)
	v.SetDefault("api.heartbeat_period", "10s")
	v.SetDefault("api.cors.enable", false)
	v.SetDefault("api.cors.allow_origins", []string{})
	v.SetDefault("api.middleware.rate_limit", false)
	v.SetDefault("api.middleware.rate_limit_rps", 20)
	v.SetDefault("api.middleware.access_log", true)
	v.SetDefault("api.grpc.enable", false)
	v.SetDefault("api.grpc.port", 8866)

	v.SetDefault("mcp.enable", true)
	v.SetDefault("mcp.name", "review-gate-v2")
	v.SetDefault("mcp.version", "2.0.0")

	v.SetDefault("settings.path", "")

	v.SetDefault("fallback.dir", "")
	v.SetDefault("fallback.backup_count", 3)
	v.SetDefault("fallback.ack_timeout", "30s")
	v.SetDefault("fallback.poll_interval", "100ms")

	v.SetDefault("message_log.type", "sqlite")
	v.SetDefault("message_log.path", "")
	v.SetDefault("message_log.dsn", "")
	v.SetDefault("message_log.addr", "localhost:6379")
	v.SetDefault("message_log.db", 0)
	v.SetDefault("message_log.prefix", "review_gate:")
	v.SetDefault("message_log.password", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	v.SetDefault("monitoring.prometheus.enable", true)
	v.SetDefault("monitoring.tracing.enable", false)
	v.SetDefault("monitoring.tracing.service_name", "review-gate")
	v.SetDefault("monitoring.tracing.export_endpoint", "")
	v.SetDefault("monitoring.tracing.insecure", true)
}

// LoadConfig 加载配置文件。configPath 为空时尝试 DefaultConfigPath，文件缺失则只用默认值 + 环境变量；
// 显式指定的文件缺失视为错误。
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := configPath != ""
	if !explicit {
		configPath = DefaultConfigPath
	}
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if explicit || !missing {
			return nil, fmt.Errorf("无法读取配置文件: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}
	replaceEnvVars(&cfg)
	return &cfg, nil
}

// Default 返回纯默认配置（不读文件，不读环境变量）
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// replaceEnvVars 展开 ${VAR} 形式的敏感字段
func replaceEnvVars(cfg *Config) {
	cfg.MessageLog.DSN = expandEnv(cfg.MessageLog.DSN)
	cfg.MessageLog.Password = expandEnv(cfg.MessageLog.Password)
	cfg.Monitoring.Tracing.ExportEndpoint = expandEnv(cfg.Monitoring.Tracing.ExportEndpoint)
}

func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return s
	}
	if val := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")); val != "" {
		return val
	}
	return s
}

// ParseDuration 解析时长字符串，无效或空时返回 defaultVal
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
