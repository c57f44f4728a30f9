// Package config 提供合规规则服务配置管理
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/event"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/jurisdiction"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/circuitbreaker"
	pkgconfig "github.com/gaigenticai/ComplianceAI-sub001/pkg/config"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/kafka"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

// Config 合规规则服务配置
type Config struct {
	Service      ServiceConfig      `yaml:"service" json:"service"`
	Postgres     PostgresConfig     `yaml:"postgres" json:"postgres"`
	Redis        RedisConfig        `yaml:"redis" json:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka" json:"kafka"`
	Pipeline     PipelineConfig     `yaml:"pipeline" json:"pipeline"`
	Overlap      OverlapConfig      `yaml:"overlap" json:"overlap"`
	Jurisdiction JurisdictionConfig `yaml:"jurisdiction" json:"jurisdiction"`
	Audit        AuditConfig        `yaml:"audit" json:"audit"`
	Scheduler    SchedulerConfig    `yaml:"scheduler" json:"scheduler"`
	Cache        CacheConfig        `yaml:"cache" json:"cache"`
	Log          LogConfig          `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name       string `yaml:"name" json:"name"`
	InstanceID string `yaml:"instance_id" json:"instance_id"`
	HTTPPort   int    `yaml:"http_port" json:"http_port"`
	Env        string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host                   string `yaml:"host" json:"host"`
	Port                   int    `yaml:"port" json:"port"`
	Database               string `yaml:"database" json:"database"`
	User                   string `yaml:"user" json:"user"`
	Password               string `yaml:"password" json:"-"`
	SSLMode                string `yaml:"ssl_mode" json:"ssl_mode"`
	MaxConnections         int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns           int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes" json:"conn_max_lifetime_minutes"`
	AutoMigrate            bool   `yaml:"auto_migrate" json:"auto_migrate"`
}

// DSN 返回 gorm postgres 连接串
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"-"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置，未启用时使用进程内总线
type KafkaConfig struct {
	Enabled  bool              `yaml:"enabled" json:"enabled"`
	Brokers  []string          `yaml:"brokers" json:"brokers"`
	ClientID string            `yaml:"client_id" json:"client_id"`
	Version  string            `yaml:"version" json:"version"`
	GroupID  string            `yaml:"group_id" json:"group_id"`
	SASL     *kafka.SASLConfig `yaml:"sasl" json:"sasl"`
	TLS      *kafka.TLSConfig  `yaml:"tls" json:"tls"`

	// InitialOffset newest 或 oldest
	InitialOffset    string `yaml:"initial_offset" json:"initial_offset"`
	DeadLetterSuffix string `yaml:"dead_letter_suffix" json:"dead_letter_suffix"`

	// Topics 总线主题，进程内总线同样使用
	Topics event.Topics `yaml:"topics" json:"topics"`

	Breaker circuitbreaker.Config `yaml:"breaker" json:"breaker"`
}

// PipelineConfig 消息处理配置
type PipelineConfig struct {
	StepTimeout time.Duration     `yaml:"step_timeout" json:"step_timeout"`
	Retry       kafka.RetryPolicy `yaml:"retry" json:"retry"`
}

// OverlapConfig 重叠检测配置
type OverlapConfig struct {
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Operator  string  `yaml:"operator" json:"operator"`
}

// JurisdictionConfig 辖区配置
type JurisdictionConfig struct {
	// Parents 辖区到父辖区的映射，空值表示顶级辖区
	Parents map[string]string `yaml:"parents" json:"parents"`
	// Fallback 请求未携带辖区时使用
	Fallback string `yaml:"fallback" json:"fallback"`
	// DefaultStrategy 默认冲突策略
	DefaultStrategy string `yaml:"default_strategy" json:"default_strategy"`
}

// AuditConfig 审计配置
type AuditConfig struct {
	ClockSkew time.Duration `yaml:"clock_skew" json:"clock_skew"`
}

// SchedulerConfig 定时任务配置
type SchedulerConfig struct {
	Enabled            bool          `yaml:"enabled" json:"enabled"`
	MaxConcurrentJobs  int           `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	LockTTL            time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
	LockPrefix         string        `yaml:"lock_prefix" json:"lock_prefix"`
	Activation         JobConfig     `yaml:"activation" json:"activation"`
	Reconcile          JobConfig     `yaml:"reconcile" json:"reconcile"`
	ActivationLookback time.Duration `yaml:"activation_lookback" json:"activation_lookback"`
}

// JobConfig 单个任务配置
type JobConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Cron    string        `yaml:"cron" json:"cron"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// CacheConfig 快照缓存配置
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	TTL          time.Duration `yaml:"ttl" json:"ttl"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level           string `yaml:"level" json:"level"`
	Format          string `yaml:"format" json:"format"`
	StacktraceLevel string `yaml:"stacktrace_level" json:"stacktrace_level"`
	Output          string `yaml:"output" json:"output"`
}

// Logger 转换为日志初始化配置，附带服务标识
func (c *Config) Logger() *logger.Config {
	return &logger.Config{
		Level:           c.Log.Level,
		Format:          c.Log.Format,
		StacktraceLevel: c.Log.StacktraceLevel,
		Output:          c.Log.Output,
		ServiceName:     c.Service.Name,
		Env:             c.Service.Env,
		Instance:        c.Service.InstanceID,
	}
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析 YAML 配置，先展开 ${VAR:default}，再补默认值并校验
func Parse(data []byte) (*Config, error) {
	content := pkgconfig.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "compliance-rules"
	}
	if cfg.Service.InstanceID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.Service.InstanceID = host
		} else {
			cfg.Service.InstanceID = cfg.Service.Name
		}
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8080
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 30
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetimeMinutes == 0 {
		cfg.Postgres.ConnMaxLifetimeMinutes = 60
	}

	if len(cfg.Redis.Addresses) == 0 {
		cfg.Redis.Addresses = []string{"localhost:6379"}
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}

	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}
	if cfg.Kafka.Version == "" {
		cfg.Kafka.Version = "2.8.0"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = cfg.Service.Name
	}
	if cfg.Kafka.InitialOffset == "" {
		cfg.Kafka.InitialOffset = "oldest"
	}
	if cfg.Kafka.DeadLetterSuffix == "" {
		cfg.Kafka.DeadLetterSuffix = kafka.DefaultDeadLetterSuffix
	}
	cfg.Kafka.Topics = cfg.Kafka.Topics.WithDefaults()
	breaker := circuitbreaker.DefaultConfig()
	if cfg.Kafka.Breaker.FailureThreshold == 0 {
		cfg.Kafka.Breaker.FailureThreshold = breaker.FailureThreshold
	}
	if cfg.Kafka.Breaker.SuccessThreshold == 0 {
		cfg.Kafka.Breaker.SuccessThreshold = breaker.SuccessThreshold
	}
	if cfg.Kafka.Breaker.OpenTimeout == 0 {
		cfg.Kafka.Breaker.OpenTimeout = breaker.OpenTimeout
	}
	if cfg.Kafka.Breaker.MaxHalfOpenRequests == 0 {
		cfg.Kafka.Breaker.MaxHalfOpenRequests = breaker.MaxHalfOpenRequests
	}

	// 重试默认值: 3 次、1s 起步、翻倍、上限 300s
	retry := kafka.DefaultRetryPolicy()
	if cfg.Pipeline.Retry.MaxAttempts == 0 {
		cfg.Pipeline.Retry.MaxAttempts = retry.MaxAttempts
	}
	if cfg.Pipeline.Retry.BaseBackoff == 0 {
		cfg.Pipeline.Retry.BaseBackoff = retry.BaseBackoff
	}
	if cfg.Pipeline.Retry.MaxBackoff == 0 {
		cfg.Pipeline.Retry.MaxBackoff = retry.MaxBackoff
	}
	if cfg.Pipeline.Retry.Multiplier == 0 {
		cfg.Pipeline.Retry.Multiplier = retry.Multiplier
	}
	if cfg.Pipeline.StepTimeout == 0 {
		cfg.Pipeline.StepTimeout = 30 * time.Second
	}

	if cfg.Overlap.Threshold == 0 {
		cfg.Overlap.Threshold = 0.8
	}
	if cfg.Overlap.Operator == "" {
		cfg.Overlap.Operator = "system"
	}

	if cfg.Jurisdiction.Parents == nil {
		cfg.Jurisdiction.Parents = jurisdiction.DefaultParents()
	}
	if cfg.Jurisdiction.Fallback == "" {
		cfg.Jurisdiction.Fallback = "EU"
	}
	if cfg.Jurisdiction.DefaultStrategy == "" {
		cfg.Jurisdiction.DefaultStrategy = string(jurisdiction.MostSpecificWins)
	}

	if cfg.Audit.ClockSkew == 0 {
		cfg.Audit.ClockSkew = 5 * time.Minute
	}

	if cfg.Scheduler.MaxConcurrentJobs == 0 {
		cfg.Scheduler.MaxConcurrentJobs = 2
	}
	if cfg.Scheduler.LockTTL == 0 {
		cfg.Scheduler.LockTTL = 300 * time.Second
	}
	if cfg.Scheduler.LockPrefix == "" {
		cfg.Scheduler.LockPrefix = "compliance:jobs:lock:"
	}
	if cfg.Scheduler.Activation.Cron == "" {
		cfg.Scheduler.Activation.Cron = "0 * * * * *"
	}
	if cfg.Scheduler.Activation.Timeout == 0 {
		cfg.Scheduler.Activation.Timeout = 50 * time.Second
	}
	if cfg.Scheduler.Reconcile.Cron == "" {
		cfg.Scheduler.Reconcile.Cron = "30 */5 * * * *"
	}
	if cfg.Scheduler.Reconcile.Timeout == 0 {
		cfg.Scheduler.Reconcile.Timeout = 2 * time.Minute
	}
	if cfg.Scheduler.ActivationLookback == 0 {
		cfg.Scheduler.ActivationLookback = 24 * time.Hour
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = time.Hour
	}
	if cfg.Cache.WriteTimeout == 0 {
		cfg.Cache.WriteTimeout = 5 * time.Second
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.StacktraceLevel == "" {
		cfg.Log.StacktraceLevel = "error"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []string

	if c.Service.HTTPPort < 0 || c.Service.HTTPPort > 65535 {
		errs = append(errs, fmt.Sprintf("service.http_port out of range: %d", c.Service.HTTPPort))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, "kafka.brokers is required when kafka is enabled")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, "log.level: "+err.Error())
	}
	if _, err := logger.ParseLevel(c.Log.StacktraceLevel); err != nil {
		errs = append(errs, "log.stacktrace_level: "+err.Error())
	}
	switch c.Log.Output {
	case "stdout", "stderr":
	default:
		errs = append(errs, fmt.Sprintf("log.output must be stdout or stderr: %s", c.Log.Output))
	}
	if err := c.Kafka.Topics.Validate(); err != nil {
		errs = append(errs, "kafka.topics: "+err.Error())
	}
	if c.Kafka.SASL != nil && c.Kafka.SASL.Enable {
		switch c.Kafka.SASL.Mechanism {
		case "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			errs = append(errs, fmt.Sprintf("kafka.sasl.mechanism unsupported: %s", c.Kafka.SASL.Mechanism))
		}
	}
	if c.Pipeline.Retry.MaxAttempts < 1 {
		errs = append(errs, "pipeline.retry.max_attempts must be at least 1")
	}
	if c.Pipeline.Retry.Multiplier < 1 {
		errs = append(errs, "pipeline.retry.multiplier must be at least 1")
	}
	if c.Pipeline.Retry.MaxBackoff < c.Pipeline.Retry.BaseBackoff {
		errs = append(errs, "pipeline.retry.max_backoff must not be below base_backoff")
	}
	if c.Overlap.Threshold <= 0 || c.Overlap.Threshold > 1 {
		errs = append(errs, fmt.Sprintf("overlap.threshold must be in (0, 1]: %v", c.Overlap.Threshold))
	}
	if _, err := jurisdiction.ParseStrategy(c.Jurisdiction.DefaultStrategy); err != nil {
		errs = append(errs, fmt.Sprintf("jurisdiction.default_strategy: %v", err))
	}
	if h, err := jurisdiction.NewHierarchy(c.Jurisdiction.Parents); err != nil {
		errs = append(errs, fmt.Sprintf("jurisdiction.parents: %v", err))
	} else if !h.Known(c.Jurisdiction.Fallback) {
		errs = append(errs, fmt.Sprintf("jurisdiction.fallback %s is not a known jurisdiction", c.Jurisdiction.Fallback))
	}
	if c.Audit.ClockSkew < 0 {
		errs = append(errs, "audit.clock_skew must not be negative")
	}

	if len(errs) > 0 {
		return errors.New("invalid config: " + strings.Join(errs, "; "))
	}
	return nil
}

// ConsumerConfig 构建消费者组配置
func (c *Config) ConsumerConfig(groupID string, topics ...string) *kafka.ConsumerConfig {
	cc := kafka.DefaultConsumerConfig()
	cc.Config = c.kafkaBase()
	cc.GroupID = groupID
	cc.Topics = topics
	cc.InitialOffset = c.Kafka.InitialOffset
	cc.StepTimeout = c.Pipeline.StepTimeout
	cc.Retry = c.Pipeline.Retry
	cc.DeadLetterSuffix = c.Kafka.DeadLetterSuffix
	return cc
}

// ProducerConfig 构建生产者配置
func (c *Config) ProducerConfig() *kafka.ProducerConfig {
	pc := kafka.DefaultProducerConfig()
	pc.Config = c.kafkaBase()
	return pc
}

// BroadcastGroupID 规则集广播主题的消费者组，每个副本独占一个组
func (c *Config) BroadcastGroupID() string {
	return c.Kafka.GroupID + "." + c.Service.InstanceID
}

func (c *Config) kafkaBase() kafka.Config {
	return kafka.Config{
		Brokers:  c.Kafka.Brokers,
		ClientID: c.Kafka.ClientID,
		Version:  c.Kafka.Version,
		SASL:     c.Kafka.SASL,
		TLS:      c.Kafka.TLS,
	}
}
