package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "NEXUS_CONFIG"

// Config 描述了 nexusd 启动阶段需要加载的全部配置。
type Config struct {
	Server        ServerConfig        `json:"server" yaml:"server"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Redis         RedisConfig         `json:"redis" yaml:"redis"`
	Broker        BrokerConfig        `json:"broker" yaml:"broker"`
	Web3          Web3Config          `json:"web3" yaml:"web3"`
	Policy        *PolicyConfig       `json:"policy" yaml:"policy"`
	Agent         AgentConfig         `json:"agent" yaml:"agent"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Alerting      AlertingConfig      `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制协调器 HTTP 服务。
type ServerConfig struct {
	Address         string `json:"address" yaml:"address"`
	ShutdownSeconds int    `json:"shutdown_seconds" yaml:"shutdown_seconds"`

	// APITokenEnv 指定写接口令牌所在的环境变量，变量为空时不校验。
	APITokenEnv string `json:"api_token_env" yaml:"api_token_env"`

	// RateLimit 是每秒允许的 API 请求数，0 表示不限流。
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst"`
}

// StorageConfig 选择持久化后端，driver 取值 memory 或 mysql。
type StorageConfig struct {
	Driver             string `json:"driver" yaml:"driver"`
	DSN                string `json:"dsn" yaml:"dsn"`
	MaxOpenConns       int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns       int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSec int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	AutoMigrate        bool   `json:"auto_migrate" yaml:"auto_migrate"`
}

// RedisConfig 用于跨进程的钱包锁与消费窗口共享。Addr 为空时退化为进程内实现。
type RedisConfig struct {
	Addr           string `json:"addr" yaml:"addr"`
	Password       string `json:"password" yaml:"password"`
	DB             int    `json:"db" yaml:"db"`
	Prefix         string `json:"prefix" yaml:"prefix"`
	LockTTLSeconds int    `json:"lock_ttl_seconds" yaml:"lock_ttl_seconds"`
}

// BrokerConfig 描述托管事件的 RabbitMQ 投递目标。URL 为空时只在进程内广播。
type BrokerConfig struct {
	URL        string `json:"url" yaml:"url"`
	Exchange   string `json:"exchange" yaml:"exchange"`
	RoutingKey string `json:"routing_key" yaml:"routing_key"`
}

// Web3Config 包含访问链节点与托管账户所需的信息。
type Web3Config struct {
	RPCURL          string `json:"rpc_url" yaml:"rpc_url"`
	ChainConfig     string `json:"chain_config" yaml:"chain_config"`
	DefaultChain    string `json:"default_chain" yaml:"default_chain"`
	EscrowKeyEnv    string `json:"escrow_key_env" yaml:"escrow_key_env"`
	ConfirmTimeoutS int    `json:"confirm_timeout_seconds" yaml:"confirm_timeout_seconds"`
}

// PolicyConfig 是新建钱包时使用的默认额度，单位为链上原生币。
// 配置文件缺少 policy 段时才使用内置默认值；显式写出的全零额度表示新钱包不能转账。
type PolicyConfig struct {
	PerTransaction float64 `json:"per_transaction" yaml:"per_transaction"`
	PerHour        float64 `json:"per_hour" yaml:"per_hour"`
	PerDay         float64 `json:"per_day" yaml:"per_day"`
}

// AgentConfig 控制代理运行循环。
type AgentConfig struct {
	CheckIntervalMS int    `json:"check_interval_ms" yaml:"check_interval_ms"`
	StepTimeoutMS   int    `json:"step_timeout_ms" yaml:"step_timeout_ms"`
	KeyEnv          string `json:"key_env" yaml:"key_env"`
	MetricsAddr     string `json:"metrics_addr" yaml:"metrics_addr"`

	// Strategy 取值 idle 或 sweep。
	Strategy string `json:"strategy" yaml:"strategy"`

	// Sweep 策略参数：余额超过 SweepKeep 的部分转入 Treasury，单次最多 SweepMax。
	Treasury  string  `json:"treasury" yaml:"treasury"`
	SweepKeep float64 `json:"sweep_keep" yaml:"sweep_keep"`
	SweepMax  float64 `json:"sweep_max" yaml:"sweep_max"`
}

// LoggingConfig 映射到 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level" yaml:"level"`
	Format      string      `json:"format" yaml:"format"`
	OutputPaths []string    `json:"output_paths" yaml:"output_paths"`
	Audit       AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志文件的滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// ObservabilityConfig 控制指标暴露。
type ObservabilityConfig struct {
	MetricsEnabled bool   `json:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path" yaml:"metrics_path"`
}

// AlertingConfig 描述冻结与链上失败告警的推送目标。WebhookURL 为空时仅写日志。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url" yaml:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Load 解析指定路径的配置文件，.yaml/.yml 使用 YAML，其余按 JSON 处理。
// path 为空时读取 NEXUS_CONFIG；两者都为空则返回全部默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	var cfg Config
	if path == "" {
		cfg.applyDefaults("")
		return &cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查无法通过默认值修复的配置错误。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if c.Storage.DSN == "" {
			return errors.New("storage.driver 为 mysql 时必须提供 dsn")
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}
	if p := c.Policy; p != nil && (p.PerTransaction < 0 || p.PerHour < 0 || p.PerDay < 0) {
		return errors.New("policy 额度不能为负数")
	}
	switch c.Agent.Strategy {
	case "", "idle":
	case "sweep":
		if strings.TrimSpace(c.Agent.Treasury) == "" {
			return errors.New("agent.strategy 为 sweep 时必须提供 treasury")
		}
	default:
		return fmt.Errorf("不支持的代理策略: %s", c.Agent.Strategy)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置默认值，相对路径以配置文件所在目录为基准。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownSeconds <= 0 {
		c.Server.ShutdownSeconds = 10
	}
	if c.Server.APITokenEnv == "" {
		c.Server.APITokenEnv = "NEXUS_API_TOKEN"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)

	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "nexus"
	}
	if c.Redis.LockTTLSeconds <= 0 {
		c.Redis.LockTTLSeconds = 120
	}

	if c.Broker.Exchange == "" {
		c.Broker.Exchange = "nexus.events"
	}
	if c.Broker.RoutingKey == "" {
		c.Broker.RoutingKey = "settlement"
	}

	if c.Web3.ChainConfig != "" && baseDir != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.EscrowKeyEnv == "" {
		c.Web3.EscrowKeyEnv = "NEXUS_ESCROW_KEY"
	}
	if c.Web3.ConfirmTimeoutS <= 0 {
		c.Web3.ConfirmTimeoutS = 60
	}

	if c.Policy == nil {
		c.Policy = &PolicyConfig{PerTransaction: 0.1, PerHour: 1, PerDay: 10}
	}

	if c.Agent.CheckIntervalMS <= 0 {
		c.Agent.CheckIntervalMS = 5000
	}
	if c.Agent.KeyEnv == "" {
		c.Agent.KeyEnv = "NEXUS_AGENT_KEY"
	}
	if c.Agent.Strategy == "" {
		c.Agent.Strategy = "idle"
	}
	c.Agent.Strategy = strings.ToLower(c.Agent.Strategy)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = "logs/audit.log"
	}
	if c.Logging.Audit.Path != "" && baseDir != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Observability.MetricsPath == "" {
		c.Observability.MetricsPath = "/metrics"
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
}
