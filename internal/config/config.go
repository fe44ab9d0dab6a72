package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述网关在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Agent    AgentConfig    `json:"agent"`
	Payment  PaymentConfig  `json:"payment"`
	Ledger   LedgerConfig   `json:"ledger"`
	Registry RegistryConfig `json:"registry"`
	Session  SessionConfig  `json:"session"`
	Jobs     JobsConfig     `json:"jobs"`
	Reports  ReportsConfig  `json:"reports"`
	Storage  StorageConfig  `json:"storage"`
	LLM      LLMConfig      `json:"llm"`
	Auth     AuthConfig     `json:"auth"`
	Alerting AlertingConfig `json:"alerting"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 HTTP 服务的监听地址与路由前缀。
type ServerConfig struct {
	Address        string  `json:"address"`
	BasePath       string  `json:"base_path"`
	ChatRatePerSec float64 `json:"chat_rate_per_sec"`
	ChatBurst      int     `json:"chat_burst"`
}

// AgentConfig 是 /agent 返回的服务身份资料。
type AgentConfig struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	URI         string `json:"uri"`
	TokenName   string `json:"token_name"`
	TokenTicker string `json:"token_ticker"`
	PublicKey   string `json:"public_key"`
}

// PaymentConfig 描述每个会话的报价与校验策略。
type PaymentConfig struct {
	Token            string `json:"token"`
	Amount           string `json:"amount"`
	Decimals         int32  `json:"decimals"`
	Recipient        string `json:"recipient"`
	Overpayment      string `json:"overpayment"`
	RequireMemo      *bool  `json:"require_memo"`
	MinConfirmations uint64 `json:"min_confirmations"`
	VerifyAttempts   int    `json:"verify_attempts"`
	VerifyDelayMS    int    `json:"verify_delay_ms"`
	ClaimStore       string `json:"claim_store"`
}

// LedgerConfig 描述链访问方式。
type LedgerConfig struct {
	Driver      string          `json:"driver"`
	ChainConfig string          `json:"chain_config"`
	Chain       string          `json:"chain"`
	RPCURL      string          `json:"rpc_url"`
	SignerKey   string          `json:"signer_key"`
	SignerEnv   string          `json:"signer_key_env"`
	Retry       RetryConfig     `json:"retry"`
	Simulator   SimulatorConfig `json:"simulator"`
}

// RetryConfig 是账本写操作的重试策略。
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts"`
	DelayMS     int     `json:"delay_ms"`
	Multiplier  float64 `json:"multiplier"`
	MaxDelayMS  int     `json:"max_delay_ms"`
}

// SimulatorConfig 控制进程内链模拟器。
type SimulatorConfig struct {
	ChainID          string            `json:"chain_id"`
	NativeToken      string            `json:"native_token"`
	ActivationHeight uint64            `json:"activation_height"`
	BlockIntervalMS  int               `json:"block_interval_ms"`
	Accounts         []SimulatorFunds  `json:"accounts"`
	Expose           *bool             `json:"expose"`
	Labels           map[string]string `json:"labels"`
}

// SimulatorFunds 描述模拟器启动时预置的余额。
type SimulatorFunds struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
}

// RegistryConfig 描述链上身份注册合约。
type RegistryConfig struct {
	Artifact     string `json:"artifact"`
	Address      string `json:"address"`
	Owner        string `json:"owner"`
	IssueFee     string `json:"issue_fee"`
	SettleBlocks int    `json:"settle_blocks"`
	Bootstrap    bool   `json:"bootstrap"`
}

// SessionConfig 控制会话生命周期。
type SessionConfig struct {
	Store             string `json:"store"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
	RetentionSeconds  int    `json:"retention_seconds"`
	ReapIntervalMS    int    `json:"reap_interval_ms"`
	ConfirmWaitMillis int    `json:"confirm_wait_ms"`
}

// JobsConfig 描述付费任务的队列与执行参数。
type JobsConfig struct {
	Store                string         `json:"store"`
	Queue                string         `json:"queue"`
	Workers              int            `json:"workers"`
	MaxRetries           int            `json:"max_retries"`
	StreamTimeoutSeconds int            `json:"stream_timeout_seconds"`
	Redis                RedisQueue     `json:"redis"`
	RabbitMQ             RabbitMQConfig `json:"rabbitmq"`
}

// RedisQueue 是 Redis 队列参数。
type RedisQueue struct {
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 是 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ReportsConfig 描述报告产物的存放位置。
type ReportsConfig struct {
	Store string `json:"store"`
	Dir   string `json:"dir"`
}

// StorageConfig 汇总 MySQL 与 Redis 的连接信息。
type StorageConfig struct {
	MySQL MySQLConfig `json:"mysql"`
	Redis RedisConfig `json:"redis"`
}

// MySQLConfig 是 MySQL 连接池配置。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// RedisConfig 是 Redis 连接配置。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// LLMConfig 配置研究报告的文本生成方式。
type LLMConfig struct {
	Provider       string `json:"provider"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	KnowledgePath  string `json:"knowledge_path"`
	MaxKnowledge   int    `json:"max_knowledge"`
}

// AuthConfig 控制运维接口的访问令牌。
type AuthConfig struct {
	Mode       string `json:"mode"`
	Secret     string `json:"secret"`
	SecretEnv  string `json:"secret_env"`
	Issuer     string `json:"issuer"`
	TTLMinutes int    `json:"ttl_minutes"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
	SlackURL   string `json:"slack_url"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string   `json:"level"`
	Format  string   `json:"format"`
	Outputs []string `json:"outputs"`
	Audit   struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.ApplyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回一份只依赖内存后端与链模拟器的配置。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.ApplyDefaults(baseDir)
	return cfg
}

// ApplyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) ApplyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/api"
	}
	c.Server.BasePath = "/" + strings.Trim(c.Server.BasePath, "/")
	if c.Server.BasePath == "/" {
		c.Server.BasePath = ""
	}
	if c.Server.ChatRatePerSec <= 0 {
		c.Server.ChatRatePerSec = 5
	}
	if c.Server.ChatBurst <= 0 {
		c.Server.ChatBurst = 10
	}

	if c.Agent.Name == "" {
		c.Agent.Name = "research-bot"
	}
	if c.Agent.URI == "" {
		c.Agent.URI = "https://research.openclaw.io"
	}
	if c.Agent.Description == "" {
		c.Agent.Description = "Paid market research reports"
	}
	if c.Agent.TokenName == "" {
		c.Agent.TokenName = "OpenClawAgent"
	}
	if c.Agent.TokenTicker == "" {
		c.Agent.TokenTicker = "OCAGENT"
	}

	if c.Payment.Token == "" {
		c.Payment.Token = "USDC"
	}
	if c.Payment.Amount == "" {
		c.Payment.Amount = "500000"
	}
	if c.Payment.Decimals == 0 {
		c.Payment.Decimals = 6
	}
	if c.Payment.Overpayment == "" {
		c.Payment.Overpayment = "allow"
	}
	if c.Payment.RequireMemo == nil {
		c.Payment.RequireMemo = boolPtr(true)
	}
	if c.Payment.MinConfirmations == 0 {
		c.Payment.MinConfirmations = 1
	}
	if c.Payment.VerifyAttempts <= 0 {
		c.Payment.VerifyAttempts = 3
	}
	if c.Payment.VerifyDelayMS <= 0 {
		c.Payment.VerifyDelayMS = 500
	}
	if c.Payment.ClaimStore == "" {
		c.Payment.ClaimStore = c.Session.Store
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "simulator"
	}
	if c.Ledger.Retry.MaxAttempts <= 0 {
		c.Ledger.Retry.MaxAttempts = 5
	}
	if c.Ledger.Retry.DelayMS <= 0 {
		c.Ledger.Retry.DelayMS = 1000
	}
	if c.Ledger.Retry.Multiplier < 1 {
		c.Ledger.Retry.Multiplier = 1
	}
	if c.Ledger.Simulator.ChainID == "" {
		c.Ledger.Simulator.ChainID = "chain"
	}
	if c.Ledger.Simulator.NativeToken == "" {
		c.Ledger.Simulator.NativeToken = "EGLD"
	}
	if c.Ledger.Simulator.Expose == nil {
		c.Ledger.Simulator.Expose = boolPtr(true)
	}
	c.Ledger.ChainConfig = resolvePath(baseDir, c.Ledger.ChainConfig)

	if c.Registry.Artifact == "" {
		c.Registry.Artifact = filepath.Join("artifacts", "identity-registry.json")
	}
	c.Registry.Artifact = resolvePath(baseDir, c.Registry.Artifact)
	if c.Registry.IssueFee == "" {
		c.Registry.IssueFee = "50000000000000000"
	}
	if c.Registry.SettleBlocks <= 0 {
		c.Registry.SettleBlocks = 3
	}

	if c.Session.Store == "" {
		c.Session.Store = "memory"
	}
	if c.Payment.ClaimStore == "" {
		c.Payment.ClaimStore = c.Session.Store
	}
	if c.Session.TimeoutSeconds <= 0 {
		c.Session.TimeoutSeconds = 900
	}
	if c.Session.RetentionSeconds <= 0 {
		c.Session.RetentionSeconds = 86400
	}
	if c.Session.ReapIntervalMS <= 0 {
		c.Session.ReapIntervalMS = 5000
	}

	if c.Jobs.Store == "" {
		c.Jobs.Store = "memory"
	}
	if c.Jobs.Queue == "" {
		c.Jobs.Queue = "memory"
	}
	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.MaxRetries <= 0 {
		c.Jobs.MaxRetries = 3
	}
	if c.Jobs.StreamTimeoutSeconds <= 0 {
		c.Jobs.StreamTimeoutSeconds = 120
	}

	if c.Reports.Store == "" {
		c.Reports.Store = "file"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "template"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "openclawd"
	}
	if c.Auth.TTLMinutes <= 0 {
		c.Auth.TTLMinutes = 60
	}

	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "openclaw:"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = "data"
	}
	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	if c.Reports.Dir == "" {
		c.Reports.Dir = filepath.Join(c.Runtime.DataDir, "reports")
	}
	c.Reports.Dir = resolvePath(baseDir, c.Reports.Dir)
	c.LLM.KnowledgePath = resolvePath(baseDir, c.LLM.KnowledgePath)
}

// Validate 检查无法通过默认值修复的配置错误。
func (c *Config) Validate() error {
	var errs []error
	if _, ok := new(big.Int).SetString(c.Payment.Amount, 10); !ok {
		errs = append(errs, fmt.Errorf("payment.amount 不是十进制整数: %q", c.Payment.Amount))
	} else if amount, _ := new(big.Int).SetString(c.Payment.Amount, 10); amount.Sign() <= 0 {
		errs = append(errs, errors.New("payment.amount 必须大于 0"))
	}
	if _, ok := new(big.Int).SetString(c.Registry.IssueFee, 10); !ok {
		errs = append(errs, fmt.Errorf("registry.issue_fee 不是十进制整数: %q", c.Registry.IssueFee))
	}
	switch c.Payment.Overpayment {
	case "allow", "exact":
	default:
		errs = append(errs, fmt.Errorf("payment.overpayment 仅支持 allow/exact: %q", c.Payment.Overpayment))
	}
	switch c.Ledger.Driver {
	case "simulator", "evm":
	default:
		errs = append(errs, fmt.Errorf("未知的账本驱动: %s", c.Ledger.Driver))
	}
	if c.Ledger.Driver == "evm" && c.Ledger.RPCURL == "" && c.Ledger.ChainConfig == "" {
		errs = append(errs, errors.New("evm 驱动需要配置 ledger.rpc_url 或 ledger.chain_config"))
	}
	for name, value := range map[string]string{
		"session.store":       c.Session.Store,
		"payment.claim_store": c.Payment.ClaimStore,
		"jobs.store":          c.Jobs.Store,
	} {
		switch value {
		case "memory", "redis", "mysql":
		default:
			errs = append(errs, fmt.Errorf("%s 不支持的驱动: %s", name, value))
		}
	}
	if c.Jobs.Store == "redis" {
		errs = append(errs, errors.New("jobs.store 不支持 redis，请使用 memory 或 mysql"))
	}
	switch c.Jobs.Queue {
	case "memory", "redis", "rabbitmq":
	default:
		errs = append(errs, fmt.Errorf("未知的队列驱动: %s", c.Jobs.Queue))
	}
	switch c.Reports.Store {
	case "memory", "file", "redis":
	default:
		errs = append(errs, fmt.Errorf("未知的报告存储: %s", c.Reports.Store))
	}
	switch c.LLM.Provider {
	case "template", "openai":
	default:
		errs = append(errs, fmt.Errorf("未知的文本生成方式: %s", c.LLM.Provider))
	}
	if c.LLM.Provider == "openai" && c.LLMAPIKey() == "" {
		errs = append(errs, errors.New("llm.provider=openai 需要配置 api_key 或 api_key_env"))
	}
	if c.needsMySQL() && strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
		errs = append(errs, errors.New("使用 mysql 后端时必须配置 storage.mysql.dsn"))
	}
	if c.needsRedis() && strings.TrimSpace(c.Storage.Redis.Address) == "" {
		errs = append(errs, errors.New("使用 redis 后端时必须配置 storage.redis.address"))
	}
	if c.Jobs.Queue == "rabbitmq" && strings.TrimSpace(c.Jobs.RabbitMQ.URL) == "" {
		errs = append(errs, errors.New("使用 rabbitmq 队列时必须配置 jobs.rabbitmq.url"))
	}
	if c.Auth.Mode == "jwt" && c.AuthSecret() == "" {
		errs = append(errs, errors.New("auth.mode=jwt 需要配置 secret 或 secret_env"))
	}
	return errors.Join(errs...)
}

func (c *Config) needsMySQL() bool {
	return c.Session.Store == "mysql" || c.Payment.ClaimStore == "mysql" || c.Jobs.Store == "mysql"
}

func (c *Config) needsRedis() bool {
	return c.Session.Store == "redis" || c.Payment.ClaimStore == "redis" || c.Jobs.Queue == "redis" || c.Reports.Store == "redis"
}

// SignerKey 返回账本签名私钥，优先读取环境变量。
func (c *Config) SignerKey() string {
	if c.Ledger.SignerEnv != "" {
		if v := strings.TrimSpace(os.Getenv(c.Ledger.SignerEnv)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(c.Ledger.SignerKey)
}

// AuthSecret 返回运维令牌签名密钥。
func (c *Config) AuthSecret() string {
	if c.Auth.SecretEnv != "" {
		if v := strings.TrimSpace(os.Getenv(c.Auth.SecretEnv)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(c.Auth.Secret)
}

// LLMAPIKey 返回大模型 API Key，优先读取环境变量。
func (c *Config) LLMAPIKey() string {
	if c.LLM.APIKeyEnv != "" {
		if v := strings.TrimSpace(os.Getenv(c.LLM.APIKeyEnv)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(c.LLM.APIKey)
}

// RequireMemoEnabled 报告是否要求付款携带会话备注。
func (p PaymentConfig) RequireMemoEnabled() bool {
	return p.RequireMemo == nil || *p.RequireMemo
}

// VerifyDelay 返回两次付款校验之间的间隔。
func (p PaymentConfig) VerifyDelay() time.Duration {
	return time.Duration(p.VerifyDelayMS) * time.Millisecond
}

// Timeout 返回会话等待付款的超时时间。
func (s SessionConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Retention 返回终态会话的保留时长。
func (s SessionConfig) Retention() time.Duration {
	return time.Duration(s.RetentionSeconds) * time.Second
}

// ReapInterval 返回会话清理周期。
func (s SessionConfig) ReapInterval() time.Duration {
	return time.Duration(s.ReapIntervalMS) * time.Millisecond
}

// ConfirmWait 返回确认接口内部等待最终性的上限，0 表示只校验一次。
func (s SessionConfig) ConfirmWait() time.Duration {
	return time.Duration(s.ConfirmWaitMillis) * time.Millisecond
}

// StreamTimeout 返回流式响应的最长持续时间。
func (j JobsConfig) StreamTimeout() time.Duration {
	return time.Duration(j.StreamTimeoutSeconds) * time.Second
}

// Delay 返回重试间隔。
func (r RetryConfig) Delay() time.Duration {
	return time.Duration(r.DelayMS) * time.Millisecond
}

// MaxDelay 返回重试间隔上限。
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// BlockInterval 返回模拟器自动出块间隔，0 表示手动出块。
func (s SimulatorConfig) BlockInterval() time.Duration {
	return time.Duration(s.BlockIntervalMS) * time.Millisecond
}

// ExposeEnabled 报告是否挂载模拟器开发接口。
func (s SimulatorConfig) ExposeEnabled() bool {
	return s.Expose == nil || *s.Expose
}

// Timeout 返回大模型调用超时时间。
func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// TTL 返回运维令牌有效期。
func (a AuthConfig) TTL() time.Duration {
	return time.Duration(a.TTLMinutes) * time.Minute
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

func boolPtr(v bool) *bool { return &v }
