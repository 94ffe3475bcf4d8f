package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath 在命令行未指定配置文件时提供路径。
const EnvConfigPath = "CONTROLAGENT_CONFIG"

// 三个作用域密钥的默认环境变量。
const (
	EnvDefaultKey    = "CONTROLAGENT_DEFAULT_KEY"
	EnvDocumentKey   = "CONTROLAGENT_DOCUMENT_KEY"
	EnvGenerationKey = "CONTROLAGENT_GENERATION_KEY"
)

// Config 描述了网关在启动阶段需要加载的全部配置，加载后不再修改。
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Crypto  CryptoConfig  `json:"crypto" yaml:"crypto"`
	Agents  AgentsConfig  `json:"agents" yaml:"agents"`
	Auth    AuthConfig    `json:"auth" yaml:"auth"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Locking LockingConfig `json:"locking" yaml:"locking"`
	Reclaim ReclaimConfig `json:"reclaim" yaml:"reclaim"`
	Runtime RuntimeConfig `json:"runtime" yaml:"runtime"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string `json:"address" yaml:"address"`
	MaxBodyMB       int    `json:"max_body_mb" yaml:"max_body_mb"`
	ShutdownSeconds int    `json:"shutdown_seconds" yaml:"shutdown_seconds"`
}

// CryptoConfig 保存客户端与网关之间 default 作用域的密钥。
type CryptoConfig struct {
	Secret    string `json:"secret" yaml:"secret"`
	SecretEnv string `json:"secret_env" yaml:"secret_env"`
}

// AgentsConfig 描述两个下游代理。
type AgentsConfig struct {
	Document   AgentConfig `json:"document" yaml:"document"`
	Generation AgentConfig `json:"generation" yaml:"generation"`
}

// AgentConfig 是单个下游代理的地址、密钥与超时。
type AgentConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"`
	Secret         string `json:"secret" yaml:"secret"`
	SecretEnv      string `json:"secret_env" yaml:"secret_env"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回单次调用的超时时间。
func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// AuthConfig 选择凭据存储并提供启动时写入的用户。
type AuthConfig struct {
	Driver string     `json:"driver" yaml:"driver"`
	Users  []UserSeed `json:"users" yaml:"users"`
}

// UserSeed 是配置文件中的一个用户。密码可以来自环境变量。
type UserSeed struct {
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	PasswordEnv string `json:"password_env" yaml:"password_env"`
	Disabled    bool   `json:"disabled" yaml:"disabled"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	Slots SlotStoreConfig `json:"slots" yaml:"slots"`
	MySQL MySQLConfig     `json:"mysql" yaml:"mysql"`
	Redis RedisConfig     `json:"redis" yaml:"redis"`
}

// SlotStoreConfig 选择槽位存储：memory 或 mysql。
type SlotStoreConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	// Persist 为 true 时 memory 驱动把槽位写入 data_dir/slots.json。
	Persist bool `json:"persist" yaml:"persist"`
}

// MySQLConfig 为凭据与槽位存储共用的连接池配置。
type MySQLConfig struct {
	DSN                    string `json:"dsn" yaml:"dsn"`
	DSNEnv                 string `json:"dsn_env" yaml:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// RedisConfig 为分布式锁与回收队列共用的连接配置。
type RedisConfig struct {
	Address     string `json:"address" yaml:"address"`
	Password    string `json:"password" yaml:"password"`
	PasswordEnv string `json:"password_env" yaml:"password_env"`
	DB          int    `json:"db" yaml:"db"`
}

// LockingConfig 选择槽位锁：memory 或 redis。
type LockingConfig struct {
	Driver     string `json:"driver" yaml:"driver"`
	Prefix     string `json:"prefix" yaml:"prefix"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// ReclaimConfig 控制旧数据库的回收。
type ReclaimConfig struct {
	TimeoutSeconds int         `json:"timeout_seconds" yaml:"timeout_seconds"`
	Queue          QueueConfig `json:"queue" yaml:"queue"`
}

// QueueConfig 描述删除失败后的延迟重试队列，driver 为 none 时不重试。
type QueueConfig struct {
	Driver            string `json:"driver" yaml:"driver"`
	Name              string `json:"name" yaml:"name"`
	Size              int    `json:"size" yaml:"size"`
	RabbitMQURL       string `json:"rabbitmq_url" yaml:"rabbitmq_url"`
	Workers           int    `json:"workers" yaml:"workers"`
	MaxAttempts       int    `json:"max_attempts" yaml:"max_attempts"`
	RetryDelaySeconds int    `json:"retry_delay_seconds" yaml:"retry_delay_seconds"`
	// AlertWebhook 不为空时，放弃回收的任务会以 JSON POST 到该地址。
	AlertWebhook string `json:"alert_webhook" yaml:"alert_webhook"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir            string `json:"data_dir" yaml:"data_dir"`
	StagingDir         string `json:"staging_dir" yaml:"staging_dir"`
	BindTimeoutSeconds int    `json:"bind_timeout_seconds" yaml:"bind_timeout_seconds"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level     string      `json:"level" yaml:"level"`
	Format    string      `json:"format" yaml:"format"`
	Outputs   []string    `json:"outputs" yaml:"outputs"`
	AddSource bool        `json:"add_source" yaml:"add_source"`
	Audit     AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
}

// MetricsConfig 控制 Prometheus 指标。Address 为空时挂载在 API 端口上。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// Load 解析指定路径的配置文件：.yaml/.yml 按 YAML 解析，其余按带注释的 JSON 解析。
// 配置文件同目录下的 .env 会先被加载，但不会覆盖已经存在的环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	baseDir := filepath.Dir(path)
	if err := loadDotEnv(filepath.Join(baseDir, ".env")); err != nil {
		return nil, err
	}

	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.resolveSecrets()
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 按扩展名解码配置内容，不做默认值与校验。
func Parse(content []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(content), &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}
	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("检查 .env 文件失败: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("加载 .env 文件失败: %w", err)
	}
	return nil
}

// resolveSecrets 用环境变量补齐未直接写在文件里的密钥。
func (c *Config) resolveSecrets() {
	c.Crypto.Secret = fromEnv(c.Crypto.Secret, c.Crypto.SecretEnv, EnvDefaultKey)
	c.Agents.Document.Secret = fromEnv(c.Agents.Document.Secret, c.Agents.Document.SecretEnv, EnvDocumentKey)
	c.Agents.Generation.Secret = fromEnv(c.Agents.Generation.Secret, c.Agents.Generation.SecretEnv, EnvGenerationKey)
	c.Storage.MySQL.DSN = fromEnv(c.Storage.MySQL.DSN, c.Storage.MySQL.DSNEnv, "")
	c.Storage.Redis.Password = fromEnv(c.Storage.Redis.Password, c.Storage.Redis.PasswordEnv, "")
	for i := range c.Auth.Users {
		c.Auth.Users[i].Password = fromEnv(c.Auth.Users[i].Password, c.Auth.Users[i].PasswordEnv, "")
	}
}

func fromEnv(value, name, fallbackName string) string {
	if value != "" {
		return value
	}
	if name == "" {
		name = fallbackName
	}
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.MaxBodyMB <= 0 {
		c.Server.MaxBodyMB = 64
	}
	if c.Server.ShutdownSeconds <= 0 {
		c.Server.ShutdownSeconds = 5
	}

	for _, agent := range []*AgentConfig{&c.Agents.Document, &c.Agents.Generation} {
		if agent.TimeoutSeconds <= 0 {
			agent.TimeoutSeconds = 30
		}
		agent.BaseURL = strings.TrimRight(agent.BaseURL, "/")
	}

	if c.Auth.Driver == "" {
		c.Auth.Driver = "memory"
	}
	if c.Storage.Slots.Driver == "" {
		c.Storage.Slots.Driver = "memory"
	}
	if c.Storage.MySQL.MaxOpenConns <= 0 {
		c.Storage.MySQL.MaxOpenConns = 10
	}
	if c.Storage.MySQL.MaxIdleConns <= 0 {
		c.Storage.MySQL.MaxIdleConns = 5
	}
	if c.Storage.MySQL.ConnMaxLifetimeSeconds <= 0 {
		c.Storage.MySQL.ConnMaxLifetimeSeconds = 300
	}

	if c.Locking.Driver == "" {
		c.Locking.Driver = "memory"
	}
	if c.Locking.TTLSeconds <= 0 {
		c.Locking.TTLSeconds = 30
	}

	if c.Reclaim.TimeoutSeconds <= 0 {
		c.Reclaim.TimeoutSeconds = 30
	}
	if c.Reclaim.Queue.Driver == "" {
		c.Reclaim.Queue.Driver = "none"
	}
	if c.Reclaim.Queue.Size <= 0 {
		c.Reclaim.Queue.Size = 256
	}
	if c.Reclaim.Queue.Workers <= 0 {
		c.Reclaim.Queue.Workers = 1
	}
	if c.Reclaim.Queue.MaxAttempts <= 0 {
		c.Reclaim.Queue.MaxAttempts = 5
	}
	if c.Reclaim.Queue.RetryDelaySeconds <= 0 {
		c.Reclaim.Queue.RetryDelaySeconds = 10
	}

	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, "data")
	c.Runtime.StagingDir = resolvePath(c.Runtime.DataDir, c.Runtime.StagingDir, "staging")
	if c.Runtime.BindTimeoutSeconds <= 0 {
		c.Runtime.BindTimeoutSeconds = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		return filepath.Join(baseDir, fallback)
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 检查配置是否足以启动网关，返回所有问题而不只是第一个。
func (c *Config) Validate() error {
	var errs []error
	if c.Crypto.Secret == "" {
		errs = append(errs, fmt.Errorf("crypto.secret 未配置（可通过 %s 提供）", EnvDefaultKey))
	}
	if c.Agents.Document.Secret == "" {
		errs = append(errs, fmt.Errorf("agents.document.secret 未配置（可通过 %s 提供）", EnvDocumentKey))
	}
	if c.Agents.Generation.Secret == "" {
		errs = append(errs, fmt.Errorf("agents.generation.secret 未配置（可通过 %s 提供）", EnvGenerationKey))
	}
	if c.Agents.Document.BaseURL == "" {
		errs = append(errs, errors.New("agents.document.base_url 未配置"))
	}
	if c.Agents.Generation.BaseURL == "" {
		errs = append(errs, errors.New("agents.generation.base_url 未配置"))
	}

	errs = append(errs, oneOf("auth.driver", c.Auth.Driver, "memory", "mysql"))
	errs = append(errs, oneOf("storage.slots.driver", c.Storage.Slots.Driver, "memory", "mysql"))
	errs = append(errs, oneOf("locking.driver", c.Locking.Driver, "memory", "redis"))
	errs = append(errs, oneOf("reclaim.queue.driver", c.Reclaim.Queue.Driver, "none", "memory", "redis", "rabbitmq"))

	if c.NeedsMySQL() && c.Storage.MySQL.DSN == "" {
		errs = append(errs, errors.New("使用 mysql 驱动时必须配置 storage.mysql.dsn"))
	}
	if c.NeedsRedis() && c.Storage.Redis.Address == "" {
		errs = append(errs, errors.New("使用 redis 驱动时必须配置 storage.redis.address"))
	}
	if c.Reclaim.Queue.Driver == "rabbitmq" && c.Reclaim.Queue.RabbitMQURL == "" {
		errs = append(errs, errors.New("使用 rabbitmq 队列时必须配置 reclaim.queue.rabbitmq_url"))
	}
	for i, u := range c.Auth.Users {
		if strings.TrimSpace(u.Username) == "" || u.Password == "" {
			errs = append(errs, fmt.Errorf("auth.users[%d] 缺少用户名或密码", i))
		}
	}
	return errors.Join(errs...)
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s 不支持 %q，可选值: %s", field, value, strings.Join(allowed, ", "))
}

// NeedsMySQL 判断是否有组件使用 MySQL。
func (c *Config) NeedsMySQL() bool {
	return c.Auth.Driver == "mysql" || c.Storage.Slots.Driver == "mysql"
}

// NeedsRedis 判断是否有组件使用 Redis。
func (c *Config) NeedsRedis() bool {
	return c.Locking.Driver == "redis" || c.Reclaim.Queue.Driver == "redis"
}
