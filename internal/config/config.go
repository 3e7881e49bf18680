package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPath 指定配置文件路径的环境变量。
const EnvPath = "AVA_CONFIG"

// DefaultPath 是未设置 AVA_CONFIG 时读取的配置文件。
const DefaultPath = "configs/ava.yaml"

// Config 描述 AVA 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Agents    AgentsConfig    `json:"agents" yaml:"agents"`
	Recall    RecallConfig    `json:"recall" yaml:"recall"`
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Web3      Web3Config      `json:"web3" yaml:"web3"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Watch     WatchConfig     `json:"watch" yaml:"watch"`
}

// ServerConfig 控制 HTTP/WebSocket 服务的监听地址。
type ServerConfig struct {
	Address         string   `json:"address" yaml:"address"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AgentsConfig 声明需要接入事件总线的角色。
type AgentsConfig struct {
	Roles []string `json:"roles" yaml:"roles"`
}

// RecallConfig 描述持久化存储后端。
type RecallConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	Redis  RedisConfig `json:"redis" yaml:"redis"`
	MySQL  MySQLConfig `json:"mysql" yaml:"mysql"`
	Retry  RetryConfig `json:"retry" yaml:"retry"`
}

// RedisConfig 为 redis 后端的连接参数。
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// MySQLConfig 为 mysql 后端的连接参数。
type MySQLConfig struct {
	DSN          string `json:"dsn" yaml:"dsn"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
}

// RetryConfig 控制存储调用的线性退避重试。
type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   Duration `json:"base_delay" yaml:"base_delay"`
}

// LLMConfig 用于配置 observer 使用的大模型。
type LLMConfig struct {
	Provider string   `json:"provider" yaml:"provider"`
	BaseURL  string   `json:"base_url" yaml:"base_url"`
	Model    string   `json:"model" yaml:"model"`
	APIKey   string   `json:"api_key" yaml:"api_key"`
	Timeout  Duration `json:"timeout" yaml:"timeout"`
}

// Web3Config 包含 executor 访问区块链节点所需的信息。
type Web3Config struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	RPCURL     string `json:"rpc_url" yaml:"rpc_url"`
	ChainsFile string `json:"chains_file" yaml:"chains_file"`
	Chain      string `json:"chain" yaml:"chain"`
	SignerKey  string `json:"signer_key" yaml:"signer_key"`
}

// TransportConfig 控制 WebSocket 连接的读写参数。
type TransportConfig struct {
	Path           string   `json:"path" yaml:"path"`
	ReadTimeout    Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   Duration `json:"write_timeout" yaml:"write_timeout"`
	SendBuffer     int      `json:"send_buffer" yaml:"send_buffer"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// RelayConfig 控制是否把 task-update 镜像到 RabbitMQ。
type RelayConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	URL        string `json:"url" yaml:"url"`
	Exchange   string `json:"exchange" yaml:"exchange"`
	RoutingKey string `json:"routing_key" yaml:"routing_key"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level" yaml:"level"`
	Format  string      `json:"format" yaml:"format"`
	Outputs []string    `json:"outputs" yaml:"outputs"`
	Audit   AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 描述审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// MetricsConfig 控制 Prometheus 指标的暴露。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// WatchConfig 是 avawatch 客户端的连接配置。
type WatchConfig struct {
	URL         string   `json:"url" yaml:"url"`
	BaseDelay   Duration `json:"base_delay" yaml:"base_delay"`
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	HistorySize int      `json:"history_size" yaml:"history_size"`
}

// Duration 以 "1s"、"250ms" 这样的字符串出现在配置文件中。
type Duration struct {
	time.Duration
}

// UnmarshalJSON 解析字符串或纳秒整数。
func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		return d.parse(v)
	case float64:
		d.Duration = time.Duration(v)
		return nil
	case nil:
		return nil
	default:
		return fmt.Errorf("无法解析时长 %s", string(b))
	}
}

// UnmarshalYAML 解析字符串形式的时长。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalJSON 输出字符串形式。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) parse(s string) error {
	if strings.TrimSpace(s) == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("解析时长 %q 失败: %w", s, err)
	}
	d.Duration = v
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv 把 ${VAR} 替换为对应环境变量，未设置时替换为空串。
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// Default 返回只包含默认值的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// Load 负责解析指定路径的 YAML 或 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	expanded := []byte(expandEnv(string(content)))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(expanded, &cfg)
	} else {
		err = yaml.Unmarshal(expanded, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv 读取 AVA_CONFIG 指向的文件；使用默认路径且文件不存在时返回默认配置。
func LoadFromEnv() (*Config, error) {
	path := os.Getenv(EnvPath)
	if path == "" {
		if _, err := os.Stat(DefaultPath); errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		path = DefaultPath
	}
	return Load(path)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout.Duration == 0 {
		c.Server.ShutdownTimeout.Duration = 5 * time.Second
	}

	if len(c.Agents.Roles) == 0 {
		c.Agents.Roles = []string{"observer", "executor"}
	}

	if c.Recall.Driver == "" {
		c.Recall.Driver = "memory"
	}
	if c.Recall.Redis.Prefix == "" {
		c.Recall.Redis.Prefix = "recall"
	}
	if c.Recall.Retry.MaxAttempts <= 0 {
		c.Recall.Retry.MaxAttempts = 3
	}
	if c.Recall.Retry.BaseDelay.Duration == 0 {
		c.Recall.Retry.BaseDelay.Duration = 200 * time.Millisecond
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "echo"
	}
	if c.LLM.Timeout.Duration == 0 {
		c.LLM.Timeout.Duration = 30 * time.Second
	}

	if c.Web3.Chain == "" {
		c.Web3.Chain = "base"
	}
	if c.Web3.ChainsFile != "" && !filepath.IsAbs(c.Web3.ChainsFile) {
		c.Web3.ChainsFile = filepath.Join(baseDir, c.Web3.ChainsFile)
	}

	if c.Transport.Path == "" {
		c.Transport.Path = "/ws"
	}
	if c.Transport.ReadTimeout.Duration == 0 {
		c.Transport.ReadTimeout.Duration = 60 * time.Second
	}
	if c.Transport.WriteTimeout.Duration == 0 {
		c.Transport.WriteTimeout.Duration = 10 * time.Second
	}
	if c.Transport.SendBuffer <= 0 {
		c.Transport.SendBuffer = 64
	}

	if c.Relay.Exchange == "" {
		c.Relay.Exchange = "ava.events"
	}
	if c.Relay.RoutingKey == "" {
		c.Relay.RoutingKey = "task-update"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Watch.URL == "" {
		c.Watch.URL = "ws://localhost:8080/ws"
	}
	if c.Watch.BaseDelay.Duration == 0 {
		c.Watch.BaseDelay.Duration = time.Second
	}
	if c.Watch.MaxAttempts <= 0 {
		c.Watch.MaxAttempts = 5
	}
	if c.Watch.HistorySize <= 0 {
		c.Watch.HistorySize = 1024
	}
}

// Validate 检查互相依赖的字段，返回遇到的第一个问题。
func (c *Config) Validate() error {
	switch c.Recall.Driver {
	case "memory":
	case "redis":
		if c.Recall.Redis.Addr == "" {
			return errors.New("recall.redis.addr 不能为空")
		}
	case "mysql":
		if c.Recall.MySQL.DSN == "" {
			return errors.New("recall.mysql.dsn 不能为空")
		}
	default:
		return fmt.Errorf("不支持的 recall.driver: %s", c.Recall.Driver)
	}

	seen := make(map[string]struct{}, len(c.Agents.Roles))
	for _, role := range c.Agents.Roles {
		if role == "" || role == "task-manager" {
			return fmt.Errorf("非法的角色名: %q", role)
		}
		if _, dup := seen[role]; dup {
			return fmt.Errorf("角色重复声明: %s", role)
		}
		seen[role] = struct{}{}
	}
	if _, ok := seen["observer"]; !ok {
		return errors.New("agents.roles 必须包含 observer")
	}

	if c.Relay.Enabled && c.Relay.URL == "" {
		return errors.New("relay.url 不能为空")
	}
	if c.Web3.Enabled && c.Web3.RPCURL == "" && c.Web3.ChainsFile == "" {
		return errors.New("web3 需要 rpc_url 或 chains_file")
	}
	switch c.LLM.Provider {
	case "echo", "openai", "groq":
	default:
		return fmt.Errorf("不支持的 llm.provider: %s", c.LLM.Provider)
	}
	return nil
}
