package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Alice    AliceConfig    `mapstructure:"alice"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Server   ServerConfig   `mapstructure:"server"`
	Poller   PollerConfig   `mapstructure:"poller"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// AliceConfig 描述券商接口的连接与鉴权信息。
type AliceConfig struct {
	SessionEndpoint      string        `mapstructure:"session_endpoint"`
	TradesEndpoint       string        `mapstructure:"trades_endpoint"`
	APIBaseURL           string        `mapstructure:"api_base_url"`
	APIKey               string        `mapstructure:"api_key"`
	APISecret            string        `mapstructure:"api_secret"`
	AuthMethod           string        `mapstructure:"auth_method"`
	OAuthToken           string        `mapstructure:"oauth_token"`
	OAuthTokenFile       string        `mapstructure:"oauth_token_file"`
	SessionToken         string        `mapstructure:"session_token"`
	SessionHeaderName    string        `mapstructure:"session_header_name"`
	MasterAccount        string        `mapstructure:"master_account"`
	AllowSessionExchange bool          `mapstructure:"allow_session_exchange"`
	AllowFallback        bool          `mapstructure:"allow_fallback"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
}

// TradesURL 返回成交接口地址，未配置 trades_endpoint 时退回 api_base_url。
func (c AliceConfig) TradesURL() string {
	if c.TradesEndpoint != "" {
		return c.TradesEndpoint
	}
	return c.APIBaseURL
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	// MaxAttempts 为失败后的重试次数，总请求次数为 MaxAttempts+1。
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Jitter         float64       `mapstructure:"jitter"`
}

// ServerConfig 控制对外 HTTP 接口。
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PollerConfig 控制成交轮询节奏。
type PollerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	EventRetention time.Duration `mapstructure:"event_retention"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	if c.Alice.SessionEndpoint == "" {
		err = multierr.Append(err, errors.New("alice.session_endpoint 不能为空"))
	} else if !validURL(c.Alice.SessionEndpoint) {
		err = multierr.Append(err, fmt.Errorf("alice.session_endpoint 不是合法地址: %q", c.Alice.SessionEndpoint))
	}
	if endpoint := c.Alice.TradesURL(); endpoint != "" && !validURL(endpoint) {
		err = multierr.Append(err, fmt.Errorf("alice 成交接口不是合法地址: %q", endpoint))
	}
	switch strings.ToLower(strings.TrimSpace(c.Alice.AuthMethod)) {
	case "", "headers", "basic", "hmac":
	default:
		err = multierr.Append(err, fmt.Errorf("alice.auth_method 仅支持 basic|hmac|headers, 当前为 %q", c.Alice.AuthMethod))
	}
	if strings.TrimSpace(c.Alice.SessionHeaderName) == "" {
		err = multierr.Append(err, errors.New("alice.session_header_name 不能为空"))
	}
	if strings.TrimSpace(c.Alice.MasterAccount) == "" {
		err = multierr.Append(err, errors.New("alice.master_account 不能为空"))
	}
	if c.Alice.RequestTimeout <= 0 {
		err = multierr.Append(err, errors.New("alice.request_timeout 必须大于0"))
	}

	if c.Retry.MaxAttempts < 0 {
		err = multierr.Append(err, errors.New("retry.max_attempts 不能为负"))
	}
	if c.Retry.InitialBackoff <= 0 {
		err = multierr.Append(err, errors.New("retry.initial_backoff 必须为正"))
	}
	if c.Retry.MaxBackoff < 0 {
		err = multierr.Append(err, errors.New("retry.max_backoff 不能为负"))
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		err = multierr.Append(err, errors.New("retry.max_backoff 不能小于 initial_backoff"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		err = multierr.Append(err, errors.New("retry.jitter 必须位于[0,1)"))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, errors.New("server.port 必须位于(0,65535]"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("server.shutdown_timeout 必须大于0"))
	}
	if c.Poller.Enabled && c.Poller.Interval <= 0 {
		err = multierr.Append(err, errors.New("poller.interval 必须大于0"))
	}
	if c.Poller.EventRetention < 0 {
		err = multierr.Append(err, errors.New("poller.event_retention 不能为负数"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}
