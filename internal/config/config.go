package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultEnvFile    = ".env"
	envPrefix         = "mirror"

	// DefaultSessionEndpoint 为 Alice Blue 获取 SID 的默认地址。
	DefaultSessionEndpoint = "https://ant.aliceblueonline.com/rest/AliceBlueAPIService/api/customer/getUserSID"
)

// legacyEnv 兼容早期部署使用的 ALICE_* 环境变量。
var legacyEnv = map[string]string{
	"alice.session_endpoint":       "ALICE_SID_ENDPOINT",
	"alice.trades_endpoint":        "ALICE_TRADES_ENDPOINT",
	"alice.api_base_url":           "ALICE_API_BASE_URL",
	"alice.api_key":                "ALICE_API_KEY",
	"alice.api_secret":             "ALICE_API_SECRET",
	"alice.auth_method":            "ALICE_AUTH_METHOD",
	"alice.oauth_token":            "ALICE_OAUTH_TOKEN",
	"alice.oauth_token_file":       "ALICE_OAUTH_TOKEN_FILE",
	"alice.session_header_name":    "ALICE_SESSION_HEADER_NAME",
	"alice.master_account":         "ALICE_MASTER_ACCOUNT",
}

// 旧变量只认 "true"（不区分大小写），其余取值一律视为关闭。
const (
	sessionExchangeKey       = "alice.allow_session_exchange"
	legacySessionExchangeEnv = "ALICE_ALLOW_SID_EXCHANGE"
)

// Load 读取配置文件并结合环境变量返回 Config。
// path 为空时使用默认配置文件，默认文件不存在则仅依赖默认值与环境变量。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(defaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("读取 %s 失败: %w", defaultEnvFile, err)
	}

	v := viper.New()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}
	applyLegacySessionExchange(v)

	if _, statErr := os.Stat(path); statErr == nil || explicit {
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
			}
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func bindLegacyEnv(v *viper.Viper) error {
	for key, legacy := range legacyEnv {
		primary := strings.ToUpper(envPrefix + "_" + strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, primary, legacy); err != nil {
			return fmt.Errorf("绑定环境变量 %s 失败: %w", legacy, err)
		}
	}
	return nil
}

func applyLegacySessionExchange(v *viper.Viper) {
	raw, ok := os.LookupEnv(legacySessionExchangeEnv)
	if !ok {
		return
	}
	primary := strings.ToUpper(envPrefix + "_" + strings.ReplaceAll(sessionExchangeKey, ".", "_"))
	if _, set := os.LookupEnv(primary); set {
		return
	}
	v.Set(sessionExchangeKey, strings.EqualFold(strings.TrimSpace(raw), "true"))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("alice.session_endpoint", DefaultSessionEndpoint)
	v.SetDefault("alice.trades_endpoint", "")
	v.SetDefault("alice.api_base_url", "")
	v.SetDefault("alice.api_key", "")
	v.SetDefault("alice.api_secret", "")
	v.SetDefault("alice.auth_method", "headers")
	v.SetDefault("alice.oauth_token", "")
	v.SetDefault("alice.oauth_token_file", ".alice.token")
	v.SetDefault("alice.session_token", "")
	v.SetDefault("alice.session_header_name", "x-session-id")
	v.SetDefault("alice.master_account", "Master")
	v.SetDefault("alice.allow_session_exchange", false)
	v.SetDefault("alice.allow_fallback", true)
	v.SetDefault("alice.request_timeout", "15s")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", "500ms")
	v.SetDefault("retry.max_backoff", "0s")
	v.SetDefault("retry.jitter", 0)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("poller.enabled", false)
	v.SetDefault("poller.interval", "30s")
	v.SetDefault("poller.event_retention", "168h")

	v.SetDefault("database.path", "data/trade_mirror.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
