package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/ulule/limiter/v3"
	"go.uber.org/multierr"
)

const (
	defaultEnv        = "development"
	envKey            = "GENAI_GOVERNOR_ENV"
	envPrefix         = "GENAI_GOVERNOR"
	defaultConfigName = "default"
	configType        = "yaml"
)

// Config 聚合应用所需的全部配置项。
type Config struct {
	App        AppConfig                 `mapstructure:"app"`
	Server     ServerConfig              `mapstructure:"server"`
	Database   DatabaseConfig            `mapstructure:"database"`
	Redis      RedisConfig               `mapstructure:"redis"`
	Auth       AuthConfig                `mapstructure:"auth"`
	Logging    LoggingConfig             `mapstructure:"logging"`
	Governance GovernanceConfig          `mapstructure:"governance"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`
	Seed       SeedConfig                `mapstructure:"seed"`
}

// AppConfig 描述应用级别的元信息。
type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

// ServerConfig 负责 HTTP 服务相关配置。
type ServerConfig struct {
	Host            string                `mapstructure:"host"`
	Port            int                   `mapstructure:"port"`
	ReadTimeout     time.Duration         `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration         `mapstructure:"writeTimeout"`
	ShutdownTimeout time.Duration         `mapstructure:"shutdownTimeout"`
	MaxRequestBody  int64                 `mapstructure:"maxRequestBody"`
	CORS            CORSConfig            `mapstructure:"cors"`
	SecurityHeaders SecurityHeadersConfig `mapstructure:"securityHeaders"`
}

// CORSConfig 控制跨域访问白名单及相关选项。
type CORSConfig struct {
	AllowOrigins     []string `mapstructure:"allowOrigins"`
	AllowCredentials bool     `mapstructure:"allowCredentials"`
}

// SecurityHeadersConfig 控制通用安全响应头的行为。
type SecurityHeadersConfig struct {
	FrameOptions              string `mapstructure:"frameOptions"`
	ContentTypeNosniff        bool   `mapstructure:"contentTypeNosniff"`
	ReferrerPolicy            string `mapstructure:"referrerPolicy"`
	XSSProtection             string `mapstructure:"xssProtection"`
	ContentSecurityPolicy     string `mapstructure:"contentSecurityPolicy"`
	CrossOriginOpenerPolicy   string `mapstructure:"crossOriginOpenerPolicy"`
	CrossOriginEmbedderPolicy string `mapstructure:"crossOriginEmbedderPolicy"`
	CrossOriginResourcePolicy string `mapstructure:"crossOriginResourcePolicy"`
	CacheControl              string `mapstructure:"cacheControl"`
}

// DatabaseConfig 定义数据库连接选项，兼容 SQLite 与 PostgreSQL。
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpen         int           `mapstructure:"maxOpen"`
	MaxIdle         int           `mapstructure:"maxIdle"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
	MigrationsDir   string        `mapstructure:"migrationsDir"`
	AutoMigrate     bool          `mapstructure:"autoMigrate"`
}

// RedisConfig 描述 Redis 客户端所需的连接参数；Addr 为空时不启用 Redis。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"poolSize"`
}

// Enabled 表示是否配置了 Redis。
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

// AuthConfig 管理访问令牌参数。
type AuthConfig struct {
	AccessTokenSecret string        `mapstructure:"accessTokenSecret"`
	AccessTokenTTL    time.Duration `mapstructure:"accessTokenTTL"`
	Issuer            string        `mapstructure:"issuer"`
}

// LoggingConfig 控制日志输出级别等行为。
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// GovernanceConfig 控制治理核心的运行参数。
type GovernanceConfig struct {
	CacheTTL           time.Duration `mapstructure:"cacheTTL"`
	RecorderQueueSize  int           `mapstructure:"recorderQueueSize"`
	ResetSweepInterval time.Duration `mapstructure:"resetSweepInterval"`
	ResetTimezone      string        `mapstructure:"resetTimezone"`
	RateLimit          string        `mapstructure:"rateLimit"`
}

// Location 返回配额重置所用的时区。
func (g GovernanceConfig) Location() *time.Location {
	loc, err := time.LoadLocation(g.ResetTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ProviderConfig 描述一个 OpenAI 兼容模型服务商的接入参数。
type ProviderConfig struct {
	BaseURL string        `mapstructure:"baseURL"`
	APIKey  string        `mapstructure:"apiKey"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SeedConfig 控制首次启动时写入的默认数据。
type SeedConfig struct {
	Enabled                 bool     `mapstructure:"enabled"`
	AdminEmail              string   `mapstructure:"adminEmail"`
	GlobalDailyRequestLimit int64    `mapstructure:"globalDailyRequestLimit"`
	GlobalMonthlyCostLimit  float64  `mapstructure:"globalMonthlyCostLimit"`
	PIIDetectors            []string `mapstructure:"piiDetectors"`
}

// Load 从给定路径加载配置；若 env 为空会自动读取环境变量或回退到默认值。
func Load(configDir string, env string) (*Config, error) {
	chosenEnv := determineEnv(env)

	v := viper.New()
	v.SetConfigType(configType)
	v.SetConfigName(defaultConfigName)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read base config: %w", err)
	}

	if chosenEnv != defaultConfigName {
		envConfig := viper.New()
		envConfig.SetConfigType(configType)
		envConfig.SetConfigName(chosenEnv)
		envConfig.AddConfigPath(configDir)

		if err := envConfig.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(envConfig.AllSettings()); err != nil {
				return nil, fmt.Errorf("merge %s config: %w", chosenEnv, err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg, chosenEnv)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// determineEnv 统一处理环境变量回退逻辑。
func determineEnv(env string) string {
	if env != "" {
		return env
	}
	if fromEnv := os.Getenv(envKey); fromEnv != "" {
		return fromEnv
	}
	return defaultEnv
}

// applyDefaults 补齐缺失字段，避免配置不完整导致的崩溃。
func applyDefaults(cfg *Config, env string) {
	if cfg.App.Name == "" {
		cfg.App.Name = "genai-governor"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = env
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// 模型调用可能耗时较长，写超时需覆盖最长的 timeout_seconds。
		cfg.Server.WriteTimeout = 330 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxRequestBody <= 0 {
		cfg.Server.MaxRequestBody = 1 * 1024 * 1024
	}
	if len(cfg.Server.CORS.AllowOrigins) == 0 {
		cfg.Server.CORS.AllowOrigins = []string{"*"}
	}
	if cfg.Server.SecurityHeaders.FrameOptions == "" {
		cfg.Server.SecurityHeaders.FrameOptions = "DENY"
	}
	if !cfg.Server.SecurityHeaders.ContentTypeNosniff {
		cfg.Server.SecurityHeaders.ContentTypeNosniff = true
	}
	if cfg.Server.SecurityHeaders.ReferrerPolicy == "" {
		cfg.Server.SecurityHeaders.ReferrerPolicy = "no-referrer"
	}
	if cfg.Server.SecurityHeaders.XSSProtection == "" {
		cfg.Server.SecurityHeaders.XSSProtection = "0"
	}
	if cfg.Server.SecurityHeaders.CrossOriginOpenerPolicy == "" {
		cfg.Server.SecurityHeaders.CrossOriginOpenerPolicy = "same-origin"
	}
	if cfg.Server.SecurityHeaders.CrossOriginResourcePolicy == "" {
		cfg.Server.SecurityHeaders.CrossOriginResourcePolicy = "same-site"
	}
	if cfg.Server.SecurityHeaders.CacheControl == "" {
		cfg.Server.SecurityHeaders.CacheControl = "no-store"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = filepath.ToSlash("file:./data/governor.db?cache=shared")
	}
	if cfg.Database.MaxOpen == 0 {
		cfg.Database.MaxOpen = 10
	}
	if cfg.Database.MaxIdle == 0 {
		cfg.Database.MaxIdle = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.MigrationsDir == "" {
		cfg.Database.MigrationsDir = "./db/migrations"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Auth.AccessTokenTTL == 0 {
		cfg.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = cfg.App.Name
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Governance.CacheTTL == 0 {
		cfg.Governance.CacheTTL = 30 * time.Second
	}
	if cfg.Governance.RecorderQueueSize <= 0 {
		cfg.Governance.RecorderQueueSize = 1024
	}
	if cfg.Governance.ResetSweepInterval == 0 {
		cfg.Governance.ResetSweepInterval = 5 * time.Minute
	}
	if cfg.Governance.ResetTimezone == "" {
		cfg.Governance.ResetTimezone = "UTC"
	}
	if cfg.Governance.RateLimit == "" {
		cfg.Governance.RateLimit = "120-M"
	}
	for name, provider := range cfg.Providers {
		if provider.Timeout == 0 {
			provider.Timeout = 60 * time.Second
		}
		cfg.Providers[name] = provider
	}
	if cfg.Seed.GlobalDailyRequestLimit == 0 {
		cfg.Seed.GlobalDailyRequestLimit = 10000
	}
	if len(cfg.Seed.PIIDetectors) == 0 {
		cfg.Seed.PIIDetectors = []string{"email", "phone", "ssn", "credit_card"}
	}
}

func validateConfig(cfg *Config) error {
	var errs error
	errs = multierr.Append(errs, validateSecret("auth.accessTokenSecret", cfg.Auth.AccessTokenSecret))
	errs = multierr.Append(errs, validateCORSConfig(cfg.Server.CORS, cfg.App.Env))
	errs = multierr.Append(errs, validateSecurityHeaders(cfg.Server.SecurityHeaders))
	errs = multierr.Append(errs, validateGovernance(cfg.Governance))
	for name, provider := range cfg.Providers {
		if strings.TrimSpace(provider.BaseURL) == "" {
			errs = multierr.Append(errs, fmt.Errorf("config providers.%s.baseURL must not be empty", name))
		}
	}
	return errs
}

func validateSecret(field, secret string) error {
	clean := strings.TrimSpace(secret)
	if len(clean) < 32 {
		return fmt.Errorf("config %s must be at least 32 characters", field)
	}
	if strings.Contains(strings.ToLower(clean), "change-me") {
		return fmt.Errorf("config %s must not use default placeholder", field)
	}
	return nil
}

func validateCORSConfig(corsCfg CORSConfig, env string) error {
	for _, origin := range corsCfg.AllowOrigins {
		clean := strings.TrimSpace(origin)
		if clean == "" {
			return fmt.Errorf("config server.cors.allowOrigins must not contain empty entries")
		}
		if env == "production" && clean == "*" {
			return fmt.Errorf("config server.cors.allowOrigins must not use wildcard '*' in production")
		}
	}
	return nil
}

func validateSecurityHeaders(secCfg SecurityHeadersConfig) error {
	frame := strings.TrimSpace(strings.ToUpper(secCfg.FrameOptions))
	if frame != "" && frame != "DENY" && frame != "SAMEORIGIN" {
		return fmt.Errorf("config server.securityHeaders.frameOptions must be DENY or SAMEORIGIN when set")
	}
	return nil
}

func validateGovernance(g GovernanceConfig) error {
	var errs error
	if _, err := time.LoadLocation(g.ResetTimezone); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("config governance.resetTimezone: %w", err))
	}
	if _, err := limiter.NewRateFromFormatted(g.RateLimit); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("config governance.rateLimit: %w", err))
	}
	if g.ResetSweepInterval < 0 {
		errs = multierr.Append(errs, fmt.Errorf("config governance.resetSweepInterval must not be negative"))
	}
	return errs
}

// Addr 返回 HTTP 服务监听地址。
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
