package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string `yaml:"port"`
	DatabaseDriver        string `yaml:"database_driver"`
	DatabaseDSN           string `yaml:"database_dsn"`
	JWTSecret             string `yaml:"jwt_secret"`
	Env                   string `yaml:"env"`
	AccessTokenTTLMinutes int    `yaml:"access_token_ttl_minutes"`
	RefreshTokenTTLDays   int    `yaml:"refresh_token_ttl_days"`

	HTTP    HTTPConfig    `yaml:"http"`
	WS      WSConfig      `yaml:"ws"`
	Router  RouterConfig  `yaml:"router"`
	Blob    BlobConfig    `yaml:"blob"`
	Account AccountConfig `yaml:"account"`
}

// HTTPConfig 是按 IP+路由的令牌桶参数。
type HTTPConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// WSConfig 控制单连接的心跳、缓冲与防滥用阈值。
type WSConfig struct {
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongWait          time.Duration `yaml:"pong_wait"`
	WriteWait         time.Duration `yaml:"write_wait"`
	MaxFrameBytes     int64         `yaml:"max_frame_bytes"`
	SendBuffer        int           `yaml:"send_buffer"`
	MaxProtocolErrors int           `yaml:"max_protocol_errors"`
	FramesPerSecond   float64       `yaml:"frames_per_second"`
	FrameBurst        int           `yaml:"frame_burst"`
}

type RouterConfig struct {
	HistoryPageSize    int           `yaml:"history_page_size"`
	MaxTextRunes       int           `yaml:"max_text_runes"`
	FailureThreshold   int           `yaml:"failure_threshold"`
	DegradedCooldown   time.Duration `yaml:"degraded_cooldown"`
	PreviewRunes       int           `yaml:"preview_runes"`
	StorageCallTimeout time.Duration `yaml:"storage_call_timeout"`
}

// BlobConfig 指向 S3 兼容的图片存储；Bucket 为空时图片上传接口关闭。
type BlobConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PublicBaseURL   string `yaml:"public_base_url"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	MaxUploadBytes  int64  `yaml:"max_upload_bytes"`
}

type AccountConfig struct {
	ProfileCacheTTL time.Duration `yaml:"profile_cache_ttl"`
}

func Default() Config {
	return Config{
		Port:                  "8080",
		DatabaseDriver:        "postgres",
		DatabaseDSN:           "host=localhost user=postgres password=postgres dbname=o3chat port=5432 sslmode=disable TimeZone=UTC",
		JWTSecret:             defaultJWTSecret,
		Env:                   "dev",
		AccessTokenTTLMinutes: 15,
		RefreshTokenTTLDays:   7,
		HTTP: HTTPConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
		WS: WSConfig{
			PingInterval:      30 * time.Second,
			PongWait:          60 * time.Second,
			WriteWait:         10 * time.Second,
			MaxFrameBytes:     1 << 20,
			SendBuffer:        256,
			MaxProtocolErrors: 5,
			FramesPerSecond:   20,
			FrameBurst:        40,
		},
		Router: RouterConfig{
			HistoryPageSize:    50,
			MaxTextRunes:       4096,
			FailureThreshold:   3,
			DegradedCooldown:   10 * time.Second,
			PreviewRunes:       60,
			StorageCallTimeout: 5 * time.Second,
		},
		Blob: BlobConfig{
			Region:         "us-east-1",
			Prefix:         "images",
			MaxUploadBytes: 10 << 20,
		},
		Account: AccountConfig{
			ProfileCacheTTL: 5 * time.Minute,
		},
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// positiveInt 解析失败或非正数时回退默认值。
func positiveInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func positiveDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Load 依次叠加：默认值、.env、APP_CONFIG_FILE 指向的 YAML、环境变量。
func Load() Config {
	_ = godotenv.Load(".env")

	cfg := Default()
	if path := os.Getenv("APP_CONFIG_FILE"); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			fmt.Fprintf(os.Stderr, "config: ignoring %s: %v\n", path, err)
		}
	}

	cfg.Port = getenv("APP_PORT", cfg.Port)
	cfg.DatabaseDriver = getenv("DATABASE_DRIVER", cfg.DatabaseDriver)
	cfg.DatabaseDSN = getenv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.JWTSecret = getenv("JWT_SECRET", cfg.JWTSecret)
	cfg.Env = getenv("APP_ENV", cfg.Env)
	cfg.AccessTokenTTLMinutes = positiveInt("ACCESS_TOKEN_TTL_MINUTES", cfg.AccessTokenTTLMinutes)
	cfg.RefreshTokenTTLDays = positiveInt("REFRESH_TOKEN_TTL_DAYS", cfg.RefreshTokenTTLDays)

	if v, err := strconv.ParseFloat(os.Getenv("HTTP_RATE_LIMIT_RPS"), 64); err == nil && v > 0 {
		cfg.HTTP.RequestsPerSecond = v
	}
	cfg.HTTP.Burst = positiveInt("HTTP_RATE_LIMIT_BURST", cfg.HTTP.Burst)

	cfg.WS.PingInterval = positiveDuration("WS_PING_INTERVAL", cfg.WS.PingInterval)
	cfg.WS.PongWait = positiveDuration("WS_PONG_WAIT", cfg.WS.PongWait)
	cfg.WS.SendBuffer = positiveInt("WS_SEND_BUFFER", cfg.WS.SendBuffer)
	cfg.WS.MaxProtocolErrors = positiveInt("WS_MAX_PROTOCOL_ERRORS", cfg.WS.MaxProtocolErrors)

	cfg.Router.HistoryPageSize = positiveInt("HISTORY_PAGE_SIZE", cfg.Router.HistoryPageSize)
	cfg.Router.FailureThreshold = positiveInt("STORAGE_FAILURE_THRESHOLD", cfg.Router.FailureThreshold)
	cfg.Router.DegradedCooldown = positiveDuration("STORAGE_DEGRADED_COOLDOWN", cfg.Router.DegradedCooldown)

	cfg.Blob.Bucket = getenv("BLOB_BUCKET", cfg.Blob.Bucket)
	cfg.Blob.Region = getenv("BLOB_REGION", cfg.Blob.Region)
	cfg.Blob.Endpoint = getenv("BLOB_ENDPOINT", cfg.Blob.Endpoint)
	cfg.Blob.PublicBaseURL = getenv("BLOB_PUBLIC_BASE_URL", cfg.Blob.PublicBaseURL)
	cfg.Blob.AccessKeyID = getenv("BLOB_ACCESS_KEY_ID", cfg.Blob.AccessKeyID)
	cfg.Blob.SecretAccessKey = getenv("BLOB_SECRET_ACCESS_KEY", cfg.Blob.SecretAccessKey)
	if v := os.Getenv("BLOB_USE_PATH_STYLE"); v != "" {
		cfg.Blob.UsePathStyle, _ = strconv.ParseBool(v)
	}

	cfg.Account.ProfileCacheTTL = positiveDuration("PROFILE_CACHE_TTL", cfg.Account.ProfileCacheTTL)
	return cfg
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate 在启动前拒绝明显错误的配置，非 dev 环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("port is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("database dsn is required")
	}
	switch cfg.DatabaseDriver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
	if cfg.JWTSecret == "" {
		return errors.New("jwt secret is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("default jwt secret is not allowed outside dev")
	}

	// YAML 覆盖层不经过环境变量的正数检查，这里统一把关
	positive := []struct {
		name string
		v    float64
	}{
		{"access_token_ttl_minutes", float64(cfg.AccessTokenTTLMinutes)},
		{"refresh_token_ttl_days", float64(cfg.RefreshTokenTTLDays)},
		{"http.requests_per_second", cfg.HTTP.RequestsPerSecond},
		{"http.burst", float64(cfg.HTTP.Burst)},
		{"ws.ping_interval", float64(cfg.WS.PingInterval)},
		{"ws.pong_wait", float64(cfg.WS.PongWait)},
		{"ws.write_wait", float64(cfg.WS.WriteWait)},
		{"ws.max_frame_bytes", float64(cfg.WS.MaxFrameBytes)},
		{"ws.send_buffer", float64(cfg.WS.SendBuffer)},
		{"ws.max_protocol_errors", float64(cfg.WS.MaxProtocolErrors)},
		{"router.history_page_size", float64(cfg.Router.HistoryPageSize)},
		{"router.max_text_runes", float64(cfg.Router.MaxTextRunes)},
		{"router.failure_threshold", float64(cfg.Router.FailureThreshold)},
		{"router.degraded_cooldown", float64(cfg.Router.DegradedCooldown)},
		{"router.preview_runes", float64(cfg.Router.PreviewRunes)},
		{"router.storage_call_timeout", float64(cfg.Router.StorageCallTimeout)},
		{"blob.max_upload_bytes", float64(cfg.Blob.MaxUploadBytes)},
		{"account.profile_cache_ttl", float64(cfg.Account.ProfileCacheTTL)},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}
	// frames_per_second 为 0 表示不限速
	if cfg.WS.FramesPerSecond < 0 {
		return errors.New("ws.frames_per_second must not be negative")
	}
	if cfg.WS.FramesPerSecond > 0 && cfg.WS.FrameBurst <= 0 {
		return errors.New("ws.frame_burst must be positive when frames_per_second is set")
	}
	if cfg.WS.PingInterval >= cfg.WS.PongWait {
		return errors.New("ws.ping_interval must be shorter than ws.pong_wait")
	}
	return nil
}
