package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	AuthModeRemote   = "remote"
	AuthModeJWKS     = "jwks"
	AuthModeDisabled = "disabled"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	// Env is read from LOAN_ENV only; it gates the disabled auth mode.
	Env         string   `yaml:"-"`
	DatabaseURL string   `yaml:"databaseURL"`
	CORSOrigins []string `yaml:"corsOrigins"`

	BookServiceURL string `yaml:"bookServiceURL"`
	UserServiceURL string `yaml:"userServiceURL"`

	AuthMode    string `yaml:"authMode"`
	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	InternalJWTPrivateKeyPath string   `yaml:"internalJwtPrivateKeyPath"`
	InternalJWTKeyID          string   `yaml:"internalJwtKeyId"`
	InternalJWTPublicKeys     string   `yaml:"internalJwtPublicKeys"`
	MaintenanceIssuers        []string `yaml:"maintenanceIssuers"`

	RedisAddr                string   `yaml:"redisAddr"`
	RedisPassword            string   `yaml:"redisPassword"`
	StateSyncStream          string   `yaml:"stateSyncStream"`
	StateSyncGroup           string   `yaml:"stateSyncGroup"`
	StateSyncConcurrency     int      `yaml:"stateSyncConcurrency"`
	StateSyncMaxRetries      int      `yaml:"stateSyncMaxRetries"`
	BorrowRateLimitPerMinute int      `yaml:"borrowRateLimitPerMinute"`
	TrustedProxyCIDRs        []string `yaml:"trustedProxyCidrs"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
}

// Load reads config from path (defaults to ConfigPath) and applies env overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	cfg.Env = strings.ToLower(strings.TrimSpace(os.Getenv("LOAN_ENV")))
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("BOOK_SERVICE_URL"); v != "" {
		cfg.BookServiceURL = v
	}
	if v := os.Getenv("USER_SERVICE_URL"); v != "" {
		cfg.UserServiceURL = v
	}
	if v := os.Getenv("LOAN_AUTH_MODE"); v != "" {
		cfg.AuthMode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("LOAN_AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("INTERNAL_JWT_PRIVATE_KEY_PATH"); v != "" {
		cfg.InternalJWTPrivateKeyPath = v
	}
	if v := os.Getenv("INTERNAL_JWT_KEY_ID"); v != "" {
		cfg.InternalJWTKeyID = v
	}
	if v := os.Getenv("INTERNAL_JWT_PUBLIC_KEYS"); v != "" {
		cfg.InternalJWTPublicKeys = v
	}
	if v := os.Getenv("LOAN_MAINTENANCE_ISSUERS"); v != "" {
		cfg.MaintenanceIssuers = splitCSV(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("LOAN_BORROW_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.BorrowRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("LOAN_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("LOAN_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.AuthMode == "" {
		cfg.AuthMode = AuthModeRemote
	}
	if cfg.StateSyncStream == "" {
		cfg.StateSyncStream = "loan:book-state"
	}
	if cfg.StateSyncGroup == "" {
		cfg.StateSyncGroup = "loan-service"
	}
	if cfg.StateSyncConcurrency <= 0 {
		cfg.StateSyncConcurrency = 1
	}
	if cfg.StateSyncMaxRetries <= 0 {
		cfg.StateSyncMaxRetries = 1
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.BookServiceURL == "" {
		return errors.New("config: bookServiceURL is required (set in config.yaml or BOOK_SERVICE_URL)")
	}
	switch cfg.AuthMode {
	case AuthModeRemote:
		if cfg.UserServiceURL == "" {
			return errors.New("config: userServiceURL is required for authMode remote")
		}
	case AuthModeJWKS:
		if strings.TrimSpace(cfg.AuthJWKSURL) == "" {
			return errors.New("config: authJwksURL is required for authMode jwks (set in config.yaml or LOAN_AUTH_JWKS_URL)")
		}
	case AuthModeDisabled:
		if !DisabledAuthAllowed(cfg.Env) {
			return fmt.Errorf("config: authMode disabled is not allowed when LOAN_ENV=%q", cfg.Env)
		}
	default:
		return fmt.Errorf("config: unknown authMode %q (remote, jwks or disabled)", cfg.AuthMode)
	}
	if cfg.BorrowRateLimitPerMinute < 0 {
		return errors.New("config: borrowRateLimitPerMinute must be >= 0")
	}
	if cfg.BorrowRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required when borrowRateLimitPerMinute is set")
	}
	if cfg.MinioEndpoint != "" && cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required when minioEndpoint is set")
	}
	if cfg.InternalJWTPublicKeys != "" && len(cfg.MaintenanceIssuers) == 0 {
		return errors.New("config: maintenanceIssuers is required when internalJwtPublicKeys is set")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// DisabledAuthAllowed reports whether identity verification may be switched off in env.
func DisabledAuthAllowed(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "development", "dev", "test":
		return true
	}
	return false
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}
