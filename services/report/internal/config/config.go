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

// ConfigPath is the default location of the service configuration.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	DatabaseURL   string `yaml:"databaseURL"`
	LogLevel      string `yaml:"logLevel"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	JWKSURL       string `yaml:"jwksURL"`
	TokenIssuer   string `yaml:"tokenIssuer"`
	TokenAudience string `yaml:"tokenAudience"`

	// StorageBackend is "minio" (default), "gcs" or "memory" for local runs.
	StorageBackend string `yaml:"storageBackend"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	MinioRegion    string `yaml:"minioRegion"`
	GCSBucket      string `yaml:"gcsBucket"`
	GCSCredentials string `yaml:"gcsCredentials"`
	PublicBaseURL  string `yaml:"publicBaseURL"`

	CatalogPath    string `yaml:"catalogPath"`
	TimeZone       string `yaml:"timeZone"`
	CooldownMonths int    `yaml:"cooldownMonths"`
	MaxUploadBytes int64  `yaml:"maxUploadBytes"`

	// CORSOrigins lists browser origins of the form client.
	CORSOrigins []string `yaml:"corsOrigins"`

	QueueStream   string        `yaml:"queueStream"`
	RelayInterval time.Duration `yaml:"relayInterval"`
}

// Load reads config from path (defaults to config.yaml).
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
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("REPORT_JWKS_URL"); v != "" {
		cfg.JWKSURL = v
	}
	if v := os.Getenv("REPORT_STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = v
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
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("GCS_BUCKET"); v != "" {
		cfg.GCSBucket = v
	}
	if v := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); v != "" {
		cfg.GCSCredentials = v
	}
	if v := os.Getenv("REPORT_PUBLIC_BASE_URL"); v != "" {
		cfg.PublicBaseURL = v
	}
	if v := os.Getenv("REPORT_TIME_ZONE"); v != "" {
		cfg.TimeZone = v
	}
	if v := os.Getenv("REPORT_COOLDOWN_MONTHS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CooldownMonths = n
		}
	}
	if v := os.Getenv("REPORT_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("REPORT_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "minio"
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = "Asia/Jakarta"
	}
	if cfg.CooldownMonths <= 0 {
		cfg.CooldownMonths = 3
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 15 << 20
	}
	if cfg.QueueStream == "" {
		cfg.QueueStream = "bms:notify:jobs"
	}
	if cfg.RelayInterval <= 0 {
		cfg.RelayInterval = 5 * time.Second
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.JWKSURL == "" {
		return errors.New("config: jwksURL is required (set in config.yaml or REPORT_JWKS_URL)")
	}
	if cfg.PublicBaseURL == "" {
		return errors.New("config: publicBaseURL is required (set in config.yaml)")
	}
	if _, err := time.LoadLocation(cfg.TimeZone); err != nil {
		return fmt.Errorf("config: timeZone %q is invalid: %w", cfg.TimeZone, err)
	}
	switch cfg.StorageBackend {
	case "minio":
		if cfg.MinioEndpoint == "" {
			return errors.New("config: minioEndpoint is required (set in config.yaml)")
		}
		if cfg.MinioAccessKey == "" {
			return errors.New("config: minioAccessKey is required (set in config.yaml)")
		}
		if cfg.MinioSecretKey == "" {
			return errors.New("config: minioSecretKey is required (set in config.yaml)")
		}
		if cfg.MinioBucket == "" {
			return errors.New("config: minioBucket is required (set in config.yaml)")
		}
	case "gcs":
		if cfg.GCSBucket == "" {
			return errors.New("config: gcsBucket is required when storageBackend is gcs")
		}
	case "memory":
	default:
		return fmt.Errorf("config: storageBackend %q is not supported (minio, gcs or memory)", cfg.StorageBackend)
	}
	return nil
}
