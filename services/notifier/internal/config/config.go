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

// ConfigPath is the default location of the worker configuration.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	InternalToken string `yaml:"internalToken"`

	StorageBackend string `yaml:"storageBackend"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	MinioRegion    string `yaml:"minioRegion"`
	GCSBucket      string `yaml:"gcsBucket"`
	GCSCredentials string `yaml:"gcsCredentials"`
	// PublicBaseURL must match the report service so photo URLs resolve to keys.
	PublicBaseURL string `yaml:"publicBaseURL"`
	CatalogPath   string `yaml:"catalogPath"`

	QueueStream      string        `yaml:"queueStream"`
	QueueGroup       string        `yaml:"queueGroup"`
	QueueConcurrency int           `yaml:"queueConcurrency"`
	QueueMaxRetries  int           `yaml:"queueMaxRetries"`
	QueueRetryDelay  time.Duration `yaml:"queueRetryDelay"`

	AMQPURL      string `yaml:"amqpURL"`
	MailExchange string `yaml:"mailExchange"`

	// Renderer is "pdfcpu" (in-process, default) or "remote".
	Renderer      string `yaml:"renderer"`
	RendererURL   string `yaml:"rendererURL"`
	PhotoFetchers int    `yaml:"photoFetchers"`
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
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if cfg.InternalToken == "" {
		cfg.InternalToken = os.Getenv("NOTIFIER_INTERNAL_TOKEN")
	}
	if v := os.Getenv("NOTIFIER_STORAGE_BACKEND"); v != "" {
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
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("NOTIFIER_RENDERER_URL"); v != "" {
		cfg.RendererURL = v
	}
	if v := os.Getenv("NOTIFIER_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "minio"
	}
	cfg.Renderer = strings.ToLower(strings.TrimSpace(cfg.Renderer))
	if cfg.Renderer == "" {
		cfg.Renderer = "pdfcpu"
	}
	if cfg.QueueStream == "" {
		cfg.QueueStream = "bms:notify:jobs"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "notifier"
	}
	if cfg.QueueConcurrency <= 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.QueueMaxRetries <= 0 {
		cfg.QueueMaxRetries = 5
	}
	if cfg.QueueRetryDelay <= 0 {
		cfg.QueueRetryDelay = 10 * time.Second
	}
	if cfg.PhotoFetchers <= 0 {
		cfg.PhotoFetchers = 4
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
	if cfg.InternalToken == "" {
		return errors.New("config: internalToken is required (set in config.yaml or NOTIFIER_INTERNAL_TOKEN)")
	}
	if cfg.PublicBaseURL == "" {
		return errors.New("config: publicBaseURL is required (set in config.yaml or REPORT_PUBLIC_BASE_URL)")
	}
	if cfg.AMQPURL == "" {
		return errors.New("config: amqpURL is required (set in config.yaml or AMQP_URL)")
	}
	switch cfg.Renderer {
	case "pdfcpu":
	case "remote":
		if cfg.RendererURL == "" {
			return errors.New("config: rendererURL is required when renderer is remote")
		}
	default:
		return fmt.Errorf("config: renderer %q is not supported (pdfcpu or remote)", cfg.Renderer)
	}
	switch cfg.StorageBackend {
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required (set in config.yaml)")
		}
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return errors.New("config: minioAccessKey and minioSecretKey are required (set in config.yaml)")
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
