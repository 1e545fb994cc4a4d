package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"readTimeout"`
		WriteTimeout time.Duration `yaml:"writeTimeout"`
		IdleTimeout  time.Duration `yaml:"idleTimeout"`
		MaxUploadMB  int64         `yaml:"maxUploadMB"`
		CORSOrigins  []string      `yaml:"corsOrigins"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // text (tint) or json
	} `yaml:"log"`

	Database struct {
		Driver   string `yaml:"driver"` // mysql, postgres, sqlite
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode"`
		Path     string `yaml:"path"` // sqlite file
	} `yaml:"database"`

	Repository struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"repository"`

	Blob struct {
		Driver  string        `yaml:"driver"` // minio or s3
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"blob"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	S3 struct {
		Bucket      string `yaml:"bucket"`
		Region      string `yaml:"region"`
		EndpointURL string `yaml:"endpointURL"`
		AccessKey   string `yaml:"accessKey"`
		SecretKey   string `yaml:"secretKey"`
	} `yaml:"s3"`

	Worker struct {
		URL     string        `yaml:"url"`
		Token   string        `yaml:"token"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"worker"`

	Outbox struct {
		Enabled     *bool         `yaml:"enabled"`
		Interval    time.Duration `yaml:"interval"`
		MaxAttempts int           `yaml:"maxAttempts"`
		BatchSize   int           `yaml:"batchSize"`
	} `yaml:"outbox"`

	Auth struct {
		UserTokens map[string]string `yaml:"userTokens"` // user id -> bearer token
		AdminKeys  map[string]string `yaml:"adminKeys"`  // name -> X-API-Key
	} `yaml:"auth"`

	RateLimit struct {
		Capacity        int `yaml:"capacity"`
		RefillPerSecond int `yaml:"refillPerSecond"`
	} `yaml:"rateLimit"`

	OpenAI struct {
		APIKey  string        `yaml:"apiKey"`
		Model   string        `yaml:"model"`
		BaseURL string        `yaml:"baseURL"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"openai"`

	Sentry struct {
		DSN         string `yaml:"dsn"`
		Environment string `yaml:"environment"`
	} `yaml:"sentry"`
}

// Load baca file config.yaml, lalu env override dan default
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyEnv overrides secrets from the environment so they stay out of the file.
func (c *Config) ApplyEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Database.Password, "DB_PASSWORD")
	set(&c.Minio.SecretKey, "MINIO_SECRET_KEY")
	set(&c.S3.SecretKey, "S3_SECRET_KEY")
	set(&c.Worker.Token, "WORKER_TOKEN")
	set(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	set(&c.Sentry.DSN, "SENTRY_DSN")
	set(&c.Sentry.Environment, "SENTRY_ENVIRONMENT")
}

func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = 20
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "data/intake.db"
	}
	if c.Database.Port == 0 {
		switch c.Database.Driver {
		case "mysql":
			c.Database.Port = 3306
		case "postgres":
			c.Database.Port = 5432
		}
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Repository.Timeout == 0 {
		c.Repository.Timeout = 5 * time.Second
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = "minio"
	}
	if c.Blob.Timeout == 0 {
		c.Blob.Timeout = 60 * time.Second
	}
	if c.Worker.Timeout == 0 {
		c.Worker.Timeout = 30 * time.Second
	}
	if c.Outbox.Enabled == nil {
		on := true
		c.Outbox.Enabled = &on
	}
	if c.Outbox.Interval == 0 {
		c.Outbox.Interval = 15 * time.Second
	}
	if c.Outbox.MaxAttempts == 0 {
		c.Outbox.MaxAttempts = 8
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 20
	}
	if c.OpenAI.Timeout == 0 {
		c.OpenAI.Timeout = 60 * time.Second
	}
	if c.Sentry.Environment == "" {
		c.Sentry.Environment = "development"
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "mysql", "postgres":
		if c.Database.Host == "" || c.Database.Name == "" {
			errs = append(errs, errors.New("database.host and database.name are required"))
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want mysql, postgres or sqlite", c.Database.Driver))
	}
	switch c.Blob.Driver {
	case "minio":
		if c.Minio.Endpoint == "" || c.Minio.BucketName == "" {
			errs = append(errs, errors.New("minio.endpoint and minio.bucketName are required"))
		}
	case "s3":
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3.bucket is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.driver %q: want minio or s3", c.Blob.Driver))
	}
	if c.Worker.URL == "" {
		errs = append(errs, errors.New("worker.url is required"))
	} else if u, err := url.Parse(c.Worker.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("worker.url %q must be an http(s) URL", c.Worker.URL))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	if c.Server.MaxUploadMB < 0 {
		errs = append(errs, errors.New("server.maxUploadMB must not be negative"))
	}
	return errors.Join(errs...)
}

// OutboxEnabled reports whether failed worker invocations are queued for retry.
func (c *Config) OutboxEnabled() bool {
	return c.Outbox.Enabled == nil || *c.Outbox.Enabled
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// PostgresDSN builds a lib/pq connection URL.
func (c *Config) PostgresDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Database.User, c.Database.Password),
		Host:     fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port),
		Path:     "/" + c.Database.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.Database.SSLMode),
	}
	return u.String()
}
