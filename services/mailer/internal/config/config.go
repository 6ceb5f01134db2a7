package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable with CONFIG_PATH.
var ConfigPath = envOr("CONFIG_PATH", "config.yaml")

const (
	MailTransportRedis = "redis"
	MailTransportAMQP  = "amqp"

	DefaultMailStream = "booknetwork:mail"
	DefaultMailGroup  = "mailer"
	DefaultAMQPQueue  = "booknetwork.mail"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	LogLevel      string `yaml:"logLevel"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	MailTransport string `yaml:"mailTransport"`
	MailStream    string `yaml:"mailStream"`
	MailGroup     string `yaml:"mailGroup"`
	AMQPURL       string `yaml:"amqpURL"`
	AMQPQueue     string `yaml:"amqpQueue"`
	SMTPHost      string `yaml:"smtpHost"`
	SMTPPort      int    `yaml:"smtpPort"`
	SMTPUsername  string `yaml:"smtpUsername"`
	SMTPPassword  string `yaml:"smtpPassword"`
	SMTPFrom      string `yaml:"smtpFrom"`
	Concurrency   int    `yaml:"concurrency"`
	MaxRetries    int    `yaml:"maxRetries"`
	HealthPort    string `yaml:"healthPort"`
}

// Load reads config from path (defaults to ConfigPath).
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
	// Override with environment variables
	overrideString(&cfg.LogLevel, "LOG_LEVEL")
	overrideString(&cfg.RedisAddr, "REDIS_ADDR")
	overrideString(&cfg.RedisPassword, "REDIS_PASSWORD")
	overrideString(&cfg.MailTransport, "MAIL_TRANSPORT")
	overrideString(&cfg.MailStream, "MAIL_STREAM")
	overrideString(&cfg.MailGroup, "MAIL_GROUP")
	overrideString(&cfg.AMQPURL, "AMQP_URL")
	overrideString(&cfg.AMQPQueue, "AMQP_QUEUE")
	overrideString(&cfg.SMTPHost, "SMTP_HOST")
	overrideString(&cfg.SMTPUsername, "SMTP_USERNAME")
	overrideString(&cfg.SMTPPassword, "SMTP_PASSWORD")
	overrideString(&cfg.SMTPFrom, "SMTP_FROM")
	overrideString(&cfg.HealthPort, "HEALTH_PORT")
	overrideInt(&cfg.SMTPPort, "SMTP_PORT")
	overrideInt(&cfg.Concurrency, "MAILER_CONCURRENCY")
	overrideInt(&cfg.MaxRetries, "MAILER_MAX_RETRIES")

	cfg.MailTransport = strings.ToLower(strings.TrimSpace(cfg.MailTransport))
	if cfg.MailTransport == "" {
		cfg.MailTransport = MailTransportRedis
	}
	if strings.TrimSpace(cfg.MailStream) == "" {
		cfg.MailStream = DefaultMailStream
	}
	if strings.TrimSpace(cfg.MailGroup) == "" {
		cfg.MailGroup = DefaultMailGroup
	}
	if strings.TrimSpace(cfg.AMQPQueue) == "" {
		cfg.AMQPQueue = DefaultAMQPQueue
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	switch cfg.MailTransport {
	case MailTransportRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required when mailTransport is redis")
		}
	case MailTransportAMQP:
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return errors.New("config: amqpURL is required when mailTransport is amqp")
		}
	default:
		return fmt.Errorf("config: unknown mailTransport %q", cfg.MailTransport)
	}
	if strings.TrimSpace(cfg.SMTPHost) == "" {
		return errors.New("config: smtpHost is required (set in config.yaml or SMTP_HOST)")
	}
	if strings.TrimSpace(cfg.SMTPFrom) == "" {
		return errors.New("config: smtpFrom is required (set in config.yaml or SMTP_FROM)")
	}
	if cfg.SMTPPort < 0 || cfg.SMTPPort > 65535 {
		return errors.New("config: smtpPort must be between 0 and 65535")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("config: maxRetries must be >= 0")
	}
	return nil
}

func overrideString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
