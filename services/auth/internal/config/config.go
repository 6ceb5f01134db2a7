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

// ConfigPath is the default config location, overridable with CONFIG_PATH.
var ConfigPath = envOr("CONFIG_PATH", "config.yaml")

// Mail transports the auth service can hand activation mail to.
const (
	MailTransportRedis = "redis"
	MailTransportAMQP  = "amqp"
	MailTransportSMTP  = "smtp"

	DefaultMailStream = "booknetwork:mail"
	DefaultAMQPQueue  = "booknetwork.mail"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                         string   `yaml:"port"`
	DatabaseURL                  string   `yaml:"databaseURL"`
	RedisAddr                    string   `yaml:"redisAddr"`
	RedisPassword                string   `yaml:"redisPassword"`
	LogLevel                     string   `yaml:"logLevel"`
	SessionTTL                   string   `yaml:"sessionTTL"`
	JWTPrivateKeyPath            string   `yaml:"jwtPrivateKeyPath"`
	JWTPublicKeyPath             string   `yaml:"jwtPublicKeyPath"`
	JWTKeyID                     string   `yaml:"jwtKeyId"`
	JWTVerifyPublicKeys          string   `yaml:"jwtVerifyPublicKeys"`
	JWTIssuer                    string   `yaml:"jwtIssuer"`
	JWTAudience                  string   `yaml:"jwtAudience"`
	JWTLeeway                    string   `yaml:"jwtLeeway"`
	ActivationURL                string   `yaml:"activationURL"`
	ActivationCodeLength         int      `yaml:"activationCodeLength"`
	ActivationResendCooldown     string   `yaml:"activationResendCooldown"`
	MailTransport                string   `yaml:"mailTransport"`
	MailStream                   string   `yaml:"mailStream"`
	AMQPURL                      string   `yaml:"amqpURL"`
	AMQPQueue                    string   `yaml:"amqpQueue"`
	SMTPHost                     string   `yaml:"smtpHost"`
	SMTPPort                     int      `yaml:"smtpPort"`
	SMTPUsername                 string   `yaml:"smtpUsername"`
	SMTPPassword                 string   `yaml:"smtpPassword"`
	SMTPFrom                     string   `yaml:"smtpFrom"`
	SMTPConcurrency              int      `yaml:"smtpConcurrency"`
	RegisterRateLimitPerMinute   int      `yaml:"registerRateLimitPerMinute"`
	LoginRateLimitPerMinute      int      `yaml:"loginRateLimitPerMinute"`
	ActivationRateLimitPerMinute int      `yaml:"activationRateLimitPerMinute"`
	TrustedProxies               []string `yaml:"trustedProxies"`
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
	overrideString(&cfg.Port, "PORT")
	overrideString(&cfg.DatabaseURL, "DATABASE_URL")
	overrideString(&cfg.RedisAddr, "REDIS_ADDR")
	overrideString(&cfg.RedisPassword, "REDIS_PASSWORD")
	overrideString(&cfg.LogLevel, "LOG_LEVEL")
	overrideString(&cfg.SessionTTL, "AUTH_SESSION_TTL")
	overrideString(&cfg.JWTPrivateKeyPath, "JWT_PRIVATE_KEY_PATH")
	overrideString(&cfg.JWTPublicKeyPath, "JWT_PUBLIC_KEY_PATH")
	overrideString(&cfg.JWTKeyID, "JWT_KEY_ID")
	overrideString(&cfg.JWTVerifyPublicKeys, "JWT_VERIFY_PUBLIC_KEYS")
	overrideString(&cfg.JWTIssuer, "JWT_ISSUER")
	overrideString(&cfg.JWTAudience, "JWT_AUDIENCE")
	overrideString(&cfg.JWTLeeway, "JWT_LEEWAY")
	overrideString(&cfg.ActivationURL, "AUTH_ACTIVATION_URL")
	overrideString(&cfg.ActivationResendCooldown, "AUTH_ACTIVATION_RESEND_COOLDOWN")
	overrideString(&cfg.MailTransport, "MAIL_TRANSPORT")
	overrideString(&cfg.MailStream, "MAIL_STREAM")
	overrideString(&cfg.AMQPURL, "AMQP_URL")
	overrideString(&cfg.AMQPQueue, "AMQP_QUEUE")
	overrideString(&cfg.SMTPHost, "SMTP_HOST")
	overrideString(&cfg.SMTPUsername, "SMTP_USERNAME")
	overrideString(&cfg.SMTPPassword, "SMTP_PASSWORD")
	overrideString(&cfg.SMTPFrom, "SMTP_FROM")
	overrideInt(&cfg.SMTPPort, "SMTP_PORT")
	overrideInt(&cfg.ActivationCodeLength, "AUTH_ACTIVATION_CODE_LENGTH")
	overrideInt(&cfg.RegisterRateLimitPerMinute, "AUTH_REGISTER_RATE_LIMIT_PER_MINUTE")
	overrideInt(&cfg.LoginRateLimitPerMinute, "AUTH_LOGIN_RATE_LIMIT_PER_MINUTE")
	overrideInt(&cfg.ActivationRateLimitPerMinute, "AUTH_ACTIVATION_RATE_LIMIT_PER_MINUTE")
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = strings.Split(v, ",")
	}
	cfg.MailTransport = strings.ToLower(strings.TrimSpace(cfg.MailTransport))
	if cfg.MailTransport == "" {
		cfg.MailTransport = MailTransportRedis
	}
	if strings.TrimSpace(cfg.MailStream) == "" {
		cfg.MailStream = DefaultMailStream
	}
	if strings.TrimSpace(cfg.AMQPQueue) == "" {
		cfg.AMQPQueue = DefaultAMQPQueue
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for token revocation and rate limiting")
	}
	if cfg.JWTPrivateKeyPath == "" {
		return errors.New("config: jwtPrivateKeyPath is required (set JWT_PRIVATE_KEY_PATH)")
	}
	switch cfg.MailTransport {
	case MailTransportRedis:
	case MailTransportAMQP:
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return errors.New("config: amqpURL is required when mailTransport is amqp")
		}
	case MailTransportSMTP:
		if strings.TrimSpace(cfg.SMTPHost) == "" || strings.TrimSpace(cfg.SMTPFrom) == "" {
			return errors.New("config: smtpHost and smtpFrom are required when mailTransport is smtp")
		}
	default:
		return fmt.Errorf("config: unknown mailTransport %q", cfg.MailTransport)
	}
	if cfg.ActivationCodeLength < 0 || cfg.ActivationCodeLength > 12 {
		return errors.New("config: activationCodeLength must be between 1 and 12")
	}
	if cfg.RegisterRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 || cfg.ActivationRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

// ParseDuration parses an optional duration field; empty yields 0.
func ParseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", field, err)
	}
	return dur, nil
}

// ParseVerifyPublicKeys parses "kid=path,kid2=path2" into a map.
func ParseVerifyPublicKeys(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	pairs := strings.Split(raw, ",")
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid jwtVerifyPublicKeys entry %q", pair)
		}
		kid := strings.TrimSpace(parts[0])
		path := strings.TrimSpace(parts[1])
		if kid == "" || path == "" {
			return nil, fmt.Errorf("invalid jwtVerifyPublicKeys entry %q", pair)
		}
		out[kid] = path
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
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
