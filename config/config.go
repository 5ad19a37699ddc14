package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration. Every value has a local-dev
// default and can be overridden by an environment variable with the same
// name, dots replaced by underscores (e.g. DB_HOST, WEBHOOK_SECRET).
type Config struct {
	HTTPAddr string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisAddr string

	KafkaBrokers      []string
	AuctionTopic      string
	NotificationTopic string

	WebhookSecret     string
	WebhookMaxAge     time.Duration
	WebhookClockSkew  time.Duration
	WebhookRateLimit  int64
	WebhookRateWindow time.Duration

	FeeRateBps int64

	PaymentGatewayURL string
	PaymentGatewayKey string

	JaegerEndpoint string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.addr", ":8082")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "postgres")
	v.SetDefault("db.name", "marketplacedb")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.auction_topic", "auction_updates")
	v.SetDefault("kafka.notification_topic", "notifications")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.max_age", "5m")
	v.SetDefault("webhook.clock_skew", "30s")
	v.SetDefault("webhook.rate_limit", 100)
	v.SetDefault("webhook.rate_window", "1m")
	v.SetDefault("fee.rate_bps", 500)
	v.SetDefault("payment.gateway_url", "http://localhost:4242")
	v.SetDefault("payment.gateway_key", "")
	v.SetDefault("jaeger.endpoint", "http://localhost:14268/api/traces")

	cfg := &Config{
		HTTPAddr:          v.GetString("http.addr"),
		DBHost:            v.GetString("db.host"),
		DBPort:            v.GetString("db.port"),
		DBUser:            v.GetString("db.user"),
		DBPassword:        v.GetString("db.password"),
		DBName:            v.GetString("db.name"),
		DBSSLMode:         v.GetString("db.sslmode"),
		RedisAddr:         v.GetString("redis.addr"),
		KafkaBrokers:      strings.Split(v.GetString("kafka.brokers"), ","),
		AuctionTopic:      v.GetString("kafka.auction_topic"),
		NotificationTopic: v.GetString("kafka.notification_topic"),
		WebhookSecret:     v.GetString("webhook.secret"),
		WebhookMaxAge:     v.GetDuration("webhook.max_age"),
		WebhookClockSkew:  v.GetDuration("webhook.clock_skew"),
		WebhookRateLimit:  v.GetInt64("webhook.rate_limit"),
		WebhookRateWindow: v.GetDuration("webhook.rate_window"),
		FeeRateBps:        v.GetInt64("fee.rate_bps"),
		PaymentGatewayURL: v.GetString("payment.gateway_url"),
		PaymentGatewayKey: v.GetString("payment.gateway_key"),
		JaegerEndpoint:    v.GetString("jaeger.endpoint"),
	}

	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("WEBHOOK_SECRET must be set")
	}

	return cfg, nil
}

// DSN builds the Postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}
