package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Payments PaymentsConfig `yaml:"payments"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	PaymentResultTopic    string `yaml:"payment_result_topic"`
	OrderUpdatedTopicName string `yaml:"order_updated_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type PaymentsConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`
	OrderTTLSeconds    int    `yaml:"order_ttl_seconds"`

	// Gateway selection: "sandbox" (in-memory simulator) or "mpesa" (Daraja).
	Mode string `yaml:"mode"`

	MpesaBaseURL        string `yaml:"mpesa_base_url"`
	MpesaConsumerKey    string `yaml:"mpesa_consumer_key"`
	MpesaConsumerSecret string `yaml:"mpesa_consumer_secret"`
	MpesaShortCode      string `yaml:"mpesa_short_code"`
	MpesaPasskey        string `yaml:"mpesa_passkey"`
	MpesaCallbackURL    string `yaml:"mpesa_callback_url"`

	// Shared secret for HMAC verification of inbound callbacks.
	// Empty disables the check (the provider sandbox cannot sign).
	CallbackSecret string `yaml:"callback_secret"`

	WorkerHTTPAddr            string `yaml:"worker_http_addr"`
	WorkerPollIntervalSeconds int    `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int    `yaml:"worker_batch_size"`
	WorkerConcurrency         int    `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int    `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int    `yaml:"worker_rate_limit_per_minute"`

	// A PENDING payment with no callback after this window is polled
	// once via the status query before being declared failed.
	PendingPollAfterSeconds int `yaml:"pending_poll_after_seconds"`

	// Retry backoff schedule (optional overrides).
	RetryBackoff1Seconds int `yaml:"retry_backoff_1_seconds"`
	RetryBackoff2Seconds int `yaml:"retry_backoff_2_seconds"`
	RetryBackoff3Seconds int `yaml:"retry_backoff_3_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

// Validate checks settings that must be fatal at startup rather than
// per-request: mpesa mode is unusable without provider credentials.
func (c *Config) Validate() error {
	switch c.Payments.Mode {
	case "", "sandbox":
		return nil
	case "mpesa":
		p := c.Payments
		if p.MpesaConsumerKey == "" || p.MpesaConsumerSecret == "" {
			return fmt.Errorf("payments: mpesa mode requires consumer key and secret")
		}
		if p.MpesaShortCode == "" || p.MpesaPasskey == "" {
			return fmt.Errorf("payments: mpesa mode requires short code and passkey")
		}
		if p.MpesaCallbackURL == "" {
			return fmt.Errorf("payments: mpesa mode requires a callback URL")
		}
		return nil
	default:
		return fmt.Errorf("payments: unknown mode %q", c.Payments.Mode)
	}
}
