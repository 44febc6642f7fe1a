package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  payment_result_topic: "payments.result"
  order_updated_topic_name: "orders.updated"
redis:
  host: "localhost"
  port: 6379
payments:
  http_addr: ":8080"
  kafka_consumer_group: "pay-api"
  order_ttl_seconds: 600
  mode: "sandbox"
  pending_poll_after_seconds: 120
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "payments.result", cfg.Kafka.PaymentResultTopic)
	require.Equal(t, "orders.updated", cfg.Kafka.OrderUpdatedTopicName)
	require.Equal(t, "sandbox", cfg.Payments.Mode)
	require.Equal(t, 120, cfg.Payments.PendingPollAfterSeconds)
}

func TestLoadConfig_FileMissing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate_MpesaNeedsCredentials(t *testing.T) {
	cfg := &Config{}
	cfg.Payments.Mode = "mpesa"
	require.Error(t, cfg.Validate())

	cfg.Payments.MpesaConsumerKey = "k"
	cfg.Payments.MpesaConsumerSecret = "s"
	require.Error(t, cfg.Validate())

	cfg.Payments.MpesaShortCode = "174379"
	cfg.Payments.MpesaPasskey = "passkey"
	require.Error(t, cfg.Validate())

	cfg.Payments.MpesaCallbackURL = "https://pay.example.com/v1/payments/callback"
	require.NoError(t, cfg.Validate())
}

func TestValidate_SandboxNeedsNothing(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())
	cfg.Payments.Mode = "sandbox"
	require.NoError(t, cfg.Validate())
	cfg.Payments.Mode = "paypal"
	require.Error(t, cfg.Validate())
}
