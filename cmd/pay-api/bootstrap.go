package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rodneydean/kaimosi-pay/config"
	"github.com/rodneydean/kaimosi-pay/internal/broker/kafka"
	"github.com/rodneydean/kaimosi-pay/internal/cache/rediscache"
	"github.com/rodneydean/kaimosi-pay/internal/integrations/mpesa"
	"github.com/rodneydean/kaimosi-pay/internal/integrations/mpesa/darajahttp"
	"github.com/rodneydean/kaimosi-pay/internal/integrations/mpesa/sandbox"
	"github.com/rodneydean/kaimosi-pay/internal/services/checkout"
	"github.com/rodneydean/kaimosi-pay/internal/storage/pgpayments"
)

type payAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     payAPIOpts
	svc      *checkout.Service
	sbx      *sandbox.Gateway
	consumer *kafka.Consumer
	closeDB  func()
}

func mustBootstrapPayAPI() *payAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("failed to parse config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	httpAddr := cfg.Payments.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.Payments.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "pay-api"
	}
	resultTopic := cfg.Kafka.PaymentResultTopic
	if resultTopic == "" {
		resultTopic = "payments.result"
	}
	orderTopic := cfg.Kafka.OrderUpdatedTopicName
	if orderTopic == "" {
		orderTopic = "orders.updated"
	}
	orderTTL := time.Duration(cfg.Payments.OrderTTLSeconds) * time.Second
	if orderTTL <= 0 {
		orderTTL = 10 * time.Minute
	}
	pendingPollAfter := time.Duration(cfg.Payments.PendingPollAfterSeconds) * time.Second
	if pendingPollAfter <= 0 {
		pendingPollAfter = 2 * time.Minute
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	consumer := kafka.NewConsumer(brokers, resultTopic, consumerGroup)

	gateway, sbx := newGateway(cfg)

	svc := checkout.New(st, gateway, rc, producer, nil, checkout.Options{
		OrderTopic:       orderTopic,
		CallbackSecret:   cfg.Payments.CallbackSecret,
		OrderTTL:         orderTTL,
		PendingPollAfter: pendingPollAfter,
		RetryBackoff:     retryBackoff(cfg),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &payAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: payAPIOpts{
			httpAddr:      httpAddr,
			swaggerPath:   swaggerPath,
			topic:         resultTopic,
			consumerGroup: consumerGroup,
		},
		svc:      svc,
		sbx:      sbx,
		consumer: consumer,
		closeDB:  st.Close,
	}
}

// newGateway returns the configured provider client. In sandbox mode
// the gateway instance doubles as the callback generator the sandbox
// API routes use.
func newGateway(cfg *config.Config) (mpesa.Client, *sandbox.Gateway) {
	if cfg.Payments.Mode == "mpesa" {
		return darajahttp.New(darajahttp.Options{
			BaseURL:        cfg.Payments.MpesaBaseURL,
			ConsumerKey:    cfg.Payments.MpesaConsumerKey,
			ConsumerSecret: cfg.Payments.MpesaConsumerSecret,
			ShortCode:      cfg.Payments.MpesaShortCode,
			Passkey:        cfg.Payments.MpesaPasskey,
			CallbackURL:    cfg.Payments.MpesaCallbackURL,
		}), nil
	}
	sbx := sandbox.New(cfg.Payments.CallbackSecret)
	return sbx, sbx
}

func retryBackoff(cfg *config.Config) []time.Duration {
	p := cfg.Payments
	if p.RetryBackoff1Seconds <= 0 && p.RetryBackoff2Seconds <= 0 && p.RetryBackoff3Seconds <= 0 {
		return nil
	}
	out := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
	if p.RetryBackoff1Seconds > 0 {
		out[0] = time.Duration(p.RetryBackoff1Seconds) * time.Second
	}
	if p.RetryBackoff2Seconds > 0 {
		out[1] = time.Duration(p.RetryBackoff2Seconds) * time.Second
	}
	if p.RetryBackoff3Seconds > 0 {
		out[2] = time.Duration(p.RetryBackoff3Seconds) * time.Second
	}
	return out
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgpayments.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgpayments.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *payAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *payAPIApp) Run() error {
	return runPayAPI(a.ctx, a.opts, a.svc, a.sbx, a.consumer)
}
