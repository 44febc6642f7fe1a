package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rodneydean/kaimosi-pay/config"
	"github.com/rodneydean/kaimosi-pay/internal/broker/kafka"
	"github.com/rodneydean/kaimosi-pay/internal/cache/rediscache"
	"github.com/rodneydean/kaimosi-pay/internal/integrations/mpesa"
	"github.com/rodneydean/kaimosi-pay/internal/integrations/mpesa/darajahttp"
	"github.com/rodneydean/kaimosi-pay/internal/integrations/mpesa/sandbox"
	"github.com/rodneydean/kaimosi-pay/internal/services/sweeper"
	"github.com/rodneydean/kaimosi-pay/internal/storage/pgpayments"
	"golang.org/x/sync/errgroup"
)

type workerFactories struct {
	newStorage     func(cfg *config.Config) (repo sweeper.Repository, closeFn func(), err error)
	newProducer    func(cfg *config.Config) sweeper.Producer
	newRateLimiter func(cfg *config.Config) sweeper.RateLimiter
	newGateway     func(cfg *config.Config) mpesa.Client
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (sweeper.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgpayments.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) sweeper.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) sweeper.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newGateway: func(cfg *config.Config) mpesa.Client {
			if cfg.Payments.Mode == "mpesa" {
				return darajahttp.New(darajahttp.Options{
					BaseURL:        cfg.Payments.MpesaBaseURL,
					ConsumerKey:    cfg.Payments.MpesaConsumerKey,
					ConsumerSecret: cfg.Payments.MpesaConsumerSecret,
					ShortCode:      cfg.Payments.MpesaShortCode,
					Passkey:        cfg.Payments.MpesaPasskey,
					CallbackURL:    cfg.Payments.MpesaCallbackURL,
				})
			}
			return sandbox.New(cfg.Payments.CallbackSecret)
		},
	}
}

// RunPayWorker runs the sweep loop, plus the operational HTTP server
// when httpOpts is non-nil, until ctx is cancelled.
func RunPayWorker(ctx context.Context, cfg *config.Config, f workerFactories, httpOpts *workerHTTPOpts) error {
	topic := cfg.Kafka.PaymentResultTopic
	if topic == "" {
		topic = "payments.result"
	}

	pollInterval := time.Duration(cfg.Payments.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	batchSize := cfg.Payments.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	concurrency := cfg.Payments.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	lease := time.Duration(cfg.Payments.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 120 * time.Second
	}
	rlPerMin := int64(cfg.Payments.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 60
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)
	rl := f.newRateLimiter(cfg)
	gateway := f.newGateway(cfg)

	s := sweeper.New(repo, gateway, producer, rl, topic).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin).
		WithPlanner(sweeper.PlannerConfig{
			PendingPollAfter: time.Duration(cfg.Payments.PendingPollAfterSeconds) * time.Second,
			Backoff1:         time.Duration(cfg.Payments.RetryBackoff1Seconds) * time.Second,
			Backoff2:         time.Duration(cfg.Payments.RetryBackoff2Seconds) * time.Second,
			Backoff3:         time.Duration(cfg.Payments.RetryBackoff3Seconds) * time.Second,
		})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Run(ctx) })
	if httpOpts != nil {
		opts := *httpOpts
		opts.sweeper = s
		g.Go(func() error { return runWorkerHTTPServer(ctx, opts) })
	}
	return g.Wait()
}
