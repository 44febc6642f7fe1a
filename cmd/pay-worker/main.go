package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rodneydean/kaimosi-pay/config"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("failed to parse config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	httpOpts := &workerHTTPOpts{
		httpAddr:    cfg.Payments.WorkerHTTPAddr,
		swaggerPath: os.Getenv("swaggerPath"),
		cfg:         cfg,
	}

	if err := RunPayWorker(ctx, cfg, defaultWorkerFactories(), httpOpts); err != nil && err != context.Canceled {
		panic(err)
	}
}
