package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cbrf-exchange/internal/app"
	"cbrf-exchange/internal/usecase"
	"cbrf-exchange/pkg/config"
	"cbrf-exchange/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(buildPricing).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildPricing(ctx context.Context, opts *rootOptions) (usecase.PricingUsecase, func(), error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configFile != "" {
		cfg, err = config.LoadConfigFrom(opts.configFile)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, nil, err
	}

	level := "warn"
	if opts.debug {
		level = "debug"
	}
	log := logger.Init(level, cfg.Log.Format)
	log.SetOutput(os.Stderr)

	a, err := app.New(ctx, cfg, prometheus.NewRegistry(), log)
	if err != nil {
		return nil, nil, err
	}
	return a.Pricing, a.Close, nil
}
