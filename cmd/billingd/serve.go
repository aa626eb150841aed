package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billingkit/pkg/alert"
	"github.com/dmitrymomot/billingkit/pkg/billinghttp"
	"github.com/dmitrymomot/billingkit/pkg/httpserver"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/metrics"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

func newServeCmd(envFiles *[]string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*envFiles)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			logger.SetAsDefault(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg appConfig, log *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, true, log)
	if err != nil {
		return err
	}
	defer closeStore()

	collector := metrics.New()
	alerter, err := newAlerter(cfg, log)
	if err != nil {
		return err
	}

	opts := billinghttp.RouterOptions{
		UserID: billinghttp.UserFromHeader(cfg.UserHeader),
		Logger: log,
	}
	if p, ok := store.(subscription.Pinger); ok {
		opts.Checks = append(opts.Checks, httpserver.Check{Name: cfg.Store, Fn: p.Ping})
	}

	svcOpts := []subscription.ServiceOption{
		subscription.WithObserver(collector),
		subscription.WithAlerter(alerter),
	}
	if cfg.Stripe.Enabled() {
		svc, err := stripeService(cfg.Stripe, store, log, svcOpts...)
		if err != nil {
			return err
		}
		opts.Stripe = svc
	}
	if cfg.Paddle.Enabled() {
		svc, err := paddleService(cfg.Paddle, store, log, svcOpts...)
		if err != nil {
			return err
		}
		opts.Paddle = svc
	}
	if opts.Stripe == nil && opts.Paddle == nil {
		log.WarnContext(ctx, "No billing provider configured; webhook endpoints are disabled")
	}

	gateOpts := []subscription.GateOption{
		subscription.WithGateLogger(log.With(logger.Component("gate"))),
		subscription.WithGateObserver(collector),
	}
	if cfg.HardLimit {
		gateOpts = append(gateOpts, subscription.WithHardLimit())
	}
	opts.Gate = subscription.NewGate(store, gateOpts...)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		metricsSrv := httpserver.New(
			httpserver.WithAddr(cfg.MetricsAddr),
			httpserver.WithLogger(log.With(logger.Component("metrics"))),
		)
		g.Go(func() error { return metricsSrv.Run(ctx, collector.Handler()) })
	} else {
		opts.Metrics = collector.Handler()
	}

	srv := httpserver.NewFromConfig(cfg.HTTP, httpserver.WithLogger(log.With(logger.Component("http"))))
	router := billinghttp.Router(opts)
	g.Go(func() error { return srv.Run(ctx, router) })

	return g.Wait()
}

func stripeService(cfg subscription.StripeConfig, store subscription.Store, log *slog.Logger, opts ...subscription.ServiceOption) (*subscription.Service, error) {
	verifier, err := subscription.NewStripeVerifier(cfg)
	if err != nil {
		return nil, err
	}
	periods, err := subscription.NewStripePeriodFetcher(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, subscription.WithLogger(log.With(logger.Provider(subscription.ProviderStripe))))
	return subscription.NewService(verifier, periods, store, opts...), nil
}

func paddleService(cfg subscription.PaddleConfig, store subscription.Store, log *slog.Logger, opts ...subscription.ServiceOption) (*subscription.Service, error) {
	verifier, err := subscription.NewPaddleVerifier(cfg)
	if err != nil {
		return nil, err
	}
	periods, err := subscription.NewPaddlePeriodFetcher(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, subscription.WithLogger(log.With(logger.Provider(subscription.ProviderPaddle))))
	return subscription.NewService(verifier, periods, store, opts...), nil
}

// newAlerter always logs incidents and also e-mails them when Postmark
// is configured.
func newAlerter(cfg appConfig, log *slog.Logger) (subscription.Alerter, error) {
	logAlerter := alert.NewLogAlerter(log.With(logger.Component("alert")))
	if !cfg.Alert.Enabled() {
		return logAlerter, nil
	}
	pm, err := alert.NewPostmarkAlerter(cfg.Alert)
	if err != nil {
		return nil, err
	}
	return alert.Multi(logAlerter, pm), nil
}
