// Package main is the long-running skyhook relay.
//
// It follows watched accounts on the Jetstream firehose, renders their new
// posts as Discord embeds and fans them out to every registered webhook.
// The same process serves the registration API and, when configured, the
// author-feed poller and an in-process consumer for the delivery queue.
//
// Startup:
//  1. Load configuration and build the logger.
//  2. Connect to Postgres and apply the schema.
//  3. Build the registry, the Bluesky and Discord clients and the webhook
//     channel.
//  4. Build the delivery engine (immediate or queued) and the dispatcher.
//  5. Build the Jetstream subscriber and seed it with the watched accounts.
//  6. Run every component under one errgroup until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"skyhook/internal/api/handlers"
	"skyhook/internal/config"
	"skyhook/internal/core"
	"skyhook/internal/db"
	"skyhook/internal/dispatch"
	"skyhook/internal/external"
	"skyhook/internal/jetstream"
	"skyhook/internal/logging"
	notify "skyhook/internal/notifications/core"
	"skyhook/internal/notifications/webhook"
	"skyhook/internal/queue"
	"skyhook/internal/registry"
	"skyhook/internal/scheduler"
	"skyhook/internal/types"
)

// consumerErrorDelay is how long the in-process consumer waits after a
// failed receive.
const consumerErrorDelay = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(nil)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := logging.New(cfg.LogLevel).With("service", cfg.Service)
	logger.Info("skyhook relay starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"delivery_mode", string(cfg.Delivery.Mode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, &cfg.Database, logging.Adapt(logger))
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.Database.MigrateOnStart {
		if err := db.Migrate(ctx, pool); err != nil {
			return err
		}
	}

	r, err := build(ctx, cfg, logger, pool)
	if err != nil {
		return err
	}
	return r.run(ctx)
}

// relay holds the assembled long-running components.
type relay struct {
	logger     *slog.Logger
	addr       string
	server     *core.Server
	dispatcher *dispatch.Dispatcher
	subscriber *jetstream.Subscriber
	poller     *scheduler.FeedPoller
	consumer   *queue.Consumer
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool) (*relay, error) {
	log := logging.Adapt(logger)

	webhooks := db.NewWebhookRepository(pool)
	reg := registry.New(webhooks, log.With("component", "registry"))

	bluesky := external.NewBlueskyClient(&cfg.Bluesky, log.With("component", "bluesky"))
	discord := external.NewDiscordClient(&cfg.Discord, log.With("component", "discord"))

	channel, err := webhook.NewChannel(&cfg.Discord, log.With("component", "webhook"))
	if err != nil {
		return nil, fmt.Errorf("webhook channel: %w", err)
	}

	clients, err := newAWSClients(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var publisher notify.Publisher
	if cfg.Delivery.Mode == types.DeliveryModeQueued {
		publisher = notify.NewSQSPublisher(clients.sqs, cfg.Delivery.QueueURL, log.With("component", "publisher"))
	}
	metrics := newMetrics(cfg, clients, log)

	engine, err := notify.NewEngine(notify.EngineConfig{
		Mode:        cfg.Delivery.Mode,
		Concurrency: cfg.Delivery.Concurrency,
	}, channel, reg, publisher, metrics, log.With("component", "engine"))
	if err != nil {
		return nil, err
	}

	dispatcher := dispatch.New(reg, bluesky, engine, log.With("component", "dispatcher"))

	subscriber, err := jetstream.NewSubscriber(&cfg.Jetstream, dispatcher, log.With("component", "jetstream"))
	if err != nil {
		return nil, fmt.Errorf("jetstream subscriber: %w", err)
	}
	dispatcher.SetWatchSink(subscriber)

	r := &relay{
		logger:     logger,
		addr:       net.JoinHostPort("", cfg.Server.Port),
		dispatcher: dispatcher,
		subscriber: subscriber,
	}

	if cfg.Poller.Enabled {
		r.poller = scheduler.NewFeedPoller(cfg.Poller, bluesky, db.NewCheckpointRepository(pool),
			reg, dispatcher, log.With("component", "poller"))
	}

	if cfg.Delivery.Mode == types.DeliveryModeQueued && cfg.Delivery.ConsumeInProcess {
		processor := notify.NewBatchProcessor(notify.BatchConfig{
			GroupSize:   cfg.Delivery.GroupSize,
			Pause:       cfg.Delivery.BatchPause,
			Concurrency: cfg.Delivery.Concurrency,
			Retry:       notify.NewRetryPolicy(cfg.Delivery.Retry),
		}, channel, reg, publisher, metrics, log.With("component", "batch"))
		r.consumer = queue.NewConsumer(clients.sqs, processor, queue.ConsumerConfig{
			QueueURL:   cfg.Delivery.QueueURL,
			BatchSize:  cfg.Delivery.ReceiveBatchSize,
			WaitTime:   cfg.Delivery.ReceiveWait,
			ErrorDelay: consumerErrorDelay,
		}, log.With("component", "consumer"))
	}

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	api := handlers.NewWebhookHandler(webhooks, reg, discord, bluesky, dispatcher,
		srv.Validator, logger, cfg.Server.ProjectURL)
	srv.RouteRegistrars = []func(chi.Router){api.RegisterRoutes}
	srv.HealthProbes = []core.HealthProbe{core.DatabaseProbe{DB: pool}}
	srv.MountRoutes()
	r.server = srv

	return r, nil
}

// run seeds the firehose filter and blocks until ctx is cancelled or a
// component fails.
func (r *relay) run(ctx context.Context) error {
	if err := r.dispatcher.RefreshWatchList(ctx); err != nil {
		return fmt.Errorf("initial watch list: %w", err)
	}
	r.logger.Info("watching accounts", "count", len(r.subscriber.WantedDIDs()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.server.ListenAndServe(ctx, r.addr) })
	g.Go(func() error { return ignoreCancel(r.subscriber.Start(ctx)) })
	if r.poller != nil {
		g.Go(func() error { return ignoreCancel(r.poller.Run(ctx)) })
	}
	if r.consumer != nil {
		g.Go(func() error { return ignoreCancel(r.consumer.Run(ctx)) })
	}

	err := g.Wait()
	r.logger.Info("skyhook relay stopped", "cursor", r.subscriber.Cursor())
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type awsClients struct {
	sqs        *sqs.Client
	cloudwatch *cloudwatch.Client
}

// newAWSClients returns nil clients when neither queued delivery nor
// metrics need AWS, so local runs do not require credentials.
func newAWSClients(ctx context.Context, cfg *config.Config) (awsClients, error) {
	if cfg.Delivery.Mode != types.DeliveryModeQueued && !cfg.Observability.EnableMetrics {
		return awsClients{}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return awsClients{}, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := cfg.AWS.EndpointURL
	return awsClients{
		sqs: sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}),
		cloudwatch: cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}),
	}, nil
}

func newMetrics(cfg *config.Config, clients awsClients, log types.Logger) notify.DeliveryMetrics {
	if !cfg.Observability.EnableMetrics || clients.cloudwatch == nil {
		return notify.NopMetrics{}
	}
	return notify.NewCloudWatchMetrics(clients.cloudwatch, cfg.Observability.MetricNamespace, log.With("component", "metrics"))
}
