// RelayMesh producer
//
// Runs the transactional outbox pipeline: HTTP intake, periodic dispatch
// to the broker, retry scan, cleanup, and the agent registry.
package main

import (
	"context"
	"encoding/json"
	"os"

	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/jmoiron/sqlx/types"

	"go.relaymesh.tech/internal/broker"
	kafkabroker "go.relaymesh.tech/internal/broker/kafka"
	natsbroker "go.relaymesh.tech/internal/broker/nats"
	"go.relaymesh.tech/internal/common/health"
	"go.relaymesh.tech/internal/common/httpserver"
	"go.relaymesh.tech/internal/common/leader"
	"go.relaymesh.tech/internal/common/lifecycle"
	"go.relaymesh.tech/internal/common/postgres"
	"go.relaymesh.tech/internal/config"
	"go.relaymesh.tech/internal/outbox"
	"go.relaymesh.tech/internal/producer/api"
	"go.relaymesh.tech/internal/registry"
	"go.relaymesh.tech/internal/scheduler"
	"go.relaymesh.tech/internal/topic"
)

var version = "dev"

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("RELAYMESH_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.Load(config.RoleProducer)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting RelayMesh producer",
		"version", version,
		"serviceId", cfg.Identity.ServiceID,
		"instanceId", cfg.Identity.InstanceID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	outboxRepo := outbox.NewPostgresRepository(db)
	topicRepo := topic.NewPostgresRepository(db)
	agentRepo := registry.NewPostgresRepository(db)
	for name, create := range map[string]func(context.Context) error{
		"outbox":   outboxRepo.CreateSchema,
		"topics":   topicRepo.CreateSchema,
		"registry": agentRepo.CreateSchema,
	} {
		if err := create(ctx); err != nil {
			slog.Error("Failed to create schema", "schema", name, "error", err)
			os.Exit(1)
		}
	}

	topics := topic.NewRegistry(topicRepo)
	if err := topics.Seed(ctx); err != nil {
		slog.Error("Failed to seed topic registry", "error", err)
		os.Exit(1)
	}

	// Broker
	conn, err := connectBroker(ctx, cfg)
	if err != nil {
		slog.Error("Failed to connect to broker", "type", cfg.Broker.Type, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	// Core pipeline
	submitter := outbox.NewSubmitter(outboxRepo, topics, cfg.Identity.ServiceID, cfg.Identity.InstanceID, &outbox.IntakeConfig{
		MaxBatchSize:  cfg.Batch.MaxBatchSize,
		FlushInterval: cfg.Batch.FlushInterval,
		QueueCapacity: cfg.Batch.QueueCapacity,
	})
	dispatcher := outbox.NewDispatcher(outboxRepo, conn.Publisher(), cfg.Identity.ServiceID, &outbox.DispatcherConfig{
		BatchSize:   cfg.Dispatch.BatchSize,
		PublishRate: cfg.Dispatch.PublishRate,
	})
	cleaner := outbox.NewCleaner(outboxRepo, cfg.Dispatch.Retention)
	ackService := outbox.NewAckService(outboxRepo)

	agents := registry.NewService(agentRepo, &registry.ServiceConfig{
		StalenessThreshold:   cfg.Registry.StalenessThreshold,
		TerminationThreshold: cfg.Registry.TerminationThreshold,
	})

	// The retry scan asks the registry for the healthiest consumer in
	// each group so retries land on instances that can take them
	retrier := outbox.NewRetrier(outboxRepo, topics, agents, cfg.Identity.ServiceID, &outbox.RetrierConfig{
		AckTimeout: cfg.Dispatch.AckTimeout,
		MaxRetries: cfg.Dispatch.MaxRetries,
		BatchSize:  cfg.Dispatch.BatchSize,
	})

	// Leader election (optional, multi-instance producers)
	var elector *leader.Elector
	if cfg.Leader.Enabled {
		opts, err := redis.ParseURL(cfg.Leader.RedisURL)
		if err != nil {
			slog.Error("Invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		elector = leader.NewElector(redis.NewClient(opts), &leader.ElectorConfig{
			InstanceID:      cfg.Identity.InstanceID,
			LockName:        "relaymesh:producer-leader",
			TTL:             cfg.Leader.TTL,
			RefreshInterval: cfg.Leader.RefreshInterval,
		})
		if err := elector.Start(ctx); err != nil {
			slog.Error("Failed to start leader election", "error", err)
			os.Exit(1)
		}
		defer elector.Stop()
	}

	// Runtime stats for the self-heartbeat
	collector := health.NewCollector().WithPendingCount(func(ctx context.Context) (int64, error) {
		return outboxRepo.CountPending(ctx, cfg.Identity.ServiceID)
	})

	// Periodic jobs. Retry scan and cleanup mutate shared rows, so only
	// the leader runs them when election is active.
	jobs := scheduler.New()
	if elector != nil {
		jobs.WithLeaderGate(elector.IsPrimary)
	}
	jobs.Add("dispatch", cfg.Dispatch.PollInterval, dispatcher.DispatchPending)
	jobs.AddLeaderOnly("retry-scan", cfg.Dispatch.RetryInterval, retrier.Scan)
	jobs.AddLeaderOnly("cleanup", cfg.Dispatch.CleanupInterval, cleaner.Clean)
	jobs.AddLeaderOnly("registry-gc", cfg.Registry.HeartbeatInterval, agents.GC)
	jobs.Add("self-heartbeat", cfg.Registry.HeartbeatInterval, func(ctx context.Context) error {
		stats := collector.Collect(ctx)
		raw, _ := json.Marshal(stats)
		return agents.RecordHeartbeat(ctx, &registry.Heartbeat{
			ServiceID:            cfg.Identity.ServiceID,
			InstanceID:           cfg.Identity.InstanceID,
			HealthStatus:         registry.HealthHealthy,
			Stats:                types.JSONText(raw),
			PendingMessagesCount: stats.PendingMessagesCount,
		})
	})

	// Health checks
	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	checker.Register("broker", conn.Ping)
	checker.Register("intake", func(ctx context.Context) error {
		return submitter.Health()
	})

	// HTTP API
	router := api.NewRouter(api.RouterConfig{
		Messages:    api.NewMessageHandler(submitter, ackService, outboxRepo, cfg.Identity.ServiceID),
		Topics:      api.NewTopicHandler(topics),
		Agents:      api.NewAgentHandler(agents),
		Checker:     checker,
		CORSOrigins: cfg.HTTP.CORSOrigins,
	})
	server := httpserver.New("producer-api", cfg.HTTP.Port, router)

	// Register ourselves so consumers can discover the producer
	if err := agents.Register(ctx, &registry.Agent{
		ServiceID:   cfg.Identity.ServiceID,
		InstanceID:  cfg.Identity.InstanceID,
		Role:        "producer",
		ServiceName: cfg.Identity.ServiceName,
		BaseURL:     cfg.BaseURL(),
		Host:        cfg.Identity.Host,
		Port:        cfg.HTTP.Port,
		Version:     version,
	}); err != nil {
		slog.Error("Failed to register producer agent", "error", err)
		os.Exit(1)
	}

	if err := lifecycle.Run(ctx, submitter, jobs, server); err != nil {
		slog.Error("Producer exited with error", "error", err)
		os.Exit(1)
	}
}

// connectBroker selects the broker backend from configuration
func connectBroker(ctx context.Context, cfg *config.Config) (broker.Connection, error) {
	brokerCfg := &broker.Config{
		Type:    cfg.Broker.Type,
		DataDir: cfg.Broker.NATS.DataDir,
		NATS: broker.NATSConfig{
			URL:        cfg.Broker.NATS.URL,
			StreamName: cfg.Broker.NATS.StreamName,
			AckWait:    cfg.Broker.NATS.AckWait,
			MaxDeliver: cfg.Broker.NATS.MaxDeliver,
		},
		Kafka: broker.KafkaConfig{
			Brokers: cfg.Broker.Kafka.Brokers,
		},
	}

	factory := broker.NewFactory(brokerCfg)
	switch {
	case factory.IsEmbedded():
		slog.Info("Starting embedded NATS broker", "dataDir", brokerCfg.DataDir)
		return natsbroker.ConnectEmbedded(ctx, *factory.Config())
	case factory.IsNATS():
		slog.Info("Connecting to NATS", "url", brokerCfg.NATS.URL)
		return natsbroker.NewClient(ctx, factory.Config().NATS)
	default:
		slog.Info("Connecting to Kafka", "brokers", brokerCfg.Kafka.Brokers)
		return kafkabroker.NewClient(ctx, factory.Config().Kafka)
	}
}
