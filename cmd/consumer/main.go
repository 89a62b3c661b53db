// RelayMesh consumer
//
// Consumes relay envelopes for one consumer group, processes them
// idempotently, and acknowledges outcomes back to the producer.
package main

import (
	"context"
	"encoding/json"
	"os"

	"log/slog"

	"github.com/jmoiron/sqlx/types"

	"go.relaymesh.tech/internal/broker"
	kafkabroker "go.relaymesh.tech/internal/broker/kafka"
	natsbroker "go.relaymesh.tech/internal/broker/nats"
	"go.relaymesh.tech/internal/common/health"
	"go.relaymesh.tech/internal/common/httpserver"
	"go.relaymesh.tech/internal/common/lifecycle"
	"go.relaymesh.tech/internal/common/postgres"
	"go.relaymesh.tech/internal/config"
	"go.relaymesh.tech/internal/consumer"
	consumerapi "go.relaymesh.tech/internal/consumer/api"
	"go.relaymesh.tech/internal/registry"
	"go.relaymesh.tech/internal/scheduler"
)

var version = "dev"

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("RELAYMESH_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.Load(config.RoleConsumer)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting RelayMesh consumer",
		"version", version,
		"serviceId", cfg.Identity.ServiceID,
		"instanceId", cfg.Identity.InstanceID,
		"group", cfg.Consumer.Group,
		"topics", cfg.Consumer.Topics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := consumer.NewPostgresStore(db)
	if err := store.CreateSchema(ctx); err != nil {
		slog.Error("Failed to create consumer schema", "error", err)
		os.Exit(1)
	}

	// Broker
	conn, err := connectBroker(ctx, cfg)
	if err != nil {
		slog.Error("Failed to connect to broker", "type", cfg.Broker.Type, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	// Producer API client
	ackClient := consumer.NewAckClient(consumer.DefaultAckClientConfig(cfg.Consumer.ProducerBaseURL))

	// Register with the producer's agent registry. The consumer is not
	// routable until this succeeds, so failure is fatal.
	if err := ackClient.RegisterAgent(ctx, &registry.Agent{
		ServiceID:     cfg.Identity.ServiceID,
		InstanceID:    cfg.Identity.InstanceID,
		Role:          "consumer",
		ServiceName:   cfg.Identity.ServiceName,
		BaseURL:       cfg.BaseURL(),
		Host:          cfg.Identity.Host,
		Port:          cfg.HTTP.Port,
		ConsumerGroup: cfg.Consumer.Group,
		Topics:        cfg.Consumer.Topics,
		Version:       version,
	}); err != nil {
		slog.Error("Failed to register with producer", "producer", cfg.Consumer.ProducerBaseURL, "error", err)
		os.Exit(1)
	}
	slog.Info("Registered with producer", "producer", cfg.Consumer.ProducerBaseURL)

	// Processor
	processorConfig := consumer.DefaultProcessorConfig(cfg.Consumer.Group, cfg.Consumer.Topics)
	processorConfig.ServiceID = cfg.Identity.ServiceID
	processorConfig.InstanceID = cfg.Identity.InstanceID
	processorConfig.RestartDelay = cfg.Consumer.RestartDelay
	processor := consumer.NewProcessor(conn, store, ackClient, consumer.LogHandler, processorConfig)

	// Heartbeat with runtime stats
	collector := health.NewCollector()
	jobs := scheduler.New()
	jobs.Add("heartbeat", cfg.Registry.HeartbeatInterval, func(ctx context.Context) error {
		stats := collector.Collect(ctx)
		raw, _ := json.Marshal(stats)

		failed, err := store.CountFailed(ctx, cfg.Consumer.Group)
		if err != nil {
			slog.Warn("Failed to count failures for heartbeat", "error", err)
		}

		return ackClient.SendHeartbeat(ctx, &registry.Heartbeat{
			ServiceID:    cfg.Identity.ServiceID,
			InstanceID:   cfg.Identity.InstanceID,
			HealthStatus: registry.HealthHealthy,
			Stats:        types.JSONText(raw),
			FailureCount: int(failed),
		})
	})

	// Health checks
	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	checker.Register("broker", conn.Ping)
	consumerapi.RegisterChecks(checker, store, cfg.Consumer.Group)

	// HTTP API
	router := consumerapi.NewRouter(
		consumerapi.NewHandler(store, consumer.LogHandler, cfg.Consumer.Group),
		checker,
	)
	server := httpserver.New("consumer-api", cfg.HTTP.Port, router)

	if err := lifecycle.Run(ctx, processor, jobs, server); err != nil {
		slog.Error("Consumer exited with error", "error", err)
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
			Brokers:       cfg.Broker.Kafka.Brokers,
			ConsumerGroup: cfg.Consumer.Group,
			Topics:        cfg.Consumer.Topics,
		},
	}

	factory := broker.NewFactory(brokerCfg)
	switch {
	case factory.IsEmbedded():
		// A consumer sharing the producer's embedded broker connects to
		// it over the producer's NATS port rather than starting its own
		slog.Info("Broker type is embedded, connecting to NATS directly", "url", brokerCfg.NATS.URL)
		return natsbroker.NewClient(ctx, factory.Config().NATS)
	case factory.IsNATS():
		slog.Info("Connecting to NATS", "url", brokerCfg.NATS.URL)
		return natsbroker.NewClient(ctx, factory.Config().NATS)
	default:
		slog.Info("Connecting to Kafka", "brokers", brokerCfg.Kafka.Brokers)
		return kafkabroker.NewClient(ctx, factory.Config().Kafka)
	}
}
