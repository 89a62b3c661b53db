package nats

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"log/slog"

	"github.com/nats-io/nats-server/v2/server"

	"go.relaymesh.tech/internal/broker"
)

// EmbeddedConfig holds configuration for the embedded NATS server.
// Embedded mode is the zero-dependency development default; production
// deployments point at an external NATS cluster or Kafka instead.
type EmbeddedConfig struct {
	// DataDir is the directory for JetStream data persistence
	DataDir string

	// Host is the bind address (default: 127.0.0.1)
	Host string

	// Port is the server port (default: 4222)
	Port int
}

// DefaultEmbeddedConfig returns default embedded server configuration
func DefaultEmbeddedConfig() *EmbeddedConfig {
	return &EmbeddedConfig{
		DataDir: "./data/nats",
		Host:    "127.0.0.1",
		Port:    4222,
	}
}

// EmbeddedServer runs an in-process NATS server with JetStream enabled.
type EmbeddedServer struct {
	server  *server.Server
	dataDir string
	host    string
	port    int
}

// NewEmbeddedServer creates and starts an embedded NATS server.
func NewEmbeddedServer(cfg *EmbeddedConfig) (*EmbeddedServer, error) {
	if cfg == nil {
		cfg = DefaultEmbeddedConfig()
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	opts := &server.Options{
		Host:      cfg.Host,
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.DataDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server failed to start within timeout")
	}

	slog.Info("Embedded NATS server started", "host", cfg.Host, "port", cfg.Port, "dataDir", cfg.DataDir)

	return &EmbeddedServer{
		server:  ns,
		dataDir: cfg.DataDir,
		host:    cfg.Host,
		port:    cfg.Port,
	}, nil
}

// URL returns the client connection URL for the embedded server.
func (e *EmbeddedServer) URL() string {
	return fmt.Sprintf("nats://%s:%d", e.host, e.port)
}

// DataDir returns the data directory
func (e *EmbeddedServer) DataDir() string {
	return e.dataDir
}

// EmbeddedConnection pairs an in-process NATS server with a client
// connection to it. Closing the connection shuts both down.
type EmbeddedConnection struct {
	*Client
	server *EmbeddedServer
}

// ConnectEmbedded starts an embedded NATS server and connects to it.
func ConnectEmbedded(ctx context.Context, cfg broker.Config) (*EmbeddedConnection, error) {
	srvCfg := DefaultEmbeddedConfig()
	if cfg.DataDir != "" {
		srvCfg.DataDir = cfg.DataDir
	}

	srv, err := NewEmbeddedServer(srvCfg)
	if err != nil {
		return nil, err
	}

	natsCfg := cfg.NATS
	natsCfg.URL = srv.URL()

	client, err := NewClient(ctx, natsCfg)
	if err != nil {
		srv.Close()
		return nil, err
	}

	return &EmbeddedConnection{Client: client, server: srv}, nil
}

// Close closes the client connection and shuts down the server.
func (e *EmbeddedConnection) Close() error {
	e.Client.Close()
	return e.server.Close()
}

// Close shuts down the embedded server
func (e *EmbeddedServer) Close() error {
	slog.Info("Shutting down embedded NATS server")

	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}

	// Stale lock files prevent restart after an unclean shutdown
	lockFile := filepath.Join(e.dataDir, "jetstream", "lock.lck")
	if _, err := os.Stat(lockFile); err == nil {
		os.Remove(lockFile)
	}

	slog.Info("Embedded NATS server shut down")
	return nil
}
