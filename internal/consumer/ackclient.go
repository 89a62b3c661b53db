package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"log/slog"

	"github.com/sony/gobreaker"

	"go.relaymesh.tech/internal/common/metrics"
	"go.relaymesh.tech/internal/outbox"
	"go.relaymesh.tech/internal/registry"
)

// ErrAckRejected is returned when the producer refuses an acknowledgment,
// for example a failure ack against an already terminal record. Rejections
// are not transport failures and do not trip the circuit breaker.
var ErrAckRejected = errors.New("acknowledgment rejected")

// AckClientConfig holds the producer API client settings
type AckClientConfig struct {
	// BaseURL is the producer's advertised HTTP endpoint
	BaseURL string

	// Timeout for a single HTTP call
	Timeout time.Duration

	// MaxRetries for transient failures
	MaxRetries int

	// RetryBackoff is multiplied by the attempt number
	RetryBackoff time.Duration

	// CircuitBreakerThreshold is the minimum number of requests before
	// the failure ratio can open the breaker
	CircuitBreakerThreshold uint32

	// CircuitBreakerTimeout is how long the breaker stays open before
	// probing again
	CircuitBreakerTimeout time.Duration
}

// DefaultAckClientConfig returns sensible defaults
func DefaultAckClientConfig(baseURL string) *AckClientConfig {
	return &AckClientConfig{
		BaseURL:                 baseURL,
		Timeout:                 10 * time.Second,
		MaxRetries:              3,
		RetryBackoff:            500 * time.Millisecond,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

// AckClient talks to the producer's HTTP API: acknowledgments,
// registration and heartbeats. Calls go through a circuit breaker so a
// down producer does not stall the poll loop on every message.
type AckClient struct {
	config  *AckClientConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewAckClient creates a producer API client
func NewAckClient(config *AckClientConfig) *AckClient {
	if config == nil {
		config = DefaultAckClientConfig("http://localhost:8080")
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "producer-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     config.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= config.CircuitBreakerThreshold && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Producer API circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())
		},
		// Rejections are the producer answering, not the producer down
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrAckRejected)
		},
	})

	return &AckClient{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: breaker,
	}
}

// Acknowledge reports a processing outcome for one message
func (c *AckClient) Acknowledge(ctx context.Context, ack *outbox.Acknowledgment) error {
	err := c.post(ctx, "/api/messages/acknowledge", ack)
	if err != nil {
		if errors.Is(err, ErrAckRejected) {
			metrics.AckDeliveries.WithLabelValues("rejected").Inc()
		} else {
			metrics.AckDeliveries.WithLabelValues("error").Inc()
		}
		return err
	}
	metrics.AckDeliveries.WithLabelValues("delivered").Inc()
	return nil
}

// RegisterAgent registers this consumer instance with the producer
func (c *AckClient) RegisterAgent(ctx context.Context, agent *registry.Agent) error {
	return c.post(ctx, "/api/agents/register", agent)
}

// SendHeartbeat submits one heartbeat
func (c *AckClient) SendHeartbeat(ctx context.Context, hb *registry.Heartbeat) error {
	return c.post(ctx, "/api/agents/heartbeat", hb)
}

// post sends a JSON POST through the circuit breaker with retries
func (c *AckClient) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * c.config.RetryBackoff
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.doPost(ctx, path, data)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		// A rejection is a final answer, not a transport failure
		if errors.Is(err, ErrAckRejected) {
			return err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("producer API unavailable (circuit open): %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("producer API call failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *AckClient) doPost(ctx context.Context, path string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("%w: %s %s: %s", ErrAckRejected, path, resp.Status, detail)
	}
	return fmt.Errorf("producer API %s returned %s: %s", path, resp.Status, detail)
}
