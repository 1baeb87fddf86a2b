package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/erp-table-sync/pkg/infra"
	"github.com/Guizzs26/erp-table-sync/pkg/metrics"
)

var ErrLinkDown = errors.New("rabbitmq link is down")

// Link keeps one healthy RabbitMQ publisher alive and reconnects with backoff.
// Publishing while the link is down fails fast.
type Link struct {
	url    string
	logger *slog.Logger

	mu     sync.RWMutex
	client *RabbitMQClient
}

func NewLink(url string, logger *slog.Logger) *Link {
	return &Link{url: url, logger: logger}
}

func (b *Link) Publish(ctx context.Context, routingKey string, payload any) error {
	b.mu.RLock()
	client := b.client
	b.mu.RUnlock()

	if client == nil || !client.IsHealthy() {
		return ErrLinkDown
	}
	return client.Publish(ctx, routingKey, payload)
}

// Check reports whether a healthy client is attached
func (b *Link) Check(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil || !b.client.IsHealthy() {
		return ErrLinkDown
	}
	return nil
}

// Run supervises the connection until ctx is cancelled
func (b *Link) Run(ctx context.Context) {
	backoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)
	connectedOnce := false

	for {
		if err := b.Check(ctx); err != nil {
			b.swap(nil)

			client, err := NewRabbitMQClient(b.url, b.logger)
			if err != nil {
				b.logger.Error("RabbitMQ link failure, retrying", "attempt", backoff.Attempts()+1, "error", err)
				if !backoff.Wait(ctx) {
					return
				}
				continue
			}

			if connectedOnce {
				metrics.RabbitMQReconnections.Inc()
			}
			connectedOnce = true
			backoff.Reset()
			b.swap(client)
			b.logger.Info("RabbitMQ link established")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (b *Link) swap(client *RabbitMQClient) {
	b.mu.Lock()
	old := b.client
	b.client = client
	b.mu.Unlock()

	if client != nil {
		metrics.HealthStatus.Set(1)
	} else {
		metrics.HealthStatus.Set(0)
	}

	if old != nil {
		old.Close()
	}
}

func (b *Link) Close() {
	b.swap(nil)
}
