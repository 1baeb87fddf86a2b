package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/models"
	"github.com/Guizzs26/erp-table-sync/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeSyncEvents carries run lifecycle events and import requests
const ExchangeSyncEvents = "erp.sync.topic"

// RabbitMQClient handles the low-level communication with the message broker
type RabbitMQClient struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *slog.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	healthy    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewRabbitMQClient initializes a connection and a channel, enabling Publisher Confirms by default
func NewRabbitMQClient(url string, l *slog.Logger) (*RabbitMQClient, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := declareExchange(ch); err != nil {
		ch.Close()
		c.Close()
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate Publisher Confirms: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &RabbitMQClient{
		conn:       c,
		channel:    ch,
		logger:     l,
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	client.healthy.Store(true)
	metrics.HealthStatus.Set(1)

	c.NotifyClose(client.connClosed)
	ch.NotifyClose(client.chanClosed)
	go client.watch()

	l.Info("RabbitMQ publisher ready", "exchange", ExchangeSyncEvents)
	return client, nil
}

// watch flips the client to unhealthy on the first connection or channel close
func (r *RabbitMQClient) watch() {
	var (
		what string
		err  *amqp.Error
	)
	select {
	case err = <-r.connClosed:
		what = "connection"
	case err = <-r.chanClosed:
		what = "channel"
	case <-r.ctx.Done():
		return
	}

	r.healthy.Store(false)
	metrics.HealthStatus.Set(0)
	r.logger.Warn("RabbitMQ link lost", "closed", what, "error", err)
}

func declareExchange(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(
		ExchangeSyncEvents,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare topic exchange: %w", err)
	}
	return nil
}

// Publish sends a JSON payload to the sync exchange and blocks until a confirmation (ACK/NACK) is received
func (r *RabbitMQClient) Publish(ctx context.Context, routingKey string, payload any) error {
	if !r.IsHealthy() {
		return fmt.Errorf("broker connection is closed")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize payload: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	switch p := payload.(type) {
	case models.SyncRunEvent:
		msg.MessageId = p.EventID
		msg.Headers = amqp.Table{"run_id": p.RunID, "target_table_id": p.TargetTableID}
	case models.ImportRequest:
		msg.MessageId = p.CorrelationID
		msg.Headers = amqp.Table{"target_table_id": p.TargetTableID}
	}

	deferred, err := r.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		ExchangeSyncEvents,
		routingKey,
		false,
		false,
		msg,
	)
	if err != nil {
		r.logger.Error("failed to publish message to exchange", "routing_key", routingKey, "error", err)
		return fmt.Errorf("publish call failed: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("RabbitMQ NACK received: message not persisted")
		}
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("publisher confirm timeout")
	}
}

// Close gracefully shuts down the RabbitMQ resources
func (r *RabbitMQClient) Close() error {
	r.closeOnce.Do(func() {
		r.logger.Info("Terminating RabbitMQ client")
		r.cancel()
		if r.channel != nil {
			r.channel.Close()
		}
		if r.conn != nil {
			r.conn.Close()
		}
	})
	return nil
}

// IsHealthy returns true if the connection and channel are active
func (r *RabbitMQClient) IsHealthy() bool {
	return r.healthy.Load()
}
