package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/models"
	"github.com/Guizzs26/erp-table-sync/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ImportRoutingKey = "import.table.#"
	// ImportKeyPrefix is followed by the target table id
	ImportKeyPrefix  = "import.table."
	retryThrottle    = 5 * time.Second
)

// ImportHandler processes one import request. Errors prefixed with "FATAL:" are not retried.
type ImportHandler interface {
	ProcessImport(ctx context.Context, req models.ImportRequest) error
}

// RabbitMQConsumer manages the connection and message flow from the broker
type RabbitMQConsumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	handler ImportHandler
	queue   string
	logger  *slog.Logger
}

func NewRabbitMQConsumer(url, queue string, handler ImportHandler, logger *slog.Logger) (*RabbitMQConsumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// QoS: Prefetch 1, one import batch in memory at a time
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := declareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &RabbitMQConsumer{
		conn:    conn,
		channel: ch,
		handler: handler,
		queue:   queue,
		logger:  logger,
	}, nil
}

// Listen starts the consumption loop and handles the queue/exchange binding
func (c *RabbitMQConsumer) Listen(ctx context.Context) error {
	// Declare Queue with durability to survive broker restarts
	q, err := c.channel.QueueDeclare(c.queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := c.channel.QueueBind(q.Name, ImportRoutingKey, ExchangeSyncEvents, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := c.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Importer is online and waiting for messages", "queue", q.Name, "routing_key", ImportRoutingKey)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *RabbitMQConsumer) handle(ctx context.Context, d amqp.Delivery) {
	var req models.ImportRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		c.logger.Error("Failed to unmarshal message", "error", err)
		metrics.ImportMessages.WithLabelValues("fatal").Inc()
		d.Nack(false, false) // Drop malformed messages
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = d.MessageId
	}

	l := c.logger.With("correlation_id", req.CorrelationID, "table_id", req.TargetTableID)

	err := c.handler.ProcessImport(ctx, req)
	switch {
	case err == nil:
		// Manual Ack: only after the run outcome is recorded
		if err := d.Ack(false); err != nil {
			l.Error("Failed to Ack message", "error", err)
		}
	case strings.HasPrefix(err.Error(), "FATAL:"):
		l.Error("Import rejected, dropping message", "error", err)
		d.Nack(false, false)
	default:
		l.Error("Processing failed, requeueing", "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(retryThrottle):
		}
		d.Nack(false, true)
	}
}

// Close gracefully terminates RabbitMQ resources
func (c *RabbitMQConsumer) Close() {
	c.logger.Info("Shutting down RabbitMQ consumer")
	c.channel.Close()
	c.conn.Close()
}
