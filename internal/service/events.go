package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/models"
	"github.com/google/uuid"
)

// Publisher defines the message publishing contract
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// EventNotifier announces finished runs on the broker. A nil notifier is a no-op.
type EventNotifier struct {
	pub    Publisher
	logger *slog.Logger
}

func NewEventNotifier(pub Publisher, logger *slog.Logger) *EventNotifier {
	return &EventNotifier{pub: pub, logger: logger}
}

// RoutingKey follows sync.table.<id>.<status>
func RoutingKey(run *models.SyncRun) string {
	return fmt.Sprintf("sync.table.%d.%s", run.TargetTableID, run.Status)
}

func NewRunEvent(run *models.SyncRun) models.SyncRunEvent {
	evt := models.SyncRunEvent{
		EventID:        uuid.NewString(),
		RunID:          run.ID,
		TargetTableID:  run.TargetTableID,
		Status:         run.Status,
		SyncType:       run.SyncType,
		RecordsCreated: run.RecordsCreated,
		RecordsUpdated: run.RecordsUpdated,
		RecordsDeleted: run.RecordsDeleted,
		Timestamp:      time.Now().UTC(),
	}
	if run.ErrorMessage != nil {
		evt.ErrorMessage = *run.ErrorMessage
	}
	return evt
}

// Notify publishes the run event. Broker failures are logged, never returned: the run is
// already persisted.
func (n *EventNotifier) Notify(ctx context.Context, run *models.SyncRun) {
	if n == nil || n.pub == nil || run == nil {
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	key := RoutingKey(run)
	if err := n.pub.Publish(pubCtx, key, NewRunEvent(run)); err != nil {
		n.logger.Warn("Failed to publish run event", "run_id", run.ID, "routing_key", key, "error", err)
		return
	}
	n.logger.Debug("Run event published", "run_id", run.ID, "routing_key", key)
}
