package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/traverse-calendar/traverse/pkg/stores"
)

// AuditWriter persists audit entries.
type AuditWriter interface {
	CreateAuditEntry(ctx context.Context, entry *stores.AuditEntry) error
}

// AuditSubscriber returns a subscriber that records every event in the audit log.
func AuditSubscriber(w AuditWriter, logger *Logger) EventSubscriber {
	return func(event Event) {
		details, err := json.Marshal(map[string]interface{}{
			"message": event.Message,
			"level":   event.Level,
			"data":    event.Data,
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to encode audit details")
			return
		}
		detailStr := string(details)

		entry := &stores.AuditEntry{
			Action:    event.Type,
			Actor:     event.Source,
			Details:   &detailStr,
			Timestamp: event.Timestamp,
		}
		if event.InstanceID != "" {
			id := event.InstanceID
			entry.TargetID = &id
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.CreateAuditEntry(ctx, entry); err != nil {
			logger.WithError(err).WithField("event_type", event.Type).Warn("Failed to write audit entry")
		}
	}
}
