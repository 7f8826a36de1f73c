package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle event of a workflow instance.
type Event struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       string                 `json:"type"`
	Source     string                 `json:"source"`
	InstanceID string                 `json:"instance_id,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeInstanceStarted   = "instance.started"
	EventTypeInstanceSuspended = "instance.suspended"
	EventTypeInstanceCompleted = "instance.completed"
	EventTypeInstanceFailed    = "instance.failed"
	EventTypeSignalAccepted    = "signal.accepted"
	EventTypeSignalRejected    = "signal.rejected"
	EventTypeApprovalDecided   = "approval.decided"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles delivered events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans lifecycle events out to subscribers. A nil or disabled
// publisher drops everything.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

func (ep *EventPublisher) enabled() bool {
	return ep != nil && ep.config.Enabled
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled() {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishInstanceStarted publishes an instance started event.
func (ep *EventPublisher) PublishInstanceStarted(instanceID, workflow string) error {
	return ep.Publish(Event{
		Type:       EventTypeInstanceStarted,
		Source:     "runtime",
		InstanceID: instanceID,
		Message:    fmt.Sprintf("Instance %s of %s started", instanceID, workflow),
		Level:      EventLevelInfo,
		Data:       map[string]interface{}{"workflow": workflow},
	})
}

// PublishInstanceSuspended publishes an instance parked on a signal.
func (ep *EventPublisher) PublishInstanceSuspended(instanceID, signal string, deadline *time.Time) error {
	data := map[string]interface{}{"signal": signal}
	if deadline != nil {
		data["deadline"] = deadline.UTC().Format(time.RFC3339)
	}
	return ep.Publish(Event{
		Type:       EventTypeInstanceSuspended,
		Source:     "runtime",
		InstanceID: instanceID,
		Message:    fmt.Sprintf("Instance %s waiting for %s", instanceID, signal),
		Level:      EventLevelInfo,
		Data:       data,
	})
}

// PublishInstanceCompleted publishes an instance completed event.
func (ep *EventPublisher) PublishInstanceCompleted(instanceID, customStatus string) error {
	return ep.Publish(Event{
		Type:       EventTypeInstanceCompleted,
		Source:     "runtime",
		InstanceID: instanceID,
		Message:    fmt.Sprintf("Instance %s completed", instanceID),
		Level:      EventLevelInfo,
		Data:       map[string]interface{}{"custom_status": customStatus},
	})
}

// PublishInstanceFailed publishes an instance failed event.
func (ep *EventPublisher) PublishInstanceFailed(instanceID, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypeInstanceFailed,
		Source:     "runtime",
		InstanceID: instanceID,
		Message:    fmt.Sprintf("Instance %s failed: %s", instanceID, reason),
		Level:      EventLevelError,
		Data:       map[string]interface{}{"reason": reason},
	})
}

// PublishSignal publishes the outcome of raising a signal.
func (ep *EventPublisher) PublishSignal(instanceID, name, source string, accepted bool) error {
	event := Event{
		Type:       EventTypeSignalAccepted,
		Source:     source,
		InstanceID: instanceID,
		Message:    fmt.Sprintf("Signal %s accepted for %s", name, instanceID),
		Level:      EventLevelInfo,
		Data:       map[string]interface{}{"signal": name},
	}
	if !accepted {
		event.Type = EventTypeSignalRejected
		event.Message = fmt.Sprintf("Signal %s rejected for %s", name, instanceID)
		event.Level = EventLevelWarning
	}
	return ep.Publish(event)
}

// PublishApproval publishes the terminal branch taken for one calendar event.
func (ep *EventPublisher) PublishApproval(instanceID, uid, subject, outcome string) error {
	return ep.Publish(Event{
		Type:       EventTypeApprovalDecided,
		Source:     "reconcile",
		InstanceID: instanceID,
		Message:    fmt.Sprintf("Event %q %s", subject, outcome),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"uid":     uid,
			"subject": subject,
			"outcome": outcome,
		},
	})
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if !ep.enabled() {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events in publish order.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByInstance creates a filter that only allows events of one instance.
func FilterByInstance(instanceID string) EventFilter {
	return func(event Event) bool {
		return event.InstanceID == instanceID
	}
}
