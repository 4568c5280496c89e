package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"fulfillment-service/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher handles publishing fulfillment domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishEntitlementGranted publishes EntitlementGranted event
func (ep *EventPublisher) PublishEntitlementGranted(ctx context.Context, event *models.EntitlementGrantedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishOrderRefunded publishes OrderRefunded event
func (ep *EventPublisher) PublishOrderRefunded(ctx context.Context, event *models.OrderRefundedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishAccessLinkRequested publishes AccessLinkRequested event
func (ep *EventPublisher) PublishAccessLinkRequested(ctx context.Context, event *models.AccessLinkRequestedEvent) error {
	key := fmt.Sprintf("entitlement-%d", event.EntitlementID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler routes consumed fulfillment events to registered handlers
type EventHandler struct {
	onEntitlementGranted  func(context.Context, *models.EntitlementGrantedEvent) error
	onOrderRefunded       func(context.Context, *models.OrderRefundedEvent) error
	onAccessLinkRequested func(context.Context, *models.AccessLinkRequestedEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnEntitlementGranted registers a handler for EntitlementGranted events
func (eh *EventHandler) OnEntitlementGranted(handler func(context.Context, *models.EntitlementGrantedEvent) error) {
	eh.onEntitlementGranted = handler
}

// OnOrderRefunded registers a handler for OrderRefunded events
func (eh *EventHandler) OnOrderRefunded(handler func(context.Context, *models.OrderRefundedEvent) error) {
	eh.onOrderRefunded = handler
}

// OnAccessLinkRequested registers a handler for AccessLinkRequested events
func (eh *EventHandler) OnAccessLinkRequested(handler func(context.Context, *models.AccessLinkRequestedEvent) error) {
	eh.onAccessLinkRequested = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypeEntitlementGranted:
		if eh.onEntitlementGranted != nil {
			var event models.EntitlementGrantedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal EntitlementGranted event: %w", err)
			}
			return eh.onEntitlementGranted(ctx, &event)
		}

	case models.EventTypeOrderRefunded:
		if eh.onOrderRefunded != nil {
			var event models.OrderRefundedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderRefunded event: %w", err)
			}
			return eh.onOrderRefunded(ctx, &event)
		}

	case models.EventTypeAccessLinkRequested:
		if eh.onAccessLinkRequested != nil {
			var event models.AccessLinkRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal AccessLinkRequested event: %w", err)
			}
			return eh.onAccessLinkRequested(ctx, &event)
		}

	default:
		log.Printf("Unhandled event type: %s", baseEvent.EventType)
	}

	return nil
}
