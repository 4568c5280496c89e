package service

import (
	"context"
	"errors"
	"time"

	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/resilience"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInvalidSignature rejects deliveries that fail authentication. Nothing
// is written to any store for these: forged payloads must not be able to
// reach the ledger, let alone the fulfillment engine.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// IngestStatus is the outcome reported to the webhook caller
type IngestStatus string

const (
	IngestStatusProcessed        IngestStatus = "processed"
	IngestStatusAlreadyProcessed IngestStatus = "already_processed"
	IngestStatusDeadLettered     IngestStatus = "dead_lettered"
)

// DefaultMaxProcessingAttempts caps how often a failing event is re-run
// before it is parked for an operator.
const DefaultMaxProcessingAttempts = 5

const eventSeenTTL = 72 * time.Hour

// IngestLedger is the idempotency-ledger slice of the data layer.
// *store.Store satisfies it.
type IngestLedger interface {
	InsertWebhookEvent(ctx context.Context, evt *models.WebhookEvent) (bool, error)
	WebhookEventByID(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	IncrementEventAttempts(ctx context.Context, eventID string) (int, error)
	RecordEventError(ctx context.Context, eventID, message string) error
}

// EventProcessor runs the per-event state transition
type EventProcessor interface {
	Process(ctx context.Context, evt *gateway.Event) (*FulfillmentOutcome, error)
}

// ReplayCache is a best-effort fast path for replays of already processed
// events. Misses and errors fall through to the ledger, which stays the
// source of truth.
type ReplayCache interface {
	EventSeen(ctx context.Context, eventID string) (bool, error)
	MarkEventSeen(ctx context.Context, eventID string, ttl time.Duration) error
}

// OutcomePublisher emits post-commit fulfillment events for downstream
// consumers (email, analytics). *broker.EventPublisher satisfies it.
type OutcomePublisher interface {
	PublishEntitlementGranted(ctx context.Context, event *models.EntitlementGrantedEvent) error
	PublishOrderRefunded(ctx context.Context, event *models.OrderRefundedEvent) error
}

// IngestService is the webhook ingestor: it authenticates a delivery,
// deduplicates it against the ledger, runs the fulfillment engine and
// records the outcome.
type IngestService struct {
	verifier    *gateway.Verifier
	ledger      IngestLedger
	engine      EventProcessor
	cache       ReplayCache
	publisher   OutcomePublisher
	boundary    *resilience.Boundary
	maxAttempts int
	logger      *zap.Logger
}

// NewIngestService creates a new webhook ingestor. cache and publisher may
// be nil; both are best-effort.
func NewIngestService(
	verifier *gateway.Verifier,
	ledger IngestLedger,
	engine EventProcessor,
	cache ReplayCache,
	publisher OutcomePublisher,
	maxAttempts int,
) *IngestService {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxProcessingAttempts
	}
	logger := util.GetLogger()
	return &IngestService{
		verifier:    verifier,
		ledger:      ledger,
		engine:      engine,
		cache:       cache,
		publisher:   publisher,
		boundary:    resilience.NewBoundary("fulfillment-events", nil, logger),
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Ingest handles one webhook delivery end to end. Processing the same
// event id twice yields processed then already_processed, with no second
// round of effects.
func (s *IngestService) Ingest(ctx context.Context, payload []byte, signatureHeader string) (IngestStatus, error) {
	ctx, span := util.StartSpan(ctx, "IngestService.Ingest")
	defer span.End()

	if !s.verifier.Verify(payload, signatureHeader) {
		util.WebhookSignatureFailuresTotal.Inc()
		return "", ErrInvalidSignature
	}

	evt, err := gateway.ParseEvent(payload)
	if err != nil {
		return "", err
	}
	util.WebhookEventsReceivedTotal.WithLabelValues(evt.Type).Inc()

	if s.cache != nil {
		if seen, cacheErr := s.cache.EventSeen(ctx, evt.ID); cacheErr == nil && seen {
			util.WebhookEventsDuplicateTotal.Inc()
			return IngestStatusAlreadyProcessed, nil
		}
	}

	inserted, err := s.ledger.InsertWebhookEvent(ctx, &models.WebhookEvent{
		EventID:    evt.ID,
		EventType:  evt.Type,
		RawPayload: payload,
	})
	if err != nil {
		return "", err
	}

	if !inserted {
		row, err := s.ledger.WebhookEventByID(ctx, evt.ID)
		if err != nil {
			return "", err
		}
		if row != nil && row.Processed {
			util.WebhookEventsDuplicateTotal.Inc()
			s.markSeen(ctx, evt.ID)
			return IngestStatusAlreadyProcessed, nil
		}
		// A prior attempt crashed mid-flight or is in-flight concurrently.
		// Re-running is safe: fulfillment dedups on business keys.
		s.logger.Info("Re-running unprocessed event",
			zap.String("event_id", evt.ID))
	}

	attempts, err := s.ledger.IncrementEventAttempts(ctx, evt.ID)
	if err != nil {
		return "", err
	}
	if attempts > s.maxAttempts {
		util.WebhookEventsDeadLetteredTotal.Inc()
		s.logger.Error("Event exhausted its retry budget, parking for operator",
			zap.String("event_id", evt.ID),
			zap.Int("attempts", attempts))
		return IngestStatusDeadLettered, nil
	}

	outcome, err := s.engine.Process(ctx, evt)
	if err != nil {
		reason := "transient"
		if errors.Is(err, ErrUnresolvedReference) || errors.Is(err, gateway.ErrMalformedEvent) {
			reason = "data_integrity"
		}
		util.WebhookEventsFailedTotal.WithLabelValues(reason).Inc()

		if recErr := s.ledger.RecordEventError(ctx, evt.ID, err.Error()); recErr != nil {
			s.logger.Error("Failed to record processing error",
				zap.String("event_id", evt.ID),
				zap.Error(recErr))
		}
		return "", err
	}

	util.WebhookEventsProcessedTotal.Inc()
	s.markSeen(ctx, evt.ID)
	s.dispatchSideEffects(ctx, evt, outcome)
	return IngestStatusProcessed, nil
}

func (s *IngestService) markSeen(ctx context.Context, eventID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.MarkEventSeen(ctx, eventID, eventSeenTTL); err != nil {
		s.logger.Warn("Failed to cache processed event id",
			zap.String("event_id", eventID),
			zap.Error(err))
	}
}

// dispatchSideEffects publishes what the committed transaction changed.
// Everything here runs after commit behind an isolation boundary: a Kafka
// outage must not fail a delivery whose entitlements are already durable.
func (s *IngestService) dispatchSideEffects(ctx context.Context, evt *gateway.Event, outcome *FulfillmentOutcome) {
	if s.publisher == nil || outcome == nil || outcome.Duplicate {
		return
	}

	for _, granted := range outcome.Granted {
		granted := granted
		_ = s.boundary.Run(ctx, func(ctx context.Context) error {
			return s.publisher.PublishEntitlementGranted(ctx, &models.EntitlementGrantedEvent{
				BaseEvent: models.BaseEvent{
					EventID:   uuid.New().String(),
					EventType: models.EventTypeEntitlementGranted,
					Timestamp: time.Now(),
				},
				OrderID:       outcome.Order.ID,
				EntitlementID: granted.Entitlement.ID,
				UserID:        granted.Entitlement.UserID,
				BuyerEmail:    outcome.Order.BuyerEmail,
				ProductID:     granted.Product.ID,
				ProductSlug:   granted.Product.Slug,
				ProductName:   granted.Product.Name,
			})
		})
	}

	if outcome.Refunded {
		_ = s.boundary.Run(ctx, func(ctx context.Context) error {
			return s.publisher.PublishOrderRefunded(ctx, &models.OrderRefundedEvent{
				BaseEvent: models.BaseEvent{
					EventID:   uuid.New().String(),
					EventType: models.EventTypeOrderRefunded,
					Timestamp: time.Now(),
				},
				OrderID:      outcome.Order.ID,
				BuyerEmail:   outcome.Order.BuyerEmail,
				RevokedCount: outcome.RevokedCount,
			})
		})
	}
}
