package store

import (
	"context"
	"database/sql"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// InsertWebhookEvent records an inbound event in the idempotency ledger.
// The unique key on event_id is the concurrency-control primitive: a
// concurrent insert for the same event loses the race and gets false back
// instead of an error.
func (q *queries) InsertWebhookEvent(ctx context.Context, evt *models.WebhookEvent) (bool, error) {
	res, err := q.ext.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, raw_payload, processed)
		VALUES ($1, $2, $3, FALSE)
		ON CONFLICT (event_id) DO NOTHING`,
		evt.EventID, evt.EventType, evt.RawPayload)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// WebhookEventByID retrieves a ledger row. Returns nil with no error when
// the event has never been seen.
func (q *queries) WebhookEventByID(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	var evt models.WebhookEvent
	err := sqlx.GetContext(ctx, q.ext, &evt,
		"SELECT * FROM webhook_events WHERE event_id = $1", eventID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &evt, nil
}

// IncrementEventAttempts bumps the processing attempt counter and returns
// the new value, so the caller can stop retrying past the cap.
func (q *queries) IncrementEventAttempts(ctx context.Context, eventID string) (int, error) {
	var attempts int
	err := sqlx.GetContext(ctx, q.ext, &attempts,
		"UPDATE webhook_events SET attempts = attempts + 1 WHERE event_id = $1 RETURNING attempts",
		eventID)
	return attempts, err
}

// MarkEventProcessed flips the ledger row to processed and clears any
// recorded error, preserving the invariant that processed rows carry none.
func (q *queries) MarkEventProcessed(ctx context.Context, eventID string) error {
	_, err := q.ext.ExecContext(ctx, `
		UPDATE webhook_events
		SET processed = TRUE, processing_error = NULL, processed_at = NOW()
		WHERE event_id = $1`,
		eventID)
	return err
}

// RecordEventError stores the failure on the ledger row and leaves it
// unprocessed so a redelivery or manual replay retries it.
func (q *queries) RecordEventError(ctx context.Context, eventID, message string) error {
	_, err := q.ext.ExecContext(ctx, `
		UPDATE webhook_events
		SET processed = FALSE, processing_error = $2
		WHERE event_id = $1`,
		eventID, message)
	return err
}

// UnprocessedEvents lists ledger rows awaiting an operator or a retry,
// oldest first.
func (q *queries) UnprocessedEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	var evts []models.WebhookEvent
	err := sqlx.SelectContext(ctx, q.ext, &evts,
		"SELECT * FROM webhook_events WHERE NOT processed ORDER BY received_at LIMIT $1", limit)
	return evts, err
}
