package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Gateway event types this service understands. Anything else is accepted
// and marked processed without side effects.
const (
	EventTypeCheckoutCompleted = "checkout.session.completed"
	EventTypeChargeRefunded    = "charge.refunded"
)

var ErrMalformedEvent = errors.New("malformed gateway event")

// Event is the envelope the gateway posts: {id, type, data: {object}}
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes and minimally validates an event envelope
func ParseEvent(payload []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.ID == "" || evt.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}
	return &evt, nil
}

// CheckoutSession is the data object of a checkout.session.completed event
type CheckoutSession struct {
	ID                string            `json:"id"`
	PaymentIntentID   string            `json:"payment_intent"`
	ClientReferenceID string            `json:"client_reference_id"`
	CustomerEmail     string            `json:"customer_email"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

// ProductIDs parses the comma-separated product_ids metadata entry
func (cs *CheckoutSession) ProductIDs() ([]int64, error) {
	raw := strings.TrimSpace(cs.Metadata["product_ids"])
	if raw == "" {
		return nil, fmt.Errorf("%w: session %s has no product_ids metadata", ErrMalformedEvent, cs.ID)
	}

	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad product id %q", ErrMalformedEvent, p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ParseCheckoutSession decodes the session object of a payment-succeeded event
func ParseCheckoutSession(evt *Event) (*CheckoutSession, error) {
	var session CheckoutSession
	if err := json.Unmarshal(evt.Data.Object, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if session.ID == "" {
		return nil, fmt.Errorf("%w: checkout session without id", ErrMalformedEvent)
	}
	return &session, nil
}

// Charge is the data object of a charge.refunded event. Refunds are
// reported against the charge, so correlation back to the order uses the
// payment intent reference, not the checkout session.
type Charge struct {
	ID              string `json:"id"`
	PaymentIntentID string `json:"payment_intent"`
}

// ParseCharge decodes the charge object of a refund event
func ParseCharge(evt *Event) (*Charge, error) {
	var charge Charge
	if err := json.Unmarshal(evt.Data.Object, &charge); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if charge.PaymentIntentID == "" {
		return nil, fmt.Errorf("%w: charge %s without payment_intent", ErrMalformedEvent, charge.ID)
	}
	return &charge, nil
}
