package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkoutEvent(t *testing.T, eventID, sessionID, paymentID, clientRef, email string, amount int64, productIDs string) *gateway.Event {
	t.Helper()
	payload := fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": %q,
			"payment_intent": %q,
			"client_reference_id": %q,
			"customer_email": %q,
			"amount_total": %d,
			"currency": "usd",
			"metadata": {"product_ids": %q}
		}}
	}`, eventID, sessionID, paymentID, clientRef, email, amount, productIDs)

	evt, err := gateway.ParseEvent([]byte(payload))
	require.NoError(t, err)
	return evt
}

func refundEvent(t *testing.T, eventID, chargeID, paymentID string) *gateway.Event {
	t.Helper()
	payload := fmt.Sprintf(`{
		"id": %q,
		"type": "charge.refunded",
		"data": {"object": {"id": %q, "payment_intent": %q}}
	}`, eventID, chargeID, paymentID)

	evt, err := gateway.ParseEvent([]byte(payload))
	require.NoError(t, err)
	return evt
}

func newCheckoutFixture(t *testing.T) (*memStore, *FulfillmentEngine) {
	t.Helper()
	m := newMemStore()
	m.addProduct(models.Product{ID: 1, Slug: "ebook", Name: "The E-Book", Price: 5900, Currency: "usd", Active: true})
	m.addProduct(models.Product{ID: 2, Slug: "video-course", Name: "Video Course", Price: 12900, Currency: "usd", Active: true})
	m.addUser("buyer@example.com", 7)
	return m, NewFulfillmentEngine(m)
}

func TestFulfillCheckoutGrantsEntitlement(t *testing.T) {
	m, engine := newCheckoutFixture(t)

	evt := checkoutEvent(t, "evt_1", "cs_1", "pi_1", "7", "buyer@example.com", 5900, "1")
	outcome, err := engine.Process(context.Background(), evt)
	require.NoError(t, err)
	require.NotNil(t, outcome.Order)
	assert.False(t, outcome.Duplicate)

	order := m.orderBySession("cs_1")
	require.NotNil(t, order)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	assert.Equal(t, int64(5900), order.TotalAmount)
	assert.Equal(t, "buyer@example.com", order.BuyerEmail)
	require.NotNil(t, order.BuyerID)
	assert.Equal(t, int64(7), *order.BuyerID)
	assert.NotNil(t, order.FulfilledAt)

	require.Len(t, outcome.Granted, 1)
	ent, err := m.EntitlementByUserProduct(context.Background(), 7, 1)
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.True(t, ent.Active)
	require.NotNil(t, ent.OrderID)
	assert.Equal(t, order.ID, *ent.OrderID)
}

func TestFulfillCheckoutMultipleProducts(t *testing.T) {
	m, engine := newCheckoutFixture(t)

	evt := checkoutEvent(t, "evt_1", "cs_1", "pi_1", "7", "buyer@example.com", 18800, "1, 2")
	outcome, err := engine.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.Len(t, outcome.Granted, 2)
	assert.Equal(t, 2, m.entitlementCount())
}

func TestFulfillCheckoutDeduplicatesOnSession(t *testing.T) {
	m, engine := newCheckoutFixture(t)

	first := checkoutEvent(t, "evt_1", "cs_1", "pi_1", "7", "buyer@example.com", 5900, "1")
	_, err := engine.Process(context.Background(), first)
	require.NoError(t, err)

	// Gateway retries can deliver the same checkout under a fresh event id.
	replay := checkoutEvent(t, "evt_2", "cs_1", "pi_1", "7", "buyer@example.com", 5900, "1")
	outcome, err := engine.Process(context.Background(), replay)
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate)
	assert.Empty(t, outcome.Granted)

	assert.Equal(t, 1, m.orderCount())
	assert.Equal(t, 1, m.entitlementCount())
}

func TestFulfillCheckoutResolvesBuyerByEmail(t *testing.T) {
	m, engine := newCheckoutFixture(t)

	evt := checkoutEvent(t, "evt_1", "cs_1", "pi_1", "", "buyer@example.com", 5900, "1")
	_, err := engine.Process(context.Background(), evt)
	require.NoError(t, err)

	ent, err := m.EntitlementByUserProduct(context.Background(), 7, 1)
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.True(t, ent.Active)
}

func TestFulfillCheckoutUnknownBuyer(t *testing.T) {
	m, engine := newCheckoutFixture(t)

	evt := checkoutEvent(t, "evt_1", "cs_1", "pi_1", "", "stranger@example.com", 5900, "1")
	_, err := engine.Process(context.Background(), evt)
	require.ErrorIs(t, err, ErrUnresolvedReference)
	assert.Equal(t, 0, m.orderCount())
}

func TestFulfillCheckoutUnknownProduct(t *testing.T) {
	m, engine := newCheckoutFixture(t)

	evt := checkoutEvent(t, "evt_1", "cs_1", "pi_1", "7", "buyer@example.com", 5900, "1,999")
	_, err := engine.Process(context.Background(), evt)
	require.ErrorIs(t, err, ErrUnresolvedReference)
	assert.Equal(t, 0, m.orderCount())
	assert.Equal(t, 0, m.entitlementCount())
}

func TestFulfillCheckoutAtomicity(t *testing.T) {
	m, engine := newCheckoutFixture(t)
	m.failOn = "UpsertEntitlement"

	evt := checkoutEvent(t, "evt_1", "cs_1", "pi_1", "7", "buyer@example.com", 5900, "1")
	_, err := engine.Process(context.Background(), evt)
	require.Error(t, err)

	// The order write preceded the injected failure; neither may survive.
	assert.Equal(t, 0, m.orderCount())
	assert.Equal(t, 0, m.entitlementCount())
	assert.Nil(t, m.orderBySession("cs_1"))
}

func TestFulfillCheckoutConcurrentDelivery(t *testing.T) {
	m, engine := newCheckoutFixture(t)

	_, err := engine.Process(context.Background(),
		checkoutEvent(t, "evt_1", "cs_1", "pi_1", "7", "buyer@example.com", 5900, "1"))
	require.NoError(t, err)

	// A second delivery races the first: its dedup read misses the winner's
	// order, so the insert hits the session unique key. That must resolve
	// as a duplicate, not surface as an error.
	m.hideSessionReads = 1
	outcome, err := engine.Process(context.Background(),
		checkoutEvent(t, "evt_2", "cs_1", "pi_1", "7", "buyer@example.com", 5900, "1"))
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate)
	require.NotNil(t, outcome.Order)
	assert.Empty(t, outcome.Granted)

	assert.Equal(t, 1, m.orderCount())
	assert.Equal(t, 1, m.entitlementCount())
}

func TestRefundRevokesEntitlements(t *testing.T) {
	m, engine := newCheckoutFixture(t)

	_, err := engine.Process(context.Background(),
		checkoutEvent(t, "evt_1", "cs_1", "pi_1", "7", "buyer@example.com", 5900, "1"))
	require.NoError(t, err)

	outcome, err := engine.Process(context.Background(), refundEvent(t, "evt_2", "ch_1", "pi_1"))
	require.NoError(t, err)
	assert.True(t, outcome.Refunded)
	assert.Equal(t, int64(1), outcome.RevokedCount)

	order := m.orderBySession("cs_1")
	require.NotNil(t, order)
	assert.Equal(t, models.OrderStatusRefunded, order.Status)
	assert.NotNil(t, order.RefundedAt)

	ent, err := m.EntitlementByUserProduct(context.Background(), 7, 1)
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.False(t, ent.Active)
	require.NotNil(t, ent.RevokeReason)
	assert.Equal(t, models.RevokeReasonOrderRefunded, *ent.RevokeReason)
	assert.NotNil(t, ent.RevokedAt)
}

func TestRefundIsIdempotent(t *testing.T) {
	m, engine := newCheckoutFixture(t)

	_, err := engine.Process(context.Background(),
		checkoutEvent(t, "evt_1", "cs_1", "pi_1", "7", "buyer@example.com", 5900, "1"))
	require.NoError(t, err)
	_, err = engine.Process(context.Background(), refundEvent(t, "evt_2", "ch_1", "pi_1"))
	require.NoError(t, err)

	ent, err := m.EntitlementByUserProduct(context.Background(), 7, 1)
	require.NoError(t, err)
	firstRevokedAt := *ent.RevokedAt

	time.Sleep(5 * time.Millisecond)
	outcome, err := engine.Process(context.Background(), refundEvent(t, "evt_3", "ch_1", "pi_1"))
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate)
	assert.False(t, outcome.Refunded)

	ent, err = m.EntitlementByUserProduct(context.Background(), 7, 1)
	require.NoError(t, err)
	assert.Equal(t, firstRevokedAt, *ent.RevokedAt)
}

func TestRefundForUnknownPayment(t *testing.T) {
	_, engine := newCheckoutFixture(t)

	_, err := engine.Process(context.Background(), refundEvent(t, "evt_1", "ch_1", "pi_missing"))
	require.ErrorIs(t, err, ErrUnresolvedReference)
}

func TestUnknownEventTypeIsAccepted(t *testing.T) {
	m, engine := newCheckoutFixture(t)

	evt, err := gateway.ParseEvent([]byte(`{"id": "evt_1", "type": "invoice.created", "data": {"object": {}}}`))
	require.NoError(t, err)

	outcome, err := engine.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.Empty(t, outcome.Granted)
	assert.False(t, outcome.Refunded)
	assert.Equal(t, 0, m.orderCount())
}

func TestRepurchaseAfterRefundReactivates(t *testing.T) {
	m, engine := newCheckoutFixture(t)

	_, err := engine.Process(context.Background(),
		checkoutEvent(t, "evt_1", "cs_1", "pi_1", "7", "buyer@example.com", 5900, "1"))
	require.NoError(t, err)
	_, err = engine.Process(context.Background(), refundEvent(t, "evt_2", "ch_1", "pi_1"))
	require.NoError(t, err)

	firstEnt, err := m.EntitlementByUserProduct(context.Background(), 7, 1)
	require.NoError(t, err)

	_, err = engine.Process(context.Background(),
		checkoutEvent(t, "evt_3", "cs_2", "pi_2", "7", "buyer@example.com", 5900, "1"))
	require.NoError(t, err)

	ent, err := m.EntitlementByUserProduct(context.Background(), 7, 1)
	require.NoError(t, err)
	assert.Equal(t, firstEnt.ID, ent.ID)
	assert.True(t, ent.Active)
	assert.Nil(t, ent.RevokedAt)
	assert.Nil(t, ent.RevokeReason)
	require.NotNil(t, ent.OrderID)
	assert.NotEqual(t, *firstEnt.OrderID, *ent.OrderID)
}
