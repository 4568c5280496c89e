package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrUnresolvedReference marks events that name a buyer, product or order
// this service cannot resolve. They are recorded on the ledger and
// surfaced to an operator instead of being retried forever.
var ErrUnresolvedReference = errors.New("event references unresolvable data")

// FulfillmentStore runs the engine's per-event work in one transaction.
// *store.Store satisfies it.
type FulfillmentStore interface {
	Transact(ctx context.Context, fn func(tx store.Tx) error) error
}

// GrantedEntitlement pairs a granted row with its product snapshot for
// post-commit side effects.
type GrantedEntitlement struct {
	Entitlement models.Entitlement
	Product     models.Product
}

// FulfillmentOutcome describes what a processed event changed
type FulfillmentOutcome struct {
	Order        *models.Order
	Granted      []GrantedEntitlement
	Refunded     bool
	RevokedCount int64

	// Duplicate is set when the event was recognized as a business-level
	// replay (same session or an already refunded order) and changed
	// nothing beyond the ledger.
	Duplicate bool
}

// FulfillmentEngine turns parsed gateway events into durable order and
// entitlement state. All writes for one event, the ledger flip included,
// happen in a single transaction.
type FulfillmentEngine struct {
	store  FulfillmentStore
	logger *zap.Logger
	now    func() time.Time
}

// NewFulfillmentEngine creates a new fulfillment engine
func NewFulfillmentEngine(store FulfillmentStore) *FulfillmentEngine {
	return &FulfillmentEngine{
		store:  store,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// Process applies the state transition for one authenticated,
// ledger-registered event. Safe to call again for the same business event:
// the unique session and payment keys turn re-runs into no-ops.
func (e *FulfillmentEngine) Process(ctx context.Context, evt *gateway.Event) (*FulfillmentOutcome, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentEngine.Process")
	defer span.End()

	start := time.Now()
	defer func() {
		util.FulfillmentLatency.Observe(time.Since(start).Seconds())
	}()

	switch evt.Type {
	case gateway.EventTypeCheckoutCompleted:
		return e.fulfillCheckout(ctx, evt)
	case gateway.EventTypeChargeRefunded:
		return e.processRefund(ctx, evt)
	default:
		// Unknown event families are accepted and marked processed with no
		// side effect, so new gateway event types never turn into errors.
		e.logger.Info("Ignoring unhandled event type",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type))

		outcome := &FulfillmentOutcome{}
		err := e.store.Transact(ctx, func(tx store.Tx) error {
			return tx.MarkEventProcessed(ctx, evt.ID)
		})
		return outcome, err
	}
}

func (e *FulfillmentEngine) fulfillCheckout(ctx context.Context, evt *gateway.Event) (*FulfillmentOutcome, error) {
	session, err := gateway.ParseCheckoutSession(evt)
	if err != nil {
		return nil, err
	}

	productIDs, err := session.ProductIDs()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvedReference, err)
	}

	outcome := &FulfillmentOutcome{}
	err = e.store.Transact(ctx, func(tx store.Tx) error {
		// Business-level dedup: the same checkout can arrive under several
		// event ids during gateway retries. The session's unique key is the
		// second dedup layer beyond the event ledger.
		existing, err := tx.OrderBySessionID(ctx, session.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			outcome.Order = existing
			outcome.Duplicate = true
			return tx.MarkEventProcessed(ctx, evt.ID)
		}

		userID, err := e.resolveBuyer(ctx, tx, session)
		if err != nil {
			return err
		}

		products, err := tx.ProductsByIDs(ctx, productIDs)
		if err != nil {
			return err
		}
		if len(products) != len(productIDs) {
			return fmt.Errorf("%w: session %s names %d products, %d found",
				ErrUnresolvedReference, session.ID, len(productIDs), len(products))
		}

		now := e.now()
		order := &models.Order{
			GatewaySessionID: &session.ID,
			BuyerEmail:       session.CustomerEmail,
			TotalAmount:      session.AmountTotal,
			Currency:         session.Currency,
			Status:           models.OrderStatusCompleted,
			FulfilledAt:      &now,
		}
		if session.PaymentIntentID != "" {
			order.GatewayPaymentID = &session.PaymentIntentID
		}
		if userID != 0 {
			order.BuyerID = &userID
		}

		if err := tx.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		for _, product := range products {
			item := &models.OrderItem{
				OrderID:     order.ID,
				ProductID:   product.ID,
				ProductName: product.Name,
				Amount:      product.Price,
			}
			if err := tx.CreateOrderItem(ctx, item); err != nil {
				return fmt.Errorf("failed to create order item: %w", err)
			}

			ent := &models.Entitlement{
				UserID:    userID,
				ProductID: product.ID,
				OrderID:   &order.ID,
			}
			if err := tx.UpsertEntitlement(ctx, ent); err != nil {
				return fmt.Errorf("failed to grant entitlement: %w", err)
			}

			outcome.Granted = append(outcome.Granted, GrantedEntitlement{
				Entitlement: *ent,
				Product:     product,
			})
		}

		outcome.Order = order
		return tx.MarkEventProcessed(ctx, evt.ID)
	})
	if err != nil {
		if !isUniqueViolation(err) {
			return nil, err
		}
		// Lost a race with a concurrent delivery of the same checkout: the
		// dedup read ran before the winner committed, then the insert hit the
		// session or payment unique key. The winner's order is durable, so
		// this delivery resolves as a duplicate, not as a failure.
		outcome, err = e.adoptConcurrentOrder(ctx, evt, session)
		if err != nil {
			return nil, err
		}
	}

	if outcome.Duplicate {
		e.logger.Info("Checkout already fulfilled for session",
			zap.String("event_id", evt.ID),
			zap.String("session_id", session.ID),
			zap.Int64("order_id", outcome.Order.ID))
		return outcome, nil
	}

	util.OrdersFulfilledTotal.Inc()
	util.EntitlementsGrantedTotal.Add(float64(len(outcome.Granted)))
	e.logger.Info("Order fulfilled",
		zap.String("event_id", evt.ID),
		zap.String("session_id", session.ID),
		zap.Int64("order_id", outcome.Order.ID),
		zap.Int("entitlements", len(outcome.Granted)))
	return outcome, nil
}

// adoptConcurrentOrder resolves a checkout whose insert lost the race for
// the order's unique keys. By now the winning transaction has committed, so
// a fresh read sees its order.
func (e *FulfillmentEngine) adoptConcurrentOrder(ctx context.Context, evt *gateway.Event, session *gateway.CheckoutSession) (*FulfillmentOutcome, error) {
	outcome := &FulfillmentOutcome{Duplicate: true}
	err := e.store.Transact(ctx, func(tx store.Tx) error {
		existing, err := tx.OrderBySessionID(ctx, session.ID)
		if err != nil {
			return err
		}
		if existing == nil && session.PaymentIntentID != "" {
			existing, err = tx.OrderByPaymentID(ctx, session.PaymentIntentID)
			if err != nil {
				return err
			}
		}
		if existing == nil {
			return fmt.Errorf("no order visible for session %s after unique violation", session.ID)
		}
		outcome.Order = existing
		return tx.MarkEventProcessed(ctx, evt.ID)
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (e *FulfillmentEngine) processRefund(ctx context.Context, evt *gateway.Event) (*FulfillmentOutcome, error) {
	charge, err := gateway.ParseCharge(evt)
	if err != nil {
		return nil, err
	}

	outcome := &FulfillmentOutcome{}
	err = e.store.Transact(ctx, func(tx store.Tx) error {
		// Refunds are reported against the charge, so correlation uses the
		// payment reference captured at fulfillment time.
		order, err := tx.OrderByPaymentID(ctx, charge.PaymentIntentID)
		if err != nil {
			return err
		}
		if order == nil {
			return fmt.Errorf("%w: no order for payment %s",
				ErrUnresolvedReference, charge.PaymentIntentID)
		}

		outcome.Order = order
		if order.Status == models.OrderStatusRefunded {
			outcome.Duplicate = true
			return tx.MarkEventProcessed(ctx, evt.ID)
		}

		if err := tx.MarkOrderRefunded(ctx, order.ID); err != nil {
			return fmt.Errorf("failed to mark order refunded: %w", err)
		}

		revoked, err := tx.RevokeEntitlementsByOrder(ctx, order.ID, models.RevokeReasonOrderRefunded)
		if err != nil {
			return fmt.Errorf("failed to revoke entitlements: %w", err)
		}

		outcome.Refunded = true
		outcome.RevokedCount = revoked
		return tx.MarkEventProcessed(ctx, evt.ID)
	})
	if err != nil {
		return nil, err
	}

	if outcome.Duplicate {
		e.logger.Info("Order already refunded",
			zap.String("event_id", evt.ID),
			zap.Int64("order_id", outcome.Order.ID))
		return outcome, nil
	}

	util.OrdersRefundedTotal.Inc()
	util.EntitlementsRevokedTotal.WithLabelValues(models.RevokeReasonOrderRefunded).
		Add(float64(outcome.RevokedCount))
	e.logger.Info("Order refunded, entitlements revoked",
		zap.String("event_id", evt.ID),
		zap.Int64("order_id", outcome.Order.ID),
		zap.Int64("revoked", outcome.RevokedCount))
	return outcome, nil
}

// isUniqueViolation reports whether err is a Postgres unique-key violation
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// resolveBuyer maps a checkout session to an account id. The session's
// client_reference_id wins; otherwise the buyer email is matched against
// existing accounts.
func (e *FulfillmentEngine) resolveBuyer(ctx context.Context, tx store.Tx, session *gateway.CheckoutSession) (int64, error) {
	if ref := strings.TrimSpace(session.ClientReferenceID); ref != "" {
		userID, err := strconv.ParseInt(ref, 10, 64)
		if err != nil || userID <= 0 {
			return 0, fmt.Errorf("%w: bad client reference %q", ErrUnresolvedReference, ref)
		}
		return userID, nil
	}

	email := strings.TrimSpace(session.CustomerEmail)
	if email == "" {
		return 0, fmt.Errorf("%w: session %s has neither client reference nor email", ErrUnresolvedReference, session.ID)
	}

	userID, err := tx.UserIDByEmail(ctx, email)
	if err != nil {
		return 0, err
	}
	if userID == 0 {
		return 0, fmt.Errorf("%w: no account for buyer %s", ErrUnresolvedReference, email)
	}
	return userID, nil
}
