package store

import (
	"context"
	"database/sql"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateOrder creates a new order
func (q *queries) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (gateway_session_id, gateway_payment_id, buyer_email, buyer_id,
			total_amount, currency, status, fulfilled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	return sqlx.GetContext(ctx, q.ext, order, query,
		order.GatewaySessionID, order.GatewayPaymentID, order.BuyerEmail, order.BuyerID,
		order.TotalAmount, order.Currency, order.Status, order.FulfilledAt)
}

// OrderByID retrieves an order by ID
func (q *queries) OrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.ext, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// OrderBySessionID retrieves an order by its checkout session reference.
// Returns nil with no error when no order exists for the session.
func (q *queries) OrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.ext, &order,
		"SELECT * FROM orders WHERE gateway_session_id = $1", sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// OrderByPaymentID retrieves an order by its charge/payment reference.
// Returns nil with no error when no order exists for the payment.
func (q *queries) OrderByPaymentID(ctx context.Context, paymentID string) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.ext, &order,
		"SELECT * FROM orders WHERE gateway_payment_id = $1", paymentID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// MarkOrderRefunded flips a completed order to refunded
func (q *queries) MarkOrderRefunded(ctx context.Context, orderID int64) error {
	_, err := q.ext.ExecContext(ctx,
		"UPDATE orders SET status = $1, refunded_at = NOW() WHERE id = $2",
		models.OrderStatusRefunded, orderID)
	return err
}

// CreateOrderItem creates a new order item
func (q *queries) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, product_name, amount)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	return sqlx.GetContext(ctx, q.ext, &item.ID, query,
		item.OrderID, item.ProductID, item.ProductName, item.Amount)
}

// OrderItemsByOrderID retrieves all items for an order
func (q *queries) OrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := sqlx.SelectContext(ctx, q.ext, &items,
		"SELECT * FROM order_items WHERE order_id = $1", orderID)
	return items, err
}
