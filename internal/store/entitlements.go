package store

import (
	"context"
	"database/sql"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// UpsertEntitlement grants access for a (user, product) pair. An existing
// row is reactivated in place: revoke fields cleared, provenance updated.
// The composite unique key on (user_id, product_id) makes repeated grants
// converge on one row.
func (q *queries) UpsertEntitlement(ctx context.Context, ent *models.Entitlement) error {
	query := `
		INSERT INTO entitlements (user_id, product_id, active, order_id, expires_at)
		VALUES ($1, $2, TRUE, $3, $4)
		ON CONFLICT (user_id, product_id) DO UPDATE
		SET active = TRUE,
		    order_id = EXCLUDED.order_id,
		    expires_at = EXCLUDED.expires_at,
		    revoked_at = NULL,
		    revoke_reason = NULL,
		    updated_at = NOW()
		RETURNING id, active, created_at, updated_at`

	return sqlx.GetContext(ctx, q.ext, ent, query,
		ent.UserID, ent.ProductID, ent.OrderID, ent.ExpiresAt)
}

// EntitlementByID retrieves an entitlement by primary key.
// Returns nil with no error when absent.
func (q *queries) EntitlementByID(ctx context.Context, id int64) (*models.Entitlement, error) {
	var ent models.Entitlement
	err := sqlx.GetContext(ctx, q.ext, &ent, "SELECT * FROM entitlements WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

// EntitlementByUserProduct retrieves the single row for a (user, product)
// pair. Returns nil with no error when absent.
func (q *queries) EntitlementByUserProduct(ctx context.Context, userID, productID int64) (*models.Entitlement, error) {
	var ent models.Entitlement
	err := sqlx.GetContext(ctx, q.ext, &ent,
		"SELECT * FROM entitlements WHERE user_id = $1 AND product_id = $2", userID, productID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

// ActiveEntitlementsByUser lists a user's active grants
func (q *queries) ActiveEntitlementsByUser(ctx context.Context, userID int64) ([]models.Entitlement, error) {
	var ents []models.Entitlement
	err := sqlx.SelectContext(ctx, q.ext, &ents,
		"SELECT * FROM entitlements WHERE user_id = $1 AND active ORDER BY created_at DESC", userID)
	return ents, err
}

// ActiveEntitlementsByEmail lists active grants whose originating order was
// placed with the given buyer email, optionally narrowed to one product.
// Used by the resend flow, which keys on email rather than account id.
func (q *queries) ActiveEntitlementsByEmail(ctx context.Context, email string, productID int64) ([]models.Entitlement, error) {
	query := `
		SELECT e.* FROM entitlements e
		JOIN orders o ON o.id = e.order_id
		WHERE o.buyer_email = $1 AND e.active`
	args := []interface{}{email}

	if productID != 0 {
		query += " AND e.product_id = $2"
		args = append(args, productID)
	}

	var ents []models.Entitlement
	err := sqlx.SelectContext(ctx, q.ext, &ents, query, args...)
	return ents, err
}

// RevokeEntitlement deactivates the (user, product) row. Revoking a row
// that is already revoked is a no-op: the WHERE clause skips inactive rows
// so revoked_at and revoke_reason keep their original values.
func (q *queries) RevokeEntitlement(ctx context.Context, userID, productID int64, reason string) (bool, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE entitlements
		SET active = FALSE, revoked_at = NOW(), revoke_reason = $3, updated_at = NOW()
		WHERE user_id = $1 AND product_id = $2 AND active`,
		userID, productID, reason)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RevokeEntitlementsByOrder deactivates every active entitlement the given
// order granted. Returns the number of rows revoked.
func (q *queries) RevokeEntitlementsByOrder(ctx context.Context, orderID int64, reason string) (int64, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE entitlements
		SET active = FALSE, revoked_at = NOW(), revoke_reason = $2, updated_at = NOW()
		WHERE order_id = $1 AND active`,
		orderID, reason)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
