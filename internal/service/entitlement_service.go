package service

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// EntitlementStore is the slice of the data layer the entitlement service
// needs. *store.Store satisfies it.
type EntitlementStore interface {
	UpsertEntitlement(ctx context.Context, ent *models.Entitlement) error
	EntitlementByUserProduct(ctx context.Context, userID, productID int64) (*models.Entitlement, error)
	ActiveEntitlementsByUser(ctx context.Context, userID int64) ([]models.Entitlement, error)
	RevokeEntitlement(ctx context.Context, userID, productID int64, reason string) (bool, error)
}

// EntitlementService handles grant/revoke/check operations on access rights
type EntitlementService struct {
	store  EntitlementStore
	logger *zap.Logger
	now    func() time.Time
}

// NewEntitlementService creates a new entitlement service
func NewEntitlementService(store EntitlementStore) *EntitlementService {
	return &EntitlementService{
		store:  store,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// Grant gives userID access to productID, recording the originating order.
// Granting for a pair that already has a row reactivates it instead of
// inserting a duplicate.
func (s *EntitlementService) Grant(ctx context.Context, userID, productID, orderID int64, expiresAt *time.Time) (*models.Entitlement, error) {
	ent := &models.Entitlement{
		UserID:    userID,
		ProductID: productID,
		OrderID:   &orderID,
		ExpiresAt: expiresAt,
	}

	if err := s.store.UpsertEntitlement(ctx, ent); err != nil {
		return nil, fmt.Errorf("failed to grant entitlement: %w", err)
	}

	util.EntitlementsGrantedTotal.Inc()
	s.logger.Info("Entitlement granted",
		zap.Int64("user_id", userID),
		zap.Int64("product_id", productID),
		zap.Int64("order_id", orderID))
	return ent, nil
}

// Revoke deactivates the (user, product) grant. Revoking an already
// revoked entitlement is a no-op, not an error.
func (s *EntitlementService) Revoke(ctx context.Context, userID, productID int64, reason string) error {
	revoked, err := s.store.RevokeEntitlement(ctx, userID, productID, reason)
	if err != nil {
		return fmt.Errorf("failed to revoke entitlement: %w", err)
	}

	if revoked {
		util.EntitlementsRevokedTotal.WithLabelValues(reason).Inc()
		s.logger.Info("Entitlement revoked",
			zap.Int64("user_id", userID),
			zap.Int64("product_id", productID),
			zap.String("reason", reason))
	}
	return nil
}

// CheckAccess reports whether the user currently holds an active grant for
// the product. Expiry is enforced here: an active row past its expires_at
// answers false and is persisted as revoked the first time it is observed.
func (s *EntitlementService) CheckAccess(ctx context.Context, userID, productID int64) (bool, error) {
	ent, err := s.store.EntitlementByUserProduct(ctx, userID, productID)
	if err != nil {
		return false, fmt.Errorf("failed to check access: %w", err)
	}
	if ent == nil {
		return false, nil
	}

	switch ent.State(s.now()) {
	case models.AccessActive:
		return true, nil
	case models.AccessExpired:
		if ent.Active {
			if err := s.Revoke(ctx, userID, productID, models.RevokeReasonExpired); err != nil {
				// Deny regardless; the lazy revoke will land on a later check.
				s.logger.Error("Failed to persist expiry revocation",
					zap.Int64("user_id", userID),
					zap.Int64("product_id", productID),
					zap.Error(err))
			}
		}
		return false, nil
	default:
		return false, nil
	}
}

// CheckBulkAccess answers CheckAccess for a set of products in one call
func (s *EntitlementService) CheckBulkAccess(ctx context.Context, userID int64, productIDs []int64) (map[int64]bool, error) {
	result := make(map[int64]bool, len(productIDs))
	for _, productID := range productIDs {
		ok, err := s.CheckAccess(ctx, userID, productID)
		if err != nil {
			return nil, err
		}
		result[productID] = ok
	}
	return result, nil
}

// ListActive returns the user's currently active grants, filtering out any
// that have expired but not yet been lazily revoked.
func (s *EntitlementService) ListActive(ctx context.Context, userID int64) ([]models.Entitlement, error) {
	ents, err := s.store.ActiveEntitlementsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entitlements: %w", err)
	}

	now := s.now()
	active := ents[:0]
	for _, ent := range ents {
		if ent.State(now) == models.AccessActive {
			active = append(active, ent)
		}
	}
	return active, nil
}
