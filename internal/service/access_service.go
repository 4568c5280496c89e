package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/resilience"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrTokenProductMismatch = errors.New("token was issued for a different product")
	ErrAccessRevoked        = errors.New("entitlement is no longer active")
)

const (
	manifestCacheTTL = 5 * time.Minute
	resendCooldown   = 10 * time.Minute
	resendBatchLimit = 20
)

// AccessStore is the catalog/entitlement slice of the data layer the
// access endpoints need. *store.Store satisfies it.
type AccessStore interface {
	ProductBySlug(ctx context.Context, slug string) (*models.Product, error)
	ProductFiles(ctx context.Context, productID int64) ([]models.ProductFile, error)
	ProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	EntitlementByID(ctx context.Context, id int64) (*models.Entitlement, error)
	ActiveEntitlementsByEmail(ctx context.Context, email string, productID int64) ([]models.Entitlement, error)
}

// ManifestCache caches rendered download manifests. Best effort.
type ManifestCache interface {
	GetManifest(ctx context.Context, productID int64) ([]byte, error)
	CacheManifest(ctx context.Context, productID int64, data []byte, ttl time.Duration) error
	AcquireResendLock(ctx context.Context, email string, ttl time.Duration) (bool, error)
}

// LinkPublisher emits resend requests for the email worker.
// *broker.EventPublisher satisfies it.
type LinkPublisher interface {
	PublishAccessLinkRequested(ctx context.Context, event *models.AccessLinkRequestedEvent) error
}

// DownloadManifest is what a valid access link resolves to
type DownloadManifest struct {
	ProductSlug string         `json:"product_slug"`
	ProductName string         `json:"product_name"`
	Files       []ManifestFile `json:"files"`
}

// ManifestFile describes one downloadable file. The content layer serves
// the object keys; this service only decides access.
type ManifestFile struct {
	Name      string `json:"name"`
	ObjectKey string `json:"object_key"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// AccessService resolves magic-link downloads and resend requests
type AccessService struct {
	store        AccessStore
	entitlements *EntitlementService
	tokens       *AccessTokenService
	cache        ManifestCache
	publisher    LinkPublisher
	boundary     *resilience.Boundary
	logger       *zap.Logger
	now          func() time.Time
}

// NewAccessService creates a new access service. cache and publisher may
// be nil.
func NewAccessService(
	store AccessStore,
	entitlements *EntitlementService,
	tokens *AccessTokenService,
	cache ManifestCache,
	publisher LinkPublisher,
) *AccessService {
	logger := util.GetLogger()
	return &AccessService{
		store:        store,
		entitlements: entitlements,
		tokens:       tokens,
		cache:        cache,
		publisher:    publisher,
		boundary:     resilience.NewBoundary("access-link-requests", nil, logger),
		logger:       logger,
		now:          time.Now,
	}
}

// Resolve validates an access link and returns the product's download
// manifest. The token alone is never enough: the live entitlement row
// decides, so a link e-mailed before a refund stops working the moment the
// refund is fulfilled.
func (s *AccessService) Resolve(ctx context.Context, productSlug, rawToken string) (*DownloadManifest, error) {
	product, err := s.store.ProductBySlug(ctx, productSlug)
	if err != nil {
		util.AccessDeniedTotal.WithLabelValues("product_not_found").Inc()
		return nil, err
	}

	claims, err := s.tokens.Validate(rawToken)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			util.AccessDeniedTotal.WithLabelValues("token_expired").Inc()
		} else {
			util.AccessDeniedTotal.WithLabelValues("invalid_token").Inc()
		}
		return nil, err
	}

	if claims.ProductID != product.ID {
		util.AccessDeniedTotal.WithLabelValues("product_mismatch").Inc()
		return nil, ErrTokenProductMismatch
	}

	ent, err := s.store.EntitlementByID(ctx, claims.EntitlementID)
	if err != nil {
		return nil, err
	}
	if ent == nil || ent.ProductID != product.ID {
		util.AccessDeniedTotal.WithLabelValues("product_mismatch").Inc()
		return nil, ErrTokenProductMismatch
	}

	allowed, err := s.entitlements.CheckAccess(ctx, ent.UserID, product.ID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		util.AccessDeniedTotal.WithLabelValues("revoked").Inc()
		return nil, ErrAccessRevoked
	}

	manifest, err := s.manifest(ctx, product)
	if err != nil {
		return nil, err
	}

	util.AccessGrantsServedTotal.Inc()
	return manifest, nil
}

// manifest reads the cached manifest and degrades to a database build on
// any cache problem.
func (s *AccessService) manifest(ctx context.Context, product *models.Product) (*DownloadManifest, error) {
	return resilience.WithFallback(ctx,
		func(ctx context.Context) (*DownloadManifest, error) {
			return s.cachedManifest(ctx, product.ID)
		},
		func(ctx context.Context, _ error) (*DownloadManifest, error) {
			return s.buildManifest(ctx, product)
		},
	)
}

func (s *AccessService) cachedManifest(ctx context.Context, productID int64) (*DownloadManifest, error) {
	if s.cache == nil {
		return nil, errors.New("no manifest cache configured")
	}
	data, err := s.cache.GetManifest(ctx, productID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.New("manifest not cached")
	}
	var manifest DownloadManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func (s *AccessService) buildManifest(ctx context.Context, product *models.Product) (*DownloadManifest, error) {
	files, err := s.store.ProductFiles(ctx, product.ID)
	if err != nil {
		return nil, err
	}

	manifest := &DownloadManifest{
		ProductSlug: product.Slug,
		ProductName: product.Name,
		Files:       make([]ManifestFile, 0, len(files)),
	}
	for _, f := range files {
		manifest.Files = append(manifest.Files, ManifestFile{
			Name:      f.Name,
			ObjectKey: f.ObjectKey,
			SizeBytes: f.SizeBytes,
			Checksum:  f.Checksum,
		})
	}

	if s.cache != nil {
		if data, err := json.Marshal(manifest); err == nil {
			if err := s.cache.CacheManifest(ctx, product.ID, data, manifestCacheTTL); err != nil {
				s.logger.Warn("Failed to cache manifest",
					zap.Int64("product_id", product.ID),
					zap.Error(err))
			}
		}
	}
	return manifest, nil
}

// Resend queues fresh access links for every active entitlement tied to
// the buyer email. It neither confirms nor denies that the address exists:
// the outcome looks identical either way, and failures are only logged.
func (s *AccessService) Resend(ctx context.Context, email, productSlug string) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return
	}

	var productID int64
	if slug := strings.TrimSpace(productSlug); slug != "" {
		product, err := s.store.ProductBySlug(ctx, slug)
		if err != nil {
			// Unknown product looks the same as an unknown email.
			return
		}
		productID = product.ID
	}

	// The cooldown lock is taken only once the inputs resolve, so a typo'd
	// slug does not burn the buyer's cooldown window.
	if s.cache != nil {
		acquired, err := s.cache.AcquireResendLock(ctx, email, resendCooldown)
		if err == nil && !acquired {
			s.logger.Info("Resend throttled", zap.String("email", email))
			return
		}
	}

	ents, err := s.store.ActiveEntitlementsByEmail(ctx, email, productID)
	if err != nil {
		s.logger.Error("Failed to look up entitlements for resend",
			zap.String("email", email),
			zap.Error(err))
		return
	}
	if len(ents) > resendBatchLimit {
		ents = ents[:resendBatchLimit]
	}

	products, err := s.productsFor(ctx, ents)
	if err != nil {
		s.logger.Error("Failed to load products for resend", zap.Error(err))
		return
	}

	now := s.now()
	for _, ent := range ents {
		if ent.State(now) != models.AccessActive {
			continue
		}
		product, ok := products[ent.ProductID]
		if !ok || s.publisher == nil {
			continue
		}

		ent := ent
		_ = s.boundary.Run(ctx, func(ctx context.Context) error {
			return s.publisher.PublishAccessLinkRequested(ctx, &models.AccessLinkRequestedEvent{
				BaseEvent: models.BaseEvent{
					EventID:   uuid.New().String(),
					EventType: models.EventTypeAccessLinkRequested,
					Timestamp: now,
				},
				EntitlementID: ent.ID,
				UserID:        ent.UserID,
				BuyerEmail:    email,
				ProductID:     product.ID,
				ProductSlug:   product.Slug,
				ProductName:   product.Name,
			})
		})
	}
}

func (s *AccessService) productsFor(ctx context.Context, ents []models.Entitlement) (map[int64]models.Product, error) {
	ids := make([]int64, 0, len(ents))
	seen := make(map[int64]struct{}, len(ents))
	for _, ent := range ents {
		if _, ok := seen[ent.ProductID]; ok {
			continue
		}
		seen[ent.ProductID] = struct{}{}
		ids = append(ids, ent.ProductID)
	}

	products, err := s.store.ProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	return byID, nil
}
