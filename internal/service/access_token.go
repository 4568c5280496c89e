package service

import (
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/util"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	accessTokenType        = "access"
	DefaultAccessTTL       = 7 * 24 * time.Hour
	signatureLeewaySeconds = 30
)

var (
	ErrInvalidToken = errors.New("invalid access token")
	ErrTokenExpired = errors.New("access token expired")
)

// AccessClaims binds a capability to (email, product, entitlement). The
// token proves who was told about the purchase; whether they are still
// allowed is always re-checked against the entitlement store.
type AccessClaims struct {
	Email         string `json:"email"`
	ProductID     int64  `json:"product_id"`
	EntitlementID int64  `json:"entitlement_id"`
	TokenType     string `json:"token_type"`
	jwt.RegisteredClaims
}

// AccessTokenService mints and verifies short-lived access capabilities
type AccessTokenService struct {
	secret     []byte
	issuer     string
	audience   string
	defaultTTL time.Duration
	now        func() time.Time
}

// NewAccessTokenService creates a token service signing with HS256
func NewAccessTokenService(secret, issuer, audience string, defaultTTL time.Duration) *AccessTokenService {
	if defaultTTL <= 0 {
		defaultTTL = DefaultAccessTTL
	}
	return &AccessTokenService{
		secret:     []byte(secret),
		issuer:     issuer,
		audience:   audience,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Issue produces a signed capability for a magic-link download.
// A non-positive ttl falls back to the service default.
func (s *AccessTokenService) Issue(email string, productID, entitlementID int64, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		Email:         email,
		ProductID:     productID,
		EntitlementID: entitlementID,
		TokenType:     accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}

	util.AccessTokensIssuedTotal.Inc()
	return signed, nil
}

// Validate checks signature, issuer, audience, expiry and type tag. It
// grants nothing by itself: every consumer still checks the live
// entitlement, because a token can outlive a revocation.
func (s *AccessTokenService) Validate(raw string) (*AccessClaims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.now),
		jwt.WithLeeway(signatureLeewaySeconds*time.Second),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != accessTokenType {
		return nil, fmt.Errorf("%w: wrong token type %q", ErrInvalidToken, claims.TokenType)
	}
	if claims.EntitlementID == 0 || claims.ProductID == 0 {
		return nil, fmt.Errorf("%w: missing capability claims", ErrInvalidToken)
	}

	return claims, nil
}
