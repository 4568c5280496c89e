package models

import "time"

// Product represents a purchasable digital good
type Product struct {
	ID        int64     `db:"id" json:"id"`
	Slug      string    `db:"slug" json:"slug"`
	Name      string    `db:"name" json:"name"`
	Price     int64     `db:"price" json:"price"`
	Currency  string    `db:"currency" json:"currency"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ProductFile represents a downloadable file belonging to a product
type ProductFile struct {
	ID        int64  `db:"id" json:"id"`
	ProductID int64  `db:"product_id" json:"product_id"`
	Name      string `db:"name" json:"name"`
	ObjectKey string `db:"object_key" json:"object_key"`
	SizeBytes int64  `db:"size_bytes" json:"size_bytes"`
	Checksum  string `db:"checksum" json:"checksum"`
}

// User represents a buyer account
type User struct {
	ID        int64     `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Order represents a purchase transaction
type Order struct {
	ID               int64      `db:"id" json:"id"`
	GatewaySessionID *string    `db:"gateway_session_id" json:"gateway_session_id,omitempty"`
	GatewayPaymentID *string    `db:"gateway_payment_id" json:"gateway_payment_id,omitempty"`
	BuyerEmail       string     `db:"buyer_email" json:"buyer_email"`
	BuyerID          *int64     `db:"buyer_id" json:"buyer_id,omitempty"`
	TotalAmount      int64      `db:"total_amount" json:"total_amount"`
	Currency         string     `db:"currency" json:"currency"`
	Status           string     `db:"status" json:"status"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	FulfilledAt      *time.Time `db:"fulfilled_at" json:"fulfilled_at,omitempty"`
	RefundedAt       *time.Time `db:"refunded_at" json:"refunded_at,omitempty"`
}

// OrderItem represents a line item in an order, immutable once created
type OrderItem struct {
	ID          int64  `db:"id" json:"id"`
	OrderID     int64  `db:"order_id" json:"order_id"`
	ProductID   int64  `db:"product_id" json:"product_id"`
	ProductName string `db:"product_name" json:"product_name"`
	Amount      int64  `db:"amount" json:"amount"`
}

// Entitlement represents a durable (user, product) access grant.
// At most one row exists per pair; a repeat grant reactivates the row
// instead of inserting a second one.
type Entitlement struct {
	ID           int64      `db:"id" json:"id"`
	UserID       int64      `db:"user_id" json:"user_id"`
	ProductID    int64      `db:"product_id" json:"product_id"`
	Active       bool       `db:"active" json:"active"`
	OrderID      *int64     `db:"order_id" json:"order_id,omitempty"`
	ExpiresAt    *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	RevokedAt    *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	RevokeReason *string    `db:"revoke_reason" json:"revoke_reason,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// AccessState is the collapsed view of an entitlement's lifecycle
type AccessState int

const (
	AccessNone AccessState = iota
	AccessActive
	AccessRevoked
	AccessExpired
)

func (s AccessState) String() string {
	switch s {
	case AccessActive:
		return "active"
	case AccessRevoked:
		return "revoked"
	case AccessExpired:
		return "expired"
	default:
		return "none"
	}
}

// State collapses the row's flag and nullable revoke fields into a single
// value. An active row past its expiry reads as expired even before the
// lazy revoke has been persisted.
func (e *Entitlement) State(now time.Time) AccessState {
	if e.Active {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			return AccessExpired
		}
		return AccessActive
	}
	if e.RevokeReason != nil && *e.RevokeReason == RevokeReasonExpired {
		return AccessExpired
	}
	return AccessRevoked
}

// WebhookEvent is the idempotency ledger entry for an inbound gateway event.
// Invariant: processed=true implies processing_error is null.
type WebhookEvent struct {
	EventID         string     `db:"event_id" json:"event_id"`
	EventType       string     `db:"event_type" json:"event_type"`
	RawPayload      []byte     `db:"raw_payload" json:"raw_payload"`
	Processed       bool       `db:"processed" json:"processed"`
	ProcessingError *string    `db:"processing_error" json:"processing_error,omitempty"`
	Attempts        int        `db:"attempts" json:"attempts"`
	ReceivedAt      time.Time  `db:"received_at" json:"received_at"`
	ProcessedAt     *time.Time `db:"processed_at" json:"processed_at,omitempty"`
}

// Order statuses
const (
	OrderStatusPending   = "PENDING"
	OrderStatusCompleted = "COMPLETED"
	OrderStatusRefunded  = "REFUNDED"
	OrderStatusFailed    = "FAILED"
)

// Revoke reasons
const (
	RevokeReasonOrderRefunded = "order refunded"
	RevokeReasonExpired       = "entitlement expired"
)
