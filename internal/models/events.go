package models

import "time"

// Internal event types published to the fulfillment topic
const (
	EventTypeEntitlementGranted  = "ENTITLEMENT_GRANTED"
	EventTypeOrderRefunded       = "ORDER_REFUNDED"
	EventTypeAccessLinkRequested = "ACCESS_LINK_REQUESTED"
)

// BaseEvent contains common fields for all internal events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// EntitlementGrantedEvent published after a payment event is fulfilled,
// one per granted entitlement. Carries everything the email worker needs
// so it never has to read the database.
type EntitlementGrantedEvent struct {
	BaseEvent
	OrderID       int64  `json:"order_id"`
	EntitlementID int64  `json:"entitlement_id"`
	UserID        int64  `json:"user_id"`
	BuyerEmail    string `json:"buyer_email"`
	ProductID     int64  `json:"product_id"`
	ProductSlug   string `json:"product_slug"`
	ProductName   string `json:"product_name"`
}

// OrderRefundedEvent published after a refund event is fulfilled
type OrderRefundedEvent struct {
	BaseEvent
	OrderID      int64  `json:"order_id"`
	BuyerEmail   string `json:"buyer_email"`
	RevokedCount int64  `json:"revoked_count"`
}

// AccessLinkRequestedEvent published by the resend endpoint
type AccessLinkRequestedEvent struct {
	BaseEvent
	EntitlementID int64  `json:"entitlement_id"`
	UserID        int64  `json:"user_id"`
	BuyerEmail    string `json:"buyer_email"`
	ProductID     int64  `json:"product_id"`
	ProductSlug   string `json:"product_slug"`
	ProductName   string `json:"product_name"`
}
