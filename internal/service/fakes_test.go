package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"

	"github.com/lib/pq"
)

// memState is the value-typed snapshot the fake store transacts over.
// Commit swaps the whole snapshot, so a failed transaction leaves no
// partial writes behind, mirroring the real store's guarantee.
type memState struct {
	orders          map[int64]models.Order
	ordersBySession map[string]int64
	ordersByPayment map[string]int64
	items           map[int64][]models.OrderItem
	ents            map[int64]models.Entitlement
	entsByPair      map[string]int64
	events          map[string]models.WebhookEvent
	users           map[string]int64
	products        map[int64]models.Product
	files           map[int64][]models.ProductFile
	nextID          int64
}

func newMemState() *memState {
	return &memState{
		orders:          map[int64]models.Order{},
		ordersBySession: map[string]int64{},
		ordersByPayment: map[string]int64{},
		items:           map[int64][]models.OrderItem{},
		ents:            map[int64]models.Entitlement{},
		entsByPair:      map[string]int64{},
		events:          map[string]models.WebhookEvent{},
		users:           map[string]int64{},
		products:        map[int64]models.Product{},
		files:           map[int64][]models.ProductFile{},
	}
}

func (st *memState) clone() *memState {
	dup := newMemState()
	dup.nextID = st.nextID
	for k, v := range st.orders {
		dup.orders[k] = v
	}
	for k, v := range st.ordersBySession {
		dup.ordersBySession[k] = v
	}
	for k, v := range st.ordersByPayment {
		dup.ordersByPayment[k] = v
	}
	for k, v := range st.items {
		dup.items[k] = append([]models.OrderItem(nil), v...)
	}
	for k, v := range st.ents {
		dup.ents[k] = v
	}
	for k, v := range st.entsByPair {
		dup.entsByPair[k] = v
	}
	for k, v := range st.events {
		dup.events[k] = v
	}
	for k, v := range st.users {
		dup.users[k] = v
	}
	for k, v := range st.products {
		dup.products[k] = v
	}
	for k, v := range st.files {
		dup.files[k] = append([]models.ProductFile(nil), v...)
	}
	return dup
}

func pairKey(userID, productID int64) string {
	return fmt.Sprintf("%d/%d", userID, productID)
}

// memStore is an in-memory stand-in for *store.Store
type memStore struct {
	mu    sync.Mutex
	state *memState

	// failOn injects a failure into the named transactional operation
	failOn string

	// hideSessionReads makes the next N transactions miss session-keyed
	// order reads, simulating a concurrent insert that has not committed
	// yet when the dedup read runs.
	hideSessionReads int
}

func newMemStore() *memStore {
	return &memStore{state: newMemState()}
}

var errInjected = errors.New("injected failure")

func (m *memStore) Transact(ctx context.Context, fn func(tx store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := &memTx{state: m.state.clone(), failOn: m.failOn}
	if m.hideSessionReads > 0 {
		m.hideSessionReads--
		work.hideSession = true
	}
	if err := fn(work); err != nil {
		return err
	}
	m.state = work.state
	return nil
}

// memTx implements store.Tx against a snapshot
type memTx struct {
	state       *memState
	failOn      string
	hideSession bool
}

func (t *memTx) OrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	if t.hideSession {
		return nil, nil
	}
	if id, ok := t.state.ordersBySession[sessionID]; ok {
		order := t.state.orders[id]
		return &order, nil
	}
	return nil, nil
}

func (t *memTx) OrderByPaymentID(ctx context.Context, paymentID string) (*models.Order, error) {
	if id, ok := t.state.ordersByPayment[paymentID]; ok {
		order := t.state.orders[id]
		return &order, nil
	}
	return nil, nil
}

func (t *memTx) CreateOrder(ctx context.Context, order *models.Order) error {
	if t.failOn == "CreateOrder" {
		return errInjected
	}
	t.state.nextID++
	order.ID = t.state.nextID
	order.CreatedAt = time.Now()
	t.state.orders[order.ID] = *order
	if order.GatewaySessionID != nil {
		if _, exists := t.state.ordersBySession[*order.GatewaySessionID]; exists {
			return &pq.Error{Code: "23505", Constraint: "orders_gateway_session_id_key"}
		}
		t.state.ordersBySession[*order.GatewaySessionID] = order.ID
	}
	if order.GatewayPaymentID != nil {
		if _, exists := t.state.ordersByPayment[*order.GatewayPaymentID]; exists {
			return &pq.Error{Code: "23505", Constraint: "orders_gateway_payment_id_key"}
		}
		t.state.ordersByPayment[*order.GatewayPaymentID] = order.ID
	}
	return nil
}

func (t *memTx) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	if t.failOn == "CreateOrderItem" {
		return errInjected
	}
	t.state.nextID++
	item.ID = t.state.nextID
	t.state.items[item.OrderID] = append(t.state.items[item.OrderID], *item)
	return nil
}

func (t *memTx) MarkOrderRefunded(ctx context.Context, orderID int64) error {
	order, ok := t.state.orders[orderID]
	if !ok {
		return store.ErrOrderNotFound
	}
	now := time.Now()
	order.Status = models.OrderStatusRefunded
	order.RefundedAt = &now
	t.state.orders[orderID] = order
	return nil
}

func (t *memTx) UpsertEntitlement(ctx context.Context, ent *models.Entitlement) error {
	if t.failOn == "UpsertEntitlement" {
		return errInjected
	}
	upsertEntitlement(t.state, ent)
	return nil
}

func (t *memTx) RevokeEntitlementsByOrder(ctx context.Context, orderID int64, reason string) (int64, error) {
	var revoked int64
	now := time.Now()
	for id, ent := range t.state.ents {
		if ent.OrderID != nil && *ent.OrderID == orderID && ent.Active {
			ent.Active = false
			ent.RevokedAt = &now
			ent.RevokeReason = &reason
			t.state.ents[id] = ent
			revoked++
		}
	}
	return revoked, nil
}

func (t *memTx) MarkEventProcessed(ctx context.Context, eventID string) error {
	if t.failOn == "MarkEventProcessed" {
		return errInjected
	}
	markEventProcessed(t.state, eventID)
	return nil
}

func (t *memTx) ProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	return productsByIDs(t.state, ids), nil
}

func (t *memTx) UserIDByEmail(ctx context.Context, email string) (int64, error) {
	return t.state.users[email], nil
}

// Shared mutations used by both the tx view and the direct view

func upsertEntitlement(st *memState, ent *models.Entitlement) {
	key := pairKey(ent.UserID, ent.ProductID)
	now := time.Now()
	if id, ok := st.entsByPair[key]; ok {
		existing := st.ents[id]
		existing.Active = true
		existing.OrderID = ent.OrderID
		existing.ExpiresAt = ent.ExpiresAt
		existing.RevokedAt = nil
		existing.RevokeReason = nil
		existing.UpdatedAt = now
		st.ents[id] = existing
		*ent = existing
		return
	}
	st.nextID++
	ent.ID = st.nextID
	ent.Active = true
	ent.CreatedAt = now
	ent.UpdatedAt = now
	st.ents[ent.ID] = *ent
	st.entsByPair[key] = ent.ID
}

func markEventProcessed(st *memState, eventID string) {
	evt, ok := st.events[eventID]
	if !ok {
		return
	}
	now := time.Now()
	evt.Processed = true
	evt.ProcessingError = nil
	evt.ProcessedAt = &now
	st.events[eventID] = evt
}

func productsByIDs(st *memState, ids []int64) []models.Product {
	var products []models.Product
	for _, id := range ids {
		if p, ok := st.products[id]; ok {
			products = append(products, p)
		}
	}
	return products
}

// Direct (non-transactional) views, satisfying the service interfaces

func (m *memStore) InsertWebhookEvent(ctx context.Context, evt *models.WebhookEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.state.events[evt.EventID]; exists {
		return false, nil
	}
	evt.ReceivedAt = time.Now()
	m.state.events[evt.EventID] = *evt
	return true, nil
}

func (m *memStore) WebhookEventByID(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evt, ok := m.state.events[eventID]; ok {
		return &evt, nil
	}
	return nil, nil
}

func (m *memStore) IncrementEventAttempts(ctx context.Context, eventID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evt, ok := m.state.events[eventID]
	if !ok {
		return 0, errors.New("no such event")
	}
	evt.Attempts++
	m.state.events[eventID] = evt
	return evt.Attempts, nil
}

func (m *memStore) RecordEventError(ctx context.Context, eventID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	evt, ok := m.state.events[eventID]
	if !ok {
		return errors.New("no such event")
	}
	evt.Processed = false
	evt.ProcessingError = &message
	m.state.events[eventID] = evt
	return nil
}

func (m *memStore) UpsertEntitlement(ctx context.Context, ent *models.Entitlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	upsertEntitlement(m.state, ent)
	return nil
}

func (m *memStore) EntitlementByUserProduct(ctx context.Context, userID, productID int64) (*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.state.entsByPair[pairKey(userID, productID)]; ok {
		ent := m.state.ents[id]
		return &ent, nil
	}
	return nil, nil
}

func (m *memStore) EntitlementByID(ctx context.Context, id int64) (*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ent, ok := m.state.ents[id]; ok {
		return &ent, nil
	}
	return nil, nil
}

func (m *memStore) ActiveEntitlementsByUser(ctx context.Context, userID int64) ([]models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ents []models.Entitlement
	for _, ent := range m.state.ents {
		if ent.UserID == userID && ent.Active {
			ents = append(ents, ent)
		}
	}
	return ents, nil
}

func (m *memStore) ActiveEntitlementsByEmail(ctx context.Context, email string, productID int64) ([]models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ents []models.Entitlement
	for _, ent := range m.state.ents {
		if !ent.Active || ent.OrderID == nil {
			continue
		}
		order, ok := m.state.orders[*ent.OrderID]
		if !ok || order.BuyerEmail != email {
			continue
		}
		if productID != 0 && ent.ProductID != productID {
			continue
		}
		ents = append(ents, ent)
	}
	return ents, nil
}

func (m *memStore) RevokeEntitlement(ctx context.Context, userID, productID int64, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.state.entsByPair[pairKey(userID, productID)]
	if !ok {
		return false, nil
	}
	ent := m.state.ents[id]
	if !ent.Active {
		return false, nil
	}
	now := time.Now()
	ent.Active = false
	ent.RevokedAt = &now
	ent.RevokeReason = &reason
	ent.UpdatedAt = now
	m.state.ents[id] = ent
	return true, nil
}

func (m *memStore) ProductBySlug(ctx context.Context, slug string) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.state.products {
		if p.Slug == slug {
			product := p
			return &product, nil
		}
	}
	return nil, store.ErrProductNotFound
}

func (m *memStore) ProductFiles(ctx context.Context, productID int64) ([]models.ProductFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ProductFile(nil), m.state.files[productID]...), nil
}

func (m *memStore) ProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return productsByIDs(m.state, ids), nil
}

// Seeding helpers

func (m *memStore) addProduct(p models.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.products[p.ID] = p
	if p.ID > m.state.nextID {
		m.state.nextID = p.ID
	}
}

func (m *memStore) addUser(email string, id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.users[email] = id
}

func (m *memStore) addFile(f models.ProductFile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.files[f.ProductID] = append(m.state.files[f.ProductID], f)
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.orders)
}

func (m *memStore) entitlementCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.ents)
}

func (m *memStore) orderBySession(sessionID string) *models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.state.ordersBySession[sessionID]; ok {
		order := m.state.orders[id]
		return &order
	}
	return nil
}

func (m *memStore) event(eventID string) *models.WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evt, ok := m.state.events[eventID]; ok {
		return &evt
	}
	return nil
}
