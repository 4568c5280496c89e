package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrOrderNotFound   = errors.New("order not found")
)

// Tx is the set of queries available inside a fulfillment transaction.
// *Store implements the same queries outside a transaction.
type Tx interface {
	OrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error)
	OrderByPaymentID(ctx context.Context, paymentID string) (*models.Order, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	MarkOrderRefunded(ctx context.Context, orderID int64) error
	UpsertEntitlement(ctx context.Context, ent *models.Entitlement) error
	RevokeEntitlementsByOrder(ctx context.Context, orderID int64, reason string) (int64, error)
	MarkEventProcessed(ctx context.Context, eventID string) error
	ProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	UserIDByEmail(ctx context.Context, email string) (int64, error)
}

// queries holds every statement shared by the pooled connection and open
// transactions. sqlx.ExtContext is satisfied by both *sqlx.DB and *sqlx.Tx.
type queries struct {
	ext sqlx.ExtContext
}

// Store is the Postgres-backed data layer
type Store struct {
	queries
	db *sqlx.DB
}

// txQueries exposes the shared queries bound to an open transaction
type txQueries struct {
	queries
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{queries: queries{ext: db}, db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Transact runs fn inside a single transaction. Either every write fn
// performs is committed or none of them are.
func (s *Store) Transact(ctx context.Context, fn func(tx Tx) error) error {
	txx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer txx.Rollback()

	if err := fn(&txQueries{queries{ext: txx}}); err != nil {
		return err
	}

	return txx.Commit()
}

// ProductBySlug retrieves a product by its URL slug
func (q *queries) ProductBySlug(ctx context.Context, slug string) (*models.Product, error) {
	var product models.Product
	err := sqlx.GetContext(ctx, q.ext, &product, "SELECT * FROM products WHERE slug = $1", slug)
	if err == sql.ErrNoRows {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// ProductsByIDs retrieves multiple products by IDs
func (q *queries) ProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = q.ext.Rebind(query)

	var products []models.Product
	err = sqlx.SelectContext(ctx, q.ext, &products, query, args...)
	return products, err
}

// ProductFiles retrieves the download manifest entries for a product
func (q *queries) ProductFiles(ctx context.Context, productID int64) ([]models.ProductFile, error) {
	var files []models.ProductFile
	err := sqlx.SelectContext(ctx, q.ext, &files,
		"SELECT * FROM product_files WHERE product_id = $1 ORDER BY name", productID)
	return files, err
}

// UserIDByEmail resolves a buyer email to an account id.
// Returns 0 with no error when no account exists for the address.
func (q *queries) UserIDByEmail(ctx context.Context, email string) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, q.ext, &id, "SELECT id FROM users WHERE email = $1", email)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}
