package reconcile

import (
	"context"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/order"
)

// Update is a staged record update. Only Fields are written.
type Update struct {
	Record discount.Record
	Fields []discount.Field
}

// Store opens per-order transactions.
type Store interface {
	// WithinLock runs fn in a single transaction that holds an exclusive
	// lock on the order row for its whole duration. An error returned by fn
	// rolls everything back.
	WithinLock(ctx context.Context, orderID string, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the surface of one locked transaction. Reads see the writes already
// made through it.
type Tx interface {
	// Load re-reads the locked order with its lines and discount records.
	Load(ctx context.Context) (*order.Order, []*order.Line, error)
	// Discounts returns every discount record of the locked order.
	Discounts(ctx context.Context) ([]discount.Record, error)

	DeleteDiscounts(ctx context.Context, ids []string) error
	// CreateDiscounts inserts records and returns the ones actually stored.
	// Records conflicting on (line, unique type) are silently skipped.
	CreateDiscounts(ctx context.Context, records []discount.Record) ([]discount.Record, error)
	UpdateDiscounts(ctx context.Context, updates []Update) error

	CreateLine(ctx context.Context, line *order.Line) error
	DeleteLines(ctx context.Context, ids []string) error
	SaveLines(ctx context.Context, lines []*order.Line) error
	SaveOrder(ctx context.Context, o *order.Order) error
}
