package reconcile

import (
	"slices"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/order"
)

// orderLevel keys order-level records in a Result.
const orderLevel = ""

// Result is the authoritative post-commit state of the reconciled records.
// It is immutable: accessors return copies.
type Result struct {
	discounts map[string][]discount.Record

	Created int
	Updated int
	Deleted int
}

// Discounts returns the records now persisted for the line.
func (r *Result) Discounts(lineID string) []discount.Record {
	return slices.Clone(r.discounts[lineID])
}

// OrderDiscounts returns the order-level records now persisted.
func (r *Result) OrderDiscounts() []discount.Record {
	return slices.Clone(r.discounts[orderLevel])
}

// Covers reports whether the result holds state for the line.
func (r *Result) Covers(lineID string) bool {
	_, ok := r.discounts[lineID]
	return ok
}

// Apply installs the snapshot on the lines it covers.
func (r *Result) Apply(lines []*order.Line) {
	for _, l := range lines {
		if r.Covers(l.ID) {
			l.Discounts = r.Discounts(l.ID)
		}
	}
}

// ApplyOrder installs the order-level snapshot when the result covers it.
func (r *Result) ApplyOrder(o *order.Order) {
	if r.Covers(orderLevel) {
		o.Discounts = r.OrderDiscounts()
	}
}

// Changed reports whether anything was written.
func (r *Result) Changed() bool {
	return r.Created+r.Updated+r.Deleted > 0
}
