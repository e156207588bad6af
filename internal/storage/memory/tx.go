package memory

import (
	"context"
	"slices"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/order"
	"github.com/xenking/storefront-pricing/internal/domain/reconcile"
)

var _ reconcile.Tx = (*Tx)(nil)

// Tx stages writes for one order.
type Tx struct {
	store *Store
	st    *state
}

func (t *Tx) fault(op Op) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if err := t.store.faults[op]; err != nil {
		return errors.Wrapf(err, "%s", op)
	}
	return nil
}

// Load implements reconcile.Tx. It sees the writes staged so far.
func (t *Tx) Load(context.Context) (*order.Order, []*order.Line, error) {
	o, lines := t.st.materialize()
	return o, lines, nil
}

// Discounts implements reconcile.Tx.
func (t *Tx) Discounts(context.Context) ([]discount.Record, error) {
	return slices.Clone(t.st.records), nil
}

// DeleteDiscounts implements reconcile.Tx.
func (t *Tx) DeleteDiscounts(_ context.Context, ids []string) error {
	if err := t.fault(OpDeleteDiscounts); err != nil {
		return err
	}
	t.st.records = slices.DeleteFunc(t.st.records, func(r discount.Record) bool {
		return slices.Contains(ids, r.ID)
	})
	return nil
}

// CreateDiscounts implements reconcile.Tx. A record conflicts with
// another on the same line (or the order) with the same unique type.
func (t *Tx) CreateDiscounts(_ context.Context, records []discount.Record) ([]discount.Record, error) {
	if err := t.fault(OpCreateDiscounts); err != nil {
		return nil, err
	}
	var created []discount.Record
	for _, rec := range records {
		conflict := slices.ContainsFunc(t.st.records, func(r discount.Record) bool {
			return r.ID == rec.ID || (r.LineID == rec.LineID && r.UniqueType == rec.UniqueType)
		})
		if conflict {
			continue
		}
		t.st.records = append(t.st.records, rec)
		created = append(created, rec)
	}
	return created, nil
}

// UpdateDiscounts implements reconcile.Tx.
func (t *Tx) UpdateDiscounts(_ context.Context, updates []reconcile.Update) error {
	if err := t.fault(OpUpdateDiscounts); err != nil {
		return err
	}
	for _, u := range updates {
		i := slices.IndexFunc(t.st.records, func(r discount.Record) bool { return r.ID == u.Record.ID })
		if i < 0 {
			return errors.Errorf("discount %s not found", u.Record.ID)
		}
		t.st.records[i] = discount.Patch(t.st.records[i], discount.ProposalOf(u.Record), u.Fields)
	}
	return nil
}

// CreateLine implements reconcile.Tx.
func (t *Tx) CreateLine(_ context.Context, line *order.Line) error {
	if err := t.fault(OpCreateLine); err != nil {
		return err
	}
	if slices.ContainsFunc(t.st.lines, func(l order.Line) bool { return l.ID == line.ID }) {
		return errors.Errorf("line %s already exists", line.ID)
	}
	c := *line
	c.OrderID = t.st.order.ID
	c.Discounts = nil
	t.st.lines = append(t.st.lines, c)
	return nil
}

// DeleteLines implements reconcile.Tx. Records of deleted lines go with them.
func (t *Tx) DeleteLines(_ context.Context, ids []string) error {
	if err := t.fault(OpDeleteLines); err != nil {
		return err
	}
	t.st.lines = slices.DeleteFunc(t.st.lines, func(l order.Line) bool {
		return slices.Contains(ids, l.ID)
	})
	t.st.records = slices.DeleteFunc(t.st.records, func(r discount.Record) bool {
		return !r.IsOrderLevel() && slices.Contains(ids, r.LineID)
	})
	return nil
}

// SaveLines implements reconcile.Tx.
func (t *Tx) SaveLines(_ context.Context, lines []*order.Line) error {
	if err := t.fault(OpSaveLines); err != nil {
		return err
	}
	for _, l := range lines {
		i := slices.IndexFunc(t.st.lines, func(s order.Line) bool { return s.ID == l.ID })
		if i < 0 {
			return errors.Errorf("line %s not found", l.ID)
		}
		c := *l
		c.OrderID = t.st.order.ID
		c.Discounts = nil
		t.st.lines[i] = c
	}
	return nil
}

// SaveOrder implements reconcile.Tx.
func (t *Tx) SaveOrder(_ context.Context, o *order.Order) error {
	if err := t.fault(OpSaveOrder); err != nil {
		return err
	}
	c := *o
	c.Discounts = nil
	t.st.order = c
	return nil
}
