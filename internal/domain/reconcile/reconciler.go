// Package reconcile keeps persisted discount records in sync with the
// discounts the pricing stages computed.
package reconcile

import (
	"context"
	"slices"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/order"
)

// Reconciler is the only writer of discount records.
type Reconciler struct {
	store   Store
	newID   func() string
	lg      *zap.Logger
	changes metric.Int64Counter
}

// NewReconciler returns a Reconciler committing through store. A nil meter
// provider disables metrics.
func NewReconciler(store Store, lg *zap.Logger, mp metric.MeterProvider) (*Reconciler, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	changes, err := mp.Meter("storefront-pricing/reconcile").Int64Counter(
		"pricing.discount_records.changes",
		metric.WithDescription("Discount records written by reconciliation, by kind and operation"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create changes counter")
	}
	return &Reconciler{
		store:   store,
		newID:   uuid.NewString,
		lg:      lg.Named("reconcile"),
		changes: changes,
	}, nil
}

type plan struct {
	orderID string
	kind    discount.Kind
	deletes []discount.Record
	creates []discount.Record
	updates []Update
	// state is the expected post-commit record list per line, without the
	// records staged for creation.
	state map[string][]discount.Record
}

func newPlan(orderID string, kind discount.Kind) *plan {
	return &plan{orderID: orderID, kind: kind, state: make(map[string][]discount.Record)}
}

// stage decides the writes for one slot: the records of kind on one line (or
// on the order when lineID is empty).
func (p *plan) stage(r *Reconciler, lineID string, existing []discount.Record, proposal *discount.Proposal) {
	kept := make([]discount.Record, 0, len(existing))

	if p.kind != discount.KindManual && discount.Has(existing, discount.KindManual) {
		// Manual wins: every other record attached next to it goes.
		for _, rec := range existing {
			if rec.Kind == discount.KindManual {
				kept = append(kept, rec)
				continue
			}
			p.deletes = append(p.deletes, rec)
		}
		p.state[lineID] = kept
		return
	}

	var current []discount.Record
	for _, rec := range existing {
		if rec.Kind == p.kind {
			current = append(current, rec)
			continue
		}
		kept = append(kept, rec)
	}

	switch {
	case proposal == nil:
		p.deletes = append(p.deletes, current...)
	case len(current) == 0:
		p.creates = append(p.creates, proposal.NewRecord(r.newID(), p.orderID, lineID))
	default:
		rec := current[0]
		if fields := discount.Diff(rec, *proposal); len(fields) > 0 {
			rec = discount.Patch(rec, *proposal, fields)
			p.updates = append(p.updates, Update{Record: rec, Fields: fields})
		}
		kept = append(kept, rec)
		// More than one record of a non-stacking kind: keep the oldest.
		p.deletes = append(p.deletes, current[1:]...)
	}
	p.state[lineID] = kept
}

// Reconcile commits the line-level records of kind in its own locked
// transaction. The records on lines are replaced by the ones read under the
// lock; lines themselves are not modified.
func (r *Reconciler) Reconcile(
	ctx context.Context,
	orderID string,
	lines []*order.Line,
	kind discount.Kind,
	proposals map[string]*discount.Proposal,
) (*Result, error) {
	var res *Result
	err := r.store.WithinLock(ctx, orderID, func(ctx context.Context, tx Tx) error {
		stored, err := tx.Discounts(ctx)
		if err != nil {
			return &CommitError{OrderID: orderID, Op: "load discounts", Err: err}
		}
		res, err = r.ReconcileTx(ctx, tx, orderID, withStored(lines, stored), kind, proposals)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ReconcileTx commits the line-level records of kind inside tx. proposals
// maps line id to the wanted record; a missing or nil entry removes the
// line's record of that kind.
func (r *Reconciler) ReconcileTx(
	ctx context.Context,
	tx Tx,
	orderID string,
	lines []*order.Line,
	kind discount.Kind,
	proposals map[string]*discount.Proposal,
) (*Result, error) {
	p := newPlan(orderID, kind)
	for _, l := range lines {
		p.stage(r, l.ID, l.Discounts, proposals[l.ID])
	}
	return r.commit(ctx, tx, p)
}

// ReconcileOrderTx commits the order-level record of kind inside tx. A nil
// proposal removes it.
func (r *Reconciler) ReconcileOrderTx(
	ctx context.Context,
	tx Tx,
	o *order.Order,
	kind discount.Kind,
	proposal *discount.Proposal,
) (*Result, error) {
	p := newPlan(o.ID, kind)
	p.stage(r, orderLevel, o.Discounts, proposal)
	return r.commit(ctx, tx, p)
}

func (r *Reconciler) commit(ctx context.Context, tx Tx, p *plan) (*Result, error) {
	if len(p.deletes) > 0 {
		ids := make([]string, len(p.deletes))
		for i, rec := range p.deletes {
			ids[i] = rec.ID
		}
		if err := tx.DeleteDiscounts(ctx, ids); err != nil {
			return nil, &CommitError{OrderID: p.orderID, Op: "delete discounts", Err: err}
		}
	}

	var created []discount.Record
	if len(p.creates) > 0 {
		var err error
		created, err = tx.CreateDiscounts(ctx, p.creates)
		if err != nil {
			return nil, &CommitError{OrderID: p.orderID, Op: "create discounts", Err: err}
		}
		if dropped := len(p.creates) - len(created); dropped > 0 {
			adopted, err := r.adoptWinners(ctx, tx, p, created)
			if err != nil {
				return nil, &CommitError{OrderID: p.orderID, Op: "load conflicting discounts", Err: err}
			}
			r.lg.Info("Discount records skipped on conflict",
				zap.String("order_id", p.orderID),
				zap.Stringer("kind", p.kind),
				zap.Int("dropped", dropped),
				zap.Int("adopted", adopted),
			)
		}
	}

	if len(p.updates) > 0 {
		if err := tx.UpdateDiscounts(ctx, p.updates); err != nil {
			return nil, &CommitError{OrderID: p.orderID, Op: "update discounts", Err: err}
		}
	}

	for _, rec := range created {
		p.state[rec.LineID] = append(p.state[rec.LineID], rec)
	}
	for lineID, recs := range p.state {
		p.state[lineID] = slices.Clip(recs)
	}

	res := &Result{
		discounts: p.state,
		Created:   len(created),
		Updated:   len(p.updates),
		Deleted:   len(p.deletes),
	}
	r.record(ctx, p.kind, res)
	return res, nil
}

// adoptWinners puts the stored record that won each skipped create into the
// plan's state, patched to the skipped record's values. It returns how many
// were found.
func (r *Reconciler) adoptWinners(ctx context.Context, tx Tx, p *plan, created []discount.Record) (int, error) {
	stored, err := tx.Discounts(ctx)
	if err != nil {
		return 0, err
	}
	adopted := 0
	for _, want := range p.creates {
		if slices.ContainsFunc(created, func(c discount.Record) bool { return c.ID == want.ID }) {
			continue
		}
		i := slices.IndexFunc(stored, func(s discount.Record) bool {
			return s.LineID == want.LineID && s.UniqueType == want.UniqueType && s.ID != want.ID
		})
		if i < 0 {
			continue
		}
		winner, proposal := stored[i], discount.ProposalOf(want)
		if fields := discount.Diff(winner, proposal); len(fields) > 0 {
			winner = discount.Patch(winner, proposal, fields)
			p.updates = append(p.updates, Update{Record: winner, Fields: fields})
		}
		p.state[want.LineID] = append(p.state[want.LineID], winner)
		adopted++
	}
	return adopted, nil
}

// withStored returns shallow copies of lines carrying the stored records.
func withStored(lines []*order.Line, stored []discount.Record) []*order.Line {
	byLine := make(map[string][]discount.Record, len(lines))
	for _, rec := range stored {
		if !rec.IsOrderLevel() {
			byLine[rec.LineID] = append(byLine[rec.LineID], rec)
		}
	}
	out := make([]*order.Line, len(lines))
	for i, l := range lines {
		c := *l
		c.Discounts = byLine[l.ID]
		out[i] = &c
	}
	return out
}

func (r *Reconciler) record(ctx context.Context, kind discount.Kind, res *Result) {
	for op, n := range map[string]int{"create": res.Created, "update": res.Updated, "delete": res.Deleted} {
		if n == 0 {
			continue
		}
		r.changes.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("kind", kind.String()),
			attribute.String("op", op),
		))
	}
}
