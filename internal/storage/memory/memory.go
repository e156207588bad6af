// Package memory is an in-process implementation of the pricing storage
// ports. Each order has its own mutex standing in for the row lock, and a
// transaction stages its writes on a copy that is installed only when the
// callback succeeds.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/order"
	"github.com/xenking/storefront-pricing/internal/domain/promotion"
	"github.com/xenking/storefront-pricing/internal/domain/reconcile"
	"github.com/xenking/storefront-pricing/internal/domain/voucher"
)

var (
	_ order.Repository       = (*Store)(nil)
	_ voucher.Repository     = (*Store)(nil)
	_ promotion.Repository   = (*Store)(nil)
	_ promotion.StockChecker = (*Store)(nil)
	_ reconcile.Store        = (*Store)(nil)
)

// Op names a transaction write for fault injection.
type Op string

// Writes that FailOn can break, one per reconcile.Tx write method.
const (
	// OpDeleteDiscounts is Tx.DeleteDiscounts.
	OpDeleteDiscounts Op = "delete_discounts"
	// OpCreateDiscounts is Tx.CreateDiscounts.
	OpCreateDiscounts Op = "create_discounts"
	// OpUpdateDiscounts is Tx.UpdateDiscounts.
	OpUpdateDiscounts Op = "update_discounts"
	// OpCreateLine is Tx.CreateLine.
	OpCreateLine Op = "create_line"
	// OpDeleteLines is Tx.DeleteLines.
	OpDeleteLines Op = "delete_lines"
	// OpSaveLines is Tx.SaveLines.
	OpSaveLines Op = "save_lines"
	// OpSaveOrder is Tx.SaveOrder.
	OpSaveOrder Op = "save_order"
)

// state is everything stored for one order.
type state struct {
	order   order.Order
	lines   []order.Line
	records []discount.Record
}

func (s *state) clone() *state {
	c := &state{
		order:   s.order,
		lines:   slices.Clone(s.lines),
		records: slices.Clone(s.records),
	}
	c.order.Discounts = nil
	return c
}

// Store keeps orders, vouchers, rules and stock in memory.
type Store struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	orders   map[string]*state
	vouchers map[string]voucher.Info
	usedBy   map[string]map[string]bool
	rules    []promotion.Rule
	stock    map[string]int
	faults   map[Op]error
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		locks:    make(map[string]*sync.Mutex),
		orders:   make(map[string]*state),
		vouchers: make(map[string]voucher.Info),
		usedBy:   make(map[string]map[string]bool),
		stock:    make(map[string]int),
		faults:   make(map[Op]error),
	}
}

// PutOrder stores the order and its lines, replacing any previous state.
// Discount records are taken from o.Discounts and each line's Discounts.
func (s *Store) PutOrder(o *order.Order, lines []*order.Line) {
	st := &state{order: *o}
	st.order.Discounts = nil
	for _, rec := range o.Discounts {
		rec.OrderID, rec.LineID = o.ID, ""
		st.records = append(st.records, rec)
	}
	for _, l := range lines {
		c := *l
		c.OrderID = o.ID
		for _, rec := range l.Discounts {
			rec.OrderID, rec.LineID = o.ID, l.ID
			st.records = append(st.records, rec)
		}
		c.Discounts = nil
		st.lines = append(st.lines, c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = st
}

// PutVoucher stores a voucher code. usedBy lists customers that already
// used it.
func (s *Store) PutVoucher(info voucher.Info, usedBy ...string) {
	code := voucher.NormalizeCode(info.Code)
	info.Code = code
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vouchers[code] = info
	for _, email := range usedBy {
		if s.usedBy[code] == nil {
			s.usedBy[code] = make(map[string]bool)
		}
		s.usedBy[code][email] = true
	}
}

// PutRules replaces the active order promotion rules.
func (s *Store) PutRules(rules ...promotion.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = slices.Clone(rules)
}

// SetStock sets the available quantity of a variant.
func (s *Store) SetStock(variantID string, quantity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[variantID] = quantity
}

// FailOn makes every following transaction write op fail with err. A nil
// err clears the fault.
func (s *Store) FailOn(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// Discounts returns every record stored for the order.
func (s *Store) Discounts(orderID string) []discount.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.orders[orderID]
	if !ok {
		return nil
	}
	return slices.Clone(st.records)
}

// Load implements order.Repository.
func (s *Store) Load(_ context.Context, id string) (*order.Order, []*order.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.orders[id]
	if !ok {
		return nil, nil, order.ErrNotFound
	}
	o, lines := st.materialize()
	return o, lines, nil
}

func (st *state) materialize() (*order.Order, []*order.Line) {
	o := st.order
	o.Discounts = nil
	byLine := make(map[string][]discount.Record)
	for _, rec := range st.records {
		if rec.IsOrderLevel() {
			o.Discounts = append(o.Discounts, rec)
			continue
		}
		byLine[rec.LineID] = append(byLine[rec.LineID], rec)
	}
	lines := make([]*order.Line, len(st.lines))
	for i := range st.lines {
		l := st.lines[i]
		l.Discounts = byLine[l.ID]
		lines[i] = &l
	}
	return &o, lines
}

// ListStale implements order.Repository.
func (s *Store) ListStale(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, st := range s.orders {
		if st.order.ShouldRefreshPrices {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// FindByCode implements voucher.Repository.
func (s *Store) FindByCode(_ context.Context, code, customerEmail string) (*voucher.Info, error) {
	code = voucher.NormalizeCode(code)
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.vouchers[code]
	if !ok {
		return nil, voucher.ErrNotFound
	}
	info.CustomerUsed = customerEmail != "" && s.usedBy[code][customerEmail]
	return &info, nil
}

// ActiveOrderRules implements promotion.Repository.
func (s *Store) ActiveOrderRules(_ context.Context, channelID string, _ time.Time) ([]promotion.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []promotion.Rule
	for _, r := range s.rules {
		if r.InChannel(channelID) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Check implements promotion.StockChecker. Variants without a stock entry
// are out of stock.
func (s *Store) Check(_ context.Context, variantIDs []string, quantity int, _ order.Channel, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var short []string
	for _, id := range variantIDs {
		if s.stock[id] < quantity {
			short = append(short, id)
		}
	}
	if len(short) > 0 {
		return &promotion.InsufficientStockError{VariantIDs: short}
	}
	return nil
}

func (s *Store) lockFor(orderID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[orderID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[orderID] = l
	}
	return l
}

// WithinLock implements reconcile.Store.
func (s *Store) WithinLock(ctx context.Context, orderID string, fn func(ctx context.Context, tx reconcile.Tx) error) error {
	lock := s.lockFor(orderID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	st, ok := s.orders[orderID]
	var staged *state
	if ok {
		staged = st.clone()
	}
	s.mu.Unlock()
	if !ok {
		return errors.Wrapf(order.ErrNotFound, "lock order %s", orderID)
	}

	tx := &Tx{store: s, st: staged}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[orderID] = staged
	return nil
}
