package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/order"
	"github.com/xenking/storefront-pricing/internal/domain/reconcile"
)

const lockOrderSQL = `SELECT id FROM orders WHERE id = $1 FOR UPDATE`

const insertDiscountSQL = `INSERT INTO order_discounts (
	id, order_id, line_id, kind, value_type, value, amount, currency,
	name, translated_name, reason, promotion_rule_id, voucher_id, voucher_code, unique_type
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT DO NOTHING
RETURNING id`

const deleteDiscountsSQL = `DELETE FROM order_discounts WHERE order_id = $1 AND id = ANY($2)`

const insertLineSQL = `INSERT INTO order_lines (
	id, order_id, variant_id, quantity, custom_price, is_gift, tax_rate,
	undiscounted_base_unit_price, base_unit_price
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const deleteLinesSQL = `DELETE FROM order_lines WHERE order_id = $1 AND id = ANY($2)`

const updateLineSQL = `UPDATE order_lines SET
	quantity = $3,
	voucher_id = $4,
	voucher_code = $5,
	undiscounted_base_unit_price = $6,
	base_unit_price = $7,
	unit_discount_amount = $8,
	unit_discount_type = $9,
	unit_discount_value = $10,
	unit_discount_reason = $11,
	unit_price_net = $12,
	unit_price_gross = $13,
	total_price_net = $14,
	total_price_gross = $15,
	undiscounted_unit_price_net = $16,
	undiscounted_unit_price_gross = $17,
	undiscounted_total_price_net = $18,
	undiscounted_total_price_gross = $19
WHERE id = $1 AND order_id = $2`

const updateOrderSQL = `UPDATE orders SET
	shipping_price_net = $2,
	shipping_price_gross = $3,
	undiscounted_shipping_net = $4,
	undiscounted_shipping_gross = $5,
	subtotal_net = $6,
	subtotal_gross = $7,
	total_net = $8,
	total_gross = $9,
	undiscounted_total_net = $10,
	undiscounted_total_gross = $11,
	should_refresh_prices = $12,
	updated_at = now()
WHERE id = $1`

// discountColumns maps record fields to their columns.
var discountColumns = map[discount.Field]string{
	discount.FieldValueType:      "value_type",
	discount.FieldValue:          "value",
	discount.FieldAmount:         "amount",
	discount.FieldCurrency:       "currency",
	discount.FieldName:           "name",
	discount.FieldTranslatedName: "translated_name",
	discount.FieldReason:         "reason",
	discount.FieldRuleID:         "promotion_rule_id",
	discount.FieldVoucherID:      "voucher_id",
	discount.FieldVoucherCode:    "voucher_code",
}

var _ reconcile.Store = (*Store)(nil)

// Store implements reconcile.Store: every call runs in one transaction
// holding a row lock on the order.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore returns a Store that uses the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithinLock locks the order row with SELECT ... FOR UPDATE and runs fn in
// the same transaction. The transaction commits only when fn succeeds.
func (s *Store) WithinLock(ctx context.Context, orderID string, fn func(ctx context.Context, tx reconcile.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	// No-op after a successful commit; releases the row lock when fn panics.
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	var id string
	if err := tx.QueryRow(ctx, lockOrderSQL, orderID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(order.ErrNotFound, "lock order %s", orderID)
		}
		return errors.Wrapf(err, "lock order %s", orderID)
	}

	if err := fn(ctx, &Tx{tx: tx, orderID: orderID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

var _ reconcile.Tx = (*Tx)(nil)

// Tx is the write surface of a locked order transaction.
type Tx struct {
	tx      pgx.Tx
	orderID string
}

// Load re-reads the locked order inside the transaction.
func (t *Tx) Load(ctx context.Context) (*order.Order, []*order.Line, error) {
	return loadOrder(ctx, t.tx, t.orderID)
}

// Discounts returns the order's records as the transaction sees them.
func (t *Tx) Discounts(ctx context.Context) ([]discount.Record, error) {
	return loadDiscounts(ctx, t.tx, t.orderID)
}

// DeleteDiscounts removes records by id.
func (t *Tx) DeleteDiscounts(ctx context.Context, ids []string) error {
	if _, err := t.tx.Exec(ctx, deleteDiscountsSQL, t.orderID, ids); err != nil {
		return errors.Wrap(err, "delete discounts")
	}
	return nil
}

// CreateDiscounts inserts records in one batch. Records hitting a unique
// index are skipped and left out of the result.
func (t *Tx) CreateDiscounts(ctx context.Context, records []discount.Record) ([]discount.Record, error) {
	batch := &pgx.Batch{}
	for _, r := range records {
		var lineID *string
		if !r.IsOrderLevel() {
			lineID = &r.LineID
		}
		batch.Queue(insertDiscountSQL,
			r.ID, t.orderID, lineID, r.Kind.String(), r.ValueType.String(), r.Value, r.Amount, r.Currency,
			r.Name, r.TranslatedName, r.Reason, r.RuleID, r.VoucherID, r.VoucherCode, r.UniqueType,
		)
	}

	results := t.tx.SendBatch(ctx, batch)
	created := make([]discount.Record, 0, len(records))
	for _, r := range records {
		var id string
		err := results.QueryRow().Scan(&id)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			continue
		case err != nil:
			_ = results.Close()
			return nil, errors.Wrapf(err, "insert discount %s", r.ID)
		}
		r.OrderID = t.orderID
		created = append(created, r)
	}
	if err := results.Close(); err != nil {
		return nil, errors.Wrap(err, "close insert batch")
	}
	return created, nil
}

// UpdateDiscounts writes only the changed columns of each record.
func (t *Tx) UpdateDiscounts(ctx context.Context, updates []reconcile.Update) error {
	batch := &pgx.Batch{}
	for _, u := range updates {
		sql, args, err := updateDiscountQuery(u)
		if err != nil {
			return err
		}
		batch.Queue(sql, args...)
	}
	results := t.tx.SendBatch(ctx, batch)
	for _, u := range updates {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return errors.Wrapf(err, "update discount %s", u.Record.ID)
		}
		if tag.RowsAffected() == 0 {
			_ = results.Close()
			return errors.Errorf("discount %s not found", u.Record.ID)
		}
	}
	if err := results.Close(); err != nil {
		return errors.Wrap(err, "update discounts")
	}
	return nil
}

func updateDiscountQuery(u reconcile.Update) (string, []any, error) {
	if len(u.Fields) == 0 {
		return "", nil, errors.Errorf("update of discount %s has no fields", u.Record.ID)
	}
	sets := make([]string, 0, len(u.Fields))
	args := []any{u.Record.ID}
	for _, f := range u.Fields {
		col, ok := discountColumns[f]
		if !ok {
			return "", nil, errors.Errorf("unknown discount field %q", f)
		}
		args = append(args, discountValue(u.Record, f))
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	return fmt.Sprintf("UPDATE order_discounts SET %s WHERE id = $1", strings.Join(sets, ", ")), args, nil
}

func discountValue(r discount.Record, f discount.Field) any {
	switch f {
	case discount.FieldValueType:
		return r.ValueType.String()
	case discount.FieldValue:
		return r.Value
	case discount.FieldAmount:
		return r.Amount
	case discount.FieldCurrency:
		return r.Currency
	case discount.FieldName:
		return r.Name
	case discount.FieldTranslatedName:
		return r.TranslatedName
	case discount.FieldReason:
		return r.Reason
	case discount.FieldRuleID:
		return r.RuleID
	case discount.FieldVoucherID:
		return r.VoucherID
	default:
		return r.VoucherCode
	}
}

// CreateLine inserts a line with its base prices.
func (t *Tx) CreateLine(ctx context.Context, l *order.Line) error {
	_, err := t.tx.Exec(ctx, insertLineSQL,
		l.ID, t.orderID, l.Variant.ID, l.Quantity, l.CustomPrice, l.IsGift, l.TaxRate,
		l.UndiscountedBaseUnitPrice, l.BaseUnitPrice,
	)
	if err != nil {
		return errors.Wrapf(err, "insert line %s", l.ID)
	}
	return nil
}

// DeleteLines removes lines; their discount records cascade.
func (t *Tx) DeleteLines(ctx context.Context, ids []string) error {
	if _, err := t.tx.Exec(ctx, deleteLinesSQL, t.orderID, ids); err != nil {
		return errors.Wrap(err, "delete lines")
	}
	return nil
}

// SaveLines writes the priced fields of every line in one batch.
func (t *Tx) SaveLines(ctx context.Context, lines []*order.Line) error {
	batch := &pgx.Batch{}
	for _, l := range lines {
		unitType := ""
		if l.UnitDiscountType != 0 {
			unitType = l.UnitDiscountType.String()
		}
		batch.Queue(updateLineSQL,
			l.ID, t.orderID, l.Quantity, l.VoucherID, l.VoucherCode,
			l.UndiscountedBaseUnitPrice, l.BaseUnitPrice,
			l.UnitDiscountAmount, unitType, l.UnitDiscountValue, l.UnitDiscountReason,
			l.UnitPrice.Net, l.UnitPrice.Gross,
			l.TotalPrice.Net, l.TotalPrice.Gross,
			l.UndiscountedUnitPrice.Net, l.UndiscountedUnitPrice.Gross,
			l.UndiscountedTotalPrice.Net, l.UndiscountedTotalPrice.Gross,
		)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "save lines")
	}
	return nil
}

// SaveOrder writes the order totals and the refresh flag.
func (t *Tx) SaveOrder(ctx context.Context, o *order.Order) error {
	_, err := t.tx.Exec(ctx, updateOrderSQL, o.ID,
		o.ShippingPrice.Net, o.ShippingPrice.Gross,
		o.UndiscountedShippingPrice.Net, o.UndiscountedShippingPrice.Gross,
		o.Subtotal.Net, o.Subtotal.Gross,
		o.Total.Net, o.Total.Gross,
		o.UndiscountedTotal.Net, o.UndiscountedTotal.Gross,
		o.ShouldRefreshPrices,
	)
	if err != nil {
		return errors.Wrapf(err, "save order %s", o.ID)
	}
	return nil
}
