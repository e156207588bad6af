package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-pricing/internal/domain/discount"
	"github.com/xenking/storefront-pricing/internal/domain/voucher"
)

const selectVoucherSQL = `SELECT vc.code, vc.used, v.id, v.name, v.translated_name, v.type, v.value_type,
	v.apply_once_per_order, v.apply_once_per_customer, v.min_checkout_items_quantity,
	v.usage_limit, v.start_date, v.end_date,
	EXISTS (SELECT 1 FROM voucher_customers cu WHERE cu.code = vc.code AND cu.customer_email = $2)
FROM voucher_codes vc
JOIN vouchers v ON v.id = vc.voucher_id
WHERE vc.code = UPPER($1) AND vc.is_active`

const selectVoucherListingsSQL = `SELECT channel_id, currency, discount_value, min_spent
FROM voucher_channel_listings
WHERE voucher_id = $1
ORDER BY channel_id`

const selectVoucherTargetsSQL = `SELECT target_type, target_id
FROM voucher_targets
WHERE voucher_id = $1
ORDER BY target_type, target_id`

// insertVoucherCodeSQL leaves existing codes untouched.
const insertVoucherCodeSQL = `INSERT INTO voucher_codes (code, voucher_id)
VALUES ($1, $2)
ON CONFLICT (code) DO NOTHING`

var _ voucher.Repository = (*VoucherRepository)(nil)

// VoucherRepository implements voucher.Repository backed by PostgreSQL.
type VoucherRepository struct {
	pool *pgxpool.Pool
}

// NewVoucherRepository returns a VoucherRepository that uses the given pool.
func NewVoucherRepository(pool *pgxpool.Pool) *VoucherRepository {
	return &VoucherRepository{pool: pool}
}

// FindByCode looks up an active voucher code. The SQL query applies UPPER()
// on the parameter, trimming is left to the caller.
// Returns voucher.ErrNotFound when no matching active code exists.
func (r *VoucherRepository) FindByCode(ctx context.Context, code, customerEmail string) (*voucher.Info, error) {
	var (
		info      voucher.Info
		v         = &info.Voucher
		typ       string
		valueType string
	)
	err := r.pool.QueryRow(ctx, selectVoucherSQL, code, customerEmail).Scan(
		&info.Code, &v.Used, &v.ID, &v.Name, &v.TranslatedName, &typ, &valueType,
		&v.ApplyOncePerOrder, &v.ApplyOncePerCustomer, &v.MinCheckoutItemsQuantity,
		&v.UsageLimit, &v.StartDate, &v.EndDate,
		&info.CustomerUsed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, voucher.ErrNotFound
		}
		return nil, errors.Wrapf(err, "find voucher by code %q", code)
	}
	if v.Type, err = voucher.ParseType(typ); err != nil {
		return nil, err
	}
	if v.ValueType, err = discount.ParseValueType(valueType); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, selectVoucherListingsSQL, v.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "query listings of voucher %q", v.ID)
	}
	v.Channels, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (voucher.ChannelListing, error) {
		var l voucher.ChannelListing
		err := row.Scan(&l.ChannelID, &l.Currency, &l.DiscountValue, &l.MinSpent)
		return l, err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan listings of voucher %q", v.ID)
	}

	if err := r.loadTargets(ctx, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (r *VoucherRepository) loadTargets(ctx context.Context, info *voucher.Info) error {
	rows, err := r.pool.Query(ctx, selectVoucherTargetsSQL, info.Voucher.ID)
	if err != nil {
		return errors.Wrapf(err, "query targets of voucher %q", info.Voucher.ID)
	}
	defer rows.Close()

	for rows.Next() {
		var typ, id string
		if err := rows.Scan(&typ, &id); err != nil {
			return errors.Wrapf(err, "scan target of voucher %q", info.Voucher.ID)
		}
		switch typ {
		case "product":
			info.ProductIDs = append(info.ProductIDs, id)
		case "variant":
			info.VariantIDs = append(info.VariantIDs, id)
		case "category":
			info.CategoryIDs = append(info.CategoryIDs, id)
		case "collection":
			info.CollectionIDs = append(info.CollectionIDs, id)
		default:
			return errors.Errorf("voucher %q: unknown target type %q", info.Voucher.ID, typ)
		}
	}
	return rows.Err()
}

// InsertCodes adds codes to the voucher in batches. Codes that already exist
// are skipped. Returns the number of codes inserted.
func (r *VoucherRepository) InsertCodes(ctx context.Context, voucherID string, codes []string) (int64, error) {
	batch := &pgx.Batch{}
	for _, code := range codes {
		batch.Queue(insertVoucherCodeSQL, voucher.NormalizeCode(code), voucherID)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()

	var inserted int64
	for _, code := range codes {
		tag, err := results.Exec()
		if err != nil {
			return inserted, errors.Wrapf(err, "insert voucher code %q", code)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}
