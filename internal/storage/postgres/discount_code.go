package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/haksoz/online-registration/internal/domain/discount"
	"github.com/haksoz/online-registration/internal/domain/registration"
)

const (
	getDiscountCodeSQL = `SELECT id, code, description, discount_type, value, currency, max_discount,
		min_items, valid_from, valid_until, max_uses, used_count, is_active,
		ARRAY(SELECT type_id FROM discount_code_types WHERE code_id = discount_codes.id ORDER BY type_id),
		ARRAY(SELECT category_id FROM discount_code_categories WHERE code_id = discount_codes.id ORDER BY category_id)
		FROM discount_codes WHERE UPPER(code) = UPPER($1) AND is_active = TRUE`

	upsertDiscountCodeSQL = `INSERT INTO discount_codes
		(code, description, discount_type, value, currency, max_discount, min_items,
		 valid_from, valid_until, max_uses, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT ((UPPER(code))) DO UPDATE SET
			description = EXCLUDED.description,
			discount_type = EXCLUDED.discount_type,
			value = EXCLUDED.value,
			currency = EXCLUDED.currency,
			max_discount = EXCLUDED.max_discount,
			min_items = EXCLUDED.min_items,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			max_uses = EXCLUDED.max_uses,
			is_active = EXCLUDED.is_active
		RETURNING id`

	deleteCodeTypesSQL      = `DELETE FROM discount_code_types WHERE code_id = $1`
	deleteCodeCategoriesSQL = `DELETE FROM discount_code_categories WHERE code_id = $1`
	insertCodeTypesSQL      = `INSERT INTO discount_code_types (code_id, type_id)
		SELECT $1, unnest($2::bigint[])`
	insertCodeCategoriesSQL = `INSERT INTO discount_code_categories (code_id, category_id)
		SELECT $1, unnest($2::bigint[])`

	createImportTableSQL = `CREATE TEMP TABLE discount_code_import (code TEXT NOT NULL) ON COMMIT DROP`

	insertImportedCodesSQL = `INSERT INTO discount_codes
		(code, description, discount_type, value, currency, max_discount, min_items,
		 valid_from, valid_until, max_uses, is_active)
		SELECT DISTINCT ON (UPPER(code)) UPPER(code), $1::text, $2::text, $3::numeric, $4::text, $5::numeric,
			$6::int, $7::timestamptz, $8::timestamptz, $9::int, $10::bool
		FROM discount_code_import
		ON CONFLICT ((UPPER(code))) DO NOTHING`
)

var _ discount.Repository = (*DiscountCodeRepository)(nil)

// DiscountCodeRepository implements discount.Repository backed by PostgreSQL.
type DiscountCodeRepository struct {
	pool *pgxpool.Pool
}

// NewDiscountCodeRepository returns a DiscountCodeRepository that uses the
// given pool.
func NewDiscountCodeRepository(pool *pgxpool.Pool) *DiscountCodeRepository {
	return &DiscountCodeRepository{pool: pool}
}

// FindByCode looks up an active discount code (case-insensitive) with its
// scope. Returns discount.ErrCodeNotFound when no matching active code exists.
func (r *DiscountCodeRepository) FindByCode(ctx context.Context, code string) (*discount.Code, error) {
	rows, err := r.pool.Query(ctx, getDiscountCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding discount code %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanDiscountCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrCodeNotFound
		}
		return nil, fmt.Errorf("finding discount code %q: %w", code, err)
	}
	return &c, nil
}

// Upsert inserts or updates the rule of c, matched case-insensitively by
// code, and replaces its scope. The usage counter is left untouched. It
// returns the id of the stored code.
func (r *DiscountCodeRepository) Upsert(ctx context.Context, c *discount.Code) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	args := ruleArgs(c)
	var id int64
	if err := tx.QueryRow(ctx, upsertDiscountCodeSQL, append([]any{c.Code}, args...)...).Scan(&id); err != nil {
		return 0, fmt.Errorf("upserting discount code %q: %w", c.Code, err)
	}

	for _, stmt := range []string{deleteCodeTypesSQL, deleteCodeCategoriesSQL} {
		if _, err := tx.Exec(ctx, stmt, id); err != nil {
			return 0, fmt.Errorf("clearing scope of discount code %q: %w", c.Code, err)
		}
	}
	if len(c.Scope.TypeIDs) > 0 {
		if _, err := tx.Exec(ctx, insertCodeTypesSQL, id, c.Scope.TypeIDs); err != nil {
			return 0, fmt.Errorf("scoping discount code %q to types: %w", c.Code, err)
		}
	}
	if len(c.Scope.CategoryIDs) > 0 {
		if _, err := tx.Exec(ctx, insertCodeCategoriesSQL, id, c.Scope.CategoryIDs); err != nil {
			return 0, fmt.Errorf("scoping discount code %q to categories: %w", c.Code, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing discount code %q: %w", c.Code, err)
	}
	c.ID = id
	return id, nil
}

// ImportCodes bulk-inserts codes sharing the rule of tmpl. Codes are
// upper-cased; codes that already exist are left unchanged. Scopes are not
// imported. It returns the number of inserted codes.
func (r *DiscountCodeRepository) ImportCodes(ctx context.Context, codes []string, tmpl *discount.Code) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, createImportTableSQL); err != nil {
		return 0, fmt.Errorf("creating import table: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"discount_code_import"},
		[]string{"code"},
		pgx.CopyFromSlice(len(codes), func(i int) ([]any, error) {
			return []any{codes[i]}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copying %d codes: %w", len(codes), err)
	}

	tag, err := tx.Exec(ctx, insertImportedCodesSQL, ruleArgs(tmpl)...)
	if err != nil {
		return 0, fmt.Errorf("inserting imported codes: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing imported codes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ruleArgs returns the rule columns of c in insert order, after the code.
func ruleArgs(c *discount.Code) []any {
	var currency *string
	if c.Currency != "" {
		s := string(c.Currency)
		currency = &s
	}
	return []any{
		c.Description, string(c.DiscountType), c.Value, currency, c.MaxDiscount,
		int32(c.MinItems), c.ValidFrom, c.ValidUntil, int32(c.MaxUses), c.Active,
	}
}

func scanDiscountCode(row pgx.CollectableRow) (discount.Code, error) {
	var (
		c            discount.Code
		discountType string
		value        decimal.Decimal
		currency     *string
		minItems     int32
		validFrom    *time.Time
		validUntil   *time.Time
		maxUses      int32
		usedCount    int32
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.Description, &discountType, &value, &currency, &c.MaxDiscount,
		&minItems, &validFrom, &validUntil, &maxUses, &usedCount, &c.Active,
		&c.Scope.TypeIDs, &c.Scope.CategoryIDs,
	)
	c.DiscountType = discount.DiscountType(discountType)
	c.Value = value
	if currency != nil {
		c.Currency = registration.Currency(*currency)
	}
	c.MinItems = int(minItems)
	c.ValidFrom = validFrom
	c.ValidUntil = validUntil
	c.MaxUses = int(maxUses)
	c.UsedCount = int(usedCount)
	return c, err
}
