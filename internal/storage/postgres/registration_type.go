package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/haksoz/online-registration/internal/domain/registration"
)

const (
	selectTypeSQL = `SELECT t.id, t.label,
		t.fee_try, t.fee_usd, t.fee_eur, t.early_fee_try, t.early_fee_usd, t.early_fee_eur,
		t.capacity, t.current_registrations, t.is_active,
		c.id, c.label, c.registration_starts_at, c.registration_ends_at,
		c.early_bird_enabled, c.early_bird_deadline, c.is_active
		FROM registration_types t
		LEFT JOIN registration_categories c ON c.id = t.category_id
		WHERE t.is_active AND (c.id IS NULL OR c.is_active)`

	getTypeSQL = selectTypeSQL + ` AND t.id = $1`

	getTypesByIDsSQL = selectTypeSQL + ` AND t.id = ANY($1)`

	// Runs the catalog query itself, so a missing column fails the same way
	// a pricing request would.
	countActiveTypesSQL = `SELECT count(*) FROM (` + selectTypeSQL + `) AS active_types`

	upsertCategorySQL = `INSERT INTO registration_categories
		(id, label, registration_starts_at, registration_ends_at, early_bird_enabled, early_bird_deadline, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label,
			registration_starts_at = EXCLUDED.registration_starts_at,
			registration_ends_at = EXCLUDED.registration_ends_at,
			early_bird_enabled = EXCLUDED.early_bird_enabled,
			early_bird_deadline = EXCLUDED.early_bird_deadline,
			is_active = EXCLUDED.is_active`

	upsertTypeSQL = `INSERT INTO registration_types
		(id, label, category_id, fee_try, fee_usd, fee_eur, early_fee_try, early_fee_usd, early_fee_eur,
		 capacity, current_registrations, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label,
			category_id = EXCLUDED.category_id,
			fee_try = EXCLUDED.fee_try,
			fee_usd = EXCLUDED.fee_usd,
			fee_eur = EXCLUDED.fee_eur,
			early_fee_try = EXCLUDED.early_fee_try,
			early_fee_usd = EXCLUDED.early_fee_usd,
			early_fee_eur = EXCLUDED.early_fee_eur,
			capacity = EXCLUDED.capacity,
			current_registrations = EXCLUDED.current_registrations,
			is_active = EXCLUDED.is_active`

	syncSequencesSQL = `SELECT
		setval(pg_get_serial_sequence('registration_categories', 'id'), COALESCE((SELECT MAX(id) FROM registration_categories), 0) + 1, false),
		setval(pg_get_serial_sequence('registration_types', 'id'), COALESCE((SELECT MAX(id) FROM registration_types), 0) + 1, false)`
)

var _ registration.Repository = (*RegistrationTypeRepository)(nil)

// RegistrationTypeRepository implements registration.Repository backed by
// PostgreSQL. Types in an inactive category are treated as inactive.
type RegistrationTypeRepository struct {
	pool *pgxpool.Pool
}

// NewRegistrationTypeRepository returns a RegistrationTypeRepository that uses
// the given pool.
func NewRegistrationTypeRepository(pool *pgxpool.Pool) *RegistrationTypeRepository {
	return &RegistrationTypeRepository{pool: pool}
}

// GetType returns the active registration type id with its category.
// Returns registration.ErrTypeNotFound when no active type matches.
func (r *RegistrationTypeRepository) GetType(ctx context.Context, id int64) (*registration.Type, error) {
	rows, err := r.pool.Query(ctx, getTypeSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting registration type %d: %w", id, err)
	}

	t, err := pgx.CollectExactlyOneRow(rows, scanType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, registration.ErrTypeNotFound
		}
		return nil, fmt.Errorf("getting registration type %d: %w", id, err)
	}
	return &t, nil
}

// GetTypesByIDs returns the active registration types matching any of ids.
func (r *RegistrationTypeRepository) GetTypesByIDs(ctx context.Context, ids []int64) ([]registration.Type, error) {
	rows, err := r.pool.Query(ctx, getTypesByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting registration types by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanType)
}

// CountActive returns the number of registration types open for pricing.
// The readiness check uses it to verify the schema the API depends on.
func (r *RegistrationTypeRepository) CountActive(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, countActiveTypesSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting active registration types: %w", err)
	}
	return n, nil
}

// UpsertCategory inserts or replaces the category with c.ID.
func (r *RegistrationTypeRepository) UpsertCategory(ctx context.Context, c *registration.Category) error {
	_, err := r.pool.Exec(ctx, upsertCategorySQL,
		c.ID, c.Label, c.StartsAt, c.EndsAt, c.EarlyBirdEnabled, c.EarlyBirdDeadline, c.Active,
	)
	if err != nil {
		return fmt.Errorf("upserting registration category %d: %w", c.ID, err)
	}
	return nil
}

// UpsertType inserts or replaces the type with t.ID. The category, when set,
// must already exist.
func (r *RegistrationTypeRepository) UpsertType(ctx context.Context, t *registration.Type) error {
	var (
		categoryID *int64
		capacity   *int32
	)
	if t.Category != nil {
		categoryID = &t.Category.ID
	}
	if t.Capacity != nil {
		c := int32(*t.Capacity)
		capacity = &c
	}

	_, err := r.pool.Exec(ctx, upsertTypeSQL,
		t.ID, t.Label, categoryID,
		t.Fees.TRY, t.Fees.USD, t.Fees.EUR,
		t.EarlyFees.TRY, t.EarlyFees.USD, t.EarlyFees.EUR,
		capacity, int32(t.CurrentRegistrations), t.Active,
	)
	if err != nil {
		return fmt.Errorf("upserting registration type %d: %w", t.ID, err)
	}
	return nil
}

// SyncSequences moves the id sequences past explicitly inserted ids.
func (r *RegistrationTypeRepository) SyncSequences(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, syncSequencesSQL); err != nil {
		return fmt.Errorf("syncing registration id sequences: %w", err)
	}
	return nil
}

func scanType(row pgx.CollectableRow) (registration.Type, error) {
	var (
		t         registration.Type
		capacity  *int32
		current   int32
		catID     *int64
		catLabel  *string
		catEarly  *bool
		catActive *bool
		cat       registration.Category
		starts    *time.Time
		ends      *time.Time
		deadline  *time.Time
	)
	err := row.Scan(
		&t.ID, &t.Label,
		&t.Fees.TRY, &t.Fees.USD, &t.Fees.EUR,
		&t.EarlyFees.TRY, &t.EarlyFees.USD, &t.EarlyFees.EUR,
		&capacity, &current, &t.Active,
		&catID, &catLabel, &starts, &ends, &catEarly, &deadline, &catActive,
	)
	if err != nil {
		return t, err
	}

	if capacity != nil {
		c := int(*capacity)
		t.Capacity = &c
	}
	t.CurrentRegistrations = int(current)

	if catID != nil {
		cat.ID = *catID
		cat.Label = deref(catLabel)
		cat.StartsAt = starts
		cat.EndsAt = ends
		cat.EarlyBirdEnabled = deref(catEarly)
		cat.EarlyBirdDeadline = deadline
		cat.Active = deref(catActive)
		t.Category = &cat
	}
	return t, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
