package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/haksoz/online-registration/internal/domain/checkout"
	"github.com/haksoz/online-registration/internal/domain/discount"
	"github.com/haksoz/online-registration/internal/domain/registration"
)

const (
	claimSeatSQL = `UPDATE registration_types
		SET current_registrations = current_registrations + 1
		WHERE id = $1 AND is_active = TRUE
		  AND (capacity IS NULL OR current_registrations < capacity)`

	typeExistsSQL = `SELECT EXISTS (SELECT 1 FROM registration_types WHERE id = $1 AND is_active = TRUE)`

	claimCodeUseSQL = `UPDATE discount_codes
		SET used_count = used_count + 1
		WHERE id = $1 AND is_active = TRUE
		  AND (max_uses = 0 OR used_count < max_uses)`

	createRegistrationSQL = `INSERT INTO registrations
		(id, registration_type_id, full_name, email, currency,
		 original_amount, discount_amount, total_amount, discount_code_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	createCodeUsageSQL = `INSERT INTO discount_code_usages (discount_code_id, registration_id, used_at)
		VALUES ($1, $2, $3)`
)

var _ checkout.Repository = (*RegistrationRepository)(nil)

// RegistrationRepository implements checkout.Repository backed by PostgreSQL.
type RegistrationRepository struct {
	pool *pgxpool.Pool
}

// NewRegistrationRepository returns a RegistrationRepository that uses the
// given pool.
func NewRegistrationRepository(pool *pgxpool.Pool) *RegistrationRepository {
	return &RegistrationRepository{pool: pool}
}

// Create claims a seat on the registration type and a use of the discount
// code with conditional increments, then stores the registration and the
// code usage. Everything runs in one transaction, so concurrent callers can
// never push a counter past its limit.
func (r *RegistrationRepository) Create(ctx context.Context, reg *checkout.Registration) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := claimSeat(ctx, tx, reg.TypeID); err != nil {
		return err
	}

	if reg.DiscountCodeID != nil {
		tag, err := tx.Exec(ctx, claimCodeUseSQL, *reg.DiscountCodeID)
		if err != nil {
			return fmt.Errorf("claiming use of discount code %d: %w", *reg.DiscountCodeID, err)
		}
		if tag.RowsAffected() == 0 {
			return discount.ErrUsageLimitReached
		}
	}

	_, err = tx.Exec(ctx, createRegistrationSQL,
		reg.ID, reg.TypeID, reg.FullName, reg.Email, string(reg.Currency),
		reg.OriginalAmount, reg.DiscountAmount, reg.TotalAmount,
		reg.DiscountCodeID, string(reg.Status), reg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating registration %s: %w", reg.ID, err)
	}

	if reg.DiscountCodeID != nil {
		if _, err := tx.Exec(ctx, createCodeUsageSQL, *reg.DiscountCodeID, reg.ID, reg.CreatedAt); err != nil {
			return fmt.Errorf("recording discount code usage for %s: %w", reg.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing registration %s: %w", reg.ID, err)
	}
	return nil
}

// claimSeat increments the registration counter of typeID when capacity
// allows. A failed claim is reported as registration.ErrTypeNotFound when
// the type is gone or inactive, and registration.ErrSoldOut otherwise.
func claimSeat(ctx context.Context, tx pgx.Tx, typeID int64) error {
	tag, err := tx.Exec(ctx, claimSeatSQL, typeID)
	if err != nil {
		return fmt.Errorf("claiming seat on registration type %d: %w", typeID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx, typeExistsSQL, typeID).Scan(&exists); err != nil {
		return fmt.Errorf("checking registration type %d: %w", typeID, err)
	}
	if !exists {
		return registration.ErrTypeNotFound
	}
	return registration.ErrSoldOut
}
