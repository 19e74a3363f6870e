package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/haksoz/online-registration/internal/domain/discount"
	"github.com/haksoz/online-registration/internal/domain/registration"
	"github.com/haksoz/online-registration/internal/storage/postgres"
)

func main() {
	var databaseURL string
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, time.Now()); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL string, now time.Time) error {
	lg.Info("Connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	types := postgres.NewRegistrationTypeRepository(pool)
	if err := seedCatalog(ctx, lg, types, now); err != nil {
		return errors.Wrap(err, "seed catalog")
	}
	if err := seedCodes(ctx, lg, postgres.NewDiscountCodeRepository(pool), now); err != nil {
		return errors.Wrap(err, "seed discount codes")
	}
	return nil
}

func money(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func ptr[T any](v T) *T { return &v }

func demoCatalog(now time.Time) ([]registration.Category, []registration.Type) {
	conference := registration.Category{
		ID:     1,
		Label:  "Main Conference",
		Active: true,
	}
	workshops := registration.Category{
		ID:                2,
		Label:             "Workshops",
		EndsAt:            ptr(now.AddDate(0, 3, 0)),
		EarlyBirdEnabled:  true,
		EarlyBirdDeadline: ptr(now.AddDate(0, 1, 0)),
		Active:            true,
	}

	types := []registration.Type{
		{
			ID: 1, Label: "Member", Category: &conference, Active: true,
			Fees: registration.Fees{TRY: money("1000"), USD: money("50"), EUR: money("45")},
		},
		{
			ID: 2, Label: "Non-member", Category: &conference, Active: true,
			Fees: registration.Fees{TRY: money("1500"), USD: money("75"), EUR: money("70")},
		},
		{
			ID: 3, Label: "Student", Category: &conference, Active: true,
			Fees:     registration.Fees{TRY: money("500"), USD: money("25")},
			Capacity: ptr(100),
		},
		{
			ID: 4, Label: "Hands-on Workshop", Category: &workshops, Active: true,
			Fees:      registration.Fees{TRY: money("750"), EUR: money("40")},
			EarlyFees: registration.Fees{TRY: money("600")},
			Capacity:  ptr(30),
		},
		{
			ID: 5, Label: "Gala Dinner", Category: &conference, Active: true,
			Fees:                 registration.Fees{TRY: money("2000")},
			Capacity:             ptr(50),
			CurrentRegistrations: 50,
		},
	}
	return []registration.Category{conference, workshops}, types
}

func seedCatalog(ctx context.Context, lg *zap.Logger, repo *postgres.RegistrationTypeRepository, now time.Time) error {
	categories, types := demoCatalog(now)
	for i := range categories {
		c := &categories[i]
		if err := repo.UpsertCategory(ctx, c); err != nil {
			return err
		}
		lg.Info("Upserted category", zap.Int64("id", c.ID), zap.String("label", c.Label))
	}
	for i := range types {
		t := &types[i]
		if err := repo.UpsertType(ctx, t); err != nil {
			return err
		}
		lg.Info("Upserted registration type", zap.Int64("id", t.ID), zap.String("label", t.Label))
	}
	return repo.SyncSequences(ctx)
}

func demoCodes(now time.Time) []discount.Code {
	return []discount.Code{
		{
			Code:         "SAVE10",
			Description:  "10% off every registration",
			DiscountType: discount.DiscountPercentage,
			Value:        decimal.NewFromInt(10),
			Active:       true,
		},
		{
			Code:         "EXPIRED1",
			Description:  "Expired campaign: 20% off",
			DiscountType: discount.DiscountPercentage,
			Value:        decimal.NewFromInt(20),
			ValidUntil:   ptr(now.AddDate(0, 0, -1)),
			Active:       true,
		},
		{
			Code:         "STUDENT50",
			Description:  "Students: 50% off",
			DiscountType: discount.DiscountPercentage,
			Value:        decimal.NewFromInt(50),
			Scope:        discount.Scope{TypeIDs: []int64{3}},
			Active:       true,
		},
		{
			Code:         "WELCOME100",
			Description:  "100 TRY off each registration",
			DiscountType: discount.DiscountFixed,
			Value:        decimal.NewFromInt(100),
			Currency:     registration.CurrencyTRY,
			Active:       true,
		},
		{
			Code:         "WORKSHOP25",
			Description:  "25% off workshops, at most 150 per seat",
			DiscountType: discount.DiscountPercentage,
			Value:        decimal.NewFromInt(25),
			MaxDiscount:  money("150"),
			Scope:        discount.Scope{CategoryIDs: []int64{2}},
			MaxUses:      100,
			Active:       true,
		},
		{
			Code:         "GROUP15",
			Description:  "Groups of five or more: 15% off",
			DiscountType: discount.DiscountPercentage,
			Value:        decimal.NewFromInt(15),
			MinItems:     5,
			Active:       true,
		},
	}
}

func seedCodes(ctx context.Context, lg *zap.Logger, repo *postgres.DiscountCodeRepository, now time.Time) error {
	codes := demoCodes(now)
	for i := range codes {
		c := &codes[i]
		id, err := repo.Upsert(ctx, c)
		if err != nil {
			return err
		}
		lg.Info("Upserted discount code", zap.Int64("id", id), zap.String("code", c.Code))
	}
	return nil
}
