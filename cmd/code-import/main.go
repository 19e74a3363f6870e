// Command code-import loads generated single-use discount codes from gzip
// files. A code listed more than once, in one file or across files, is a
// collision and is not imported.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/haksoz/online-registration/internal/domain/discount"
	"github.com/haksoz/online-registration/internal/domain/registration"
	"github.com/haksoz/online-registration/internal/storage/postgres"
)

type options struct {
	databaseURL string
	files       []string
	scan        scanConfig
	batchSize   int

	description  string
	discountType string
	value        string
	currency     string
	maxDiscount  string
	minItems     int
	validFrom    string
	validUntil   string
	maxUses      int
}

func main() {
	var opts options
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&opts.scan.capacity, "bloom-capacity", 10_000_000, "expected number of codes per file")
	flag.Float64Var(&opts.scan.fpr, "bloom-fpr", 0.001, "bloom filter false positive rate")
	flag.IntVar(&opts.scan.minLen, "min-len", 6, "minimum code length")
	flag.IntVar(&opts.scan.maxLen, "max-len", 32, "maximum code length")
	flag.IntVar(&opts.batchSize, "batch-size", 50_000, "codes per import transaction")
	flag.StringVar(&opts.description, "description", "", "description shown when the code is applied")
	flag.StringVar(&opts.discountType, "type", string(discount.DiscountPercentage), "discount type: percentage or fixed")
	flag.StringVar(&opts.value, "value", "", "percentage (0-100) or fixed amount")
	flag.StringVar(&opts.currency, "currency", "", "currency of a fixed amount (TRY, USD, EUR)")
	flag.StringVar(&opts.maxDiscount, "max-discount", "", "per-unit cap of a percentage discount")
	flag.IntVar(&opts.minItems, "min-items", 0, "minimum eligible registrations in the cart")
	flag.StringVar(&opts.validFrom, "valid-from", "", "start of the validity window (RFC 3339)")
	flag.StringVar(&opts.validUntil, "valid-until", "", "end of the validity window (RFC 3339)")
	flag.IntVar(&opts.maxUses, "max-uses", 1, "uses per code, 0 for unlimited")
	flag.Parse()
	opts.files = flag.Args()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if len(opts.files) == 0 {
		lg.Fatal("No input files: pass one or more .gz files as arguments")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, opts); err != nil {
		lg.Fatal("Code import failed", zap.Error(err))
	}
	lg.Info("Code import completed")
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	tmpl, err := opts.rule()
	if err != nil {
		return errors.Wrap(err, "discount rule")
	}
	if opts.batchSize <= 0 {
		return errors.Errorf("invalid batch size %d", opts.batchSize)
	}
	for _, f := range opts.files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	s := &scanner{lg: lg, cfg: opts.scan}
	collisions, err := s.collisions(ctx, opts.files)
	if err != nil {
		return errors.Wrap(err, "find collisions")
	}
	lg.Info("Collisions found", zap.Int("count", len(collisions)))

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	imp := &importer{
		lg:        lg,
		repo:      postgres.NewDiscountCodeRepository(pool),
		tmpl:      tmpl,
		batchSize: opts.batchSize,
	}
	stats, err := imp.run(ctx, s, opts.files, collisions)
	if err != nil {
		return errors.Wrap(err, "import codes")
	}
	lg.Info("Import summary",
		zap.Int64("read", stats.read),
		zap.Int64("invalid", stats.invalid),
		zap.Int64("collisions", stats.collisions),
		zap.Int64("inserted", stats.inserted),
		zap.Int64("existing", stats.existing),
	)
	return nil
}

// rule builds the discount rule shared by every imported code.
func (o options) rule() (*discount.Code, error) {
	c := &discount.Code{
		Description:  strings.TrimSpace(o.description),
		DiscountType: discount.DiscountType(o.discountType),
		MinItems:     o.minItems,
		MaxUses:      o.maxUses,
		Active:       true,
	}
	value, err := decimal.NewFromString(o.value)
	if err != nil {
		return nil, errors.Wrap(err, "parse value")
	}
	c.Value = value

	switch c.DiscountType {
	case discount.DiscountPercentage:
		if value.IsNegative() || value.GreaterThan(decimal.NewFromInt(100)) {
			return nil, errors.Errorf("percentage %s out of range [0, 100]", value)
		}
		if o.currency != "" {
			return nil, errors.New("currency applies to fixed discounts only")
		}
	case discount.DiscountFixed:
		if value.IsNegative() {
			return nil, errors.Errorf("negative fixed amount %s", value)
		}
		cur, err := registration.ParseCurrency(o.currency)
		if err != nil {
			return nil, errors.Wrap(err, "fixed discount currency")
		}
		c.Currency = cur
		if o.maxDiscount != "" {
			return nil, errors.New("max discount applies to percentage discounts only")
		}
	default:
		return nil, errors.Errorf("unknown discount type %q", o.discountType)
	}

	if o.maxDiscount != "" {
		v, err := decimal.NewFromString(o.maxDiscount)
		if err != nil {
			return nil, errors.Wrap(err, "parse max discount")
		}
		c.MaxDiscount = decimal.NewNullDecimal(v)
	}
	if o.minItems < 0 || o.maxUses < 0 {
		return nil, errors.New("min items and max uses must not be negative")
	}
	if c.ValidFrom, err = parseTime(o.validFrom); err != nil {
		return nil, errors.Wrap(err, "parse valid from")
	}
	if c.ValidUntil, err = parseTime(o.validUntil); err != nil {
		return nil, errors.Wrap(err, "parse valid until")
	}
	if c.ValidFrom != nil && c.ValidUntil != nil && c.ValidUntil.Before(*c.ValidFrom) {
		return nil, errors.New("valid until is before valid from")
	}
	return c, nil
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
