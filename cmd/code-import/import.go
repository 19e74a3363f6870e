package main

import (
	"context"
	"os"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/haksoz/online-registration/internal/domain/discount"
)

func openFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return f, nil
}

// CodeImporter stores codes sharing one rule and reports how many were new.
type CodeImporter interface {
	ImportCodes(ctx context.Context, codes []string, tmpl *discount.Code) (int64, error)
}

type importStats struct {
	read       int64
	invalid    int64
	collisions int64
	inserted   int64
	existing   int64
}

// importer streams the files once more and stores every non-colliding code
// in batches.
type importer struct {
	lg        *zap.Logger
	repo      CodeImporter
	tmpl      *discount.Code
	batchSize int
}

func (imp *importer) run(ctx context.Context, s *scanner, files []string, collisions map[string]struct{}) (importStats, error) {
	var (
		stats importStats
		batch = make([]string, 0, imp.batchSize)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := imp.repo.ImportCodes(ctx, batch, imp.tmpl)
		if err != nil {
			return errors.Wrapf(err, "import batch of %d", len(batch))
		}
		stats.inserted += n
		stats.existing += int64(len(batch)) - n
		imp.lg.Info("Imported batch",
			zap.Int("size", len(batch)),
			zap.Int64("inserted_total", stats.inserted),
		)
		batch = batch[:0]
		return nil
	}

	for _, path := range files {
		invalid, err := s.stream(ctx, path, func(code string) error {
			stats.read++
			if _, ok := collisions[code]; ok {
				stats.collisions++
				return nil
			}
			batch = append(batch, code)
			if len(batch) >= imp.batchSize {
				return flush()
			}
			return nil
		})
		stats.invalid += invalid
		if err != nil {
			return stats, errors.Wrapf(err, "import %s", path)
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}
	return stats, nil
}
