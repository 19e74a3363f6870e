package main

import (
	"bufio"
	"context"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/haksoz/online-registration/internal/domain/discount"
)

const progressEvery = 10_000_000

type scanConfig struct {
	// capacity is the expected number of codes in one file.
	capacity uint
	fpr      float64
	minLen   int
	maxLen   int
}

// scanner finds colliding codes in two passes over the input files. Pass 1
// builds one bloom filter per file and remembers codes the file's own filter
// had already seen. Pass 2 counts exact occurrences of every code that may
// occur more than once. A false positive is counted once and never becomes a
// collision.
type scanner struct {
	lg  *zap.Logger
	cfg scanConfig
}

// pass1 is the per-file outcome of the first pass.
type pass1 struct {
	filter *bloom.BloomFilter
	// repeats holds codes that may appear twice in the same file.
	repeats map[string]struct{}
}

// collisions returns the set of codes that occur more than once across files.
func (s *scanner) collisions(ctx context.Context, files []string) (map[string]struct{}, error) {
	s.lg.Info("Pass 1: building bloom filters", zap.Int("files", len(files)))
	first := make([]pass1, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			res, err := s.buildFilter(gctx, i, path)
			if err != nil {
				return errors.Wrapf(err, "build filter for %s", path)
			}
			first[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.lg.Info("Pass 2: counting candidate codes")
	counts := make([]map[string]int, len(files))
	g, gctx = errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			res, err := s.countCandidates(gctx, i, path, first)
			if err != nil {
				return errors.Wrapf(err, "scan %s for candidates", path)
			}
			counts[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := make(map[string]int)
	for _, c := range counts {
		for code, n := range c {
			total[code] += n
		}
	}
	out := make(map[string]struct{})
	for code, n := range total {
		if n > 1 {
			out[code] = struct{}{}
		}
	}
	return out, nil
}

func (s *scanner) buildFilter(ctx context.Context, idx int, path string) (pass1, error) {
	res := pass1{
		filter:  bloom.NewWithEstimates(s.cfg.capacity, s.cfg.fpr),
		repeats: make(map[string]struct{}),
	}
	var count uint64
	_, err := s.stream(ctx, path, func(code string) error {
		if res.filter.TestAndAddString(code) {
			res.repeats[code] = struct{}{}
		}
		count++
		if count%progressEvery == 0 {
			s.lg.Info("Pass 1 progress", zap.Int("file", idx+1), zap.Uint64("codes", count))
		}
		return nil
	})
	if err != nil {
		return pass1{}, err
	}
	s.lg.Info("Pass 1 complete",
		zap.Int("file", idx+1),
		zap.Uint64("codes", count),
		zap.Int("repeat_candidates", len(res.repeats)),
	)
	return res, nil
}

func (s *scanner) countCandidates(ctx context.Context, idx int, path string, first []pass1) (map[string]int, error) {
	counts := make(map[string]int)
	own := first[idx].repeats
	_, err := s.stream(ctx, path, func(code string) error {
		if _, ok := own[code]; ok {
			counts[code]++
			return nil
		}
		for j, other := range first {
			if j != idx && other.filter.TestString(code) {
				counts[code]++
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.lg.Info("Pass 2 complete", zap.Int("file", idx+1), zap.Int("candidates", len(counts)))
	return counts, nil
}

// stream calls fn for every well-formed code of a gzip file, normalized with
// discount.NormalizeCode. Blank lines are ignored; other malformed lines are
// counted and skipped.
func (s *scanner) stream(ctx context.Context, path string, fn func(code string) error) (invalid int64, err error) {
	f, err := openFile(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return 0, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return invalid, err
		}
		code := discount.NormalizeCode(sc.Text())
		if code == "" {
			continue
		}
		if !s.validCode(code) {
			invalid++
			continue
		}
		if err := fn(code); err != nil {
			return invalid, err
		}
	}
	if err := sc.Err(); err != nil {
		return invalid, errors.Wrapf(err, "scan %s", path)
	}
	return invalid, nil
}

// validCode accepts upper-case letters, digits and dashes within the
// configured length bounds.
func (s *scanner) validCode(code string) bool {
	if len(code) < s.cfg.minLen || len(code) > s.cfg.maxLen {
		return false
	}
	for i := range len(code) {
		c := code[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}
