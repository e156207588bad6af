package main

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront-pricing/internal/domain/voucher"
)

const (
	bloomFPR      = 0.001
	progressEvery = 1_000_000
)

type options struct {
	voucherID string
	files     []string
	minLen    int
	maxLen    int
	expected  uint
	chunk     int
}

func (o options) validate() error {
	switch {
	case o.voucherID == "":
		return errors.New("voucher id is required")
	case len(o.files) == 0:
		return errors.New("at least one input file is required")
	case o.minLen < 1 || o.maxLen < o.minLen:
		return errors.Errorf("invalid code length range [%d, %d]", o.minLen, o.maxLen)
	case o.chunk < 1:
		return errors.Errorf("chunk must be positive, got %d", o.chunk)
	}
	return nil
}

// codeWriter persists a chunk of codes and reports how many were new.
type codeWriter interface {
	InsertCodes(ctx context.Context, voucherID string, codes []string) (int64, error)
}

type stats struct {
	read     uint64
	skipped  uint64
	unique   uint64
	inserted int64
}

// ingest runs two passes over the files. The first feeds every code into a
// bloom filter and remembers the codes the filter had probably seen already.
// The second writes each code once: codes outside that suspect set are
// unique, suspects are written on first sight only.
func ingest(ctx context.Context, w codeWriter, opts options) (stats, error) {
	var st stats

	slog.Info("pass 1: building bloom filter", slog.Int("files", len(opts.files)))
	suspects, err := findSuspects(ctx, opts, &st)
	if err != nil {
		return st, errors.Wrap(err, "find duplicate candidates")
	}
	slog.Info("pass 1 complete",
		slog.Uint64("codes", st.read),
		slog.Int("suspects", len(suspects)),
	)

	slog.Info("pass 2: writing codes", slog.String("voucher_id", opts.voucherID))
	written := make(map[string]struct{}, len(suspects))
	chunk := make([]string, 0, opts.chunk)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		n, err := w.InsertCodes(ctx, opts.voucherID, chunk)
		if err != nil {
			return errors.Wrap(err, "insert codes")
		}
		st.inserted += n
		chunk = chunk[:0]
		return nil
	}

	for _, path := range opts.files {
		var flushErr error
		_, err := streamCodes(ctx, path, opts, func(code string) bool {
			if _, ok := suspects[code]; ok {
				if _, done := written[code]; done {
					return true
				}
				written[code] = struct{}{}
			}
			st.unique++
			chunk = append(chunk, code)
			if len(chunk) == opts.chunk {
				flushErr = flush()
			}
			if st.unique%progressEvery == 0 {
				slog.Info("pass 2 progress", slog.Uint64("unique", st.unique), slog.Int64("inserted", st.inserted))
			}
			return flushErr == nil
		})
		if flushErr != nil {
			return st, flushErr
		}
		if err != nil {
			return st, errors.Wrapf(err, "write codes from %s", path)
		}
	}
	if err := flush(); err != nil {
		return st, err
	}
	return st, nil
}

// findSuspects streams every file concurrently into one bloom filter owned
// by the calling goroutine.
func findSuspects(ctx context.Context, opts options, st *stats) (map[string]struct{}, error) {
	filter := bloom.NewWithEstimates(opts.expected, bloomFPR)
	suspects := make(map[string]struct{})
	codes := make(chan string, 4096)

	var skipped atomic.Uint64
	g, gctx := errgroup.WithContext(ctx)
	for _, path := range opts.files {
		g.Go(func() error {
			n, err := streamCodes(gctx, path, opts, func(code string) bool {
				select {
				case codes <- code:
					return true
				case <-gctx.Done():
					return false
				}
			})
			skipped.Add(n)
			if err != nil {
				return errors.Wrapf(err, "scan %s", path)
			}
			return gctx.Err()
		})
	}
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
		close(codes)
	}()

	for code := range codes {
		st.read++
		if filter.TestAndAddString(code) {
			suspects[code] = struct{}{}
		}
		if st.read%progressEvery == 0 {
			slog.Info("pass 1 progress", slog.Uint64("codes", st.read))
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}
	st.skipped = skipped.Load()
	return suspects, nil
}

// streamCodes calls fn for every normalized code of acceptable length in the
// gzip file at path and returns how many lines were rejected. fn returns
// false to stop early.
func streamCodes(ctx context.Context, path string, opts options, fn func(code string) bool) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return 0, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	var skipped uint64
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return skipped, err
		}
		code := voucher.NormalizeCode(scanner.Text())
		if code == "" {
			continue
		}
		if len(code) < opts.minLen || len(code) > opts.maxLen {
			skipped++
			continue
		}
		if !fn(code) {
			return skipped, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return skipped, errors.Wrapf(err, "scan %s", path)
	}
	return skipped, nil
}
