// Command voucher-ingest imports voucher codes from gzip files, one code per
// line. Codes repeated within or across files are written once; codes that
// already exist in the database are left alone.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-pricing/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		opts        options
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.voucherID, "voucher-id", "", "voucher the codes belong to")
	flag.IntVar(&opts.minLen, "min-len", 4, "shortest accepted code")
	flag.IntVar(&opts.maxLen, "max-len", 32, "longest accepted code")
	flag.UintVar(&opts.expected, "expected-codes", 10_000_000, "expected number of codes, sizes the bloom filter")
	flag.IntVar(&opts.chunk, "chunk", 1000, "codes per insert batch")
	flag.Parse()
	opts.files = flag.Args()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, opts); err != nil {
		slog.Error("voucher ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("voucher ingest completed successfully")
}

func run(ctx context.Context, databaseURL string, opts options) error {
	if err := opts.validate(); err != nil {
		return err
	}
	for _, f := range opts.files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	stats, err := ingest(ctx, postgres.NewVoucherRepository(pool), opts)
	if err != nil {
		return err
	}
	slog.Info("ingest summary",
		slog.Uint64("read", stats.read),
		slog.Uint64("skipped", stats.skipped),
		slog.Uint64("unique", stats.unique),
		slog.Int64("inserted", stats.inserted),
	)
	return nil
}
