package app

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xenking/storefront-pricing/internal/domain/audit"
	"github.com/xenking/storefront-pricing/internal/domain/order"
	"github.com/xenking/storefront-pricing/internal/domain/pricing"
	"github.com/xenking/storefront-pricing/internal/domain/recalc"
	"github.com/xenking/storefront-pricing/internal/storage/memory"
	"github.com/xenking/storefront-pricing/pkg/health"
)

var testPricing = pricing.DefaultContext("USD")

// flakyOrders fails Load for one order id.
type flakyOrders struct {
	*memory.Store
	fail string
}

func (f *flakyOrders) Load(ctx context.Context, id string) (*order.Order, []*order.Line, error) {
	if id == f.fail {
		return nil, nil, errors.New("connection reset")
	}
	return f.Store.Load(ctx, id)
}

func seedOrders(store *memory.Store, ids ...string) {
	for _, id := range ids {
		store.PutOrder(
			&order.Order{ID: id, Currency: "USD", Channel: order.Channel{ID: "ch-1"}, ShouldRefreshPrices: true},
			[]*order.Line{{
				ID:       id + "-l",
				Quantity: 1,
				Listing: &order.ChannelListing{
					ChannelID:       "ch-1",
					Currency:        "USD",
					Price:           decimal.NewFromInt(10),
					DiscountedPrice: decimal.NewFromInt(10),
				},
			}},
		)
	}
}

func newTestWorker(t *testing.T, orders order.Repository, store *memory.Store, lg *zap.Logger, batch int) *Worker {
	t.Helper()
	r, err := recalc.New(recalc.Deps{Store: store, Vouchers: store, Rules: store, Stock: store, Pricing: testPricing})
	require.NoError(t, err)
	a, err := audit.New(lg, nil)
	require.NoError(t, err)
	w, err := NewWorker(orders, r, a, WorkerOptions{
		Workers:      2,
		BatchSize:    batch,
		PollInterval: time.Millisecond,
		Pricing:      testPricing,
		Logger:       lg,
	})
	require.NoError(t, err)
	return w
}

func TestWorker_Drain(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedOrders(store, "o-1", "o-2", "o-3")
	w := newTestWorker(t, store, store, zap.NewNop(), 2)

	n, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stale, err := store.ListStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"o-3"}, stale)

	n, err = w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = w.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	o, _, err := store.Load(ctx, "o-1")
	require.NoError(t, err)
	assert.True(t, o.Total.Net.Equal(decimal.NewFromInt(10)))
}

func TestWorker_FailedOrderStaysStale(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedOrders(store, "o-1", "o-2")
	core, logs := observer.New(zapcore.InfoLevel)
	w := newTestWorker(t, &flakyOrders{Store: store, fail: "o-1"}, store, zap.New(core), 10)

	n, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stale, err := store.ListStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"o-1"}, stale)

	entries := logs.FilterMessage("Load order").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "o-1", entries[0].ContextMap()["order_id"])
}

func TestWorker_ReportAtDebug(t *testing.T) {
	store := memory.New()
	seedOrders(store, "o-1")
	core, logs := observer.New(zapcore.DebugLevel)
	w := newTestWorker(t, store, store, zap.New(core), 10)

	_, err := w.Drain(context.Background())
	require.NoError(t, err)

	entries := logs.FilterMessage("Order repriced").All()
	require.Len(t, entries, 1)
	b, ok := entries[0].ContextMap()["report"].(string)
	require.True(t, ok)
	assert.Contains(t, b, `"order_id":"o-1"`)
	assert.Contains(t, b, `"total":{"net":"10.00","gross":"10.00"}`)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := memory.New()
	seedOrders(store, "o-1")
	w := newTestWorker(t, store, store, zap.NewNop(), 10)
	hb := health.NewHeartbeat()
	w.hb = hb

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool {
		stale, err := store.ListStale(context.Background(), 0)
		return err == nil && len(stale) == 0
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	assert.NoError(t, hb.Check(time.Minute)(context.Background()))
}
