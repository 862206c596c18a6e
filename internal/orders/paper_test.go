package orders

import (
	"context"
	"testing"
	"time"

	"github.com/ksred/fleet-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPaperFixture(t *testing.T, slip float64) (*PaperEngine, *Database) {
	t.Helper()
	gormDB := newTestGorm(t)
	require.NoError(t, gormDB.Create(&types.TradingConfig{
		TradingMode:     "paper",
		MaxPositionSize: decimal.NewFromInt(1_000_000),
		Version:         1,
	}).Error)

	db := NewDatabase(gormDB)
	prices := NewStaticPrices()
	prices.Set("binance", "BTCUSDT", decimal.NewFromInt(100_000))

	engine := NewPaperEngine(db, prices, NewRiskManager(db))
	engine.delay = func() time.Duration { return 0 }
	engine.slip = func() float64 { return slip }
	return engine, db
}

func TestPaperFillAppliesSlippageAgainstTaker(t *testing.T) {
	engine, db := newPaperFixture(t, 0.0002)

	buy, err := engine.PlaceOrder(context.Background(), PlaceOrderRequest{
		Exchange:  "binance",
		Symbol:    "BTCUSDT",
		Side:      types.SideBuy,
		OrderType: types.TypeMarket,
		Amount:    decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, buy.Status)
	// Buys fill above market: 100000 * 1.0002.
	assert.True(t, decimal.NewFromInt(100_020).Equal(buy.AverageFillPrice.Decimal),
		"got %s", buy.AverageFillPrice.Decimal)

	sell, err := engine.PlaceOrder(context.Background(), PlaceOrderRequest{
		Exchange:  "binance",
		Symbol:    "BTCUSDT",
		Side:      types.SideSell,
		OrderType: types.TypeMarket,
		Amount:    decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	// Sells fill below market: 100000 * 0.9998.
	assert.True(t, decimal.NewFromInt(99_980).Equal(sell.AverageFillPrice.Decimal),
		"got %s", sell.AverageFillPrice.Decimal)

	long, err := db.GetOpenPaperPosition("binance", "BTCUSDT", types.PositionLong)
	require.NoError(t, err)
	require.NotNil(t, long)
	short, err := db.GetOpenPaperPosition("binance", "BTCUSDT", types.PositionShort)
	require.NoError(t, err)
	require.NotNil(t, short)
}

func TestPaperMaxSlippageRejects(t *testing.T) {
	engine, db := newPaperFixture(t, 0.0005)

	maxSlip := decimal.NewFromFloat(0.0002)
	_, err := engine.PlaceOrder(context.Background(), PlaceOrderRequest{
		Exchange:    "binance",
		Symbol:      "BTCUSDT",
		Side:        types.SideBuy,
		OrderType:   types.TypeMarket,
		Amount:      decimal.NewFromInt(1),
		MaxSlippage: &maxSlip,
	})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindRiskReject))

	// The order reached the execution path, so it ends terminal.
	var orders []types.PaperOrder
	require.NoError(t, db.db.Find(&orders).Error)
	require.Len(t, orders, 1)
	assert.Equal(t, types.OrderRejected, orders[0].Status)
}

func TestPaperIdempotencyKey(t *testing.T) {
	engine, _ := newPaperFixture(t, 0.0002)

	req := PlaceOrderRequest{
		Exchange:       "binance",
		Symbol:         "BTCUSDT",
		Side:           types.SideBuy,
		OrderType:      types.TypeMarket,
		Amount:         decimal.NewFromInt(1),
		IdempotencyKey: "paper-dup-1",
	}
	first, err := engine.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := engine.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)
}

func TestPaperOrdersNeverTouchLiveTables(t *testing.T) {
	engine, db := newPaperFixture(t, 0.0002)

	_, err := engine.PlaceOrder(context.Background(), PlaceOrderRequest{
		Exchange:  "binance",
		Symbol:    "BTCUSDT",
		Side:      types.SideBuy,
		OrderType: types.TypeMarket,
		Amount:    decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	var liveOrders, livePositions int64
	require.NoError(t, db.db.Model(&types.Order{}).Count(&liveOrders).Error)
	require.NoError(t, db.db.Model(&types.Position{}).Count(&livePositions).Error)
	assert.Zero(t, liveOrders)
	assert.Zero(t, livePositions)
}

func TestPaperPositionExtends(t *testing.T) {
	engine, db := newPaperFixture(t, 0.0002)

	for i := 0; i < 2; i++ {
		_, err := engine.PlaceOrder(context.Background(), PlaceOrderRequest{
			Exchange:  "binance",
			Symbol:    "BTCUSDT",
			Side:      types.SideBuy,
			OrderType: types.TypeMarket,
			Amount:    decimal.NewFromInt(1),
		})
		require.NoError(t, err)
	}

	pos, err := db.GetOpenPaperPosition("binance", "BTCUSDT", types.PositionLong)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, decimal.NewFromInt(2).Equal(pos.Size))

	var count int64
	require.NoError(t, db.db.Model(&types.PaperPosition{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
