package orders

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/fleet-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newRiskFixture(t *testing.T, cfg types.TradingConfig) (*gorm.DB, *RiskManager) {
	t.Helper()
	db := newTestGorm(t)
	require.NoError(t, db.Create(&cfg).Error)
	return db, NewRiskManager(NewDatabase(db))
}

func closedPosition(db *gorm.DB, t *testing.T, pnl decimal.Decimal) {
	t.Helper()
	require.NoError(t, db.Create(&types.Position{
		PositionID:  uuid.New().String(),
		Exchange:    "binance",
		Symbol:      "BTCUSDT",
		Side:        types.PositionLong,
		Size:        decimal.NewFromInt(1),
		EntryPrice:  decimal.NewFromInt(100),
		RealizedPnL: pnl,
		Status:      types.PositionClosed,
		Version:     2,
		UpdatedAt:   time.Now().UTC(),
	}).Error)
}

func TestRiskDailyLossLimit(t *testing.T) {
	db, risk := newRiskFixture(t, types.TradingConfig{
		MaxDailyLoss: decimal.NewFromInt(500),
	})

	// Cumulative realised loss 550 against a 500 limit.
	closedPosition(db, t, decimal.NewFromInt(-300))
	closedPosition(db, t, decimal.NewFromInt(-250))

	err := risk.Check("binance", decimal.NewFromInt(100), false)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindRiskReject))

	// A winner pulls the cumulative loss back under the limit.
	closedPosition(db, t, decimal.NewFromInt(200))
	risk.Invalidate()
	assert.NoError(t, risk.Check("binance", decimal.NewFromInt(100), false))
}

func TestRiskDailyLossUnderLimit(t *testing.T) {
	db, risk := newRiskFixture(t, types.TradingConfig{
		MaxDailyLoss: decimal.NewFromInt(500),
	})
	closedPosition(db, t, decimal.NewFromInt(-300))

	assert.NoError(t, risk.Check("binance", decimal.NewFromInt(100), false))
}

func TestRiskDrawdownLimit(t *testing.T) {
	db, risk := newRiskFixture(t, types.TradingConfig{
		MaxDrawdownPct: decimal.NewFromInt(10),
	})

	// Peak 10000, latest 8500: 15% drawdown against a 10% cap.
	for _, v := range []int64{10000, 9200, 8500} {
		require.NoError(t, db.Create(&types.BalanceSnapshot{
			Exchange: "binance",
			TotalUSD: decimal.NewFromInt(v),
		}).Error)
	}

	err := risk.Check("binance", decimal.NewFromInt(100), false)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindRiskReject))
}

func TestRiskMinBalance(t *testing.T) {
	db, risk := newRiskFixture(t, types.TradingConfig{
		MinBalance: decimal.NewFromInt(1000),
	})
	require.NoError(t, db.Create(&types.BalanceSnapshot{
		Exchange: "binance",
		TotalUSD: decimal.NewFromInt(1500),
	}).Error)

	// 600 would leave 900, under the 1000 floor.
	err := risk.Check("binance", decimal.NewFromInt(600), false)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindRiskReject))

	assert.NoError(t, risk.Check("binance", decimal.NewFromInt(400), false))
}

func TestRiskPaperAndLiveLossesStaySeparate(t *testing.T) {
	db, risk := newRiskFixture(t, types.TradingConfig{
		MaxDailyLoss: decimal.NewFromInt(500),
	})

	// A heavy paper loss must not block live trading.
	require.NoError(t, db.Create(&types.PaperPosition{
		PositionID:  uuid.New().String(),
		Exchange:    "binance",
		Symbol:      "BTCUSDT",
		Side:        types.PositionLong,
		Size:        decimal.NewFromInt(1),
		EntryPrice:  decimal.NewFromInt(100),
		RealizedPnL: decimal.NewFromInt(-5000),
		Status:      types.PositionClosed,
		Version:     2,
		UpdatedAt:   time.Now().UTC(),
	}).Error)

	assert.NoError(t, risk.Check("binance", decimal.NewFromInt(100), false))
	err := risk.Check("binance", decimal.NewFromInt(100), true)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindRiskReject))
}

func TestRiskCacheInvalidate(t *testing.T) {
	db, risk := newRiskFixture(t, types.TradingConfig{})

	require.NoError(t, risk.Check("binance", decimal.NewFromInt(100), false))

	require.NoError(t, db.Model(&types.TradingConfig{}).
		Where("1 = 1").Update("kill_switch", true).Error)

	// Still cached.
	require.NoError(t, risk.Check("binance", decimal.NewFromInt(100), false))

	risk.Invalidate()
	err := risk.Check("binance", decimal.NewFromInt(100), false)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindRiskReject))
}
