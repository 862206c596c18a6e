package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/fleet-api/internal/database"
	"github.com/ksred/fleet-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestGorm(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.New().String() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func TestStateAggregatesSubfields(t *testing.T) {
	db := newTestGorm(t)
	svc := NewService(db)
	now := time.Now().UTC()

	require.NoError(t, db.Create(&types.TradingConfig{
		BotStatus: types.BotRunning, TradingMode: "live", TradingEnabled: true, Version: 3,
	}).Error)
	require.NoError(t, db.Create(&types.Deployment{
		DeploymentID: "d-1", MachineID: "m-1", BotStatus: types.BotRunning, UpdatedAt: now,
	}).Error)
	require.NoError(t, db.Create(&types.ExchangeCredential{
		Exchange: "binance", FieldName: "key", ValueEncrypted: "sealed",
	}).Error)
	require.NoError(t, db.Create(&types.BalanceSnapshot{
		Exchange: "binance", TotalUSD: decimal.NewFromInt(25_000), Paper: false,
	}).Error)
	// High-confidence signal inside the window plus two that must not appear.
	require.NoError(t, db.Create(&types.Signal{
		Exchange: "binance", Symbol: "BTCUSDT", Direction: "long", Confidence: 91, CreatedAt: now,
	}).Error)
	require.NoError(t, db.Create(&types.Signal{
		Exchange: "binance", Symbol: "ETHUSDT", Direction: "short", Confidence: 40, CreatedAt: now,
	}).Error)
	require.NoError(t, db.Create(&types.Signal{
		Exchange: "binance", Symbol: "SOLUSDT", Direction: "long", Confidence: 95, CreatedAt: now.Add(-time.Hour),
	}).Error)

	st := svc.State()

	cfg, ok := st.TradingConfig.(*types.TradingConfig)
	require.True(t, ok)
	assert.Equal(t, types.BotRunning, cfg.BotStatus)

	dep, ok := st.ActiveDeployment.(*types.Deployment)
	require.True(t, ok)
	assert.Equal(t, "d-1", dep.DeploymentID)

	exchanges, ok := st.ConnectedExchanges.([]string)
	require.True(t, ok)
	assert.Equal(t, []string{"binance"}, exchanges)

	signals, ok := st.RecentSignals.([]types.Signal)
	require.True(t, ok)
	require.Len(t, signals, 1)
	assert.Equal(t, "BTCUSDT", signals[0].Symbol)

	balance, ok := st.LatestBalance.(*types.BalanceSnapshot)
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(25_000).Equal(balance.TotalUSD))
}

func TestStateEmptyDatabase(t *testing.T) {
	svc := NewService(newTestGorm(t))

	st := svc.State()
	assert.False(t, st.Timestamp.IsZero())

	// Empty is not an error: nil subfields, no error markers.
	cfg, ok := st.TradingConfig.(*types.TradingConfig)
	require.True(t, ok)
	assert.Nil(t, cfg)
}

func TestStateBalanceFollowsTradingMode(t *testing.T) {
	db := newTestGorm(t)
	svc := NewService(db)

	require.NoError(t, db.Create(&types.BalanceSnapshot{
		Exchange: "binance", TotalUSD: decimal.NewFromInt(1000), Paper: false,
	}).Error)
	require.NoError(t, db.Create(&types.BalanceSnapshot{
		Exchange: "binance", TotalUSD: decimal.NewFromInt(2000), Paper: true,
	}).Error)

	// No config row means paper mode.
	st := svc.State()
	balance := st.LatestBalance.(*types.BalanceSnapshot)
	assert.True(t, balance.Paper)

	require.NoError(t, db.Create(&types.TradingConfig{TradingMode: "live", Version: 1}).Error)
	st = svc.State()
	balance = st.LatestBalance.(*types.BalanceSnapshot)
	assert.False(t, balance.Paper)
}

func TestSubfieldDegradesOnError(t *testing.T) {
	v := subfield("broken", func() (interface{}, error) {
		return nil, errors.New("machine unreachable")
	})
	assert.Equal(t, map[string]string{"error": "machine unreachable"}, v)

	v = subfield("fine", func() (interface{}, error) { return 42, nil })
	assert.Equal(t, 42, v)
}

func TestTimestampMonotonic(t *testing.T) {
	svc := NewService(newTestGorm(t))

	// Pin the clock ahead so successive calls collide with lastTimestamp.
	svc.lastTimestamp = time.Now().UTC().Add(time.Hour)

	a := svc.nextTimestamp()
	b := svc.nextTimestamp()
	c := svc.nextTimestamp()
	assert.True(t, b.After(a))
	assert.True(t, c.After(b))
	assert.Equal(t, time.Microsecond, b.Sub(a))
}
