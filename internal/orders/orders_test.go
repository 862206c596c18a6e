package orders

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/fleet-api/internal/agent"
	"github.com/ksred/fleet-api/internal/alerts"
	"github.com/ksred/fleet-api/internal/config"
	"github.com/ksred/fleet-api/internal/database"
	"github.com/ksred/fleet-api/internal/failover"
	"github.com/ksred/fleet-api/internal/fleet"
	"github.com/ksred/fleet-api/internal/ratelimit"
	"github.com/ksred/fleet-api/internal/secrets"
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

// routerFixture wires the live router against an httptest agent playing
// the primary machine.
type routerFixture struct {
	gorm  *gorm.DB
	svc   *Service
	store *Database
	calls atomic.Int64
}

func newRouterFixture(t *testing.T, handle func(w http.ResponseWriter, req agent.OrderRequest)) *routerFixture {
	t.Helper()
	f := &routerFixture{gorm: newTestGorm(t)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		require.Equal(t, "/place-order", r.URL.Path)
		var req agent.OrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		handle(w, req)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	codec := secrets.NewCodec("test-secret")
	fleetSvc := fleet.NewService(f.gorm, codec, nil)
	require.NoError(t, fleetSvc.SaveExchangeCredential("binance", "key", "k-test"))
	require.NoError(t, fleetSvc.SaveExchangeCredential("binance", "secret", "s-test"))

	require.NoError(t, f.gorm.Create(&types.Machine{
		MachineID: "m-test",
		Provider:  "hetzner",
		Region:    "fsn1",
		Size:      "cpx21",
		IPAddress: host,
		Status:    types.MachineRunning,
		BotStatus: types.BotRunning,
	}).Error)
	require.NoError(t, f.gorm.Create(&types.FailoverRecord{
		Provider:  "hetzner",
		MachineID: "m-test",
		Priority:  1,
		IsPrimary: true,
		IsEnabled: true,
	}).Error)
	require.NoError(t, f.gorm.Create(&types.TradingConfig{
		BotStatus:       types.BotRunning,
		TradingEnabled:  true,
		TradingMode:     "live",
		MaxPositionSize: decimal.NewFromInt(1_000_000),
		Version:         1,
		UpdatedAt:       time.Now().UTC(),
	}).Error)

	failoverSvc := failover.NewService(f.gorm, fleetSvc, alerts.NewNotifier(config.TelegramConfig{}), port, config.FailoverConfig{
		HealthInterval:   time.Minute,
		FailureThreshold: 3,
		PromoteCooldown:  time.Minute,
	})
	limiter := ratelimit.NewCoordinator(config.RateLimitConfig{
		Default: config.ExchangeLimit{HardLimitPerMinute: 60000, SafetyMargin: 1.0, BurstReserve: 0.1},
	})
	prices := NewStaticPrices()
	prices.Set("binance", "BTCUSDT", decimal.NewFromInt(100_000))

	f.svc = NewService(f.gorm, fleetSvc, failoverSvc, limiter, prices, port)
	f.store = f.svc.DB()
	return f
}

func fillingAgent(price, qty decimal.Decimal) func(w http.ResponseWriter, req agent.OrderRequest) {
	return func(w http.ResponseWriter, req agent.OrderRequest) {
		_ = json.NewEncoder(w).Encode(agent.OrderResult{
			Success:       true,
			OrderID:       "ex-123",
			ExecutedPrice: &price,
			ExecutedQty:   &qty,
		})
	}
}

func marketBuy(amount string) PlaceOrderRequest {
	return PlaceOrderRequest{
		Exchange:  "binance",
		Symbol:    "BTCUSDT",
		Side:      types.SideBuy,
		OrderType: types.TypeMarket,
		Amount:    decimal.RequireFromString(amount),
	}
}

func TestPlaceOrderFillsAndOpensPosition(t *testing.T) {
	fill := decimal.RequireFromString("100010.5")
	qty := decimal.RequireFromString("0.5")
	f := newRouterFixture(t, fillingAgent(fill, qty))

	order, err := f.svc.PlaceOrder(context.Background(), marketBuy("0.5"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, order.Status)
	assert.Equal(t, "ex-123", order.ExchangeOrderID)
	assert.True(t, order.AverageFillPrice.Valid)
	assert.True(t, fill.Equal(order.AverageFillPrice.Decimal))
	assert.Greater(t, order.Version, 1)
	require.NotNil(t, order.FilledAt)

	pos, err := f.store.GetOpenPosition("binance", "BTCUSDT", types.PositionLong)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, qty.Equal(pos.Size))
	assert.True(t, fill.Equal(pos.EntryPrice))

	var logs []types.TransactionLog
	require.NoError(t, f.gorm.Where("order_id = ?", order.OrderID).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "success", logs[0].Status)
	assert.Equal(t, int64(1), f.calls.Load())
}

func TestPlaceOrderDuplicateKeyReturnsExistingOrder(t *testing.T) {
	f := newRouterFixture(t, fillingAgent(decimal.NewFromInt(100_000), decimal.RequireFromString("0.1")))

	req := marketBuy("0.1")
	req.IdempotencyKey = "dup-key-1"

	first, err := f.svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := f.svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, int64(1), f.calls.Load(), "duplicate submission must not reach the agent")

	var count int64
	require.NoError(t, f.gorm.Model(&types.Order{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestKillSwitchRejectsBeforeAnyWrite(t *testing.T) {
	f := newRouterFixture(t, fillingAgent(decimal.NewFromInt(100_000), decimal.NewFromInt(1)))

	require.NoError(t, f.gorm.Model(&types.TradingConfig{}).
		Where("1 = 1").Update("kill_switch", true).Error)
	f.svc.Risk().Invalidate()

	_, err := f.svc.PlaceOrder(context.Background(), marketBuy("0.1"))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindRiskReject))

	var orders, logs int64
	require.NoError(t, f.gorm.Model(&types.Order{}).Count(&orders).Error)
	require.NoError(t, f.gorm.Model(&types.TransactionLog{}).Count(&logs).Error)
	assert.Zero(t, orders, "a risk reject must leave no order row")
	assert.Zero(t, logs)
	assert.Zero(t, f.calls.Load())
}

func TestMaxPositionSizeReject(t *testing.T) {
	f := newRouterFixture(t, fillingAgent(decimal.NewFromInt(100_000), decimal.NewFromInt(1)))

	// 20 BTC at 100k is 2M notional against the 1M limit.
	_, err := f.svc.PlaceOrder(context.Background(), marketBuy("20"))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindRiskReject))
	assert.Zero(t, f.calls.Load())
}

func TestNoPrimaryRejectsOrderWithTrace(t *testing.T) {
	f := newRouterFixture(t, fillingAgent(decimal.NewFromInt(100_000), decimal.NewFromInt(1)))

	require.NoError(t, f.gorm.Model(&types.FailoverRecord{}).
		Where("provider = ?", "hetzner").Update("is_primary", false).Error)

	_, err := f.svc.PlaceOrder(context.Background(), marketBuy("0.1"))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindNoPrimary))

	// Past the pending insert the order always ends terminal, with a
	// failed journal entry alongside.
	var orders []types.Order
	require.NoError(t, f.gorm.Find(&orders).Error)
	require.Len(t, orders, 1)
	assert.Equal(t, types.OrderRejected, orders[0].Status)

	var logs []types.TransactionLog
	require.NoError(t, f.gorm.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "failed", logs[0].Status)
}

func TestExchangeRejectionMarksOrderRejected(t *testing.T) {
	f := newRouterFixture(t, func(w http.ResponseWriter, req agent.OrderRequest) {
		_ = json.NewEncoder(w).Encode(agent.OrderResult{Success: false, Error: "insufficient balance"})
	})

	_, err := f.svc.PlaceOrder(context.Background(), marketBuy("0.1"))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindPermanent))

	var orders []types.Order
	require.NoError(t, f.gorm.Find(&orders).Error)
	require.Len(t, orders, 1)
	assert.Equal(t, types.OrderRejected, orders[0].Status)

	pos, err := f.store.GetOpenPosition("binance", "BTCUSDT", types.PositionLong)
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestAgentReceivesCredentials(t *testing.T) {
	var got agent.OrderRequest
	f := newRouterFixture(t, func(w http.ResponseWriter, req agent.OrderRequest) {
		got = req
		price := decimal.NewFromInt(100_000)
		qty := req.Qty
		_ = json.NewEncoder(w).Encode(agent.OrderResult{Success: true, OrderID: "ex-1", ExecutedPrice: &price, ExecutedQty: &qty})
	})

	_, err := f.svc.PlaceOrder(context.Background(), marketBuy("0.25"))
	require.NoError(t, err)
	assert.Equal(t, "k-test", got.Key)
	assert.Equal(t, "s-test", got.Secret)
	assert.Equal(t, "binance", got.Exchange)
}

func TestCancelPendingOrder(t *testing.T) {
	f := newRouterFixture(t, fillingAgent(decimal.NewFromInt(100_000), decimal.NewFromInt(1)))

	order := &types.Order{
		OrderID:        uuid.New().String(),
		Exchange:       "binance",
		Symbol:         "BTCUSDT",
		Side:           types.SideBuy,
		OrderType:      types.TypeLimit,
		Amount:         decimal.NewFromInt(1),
		Status:         types.OrderPending,
		IdempotencyKey: uuid.New().String(),
		Version:        1,
	}
	created, err := f.store.CreateOrderIdempotent(order)
	require.NoError(t, err)
	require.True(t, created)

	cancelled, err := f.svc.CancelOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
}

func TestTerminalOrderNeverRegresses(t *testing.T) {
	f := newRouterFixture(t, fillingAgent(decimal.NewFromInt(100_000), decimal.NewFromInt(1)))
	now := time.Now().UTC()

	order := &types.Order{
		OrderID:        uuid.New().String(),
		Exchange:       "binance",
		Symbol:         "BTCUSDT",
		Side:           types.SideBuy,
		OrderType:      types.TypeMarket,
		Amount:         decimal.NewFromInt(1),
		Status:         types.OrderPending,
		IdempotencyKey: uuid.New().String(),
		Version:        1,
	}
	_, err := f.store.CreateOrderIdempotent(order)
	require.NoError(t, err)
	require.NoError(t, f.store.MarkOrderFilled(order.OrderID, "ex-9", decimal.NewFromInt(100_000), decimal.NewFromInt(1), now))

	err = f.store.MarkOrderCancelled(order.OrderID, now)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvariantViolation))

	err = f.store.MarkOrderRejected(order.OrderID, now)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvariantViolation))

	got, err := f.store.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, got.Status)
}

func TestExtendPositionSizeWeightedEntry(t *testing.T) {
	f := newRouterFixture(t, fillingAgent(decimal.NewFromInt(100_000), decimal.NewFromInt(1)))
	now := time.Now().UTC()

	pos := &types.Position{
		PositionID: uuid.New().String(),
		Exchange:   "binance",
		Symbol:     "BTCUSDT",
		Side:       types.PositionLong,
		Size:       decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromInt(100),
		Status:     types.PositionOpen,
		Version:    1,
	}
	require.NoError(t, f.store.CreatePosition(pos))
	require.NoError(t, f.store.ExtendPosition(pos, decimal.NewFromInt(1), decimal.NewFromInt(200), now))

	got, err := f.store.GetPosition(pos.PositionID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(2).Equal(got.Size))
	assert.True(t, decimal.NewFromInt(150).Equal(got.EntryPrice), "entry price must be size-weighted, got %s", got.EntryPrice)
	assert.Equal(t, 2, got.Version)
}

func TestClosePositionRealizedPnL(t *testing.T) {
	f := newRouterFixture(t, fillingAgent(decimal.NewFromInt(100_000), decimal.NewFromInt(1)))
	prices := NewStaticPrices()
	prices.Set("binance", "BTCUSDT", decimal.NewFromInt(120))
	f.svc.prices = prices

	long := &types.Position{
		PositionID: uuid.New().String(),
		Exchange:   "binance",
		Symbol:     "BTCUSDT",
		Side:       types.PositionLong,
		Size:       decimal.NewFromInt(2),
		EntryPrice: decimal.NewFromInt(100),
		Status:     types.PositionOpen,
		Version:    1,
	}
	require.NoError(t, f.store.CreatePosition(long))

	closed, err := f.svc.ClosePosition(context.Background(), long.PositionID)
	require.NoError(t, err)
	assert.Equal(t, types.PositionClosed, closed.Status)
	assert.True(t, decimal.NewFromInt(40).Equal(closed.RealizedPnL), "long pnl (120-100)*2, got %s", closed.RealizedPnL)

	// Closing again is an idempotent no-op.
	again, err := f.svc.ClosePosition(context.Background(), long.PositionID)
	require.NoError(t, err)
	assert.Equal(t, types.PositionClosed, again.Status)

	short := &types.Position{
		PositionID: uuid.New().String(),
		Exchange:   "binance",
		Symbol:     "BTCUSDT",
		Side:       types.PositionShort,
		Size:       decimal.NewFromInt(2),
		EntryPrice: decimal.NewFromInt(100),
		Status:     types.PositionOpen,
		Version:    1,
	}
	require.NoError(t, f.store.CreatePosition(short))

	closedShort, err := f.svc.ClosePosition(context.Background(), short.PositionID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(-40).Equal(closedShort.RealizedPnL), "short pnl -(120-100)*2, got %s", closedShort.RealizedPnL)
}
