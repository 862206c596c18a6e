package benchmark

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/ksred/fleet-api/internal/alerts"
	"github.com/ksred/fleet-api/internal/config"
	"github.com/ksred/fleet-api/internal/database"
	"github.com/ksred/fleet-api/internal/failover"
	"github.com/ksred/fleet-api/internal/fleet"
	"github.com/ksred/fleet-api/internal/secrets"
	"github.com/ksred/fleet-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestScorePerfectLatency(t *testing.T) {
	// Constant 30 ms samples: latency 100 (clamped), consistency 100,
	// best case 100, so the weighted score is 100.
	samples := []float64{30, 30, 30, 30, 30}
	result := score(samples, map[string][]float64{"binance": samples})

	assert.Equal(t, 100, result.HFTScore)
	assert.Equal(t, float64(100), result.LatencyScore)
	assert.Equal(t, float64(100), result.ConsistencyScore)
	assert.Equal(t, float64(100), result.BestCaseScore)
	assert.Equal(t, float64(30), result.MeanMs)
	assert.Equal(t, float64(30), result.PerExchangeMean["binance"])
}

func TestScoreDegradesWithLatency(t *testing.T) {
	// Constant 110 ms: latency 100-(110-50)/1.5 = 60, consistency 100,
	// best case 100-(110-30)/1.7 ~ 52.94. Weighted: 30+30+10.588 = 70.588 -> 71.
	samples := []float64{110, 110, 110}
	result := score(samples, nil)

	assert.InDelta(t, 60, result.LatencyScore, 0.001)
	assert.InDelta(t, 52.941, result.BestCaseScore, 0.01)
	assert.Equal(t, 71, result.HFTScore)
}

func TestScoreClampsAtZero(t *testing.T) {
	samples := []float64{999, 999, 999, 999, 999}
	result := score(samples, nil)

	assert.Equal(t, float64(0), result.LatencyScore)
	assert.Equal(t, float64(0), result.BestCaseScore)
	// No variance, so consistency alone carries the score: 0.3*100 = 30.
	assert.Equal(t, 30, result.HFTScore)
}

func TestScorePunishesJitter(t *testing.T) {
	steady := score([]float64{50, 50, 50, 50, 50}, nil)
	jittery := score([]float64{20, 80, 20, 80, 50}, nil)

	assert.Greater(t, steady.ConsistencyScore, jittery.ConsistencyScore)
	assert.Greater(t, steady.HFTScore, jittery.HFTScore)
}

func newBenchmarkFixture(t *testing.T, pings []types.ExchangePing) (*Service, *gorm.DB, string, int) {
	t.Helper()
	dsn := "file:" + uuid.New().String() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": pings})
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	fleetSvc := fleet.NewService(db, secrets.NewCodec("test-secret"), nil)
	failoverSvc := failover.NewService(db, fleetSvc, alerts.NewNotifier(config.TelegramConfig{}), port, config.FailoverConfig{})
	return NewService(fleetSvc, failoverSvc, port), db, host, port
}

func TestRunCollectsSamplesAndRecordsTimeline(t *testing.T) {
	pings := []types.ExchangePing{
		{Exchange: "binance", LatencyMs: 40, Success: true},
		{Exchange: "mexc", LatencyMs: 60, Success: true},
	}
	svc, db, host, _ := newBenchmarkFixture(t, pings)

	require.NoError(t, db.Create(&types.Machine{
		MachineID: "m-bench",
		Provider:  "hetzner",
		IPAddress: host,
		Status:    types.MachineRunning,
	}).Error)

	result, err := svc.Run(context.Background(), "m-bench")
	require.NoError(t, err)
	assert.Equal(t, "m-bench", result.MachineID)
	assert.Equal(t, "hetzner", result.Provider)
	assert.InDelta(t, 50, result.MeanMs, 0.001)
	assert.InDelta(t, 40, result.PerExchangeMean["binance"], 0.001)
	assert.InDelta(t, 60, result.PerExchangeMean["mexc"], 0.001)
	assert.False(t, result.RanAt.IsZero())

	var events []types.TimelineEvent
	require.NoError(t, db.Where("event_type = ?", "benchmark").Find(&events).Error)
	require.Len(t, events, 1)
}

func TestRunChargesFailedPings(t *testing.T) {
	pings := []types.ExchangePing{
		{Exchange: "binance", LatencyMs: 40, Success: true},
		{Exchange: "mexc", Success: false, Error: "dns failure"},
	}
	svc, db, host, _ := newBenchmarkFixture(t, pings)

	require.NoError(t, db.Create(&types.Machine{
		MachineID: "m-bench",
		Provider:  "hetzner",
		IPAddress: host,
		Status:    types.MachineRunning,
	}).Error)

	result, err := svc.Run(context.Background(), "m-bench")
	require.NoError(t, err)
	assert.Equal(t, float64(999), result.PerExchangeMean["mexc"])
	assert.Equal(t, float64(999), result.MaxMs)
}

func TestRunUnknownMachine(t *testing.T) {
	svc, _, _, _ := newBenchmarkFixture(t, nil)

	_, err := svc.Run(context.Background(), "no-such-machine")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindPermanent))
}

func TestRunMeshSortsByScore(t *testing.T) {
	pings := []types.ExchangePing{{Exchange: "binance", LatencyMs: 35, Success: true}}
	svc, db, host, _ := newBenchmarkFixture(t, pings)

	// Both members share the test agent; one record is disabled and the
	// third points at a machine with no row, which is skipped.
	require.NoError(t, db.Create(&types.Machine{
		MachineID: "m-1", Provider: "hetzner", IPAddress: host, Status: types.MachineRunning,
	}).Error)
	require.NoError(t, db.Create(&types.Machine{
		MachineID: "m-2", Provider: "vultr", IPAddress: host, Status: types.MachineRunning,
	}).Error)
	for _, rec := range []types.FailoverRecord{
		{Provider: "hetzner", MachineID: "m-1", Priority: 1, IsEnabled: true},
		{Provider: "vultr", MachineID: "m-2", Priority: 2, IsEnabled: true},
		{Provider: "linode", MachineID: "m-disabled", Priority: 3, IsEnabled: false},
		{Provider: "ovh", MachineID: "m-missing", Priority: 4, IsEnabled: true},
	} {
		require.NoError(t, db.Create(&rec).Error)
	}

	results, err := svc.RunMesh(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.GreaterOrEqual(t, results[0].HFTScore, results[1].HFTScore)
}
