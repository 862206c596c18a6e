package failover

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
	"github.com/ksred/fleet-api/internal/alerts"
	"github.com/ksred/fleet-api/internal/config"
	"github.com/ksred/fleet-api/internal/database"
	"github.com/ksred/fleet-api/internal/fleet"
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

// healthAgent is an httptest agent whose /health outcome is switchable.
type healthAgent struct {
	srv     *httptest.Server
	host    string
	port    int
	healthy atomic.Bool
}

func newHealthAgent(t *testing.T) *healthAgent {
	t.Helper()
	a := &healthAgent{}
	a.healthy.Store(true)
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.AgentHealth{OK: a.healthy.Load(), Uptime: 120})
	}))
	t.Cleanup(a.srv.Close)

	u, err := url.Parse(a.srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	a.host = host
	a.port, err = strconv.Atoi(portStr)
	require.NoError(t, err)
	return a
}

func newFailoverService(t *testing.T, db *gorm.DB, controlPort int) *Service {
	t.Helper()
	fleetSvc := fleet.NewService(db, secrets.NewCodec("test-secret"), nil)
	return NewService(db, fleetSvc, alerts.NewNotifier(config.TelegramConfig{}), controlPort, config.FailoverConfig{
		HealthInterval:   time.Minute,
		FailureThreshold: 3,
		PromoteCooldown:  time.Minute,
	})
}

func seedMachine(t *testing.T, db *gorm.DB, id, provider, ip string) {
	t.Helper()
	require.NoError(t, db.Create(&types.Machine{
		MachineID:   id,
		Provider:    provider,
		Region:      "fsn1",
		Size:        "cpx21",
		IPAddress:   ip,
		MonthlyCost: decimal.NewFromInt(8),
		Status:      types.MachineRunning,
		BotStatus:   types.BotStopped,
	}).Error)
}

func TestAutoDemoteAfterThreshold(t *testing.T) {
	db := newTestGorm(t)
	agent := newHealthAgent(t)
	svc := newFailoverService(t, db, agent.port)

	// The primary's machine row is gone, so every probe fails without
	// touching the network. The backup answers health on the test agent.
	seedMachine(t, db, "m-backup", "vultr", agent.host)
	require.NoError(t, db.Create(&types.FailoverRecord{
		Provider: "hetzner", MachineID: "m-gone", Priority: 1,
		IsPrimary: true, IsEnabled: true, AutoFailoverEnabled: true,
	}).Error)
	require.NoError(t, db.Create(&types.FailoverRecord{
		Provider: "vultr", MachineID: "m-backup", Priority: 2,
		IsEnabled: true, AutoFailoverEnabled: true,
	}).Error)

	ctx := context.Background()
	svc.Tick(ctx)
	svc.Tick(ctx)

	// Two failures: still under the threshold of three.
	primary, err := svc.DB().Primary()
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.Equal(t, "hetzner", primary.Provider)

	svc.Tick(ctx)

	primary, err = svc.DB().Primary()
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.Equal(t, "vultr", primary.Provider)

	demoted, err := svc.DB().GetRecord("hetzner")
	require.NoError(t, err)
	assert.False(t, demoted.IsPrimary)
	require.NotNil(t, demoted.DemotedAt, "demotion must start the cooldown clock")

	// Exactly one primary across the set.
	var primaries int64
	require.NoError(t, db.Model(&types.FailoverRecord{}).Where("is_primary = ?", true).Count(&primaries).Error)
	assert.Equal(t, int64(1), primaries)

	var events []types.TimelineEvent
	require.NoError(t, db.Where("event_type = ?", "failover").Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, "auto_demote", events[0].EventSubtype)
}

func TestNoDemotionWhenAutoFailoverDisabled(t *testing.T) {
	db := newTestGorm(t)
	agent := newHealthAgent(t)
	svc := newFailoverService(t, db, agent.port)

	seedMachine(t, db, "m-backup", "vultr", agent.host)
	require.NoError(t, db.Create(&types.FailoverRecord{
		Provider: "hetzner", MachineID: "m-gone", Priority: 1,
		IsPrimary: true, IsEnabled: true, AutoFailoverEnabled: false,
	}).Error)
	require.NoError(t, db.Create(&types.FailoverRecord{
		Provider: "vultr", MachineID: "m-backup", Priority: 2,
		IsEnabled: true, AutoFailoverEnabled: true,
	}).Error)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		svc.Tick(ctx)
	}

	primary, err := svc.DB().Primary()
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.Equal(t, "hetzner", primary.Provider)
}

func TestDegradedWhenNoCandidateQualifies(t *testing.T) {
	db := newTestGorm(t)
	agent := newHealthAgent(t)
	svc := newFailoverService(t, db, agent.port)

	require.NoError(t, db.Create(&types.FailoverRecord{
		Provider: "hetzner", MachineID: "m-gone", Priority: 1,
		IsPrimary: true, IsEnabled: true, AutoFailoverEnabled: true,
	}).Error)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		svc.Tick(ctx)
	}

	primary, err := svc.DB().Primary()
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.Equal(t, "hetzner", primary.Provider, "the flag stays put when nobody can take over")

	var events []types.TimelineEvent
	require.NoError(t, db.Where("event_subtype = ?", "degraded").Find(&events).Error)
	assert.NotEmpty(t, events)
}

func TestCandidateSelection(t *testing.T) {
	db := newTestGorm(t)
	svc := newFailoverService(t, db, 0)
	now := time.Now().UTC()
	recent := now.Add(-10 * time.Second)

	records := []types.FailoverRecord{
		{Provider: "hetzner", MachineID: "m1", Priority: 1, IsPrimary: true, IsEnabled: true, LatencyMs: 20, ConsecutiveFailures: 3},
		// Lowest latency but inside its demotion cooldown.
		{Provider: "vultr", MachineID: "m2", Priority: 2, IsEnabled: true, LatencyMs: 10, DemotedAt: &recent},
		// Over the failure threshold.
		{Provider: "linode", MachineID: "m3", Priority: 3, IsEnabled: true, LatencyMs: 15, ConsecutiveFailures: 5},
		// Same latency as digitalocean but lower priority number.
		{Provider: "ovh", MachineID: "m4", Priority: 4, IsEnabled: true, LatencyMs: 25},
		{Provider: "digitalocean", MachineID: "m5", Priority: 5, IsEnabled: true, LatencyMs: 25},
	}
	for i := range records {
		require.NoError(t, db.Create(&records[i]).Error)
	}

	best, err := svc.candidate("hetzner")
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "ovh", best.Provider, "lowest eligible latency, priority breaking the tie")
}

func TestManualSwitchBypassesCooldown(t *testing.T) {
	db := newTestGorm(t)
	svc := newFailoverService(t, db, 0)
	justDemoted := time.Now().UTC().Add(-5 * time.Second)

	require.NoError(t, db.Create(&types.FailoverRecord{
		Provider: "hetzner", MachineID: "m1", Priority: 1,
		IsPrimary: true, IsEnabled: true,
	}).Error)
	require.NoError(t, db.Create(&types.FailoverRecord{
		Provider: "vultr", MachineID: "m2", Priority: 2,
		IsEnabled: true, DemotedAt: &justDemoted,
	}).Error)

	require.NoError(t, svc.SwitchPrimary(context.Background(), "hetzner", "vultr"))

	primary, err := svc.DB().Primary()
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.Equal(t, "vultr", primary.Provider)

	var events []types.TimelineEvent
	require.NoError(t, db.Where("event_subtype = ?", "manual").Find(&events).Error)
	require.Len(t, events, 1)
}

func TestSwapToDisabledTargetFails(t *testing.T) {
	db := newTestGorm(t)
	svc := newFailoverService(t, db, 0)

	require.NoError(t, db.Create(&types.FailoverRecord{
		Provider: "hetzner", MachineID: "m1", Priority: 1,
		IsPrimary: true, IsEnabled: true,
	}).Error)
	require.NoError(t, db.Create(&types.FailoverRecord{
		Provider: "vultr", MachineID: "m2", Priority: 2, IsEnabled: false,
	}).Error)

	err := svc.SwitchPrimary(context.Background(), "hetzner", "vultr")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvariantViolation))

	// The transaction rolled back, so hetzner keeps the flag.
	primary, perr := svc.DB().Primary()
	require.NoError(t, perr)
	require.NotNil(t, primary)
	assert.Equal(t, "hetzner", primary.Provider)
}

func TestRecordHealthResetsOnSuccess(t *testing.T) {
	db := newTestGorm(t)
	store := NewDatabase(db)
	now := time.Now().UTC()

	require.NoError(t, db.Create(&types.FailoverRecord{
		Provider: "hetzner", MachineID: "m1", Priority: 1, IsEnabled: true,
	}).Error)

	require.NoError(t, store.RecordHealth("hetzner", 0, false, now))
	require.NoError(t, store.RecordHealth("hetzner", 0, false, now))
	rec, err := store.GetRecord("hetzner")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.ConsecutiveFailures)

	require.NoError(t, store.RecordHealth("hetzner", 12.5, true, now))
	rec, err = store.GetRecord("hetzner")
	require.NoError(t, err)
	assert.Zero(t, rec.ConsecutiveFailures)
	assert.Equal(t, 12.5, rec.LatencyMs)
	require.NotNil(t, rec.LastHealthCheck)
}

func TestHealthyPrimaryStaysPrimary(t *testing.T) {
	db := newTestGorm(t)
	agent := newHealthAgent(t)
	svc := newFailoverService(t, db, agent.port)

	seedMachine(t, db, "m-primary", "hetzner", agent.host)
	require.NoError(t, db.Create(&types.FailoverRecord{
		Provider: "hetzner", MachineID: "m-primary", Priority: 1,
		IsPrimary: true, IsEnabled: true, AutoFailoverEnabled: true,
	}).Error)

	for i := 0; i < 5; i++ {
		svc.Tick(context.Background())
	}

	rec, err := svc.DB().GetRecord("hetzner")
	require.NoError(t, err)
	assert.True(t, rec.IsPrimary)
	assert.Zero(t, rec.ConsecutiveFailures)
	require.NotNil(t, rec.LastHealthCheck)

	machine, err := svc.fleet.DB().GetMachine("m-primary")
	require.NoError(t, err)
	require.NotNil(t, machine.LastHealthCheck)
}
