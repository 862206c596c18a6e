package fleet

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/fleet-api/internal/database"
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

func seedMachine(t *testing.T, store *Database, id, status string) {
	t.Helper()
	require.NoError(t, store.CreateMachine(&types.Machine{
		MachineID:   id,
		Provider:    "hetzner",
		Region:      "fsn1",
		Size:        "cx22",
		IPAddress:   "10.0.0.1",
		MonthlyCost: decimal.NewFromFloat(3.79),
		Status:      status,
		BotStatus:   types.BotNotDeployed,
	}))
}

func TestDestroyedMachineIsImmutable(t *testing.T) {
	store := NewDatabase(newTestGorm(t))
	seedMachine(t, store, "m-1", types.MachineDestroyed)

	require.NoError(t, store.UpdateMachineStatus("m-1", types.MachineRunning, "10.0.0.9"))
	require.NoError(t, store.UpdateMachineBotStatus("m-1", types.BotRunning, time.Now().UTC()))

	machine, err := store.GetMachine("m-1")
	require.NoError(t, err)
	assert.Equal(t, types.MachineDestroyed, machine.Status)
	assert.Equal(t, types.BotNotDeployed, machine.BotStatus)
	assert.Equal(t, "10.0.0.1", machine.IPAddress)
}

func TestUpdateMachineStatusKeepsIPWhenEmpty(t *testing.T) {
	store := NewDatabase(newTestGorm(t))
	seedMachine(t, store, "m-1", types.MachineCreating)

	require.NoError(t, store.UpdateMachineStatus("m-1", types.MachineRunning, ""))

	machine, err := store.GetMachine("m-1")
	require.NoError(t, err)
	assert.Equal(t, types.MachineRunning, machine.Status)
	assert.Equal(t, "10.0.0.1", machine.IPAddress)
}

func TestUpsertDeploymentIsIdempotent(t *testing.T) {
	store := NewDatabase(newTestGorm(t))

	dep := &types.Deployment{DeploymentID: "d-1", MachineID: "m-1", BotStatus: types.BotStopped}
	require.NoError(t, store.UpsertDeployment(dep))

	dep2 := &types.Deployment{DeploymentID: "d-1", MachineID: "m-1", BotStatus: types.BotRunning}
	require.NoError(t, store.UpsertDeployment(dep2))

	var count int64
	require.NoError(t, store.db.Model(&types.Deployment{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	got, err := store.GetDeployment("d-1")
	require.NoError(t, err)
	assert.Equal(t, types.BotRunning, got.BotStatus)
}

func TestTimelineEventsFilterAndLimit(t *testing.T) {
	store := NewDatabase(newTestGorm(t))

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendTimelineEvent("hetzner", "deployment", "created", "Deployed", "", nil))
	}
	require.NoError(t, store.AppendTimelineEvent("vultr", "failover", "manual", "Switched", "",
		map[string]interface{}{"from": "hetzner", "to": "vultr"}))

	all, err := store.ListTimelineEvents("", 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	hetzner, err := store.ListTimelineEvents("hetzner", 3)
	require.NoError(t, err)
	assert.Len(t, hetzner, 3)
	for _, ev := range hetzner {
		assert.Equal(t, "hetzner", ev.Provider)
	}

	vultr, err := store.ListTimelineEvents("vultr", 0)
	require.NoError(t, err)
	require.Len(t, vultr, 1)
	assert.JSONEq(t, `{"from":"hetzner","to":"vultr"}`, vultr[0].Metadata)
}

func TestCredentialUpsertOverwrites(t *testing.T) {
	store := NewDatabase(newTestGorm(t))

	require.NoError(t, store.UpsertProviderCredential("hetzner", "api_token", "sealed-1"))
	require.NoError(t, store.UpsertProviderCredential("hetzner", "api_token", "sealed-2"))

	creds, err := store.GetProviderCredentials("hetzner")
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "sealed-2", creds[0].ValueEncrypted)
}

func TestProviderCredentialsRoundTrip(t *testing.T) {
	svc := NewService(newTestGorm(t), secrets.NewCodec("test-secret"), nil)

	require.NoError(t, svc.SaveProviderCredential("hetzner", "api_token", "tok-123"))

	creds, err := svc.ProviderCredentials("hetzner")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", creds["api_token"])
}

func TestProviderCredentialsIncompleteBundle(t *testing.T) {
	svc := NewService(newTestGorm(t), secrets.NewCodec("test-secret"), nil)

	_, err := svc.ProviderCredentials("hetzner")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindNoCredentials))
}

func TestProviderCredentialsWrongSecret(t *testing.T) {
	db := newTestGorm(t)
	writer := NewService(db, secrets.NewCodec("first-secret"), nil)
	require.NoError(t, writer.SaveProviderCredential("hetzner", "api_token", "tok-123"))

	reader := NewService(db, secrets.NewCodec("second-secret"), nil)
	_, err := reader.ProviderCredentials("hetzner")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindNoCredentials))
}

func TestExchangesWithCredentials(t *testing.T) {
	svc := NewService(newTestGorm(t), secrets.NewCodec("test-secret"), nil)

	require.NoError(t, svc.SaveExchangeCredential("binance", "key", "k"))
	require.NoError(t, svc.SaveExchangeCredential("binance", "secret", "s"))
	require.NoError(t, svc.SaveExchangeCredential("mexc", "key", "k2"))

	exchanges, err := svc.DB().ListExchangesWithCredentials()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"binance", "mexc"}, exchanges)
}
