package database

import (
	"fmt"

	"github.com/ksred/fleet-api/internal/config"
	"github.com/ksred/fleet-api/internal/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes and returns a new GORM DB connection for the
// configured driver, running schema migrations on the way up.
func NewDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// RegisterChangeNotifier installs gorm callbacks that invoke notify after
// every committed create, update and delete. Delivery is best-effort:
// subscribers treat events as refresh nudges, not as state.
func RegisterChangeNotifier(db *gorm.DB, notify func(table, action string)) error {
	hook := func(action string) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			if tx.Error != nil || tx.Statement == nil || tx.Statement.Table == "" {
				return
			}
			notify(tx.Statement.Table, action)
		}
	}

	if err := db.Callback().Create().After("gorm:create").Register("fleet:notify_create", hook("insert")); err != nil {
		return err
	}
	if err := db.Callback().Update().After("gorm:update").Register("fleet:notify_update", hook("update")); err != nil {
		return err
	}
	return db.Callback().Delete().After("gorm:delete").Register("fleet:notify_delete", hook("delete"))
}

// Migrate applies the schema for every table the control plane owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Machine{},
		&types.Deployment{},
		&types.FailoverRecord{},
		&types.TimelineEvent{},
		&types.ProviderCredential{},
		&types.ExchangeCredential{},
		&types.SSHKeyBlob{},
		&types.Order{},
		&types.Position{},
		&types.PaperOrder{},
		&types.PaperPosition{},
		&types.TransactionLog{},
		&types.BalanceSnapshot{},
		&types.TradingConfig{},
		&types.Signal{},
	)
}
