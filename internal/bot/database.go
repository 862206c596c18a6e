package bot

import (
	"errors"
	"time"

	"github.com/ksred/fleet-api/internal/types"
	"gorm.io/gorm"
)

// Database handles bot lifecycle state, centered on the single global
// trading config row.
type Database struct {
	db *gorm.DB
}

// NewDatabase creates a new database instance
func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetTradingConfig returns the global trading config row, creating the
// default row on first read.
func (d *Database) GetTradingConfig() (*types.TradingConfig, error) {
	var cfg types.TradingConfig
	err := d.db.Order("id ASC").First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cfg = types.TradingConfig{
			BotStatus:   types.BotStopped,
			TradingMode: "paper",
			Version:     1,
			UpdatedAt:   time.Now().UTC(),
		}
		if err := d.db.Create(&cfg).Error; err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateTradingConfig applies field updates to the config row, bumping
// Version so concurrent readers can detect the change.
func (d *Database) UpdateTradingConfig(updates map[string]interface{}) error {
	cfg, err := d.GetTradingConfig()
	if err != nil {
		return err
	}
	updates["version"] = cfg.Version + 1
	updates["updated_at"] = time.Now().UTC()
	return d.db.Model(&types.TradingConfig{}).Where("id = ?", cfg.ID).Updates(updates).Error
}

// ReconcileBotStatus writes the same bot status and timestamp to the
// deployment row, the machine row and the trading config row in one
// transaction. Readers seeing three different timestamps know a write was
// interrupted.
func (d *Database) ReconcileBotStatus(deploymentID, machineID, botStatus string, at time.Time) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&types.Deployment{}).
			Where("deployment_id = ?", deploymentID).
			Updates(map[string]interface{}{"bot_status": botStatus, "updated_at": at}).Error; err != nil {
			return err
		}
		if err := tx.Model(&types.Machine{}).
			Where("machine_id = ?", machineID).
			Updates(map[string]interface{}{"bot_status": botStatus, "updated_at": at}).Error; err != nil {
			return err
		}

		var cfg types.TradingConfig
		if err := tx.Order("id ASC").First(&cfg).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			cfg = types.TradingConfig{BotStatus: botStatus, TradingMode: "paper", Version: 1, UpdatedAt: at}
			return tx.Create(&cfg).Error
		}
		return tx.Model(&cfg).
			Updates(map[string]interface{}{"bot_status": botStatus, "version": cfg.Version + 1, "updated_at": at}).Error
	})
}
