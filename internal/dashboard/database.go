package dashboard

import (
	"errors"
	"time"

	"github.com/ksred/fleet-api/internal/types"
	"gorm.io/gorm"
)

// Database provides the read-only queries behind the composite view.
type Database struct {
	db *gorm.DB
}

// NewDatabase creates a new database instance
func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetTradingConfig reads the trading config row, or nil when absent.
func (d *Database) GetTradingConfig() (*types.TradingConfig, error) {
	var cfg types.TradingConfig
	err := d.db.Order("id ASC").First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ActiveDeployment returns the most recently updated deployment that is
// not retired, or nil.
func (d *Database) ActiveDeployment() (*types.Deployment, error) {
	var dep types.Deployment
	err := d.db.Where("bot_status != ?", types.BotNotDeployed).
		Order("updated_at DESC").First(&dep).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dep, nil
}

// RecentSignals returns high-confidence signals newer than the cutoff.
func (d *Database) RecentSignals(since time.Time, minConfidence float64) ([]types.Signal, error) {
	var out []types.Signal
	err := d.db.Where("created_at >= ? AND confidence >= ?", since, minConfidence).
		Order("created_at DESC").Find(&out).Error
	return out, err
}

// LatestBalance returns the newest balance snapshot in the given
// namespace across all exchanges, or nil.
func (d *Database) LatestBalance(paper bool) (*types.BalanceSnapshot, error) {
	var snap types.BalanceSnapshot
	err := d.db.Where("paper = ?", paper).Order("created_at DESC").First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ConnectedExchanges lists exchanges with at least one stored credential.
func (d *Database) ConnectedExchanges() ([]string, error) {
	var out []string
	err := d.db.Model(&types.ExchangeCredential{}).
		Distinct("exchange").Order("exchange ASC").Pluck("exchange", &out).Error
	return out, err
}
