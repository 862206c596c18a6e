package failover

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ksred/fleet-api/internal/types"
	"gorm.io/gorm"
)

// Database handles failover record persistence. It is the only writer of
// the is_primary flag.
type Database struct {
	db *gorm.DB
}

// NewDatabase creates a new database instance
func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// UpsertRecord creates or replaces the failover record for a provider.
func (d *Database) UpsertRecord(rec *types.FailoverRecord) error {
	var existing types.FailoverRecord
	err := d.db.Where("provider = ?", rec.Provider).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return d.db.Create(rec).Error
	}
	if err != nil {
		return err
	}
	rec.ID = existing.ID
	return d.db.Save(rec).Error
}

// ListRecords returns all failover records ordered by priority.
func (d *Database) ListRecords() ([]types.FailoverRecord, error) {
	var recs []types.FailoverRecord
	err := d.db.Order("priority ASC").Find(&recs).Error
	return recs, err
}

// GetRecord returns one provider's record, or nil when absent.
func (d *Database) GetRecord(provider string) (*types.FailoverRecord, error) {
	var rec types.FailoverRecord
	err := d.db.Where("provider = ?", provider).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Primary returns the current enabled primary record, or nil when the set
// has none.
func (d *Database) Primary() (*types.FailoverRecord, error) {
	var rec types.FailoverRecord
	err := d.db.Where("is_primary = ? AND is_enabled = ?", true, true).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// RecordHealth stores one probe outcome. Success resets the failure
// counter; failure increments it and leaves the stale latency in place.
func (d *Database) RecordHealth(provider string, latencyMs float64, ok bool, at time.Time) error {
	updates := map[string]interface{}{"last_health_check": at}
	if ok {
		updates["latency_ms"] = latencyMs
		updates["consecutive_failures"] = 0
	} else {
		updates["consecutive_failures"] = gorm.Expr("consecutive_failures + 1")
	}
	return d.db.Model(&types.FailoverRecord{}).Where("provider = ?", provider).Updates(updates).Error
}

// SwapPrimary atomically moves the primary flag from one provider to
// another and appends the failover timeline event. The demoted row gets a
// DemotedAt stamp that starts its re-promotion cooldown.
func (d *Database) SwapPrimary(from, to, reason string, at time.Time) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if from != "" {
			if err := tx.Model(&types.FailoverRecord{}).
				Where("provider = ? AND is_primary = ?", from, true).
				Updates(map[string]interface{}{"is_primary": false, "demoted_at": at}).Error; err != nil {
				return err
			}
		}

		res := tx.Model(&types.FailoverRecord{}).
			Where("provider = ? AND is_enabled = ?", to, true).
			Update("is_primary", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.E(types.KindInvariantViolation, "provider %s is not an enabled failover target", to)
		}

		meta, _ := json.Marshal(map[string]string{"from": from, "to": to, "reason": reason})
		return tx.Create(&types.TimelineEvent{
			Provider:     to,
			EventType:    "failover",
			EventSubtype: reason,
			Title:        "Primary switched",
			Description:  "Primary moved from " + from + " to " + to,
			Metadata:     string(meta),
			CreatedAt:    at,
		}).Error
	})
}

// AppendDegraded records that the primary is failing with no eligible
// replacement. Timeline-only; the primary flag is left alone.
func (d *Database) AppendDegraded(provider string, at time.Time) error {
	return d.db.Create(&types.TimelineEvent{
		Provider:     provider,
		EventType:    "failover",
		EventSubtype: "degraded",
		Title:        "Failover set degraded",
		Description:  "Primary " + provider + " is failing and no candidate qualifies",
		CreatedAt:    at,
	}).Error
}
