package store

import (
	"errors"
	"time"

	"github.com/marzguard/backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements all engine store interfaces on a GORM connection
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) GetPanel(id uint) (*models.AdminPanel, error) {
	var panel models.AdminPanel
	if err := s.db.First(&panel, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, &PersistenceError{Op: "get panel", Err: err}
	}
	return &panel, nil
}

func (s *GormStore) ListActivePanels() ([]models.AdminPanel, error) {
	var panels []models.AdminPanel
	if err := s.db.Where("status = ?", models.PanelStatusActive).
		Order("id asc").Find(&panels).Error; err != nil {
		return nil, &PersistenceError{Op: "list active panels", Err: err}
	}
	return panels, nil
}

func (s *GormStore) SetOriginalSecret(id uint, secret string) error {
	// Guard at the SQL level too: never clobber an already-populated
	// original secret.
	result := s.db.Model(&models.AdminPanel{}).
		Where("id = ? AND original_secret IS NULL", id).
		Update("original_secret", secret)
	if result.Error != nil {
		return &PersistenceError{Op: "set original secret", Err: result.Error}
	}
	return nil
}

func (s *GormStore) MarkDeactivated(id uint, reason, rotatedSecret string, at time.Time) error {
	result := s.db.Model(&models.AdminPanel{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":              models.PanelStatusDeactivated,
			"deactivated_at":      at,
			"deactivation_reason": reason,
			"current_secret":      rotatedSecret,
		})
	if result.Error != nil {
		return &PersistenceError{Op: "mark deactivated", Err: result.Error}
	}
	return nil
}

func (s *GormStore) MarkReactivated(id uint, restoredSecret string) error {
	result := s.db.Model(&models.AdminPanel{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":              models.PanelStatusActive,
			"current_secret":      restoredSecret,
			"original_secret":     nil,
			"deactivated_at":      nil,
			"deactivation_reason": "",
		})
	if result.Error != nil {
		return &PersistenceError{Op: "mark reactivated", Err: result.Error}
	}
	return nil
}

func (s *GormStore) EnsureLedger(panelID uint) error {
	rec := models.CumulativeTrafficRecord{
		PanelID:     panelID,
		LastUpdated: time.Now().UTC(),
	}
	// Idempotent: existing rows are left untouched
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "panel_id"}},
		DoNothing: true,
	}).Create(&rec).Error
	if err != nil {
		return &PersistenceError{Op: "ensure ledger", Err: err}
	}
	return nil
}

func (s *GormStore) ObserveMax(panelID uint, liveValue int64) error {
	// GREATEST keeps the record monotonic even when a retried call carries
	// a smaller live sum
	result := s.db.Model(&models.CumulativeTrafficRecord{}).
		Where("panel_id = ?", panelID).
		Updates(map[string]interface{}{
			"total_consumed_bytes": gorm.Expr("GREATEST(total_consumed_bytes, ?)", liveValue),
			"last_updated":         time.Now().UTC(),
		})
	if result.Error != nil {
		return &PersistenceError{Op: "observe traffic", Err: result.Error}
	}
	return nil
}

func (s *GormStore) AddDelta(panelID uint, delta int64) error {
	result := s.db.Model(&models.CumulativeTrafficRecord{}).
		Where("panel_id = ?", panelID).
		Updates(map[string]interface{}{
			"total_consumed_bytes": gorm.Expr("total_consumed_bytes + ?", delta),
			"last_updated":         time.Now().UTC(),
		})
	if result.Error != nil {
		return &PersistenceError{Op: "donate traffic", Err: result.Error}
	}
	return nil
}

func (s *GormStore) ReadLedger(panelID uint) (int64, error) {
	var rec models.CumulativeTrafficRecord
	if err := s.db.Where("panel_id = ?", panelID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, &PersistenceError{Op: "read ledger", Err: err}
	}
	return rec.TotalConsumedBytes, nil
}

func (s *GormStore) AddUsageReport(report *models.UsageReport) error {
	if err := s.db.Create(report).Error; err != nil {
		return &PersistenceError{Op: "add usage report", Err: err}
	}
	return nil
}

func (s *GormStore) AddActionLog(entry *models.ActionLog) error {
	if err := s.db.Create(entry).Error; err != nil {
		return &PersistenceError{Op: "add action log", Err: err}
	}
	return nil
}

func (s *GormStore) AddNotificationRecord(rec *models.NotificationRecord) error {
	if err := s.db.Create(rec).Error; err != nil {
		return &PersistenceError{Op: "add notification record", Err: err}
	}
	return nil
}
