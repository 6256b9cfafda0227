// Package store defines the persistence collaborators the engine depends
// on. Interfaces stay small so tests can swap in in-memory fakes; the GORM
// implementation in gorm.go is the production wiring.
package store

import (
	"fmt"
	"time"

	"github.com/marzguard/backend/internal/models"
)

// PersistenceError wraps any storage failure. Callers must treat the
// operation as not having happened and must not proceed to dependent steps.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PanelStore is the engine's view of AdminPanel persistence. Each mutation
// is a single-record atomic write.
type PanelStore interface {
	GetPanel(id uint) (*models.AdminPanel, error)
	ListActivePanels() ([]models.AdminPanel, error)

	// SetOriginalSecret persists the pre-deactivation secret. It is only
	// called behind the controller's status guard, so it runs at most once
	// per deactivation episode.
	SetOriginalSecret(id uint, secret string) error

	// MarkDeactivated records the Deactivated state together with the
	// rotated secret and deactivation metadata.
	MarkDeactivated(id uint, reason, rotatedSecret string, at time.Time) error

	// MarkReactivated restores the Active state, sets the restored secret
	// and clears OriginalSecret and deactivation metadata.
	MarkReactivated(id uint, restoredSecret string) error
}

// LedgerStore persists cumulative traffic records. ObserveMax and AddDelta
// are monotonic at the storage layer so concurrent writers (the monitoring
// cycle and the deletion collaborator) cannot lose consumption.
type LedgerStore interface {
	EnsureLedger(panelID uint) error
	ObserveMax(panelID uint, liveValue int64) error
	AddDelta(panelID uint, delta int64) error
	ReadLedger(panelID uint) (int64, error)
}

// ReportStore persists per-cycle usage observations
type ReportStore interface {
	AddUsageReport(report *models.UsageReport) error
}

// ActionLogStore records enforcement actions for audit
type ActionLogStore interface {
	AddActionLog(entry *models.ActionLog) error
}

// NotificationStore keeps the outbound notification trail
type NotificationStore interface {
	AddNotificationRecord(rec *models.NotificationRecord) error
}
