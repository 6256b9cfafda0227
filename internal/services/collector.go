package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/marzguard/backend/internal/marzban"
	"github.com/marzguard/backend/internal/models"
	"github.com/marzguard/backend/internal/store"
)

// PanelAPI is the slice of the remote panel client the engine consumes
type PanelAPI interface {
	Authenticate(ctx context.Context) error
	ListSubEntities(ctx context.Context, scopeUsername string) ([]marzban.SubEntity, error)
	SetSubEntityStatus(ctx context.Context, username, status string) error
	RotateAdminSecret(ctx context.Context, adminUsername, newSecret string, isSudo bool) error
}

// PanelAPIFactory builds a client authenticated as a specific panel account
type PanelAPIFactory func(username, secret string) PanelAPI

// UsageSnapshot is a point-in-time observation of one panel's consumption
type UsageSnapshot struct {
	PanelID               uint
	ObservedAt            time.Time
	LiveSubEntityCount    int
	LiveTrafficBytes      int64
	TotalTrafficBytes     int64 // max(live, ledger); includes donated traffic
	ActiveDurationSeconds int64
	SubEntities           []marzban.SubEntity // valid sub-entities only
}

// assumedSubEntityAge feeds the duration-quota estimate: active duration is
// approximated by assuming each active sub-entity with an expiry was created
// this long ago. Deliberately rough; the panel API exposes no creation time.
const assumedSubEntityAge = 30 * secondsPerDay

// SnapshotCollector produces usage snapshots by querying the remote panel
// with each panel's own credentials
type SnapshotCollector struct {
	newPanelAPI PanelAPIFactory
	ledger      *TrafficLedger
	reports     store.ReportStore
}

func NewSnapshotCollector(factory PanelAPIFactory, ledger *TrafficLedger, reports store.ReportStore) *SnapshotCollector {
	return &SnapshotCollector{
		newPanelAPI: factory,
		ledger:      ledger,
		reports:     reports,
	}
}

// Collect authenticates as the panel itself and measures its current
// consumption. Authentication and transport failures surface as the
// client's typed errors so the caller can skip the panel for this cycle;
// an unreachable panel is never reported as one with zero usage.
func (c *SnapshotCollector) Collect(ctx context.Context, panel *models.AdminPanel) (*UsageSnapshot, error) {
	// The panel's own credentials scope the listing to exactly what that
	// panel controls
	api := c.newPanelAPI(panel.RemoteUsername, panel.CurrentSecret)
	if err := api.Authenticate(ctx); err != nil {
		return nil, err
	}

	entities, err := api.ListSubEntities(ctx, panel.RemoteUsername)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	snap := &UsageSnapshot{
		PanelID:    panel.ID,
		ObservedAt: now,
	}

	for _, ent := range entities {
		if !isValidSubEntity(ent, now) {
			continue
		}
		snap.SubEntities = append(snap.SubEntities, ent)
		snap.LiveSubEntityCount++
		snap.LiveTrafficBytes += ent.TotalUsage()
		if ent.Status == marzban.StatusActive && ent.ExpireAt != nil {
			snap.ActiveDurationSeconds += assumedSubEntityAge
		}
	}

	if err := c.ledger.Observe(panel.ID, snap.LiveTrafficBytes); err != nil {
		return nil, err
	}
	recorded, err := c.ledger.Read(panel.ID)
	if err != nil {
		return nil, err
	}
	snap.TotalTrafficBytes = snap.LiveTrafficBytes
	if recorded > snap.TotalTrafficBytes {
		snap.TotalTrafficBytes = recorded
	}

	c.persistReport(panel, snap)

	return snap, nil
}

// isValidSubEntity filters to sub-entities that count toward quotas: not
// expired and in a live state
func isValidSubEntity(ent marzban.SubEntity, now time.Time) bool {
	if ent.ExpireAt != nil && *ent.ExpireAt <= now.Unix() {
		return false
	}
	return ent.Status == marzban.StatusActive || ent.Status == marzban.StatusLimited
}

// persistReport stores the per-cycle observation row. Report history is
// auxiliary, so a write failure is logged and does not fail collection.
func (c *SnapshotCollector) persistReport(panel *models.AdminPanel, snap *UsageSnapshot) {
	detail, err := json.Marshal(snap.SubEntities)
	if err != nil {
		log.Printf("SnapshotCollector: failed to marshal sub-entity detail for panel %d: %v", panel.ID, err)
		detail = []byte("[]")
	}

	report := &models.UsageReport{
		PanelID:           panel.ID,
		CheckTime:         snap.ObservedAt,
		SubEntityCount:    snap.LiveSubEntityCount,
		TrafficBytes:      snap.TotalTrafficBytes,
		ActiveSeconds:     snap.ActiveDurationSeconds,
		SubEntitiesDetail: string(detail),
	}
	if err := c.reports.AddUsageReport(report); err != nil {
		log.Printf("SnapshotCollector: failed to save usage report for panel %d: %v", panel.ID, err)
	}
}
