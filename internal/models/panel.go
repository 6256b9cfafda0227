package models

import (
	"time"
)

// PanelStatus represents the lifecycle state of an admin panel
type PanelStatus int

const (
	PanelStatusActive      PanelStatus = 1
	PanelStatusDeactivated PanelStatus = 2
)

// Unlimited is the sentinel quota/validity value meaning "no limit".
const Unlimited = -1

// AdminPanel represents a delegated admin panel on the remote service.
// The engine only ever moves Status between Active and Deactivated and
// mutates the credential/deactivation fields; creation and permanent
// deletion belong to the provisioning flow.
type AdminPanel struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	OwnerID        int64  `gorm:"index;not null" json:"owner_id"`
	PanelName      string `gorm:"size:255" json:"panel_name"`
	RemoteUsername string `gorm:"uniqueIndex;size:100;not null" json:"remote_username"`

	// Credentials. OriginalSecret is set exactly once per deactivation
	// episode and cleared only on successful reactivation. While the
	// panel is deactivated, CurrentSecret holds the rotation sentinel.
	CurrentSecret  string  `gorm:"size:255;not null" json:"-"`
	OriginalSecret *string `gorm:"size:255" json:"-"`

	// Quotas. Unlimited (-1) excludes a resource from evaluation.
	MaxSubEntities   int64 `gorm:"default:-1" json:"max_sub_entities"`
	MaxTrafficBytes  int64 `gorm:"default:-1" json:"max_traffic_bytes"`
	MaxActiveSeconds int64 `gorm:"default:-1" json:"max_active_seconds"`

	// Lifecycle
	Status             PanelStatus `gorm:"default:1;index" json:"status"`
	ValidityDays       int         `gorm:"default:-1" json:"validity_days"`
	DeactivatedAt      *time.Time  `json:"deactivated_at"`
	DeactivationReason string      `gorm:"size:500" json:"deactivation_reason"`

	Note      string    `gorm:"type:text" json:"note"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the panel is in the Active state
func (p *AdminPanel) IsActive() bool {
	return p.Status == PanelStatusActive
}

// CumulativeTrafficRecord preserves a panel's traffic consumption across
// sub-entity deletion. TotalConsumedBytes never decreases: it is the max of
// the last observed live sum and any traffic donated before deletion.
type CumulativeTrafficRecord struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	PanelID            uint      `gorm:"uniqueIndex;not null" json:"panel_id"`
	TotalConsumedBytes int64     `gorm:"default:0" json:"total_consumed_bytes"`
	LastUpdated        time.Time `json:"last_updated"`
}

// UsageReport is a persisted per-cycle observation of a panel's consumption
type UsageReport struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	PanelID            uint      `gorm:"index;not null" json:"panel_id"`
	CheckTime          time.Time `gorm:"index" json:"check_time"`
	SubEntityCount     int       `gorm:"default:0" json:"sub_entity_count"`
	TrafficBytes       int64     `gorm:"default:0" json:"traffic_bytes"`
	ActiveSeconds      int64     `gorm:"default:0" json:"active_seconds"`
	SubEntitiesDetail  string    `gorm:"type:text" json:"sub_entities_detail"` // JSON
	CreatedAt          time.Time `json:"created_at"`
}

// ActionLog records enforcement actions taken by the engine or an operator
type ActionLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	PanelID   *uint     `gorm:"index" json:"panel_id"`
	Action    string    `gorm:"size:100;not null" json:"action"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	ActionPanelAutoDeactivated = "panel_auto_deactivated"
	ActionPanelDeactivated     = "panel_deactivated"
	ActionPanelReactivated     = "panel_reactivated"
	ActionTrafficDonated       = "traffic_donated"
)

// NotificationRecord is the persisted trail of outbound notifications
type NotificationRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	EventID   string    `gorm:"size:64;index" json:"event_id"`
	PanelID   *uint     `gorm:"index" json:"panel_id"`
	Kind      string    `gorm:"size:50;not null" json:"kind"`
	Message   string    `gorm:"type:text" json:"message"`
	Delivered bool      `gorm:"default:false" json:"delivered"`
	Error     string    `gorm:"size:500" json:"error"`
	CreatedAt time.Time `json:"created_at"`
}
