package services

import (
	"fmt"
	"time"

	"github.com/marzguard/backend/internal/marzban"
	"github.com/marzguard/backend/internal/models"
)

// ResourceFractions holds per-resource consumption as a fraction of quota.
// Unlimited resources stay at 0.
type ResourceFractions struct {
	SubEntities float64 `json:"sub_entities"`
	Traffic     float64 `json:"traffic"`
	Duration    float64 `json:"duration"`
}

// LimitCheckResult is the outcome of evaluating one panel against its quotas
type LimitCheckResult struct {
	PanelID            uint
	OwnerID            int64
	Warning            bool
	Exceeded           bool
	Expired            bool
	RemainingDays      int
	Fractions          ResourceFractions
	ActiveSubEntityIDs []string // disablement candidates on exceedance
	ExceededReasons    []string
}

// EvaluateQuotas combines a panel's quotas with an observed snapshot.
// Deterministic and free of I/O. A quota of models.Unlimited (or any value
// <= 0, guarding division by zero) excludes that resource entirely.
func EvaluateQuotas(panel *models.AdminPanel, snap *UsageSnapshot, warningThreshold float64, now time.Time) LimitCheckResult {
	result := LimitCheckResult{
		PanelID: panel.ID,
		OwnerID: panel.OwnerID,
	}

	result.Fractions.SubEntities = fractionOf(int64(snap.LiveSubEntityCount), panel.MaxSubEntities)
	result.Fractions.Traffic = fractionOf(snap.TotalTrafficBytes, panel.MaxTrafficBytes)
	result.Fractions.Duration = fractionOf(snap.ActiveDurationSeconds, panel.MaxActiveSeconds)

	exp := CheckExpiration(panel.CreatedAt, panel.ValidityDays, now)
	result.Expired = exp.IsExpired
	result.RemainingDays = exp.RemainingDays

	fractions := []float64{
		result.Fractions.SubEntities,
		result.Fractions.Traffic,
		result.Fractions.Duration,
	}
	for _, f := range fractions {
		if f >= 1.0 {
			result.Exceeded = true
		}
		if f >= warningThreshold {
			result.Warning = true
		}
	}
	if result.Expired {
		result.Exceeded = true
	}

	if result.Fractions.SubEntities >= 1.0 {
		result.ExceededReasons = append(result.ExceededReasons,
			fmt.Sprintf("sub-entities (%d/%d)", snap.LiveSubEntityCount, panel.MaxSubEntities))
	}
	if result.Fractions.Traffic >= 1.0 {
		result.ExceededReasons = append(result.ExceededReasons,
			fmt.Sprintf("traffic (%d/%d bytes)", snap.TotalTrafficBytes, panel.MaxTrafficBytes))
	}
	if result.Fractions.Duration >= 1.0 {
		result.ExceededReasons = append(result.ExceededReasons,
			fmt.Sprintf("duration (%d/%d seconds)", snap.ActiveDurationSeconds, panel.MaxActiveSeconds))
	}
	if result.Expired {
		result.ExceededReasons = append(result.ExceededReasons, "validity window expired")
	}

	for _, ent := range snap.SubEntities {
		if ent.Status == marzban.StatusActive {
			result.ActiveSubEntityIDs = append(result.ActiveSubEntityIDs, ent.Username)
		}
	}

	return result
}

func fractionOf(observed, quota int64) float64 {
	if quota <= 0 {
		// Unlimited sentinel, or a zero quota guarded as unlimited
		return 0
	}
	return float64(observed) / float64(quota)
}
