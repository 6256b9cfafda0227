package services

import (
	"math/rand"
	"testing"
	"time"

	"github.com/marzguard/backend/internal/marzban"
	"github.com/marzguard/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func testPanel(maxSub, maxTraffic, maxSeconds int64) *models.AdminPanel {
	return &models.AdminPanel{
		ID:               1,
		OwnerID:          42,
		RemoteUsername:   "panel1",
		MaxSubEntities:   maxSub,
		MaxTrafficBytes:  maxTraffic,
		MaxActiveSeconds: maxSeconds,
		Status:           models.PanelStatusActive,
		ValidityDays:     models.Unlimited,
		CreatedAt:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testSnapshot(subCount int, traffic, seconds int64) *UsageSnapshot {
	return &UsageSnapshot{
		PanelID:               1,
		ObservedAt:            time.Now().UTC(),
		LiveSubEntityCount:    subCount,
		LiveTrafficBytes:      traffic,
		TotalTrafficBytes:     traffic,
		ActiveDurationSeconds: seconds,
	}
}

func TestEvaluateQuotasAllUnlimited(t *testing.T) {
	panel := testPanel(models.Unlimited, models.Unlimited, models.Unlimited)
	snap := testSnapshot(1000, 1<<40, 1<<30)

	result := EvaluateQuotas(panel, snap, 0.8, time.Now().UTC())

	assert.False(t, result.Warning)
	assert.False(t, result.Exceeded)
	assert.Equal(t, ResourceFractions{}, result.Fractions)
}

func TestEvaluateQuotasZeroQuotaTreatedAsUnlimited(t *testing.T) {
	panel := testPanel(0, 0, 0)
	snap := testSnapshot(50, 1<<30, 3600)

	result := EvaluateQuotas(panel, snap, 0.8, time.Now().UTC())

	assert.False(t, result.Warning)
	assert.False(t, result.Exceeded)
}

func TestEvaluateQuotasWarningBelowExceedance(t *testing.T) {
	panel := testPanel(10, models.Unlimited, models.Unlimited)
	snap := testSnapshot(8, 0, 0)

	result := EvaluateQuotas(panel, snap, 0.8, time.Now().UTC())

	assert.True(t, result.Warning)
	assert.False(t, result.Exceeded)
	assert.InDelta(t, 0.8, result.Fractions.SubEntities, 1e-9)
	assert.Empty(t, result.ExceededReasons)
}

func TestEvaluateQuotasTrafficExceeded(t *testing.T) {
	panel := testPanel(models.Unlimited, 1000, models.Unlimited)
	snap := testSnapshot(3, 1000, 0)

	result := EvaluateQuotas(panel, snap, 0.8, time.Now().UTC())

	assert.True(t, result.Exceeded)
	assert.True(t, result.Warning)
	assert.Len(t, result.ExceededReasons, 1)
	assert.Contains(t, result.ExceededReasons[0], "traffic")
}

func TestEvaluateQuotasDonatedTrafficCounts(t *testing.T) {
	panel := testPanel(models.Unlimited, 1000, models.Unlimited)
	snap := testSnapshot(3, 200, 0)
	snap.TotalTrafficBytes = 1200 // ledger is ahead of the live sum

	result := EvaluateQuotas(panel, snap, 0.8, time.Now().UTC())

	assert.True(t, result.Exceeded)
	assert.InDelta(t, 1.2, result.Fractions.Traffic, 1e-9)
}

func TestEvaluateQuotasExpiryForcesExceedance(t *testing.T) {
	panel := testPanel(10, models.Unlimited, models.Unlimited)
	panel.ValidityDays = 30
	now := panel.CreatedAt.AddDate(0, 0, 31)
	snap := testSnapshot(1, 0, 0)

	result := EvaluateQuotas(panel, snap, 0.8, now)

	assert.True(t, result.Expired)
	assert.True(t, result.Exceeded)
	assert.Contains(t, result.ExceededReasons, "validity window expired")
}

func TestEvaluateQuotasCollectsActiveSubEntityIDs(t *testing.T) {
	panel := testPanel(1, models.Unlimited, models.Unlimited)
	snap := testSnapshot(3, 0, 0)
	snap.SubEntities = []marzban.SubEntity{
		{Username: "u1", Status: marzban.StatusActive},
		{Username: "u2", Status: marzban.StatusLimited},
		{Username: "u3", Status: marzban.StatusActive},
	}

	result := EvaluateQuotas(panel, snap, 0.8, time.Now().UTC())

	assert.True(t, result.Exceeded)
	assert.Equal(t, []string{"u1", "u3"}, result.ActiveSubEntityIDs)
}

func TestEvaluateQuotasRandomizedInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	now := time.Now().UTC()
	const threshold = 0.8

	quota := func() int64 {
		if rng.Intn(4) == 0 {
			return models.Unlimited
		}
		return rng.Int63n(1000) + 1
	}

	for i := 0; i < 1000; i++ {
		panel := testPanel(quota(), quota(), quota())
		snap := testSnapshot(rng.Intn(2000), rng.Int63n(2000), rng.Int63n(2000))

		result := EvaluateQuotas(panel, snap, threshold, now)

		fractions := []float64{
			result.Fractions.SubEntities,
			result.Fractions.Traffic,
			result.Fractions.Duration,
		}
		anyExceeded, anyWarning := false, false
		for _, f := range fractions {
			if f >= 1.0 {
				anyExceeded = true
			}
			if f >= threshold {
				anyWarning = true
			}
		}

		assert.Equal(t, anyExceeded, result.Exceeded, "case %d", i)
		assert.Equal(t, anyWarning, result.Warning, "case %d", i)
		if result.Exceeded {
			assert.NotEmpty(t, result.ExceededReasons, "case %d", i)
		}
	}
}
