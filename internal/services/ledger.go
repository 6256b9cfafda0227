package services

import (
	"log"

	"github.com/marzguard/backend/internal/store"
)

// TrafficLedger is the monotonic cumulative traffic accounting for admin
// panels. It survives sub-entity deletion: the monitoring cycle reports the
// live sum through Observe (max semantics) and the deletion collaborator
// adds a departing sub-entity's consumption through Donate. The recorded
// total never decreases, which also makes every operation safe to retry.
type TrafficLedger struct {
	store store.LedgerStore
}

func NewTrafficLedger(s store.LedgerStore) *TrafficLedger {
	return &TrafficLedger{store: s}
}

// Ensure creates the panel's ledger record with a zero total if it does not
// exist yet. No-op when present.
func (l *TrafficLedger) Ensure(panelID uint) error {
	return l.store.EnsureLedger(panelID)
}

// Observe records a live traffic sum. The stored total only moves up:
// total = max(total, liveValue).
func (l *TrafficLedger) Observe(panelID uint, liveValue int64) error {
	if err := l.store.EnsureLedger(panelID); err != nil {
		return err
	}
	return l.store.ObserveMax(panelID, liveValue)
}

// Donate adds a departing sub-entity's consumption to the total so it is
// not lost when the sub-entity disappears from the live sum. Must be called
// before the sub-entity is removed remotely.
func (l *TrafficLedger) Donate(panelID uint, delta int64) error {
	if delta <= 0 {
		return nil
	}
	if err := l.store.EnsureLedger(panelID); err != nil {
		return err
	}
	if err := l.store.AddDelta(panelID, delta); err != nil {
		return err
	}
	log.Printf("TrafficLedger: donated %d bytes to panel %d", delta, panelID)
	return nil
}

// Read returns the recorded cumulative total, 0 when no record exists
func (l *TrafficLedger) Read(panelID uint) (int64, error) {
	return l.store.ReadLedger(panelID)
}
