package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/marzguard/backend/internal/marzban"
	"github.com/marzguard/backend/internal/models"
	"github.com/marzguard/backend/internal/store"
)

// memStore is an in-memory implementation of the store interfaces with the
// same monotonicity contract as the GORM implementation
type memStore struct {
	mu      sync.Mutex
	panels  map[uint]*models.AdminPanel
	ledgers map[uint]int64
	reports []models.UsageReport
	actions []models.ActionLog
	notices []models.NotificationRecord

	listCalls int

	failListPanels      bool
	failMarkDeactivated bool
	failLedger          bool
}

func newMemStore() *memStore {
	return &memStore{
		panels:  make(map[uint]*models.AdminPanel),
		ledgers: make(map[uint]int64),
	}
}

func (m *memStore) addPanel(p models.AdminPanel) *models.AdminPanel {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.panels[cp.ID] = &cp
	return &cp
}

func (m *memStore) GetPanel(id uint) (*models.AdminPanel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.panels[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ListActivePanels() ([]models.AdminPanel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.failListPanels {
		return nil, &store.PersistenceError{Op: "list active panels", Err: errors.New("db down")}
	}
	var out []models.AdminPanel
	for _, p := range m.panels {
		if p.Status == models.PanelStatusActive {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) SetOriginalSecret(id uint, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.panels[id]
	if !ok {
		return &store.PersistenceError{Op: "set original secret", Err: errors.New("panel not found")}
	}
	if p.OriginalSecret == nil {
		s := secret
		p.OriginalSecret = &s
	}
	return nil
}

func (m *memStore) MarkDeactivated(id uint, reason, rotatedSecret string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMarkDeactivated {
		return &store.PersistenceError{Op: "mark deactivated", Err: errors.New("db down")}
	}
	p, ok := m.panels[id]
	if !ok {
		return &store.PersistenceError{Op: "mark deactivated", Err: errors.New("panel not found")}
	}
	p.Status = models.PanelStatusDeactivated
	p.CurrentSecret = rotatedSecret
	p.DeactivationReason = reason
	p.DeactivatedAt = &at
	return nil
}

func (m *memStore) MarkReactivated(id uint, restoredSecret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.panels[id]
	if !ok {
		return &store.PersistenceError{Op: "mark reactivated", Err: errors.New("panel not found")}
	}
	p.Status = models.PanelStatusActive
	p.CurrentSecret = restoredSecret
	p.OriginalSecret = nil
	p.DeactivatedAt = nil
	p.DeactivationReason = ""
	return nil
}

func (m *memStore) EnsureLedger(panelID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLedger {
		return &store.PersistenceError{Op: "ensure ledger", Err: errors.New("db down")}
	}
	if _, ok := m.ledgers[panelID]; !ok {
		m.ledgers[panelID] = 0
	}
	return nil
}

func (m *memStore) ObserveMax(panelID uint, liveValue int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLedger {
		return &store.PersistenceError{Op: "observe max", Err: errors.New("db down")}
	}
	if liveValue > m.ledgers[panelID] {
		m.ledgers[panelID] = liveValue
	}
	return nil
}

func (m *memStore) AddDelta(panelID uint, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLedger {
		return &store.PersistenceError{Op: "add delta", Err: errors.New("db down")}
	}
	m.ledgers[panelID] += delta
	return nil
}

func (m *memStore) ReadLedger(panelID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledgers[panelID], nil
}

func (m *memStore) AddUsageReport(report *models.UsageReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, *report)
	return nil
}

func (m *memStore) AddActionLog(entry *models.ActionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, *entry)
	return nil
}

func (m *memStore) AddNotificationRecord(rec *models.NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notices = append(m.notices, *rec)
	return nil
}

type statusCall struct {
	Username string
	Status   string
}

type rotateCall struct {
	Username string
	Secret   string
	IsSudo   bool
}

// fakePanelAPI is a scriptable in-memory PanelAPI
type fakePanelAPI struct {
	mu sync.Mutex

	entities []marzban.SubEntity

	// When listHold is set, ListSubEntities signals listBegan and then
	// blocks until listHold is closed.
	listBegan chan struct{}
	listHold  chan struct{}

	authErr   error
	listErr   error
	rotateErr error

	statusErrFor map[string]error

	statusCalls []statusCall
	rotateCalls []rotateCall
}

func (f *fakePanelAPI) Authenticate(ctx context.Context) error {
	return f.authErr
}

func (f *fakePanelAPI) ListSubEntities(ctx context.Context, scopeUsername string) ([]marzban.SubEntity, error) {
	if f.listHold != nil {
		f.listBegan <- struct{}{}
		<-f.listHold
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.entities, nil
}

func (f *fakePanelAPI) SetSubEntityStatus(ctx context.Context, username, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.statusErrFor[username]; ok {
		return err
	}
	f.statusCalls = append(f.statusCalls, statusCall{Username: username, Status: status})
	return nil
}

func (f *fakePanelAPI) RotateAdminSecret(ctx context.Context, adminUsername, newSecret string, isSudo bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rotateErr != nil {
		return f.rotateErr
	}
	f.rotateCalls = append(f.rotateCalls, rotateCall{Username: adminUsername, Secret: newSecret, IsSudo: isSudo})
	return nil
}

func (f *fakePanelAPI) statusCallsFor(username string) []statusCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []statusCall
	for _, c := range f.statusCalls {
		if c.Username == username {
			out = append(out, c)
		}
	}
	return out
}

// singleAPIFactory hands the same fake to every panel
func singleAPIFactory(api *fakePanelAPI) PanelAPIFactory {
	return func(username, secret string) PanelAPI { return api }
}

// perPanelAPIFactory dispatches by account username
func perPanelAPIFactory(apis map[string]*fakePanelAPI) PanelAPIFactory {
	return func(username, secret string) PanelAPI { return apis[username] }
}

// fakeNotifier records notification calls
type fakeNotifier struct {
	mu           sync.Mutex
	warnings     []LimitCheckResult
	deactivated  []string
	reactivated  []uint
}

func (f *fakeNotifier) NotifyWarning(panel *models.AdminPanel, result LimitCheckResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warnings = append(f.warnings, result)
}

func (f *fakeNotifier) NotifyDeactivated(panel *models.AdminPanel, reason string, disabled, failed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, reason)
}

func (f *fakeNotifier) NotifyReactivated(panel *models.AdminPanel, enabled, failed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactivated = append(f.reactivated, panel.ID)
}

// fakeSubEntityAdmin is a scriptable SubEntityAdmin
type fakeSubEntityAdmin struct {
	entities map[string]marzban.SubEntity
	removed  []string

	getErr    error
	removeErr error
}

func (f *fakeSubEntityAdmin) GetSubEntity(ctx context.Context, username string) (*marzban.SubEntity, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	ent, ok := f.entities[username]
	if !ok {
		return nil, errors.New("not found")
	}
	return &ent, nil
}

func (f *fakeSubEntityAdmin) RemoveSubEntity(ctx context.Context, username string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, username)
	return nil
}
