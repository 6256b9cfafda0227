package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/marzguard/backend/internal/marzban"
	"github.com/marzguard/backend/internal/store"
)

// ErrAlreadyRunning is returned when Start is called on a running scheduler
var ErrAlreadyRunning = errors.New("monitoring scheduler is already running")

// MonitorStatus is the scheduler's observable state
type MonitorStatus struct {
	Running     bool       `json:"running"`
	NextRunAt   *time.Time `json:"next_run_at"`
	LastCycleAt *time.Time `json:"last_cycle_at"`
}

// MonitoringScheduler drives the evaluation cycle across all active panels
// on a fixed interval. Panels are processed sequentially to stay polite to
// the remote API, and one panel's failure never reaches the next.
type MonitoringScheduler struct {
	interval        time.Duration
	interPanelDelay time.Duration
	threshold       float64

	panels    store.PanelStore
	collector *SnapshotCollector
	enforcer  *EnforcementController
	notifier  Notifier

	stopChan chan struct{}
	wg       sync.WaitGroup
	cycleMu  sync.Mutex // prevents overlapping cycles; late firings are skipped

	mu        sync.Mutex
	running   bool
	nextRun   time.Time
	lastCycle *time.Time
}

// NewMonitoringScheduler wires an explicit scheduler instance; the process
// composition root owns it, there is no package-level singleton.
func NewMonitoringScheduler(
	interval, interPanelDelay time.Duration,
	warningThreshold float64,
	panels store.PanelStore,
	collector *SnapshotCollector,
	enforcer *EnforcementController,
	notifier Notifier,
) *MonitoringScheduler {
	return &MonitoringScheduler{
		interval:        interval,
		interPanelDelay: interPanelDelay,
		threshold:       warningThreshold,
		panels:          panels,
		collector:       collector,
		enforcer:        enforcer,
		notifier:        notifier,
	}
}

// Start begins firing cycles every interval. A second Start while running
// is refused.
func (s *MonitoringScheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.nextRun = time.Now().Add(s.interval)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("MonitoringScheduler started, checking every %v", s.interval)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				s.nextRun = time.Now().Add(s.interval)
				s.mu.Unlock()
				// Detached: Stop must stay responsive while a cycle is
				// mid-flight. Overlapping firings bounce off cycleMu.
				go s.RunCycle(context.Background())
			case <-s.stopChan:
				log.Println("MonitoringScheduler stopped")
				return
			}
		}
	}()

	return nil
}

// Stop cancels future firings and returns without waiting for an in-flight
// cycle: the cycle keeps running to completion and may still mutate state
// after Stop returns.
func (s *MonitoringScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()
	s.wg.Wait()
}

// Status reports whether the scheduler runs and when the next cycle fires
func (s *MonitoringScheduler) Status() MonitorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := MonitorStatus{Running: s.running, LastCycleAt: s.lastCycle}
	if s.running {
		next := s.nextRun
		status.NextRunAt = &next
	}
	return status
}

// RunCycle evaluates every active panel once. If a previous cycle is still
// in flight the firing is skipped, never queued.
func (s *MonitoringScheduler) RunCycle(ctx context.Context) {
	if !s.cycleMu.TryLock() {
		log.Println("MonitoringScheduler: previous cycle still running, skipping this tick")
		return
	}
	defer s.cycleMu.Unlock()

	panels, err := s.panels.ListActivePanels()
	if err != nil {
		log.Printf("MonitoringScheduler: failed to list active panels: %v", err)
		return
	}
	if len(panels) == 0 {
		return
	}

	log.Printf("MonitoringScheduler: checking %d active panels", len(panels))

	for i := range panels {
		panel := &panels[i]

		snap, err := s.collector.Collect(ctx, panel)
		if err != nil {
			// Skip, never assume zero usage: an unreachable panel must not
			// suppress a warning or exceedance it would otherwise get
			var authErr *marzban.AuthenticationError
			if errors.As(err, &authErr) {
				log.Printf("MonitoringScheduler: panel %d (%s) credentials rejected, skipping this cycle: %v",
					panel.ID, panel.RemoteUsername, err)
			} else {
				log.Printf("MonitoringScheduler: panel %d (%s) unreachable, skipping this cycle: %v",
					panel.ID, panel.RemoteUsername, err)
			}
			time.Sleep(s.interPanelDelay)
			continue
		}

		result := EvaluateQuotas(panel, snap, s.threshold, time.Now().UTC())

		switch {
		case result.Exceeded:
			if _, err := s.enforcer.DeactivateForResult(ctx, panel, result); err != nil {
				log.Printf("MonitoringScheduler: failed to deactivate panel %d: %v", panel.ID, err)
			}
		case result.Warning:
			s.notifier.NotifyWarning(panel, result)
		}

		time.Sleep(s.interPanelDelay)
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.lastCycle = &now
	s.mu.Unlock()

	log.Println("MonitoringScheduler: cycle completed")
}
