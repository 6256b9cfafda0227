package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/marzguard/backend/internal/marzban"
	"github.com/marzguard/backend/internal/models"
	"github.com/marzguard/backend/internal/store"
)

// ErrMissingOriginalSecret means a reactivation was requested for a panel
// whose pre-deactivation secret was never recorded
var ErrMissingOriginalSecret = errors.New("panel has no stored original secret")

// DeactivateResult reports the outcome of a deactivation. The panel-level
// transition either fully succeeded or the call returned an error; the
// disable counts are best-effort and never fatal.
type DeactivateResult struct {
	AlreadyDeactivated bool
	DisabledCount      int
	FailedCount        int
}

// ReactivateResult mirrors DeactivateResult for the manual reactivation path
type ReactivateResult struct {
	AlreadyActive bool
	EnabledCount  int
	FailedCount   int
}

// EnforcementController drives the Active -> Deactivated -> Active state
// machine. Deactivation is entered automatically by the scheduler or
// manually by an operator; reactivation is manual only.
type EnforcementController struct {
	panels         store.PanelStore
	logs           store.ActionLogStore
	sudo           PanelAPI
	newPanelAPI    PanelAPIFactory
	notifier       Notifier
	rotationSecret string
	interUserDelay time.Duration
}

func NewEnforcementController(
	panels store.PanelStore,
	logs store.ActionLogStore,
	sudo PanelAPI,
	factory PanelAPIFactory,
	notifier Notifier,
	rotationSecret string,
	interUserDelay time.Duration,
) *EnforcementController {
	return &EnforcementController{
		panels:         panels,
		logs:           logs,
		sudo:           sudo,
		newPanelAPI:    factory,
		notifier:       notifier,
		rotationSecret: rotationSecret,
		interUserDelay: interUserDelay,
	}
}

// Deactivate rotates the panel's remote secret to the fixed rotation value,
// marks it Deactivated and best-effort disables the given sub-entities.
//
// The status guard makes repeated calls no-ops, which is what protects
// OriginalSecret: it is written exactly once per deactivation episode.
// A failure in the remote rotation or the local state write is fatal - the
// panel is never silently marked Deactivated in that case and the caller
// must retry deliberately.
func (e *EnforcementController) Deactivate(ctx context.Context, panel *models.AdminPanel, reason string, affectedSubEntityIDs []string) (*DeactivateResult, error) {
	if panel.Status == models.PanelStatusDeactivated {
		return &DeactivateResult{AlreadyDeactivated: true}, nil
	}

	// Step 1: preserve the current secret for later reactivation
	if err := e.panels.SetOriginalSecret(panel.ID, panel.CurrentSecret); err != nil {
		return nil, err
	}

	// Step 2: rotate the remote secret
	if err := e.sudo.RotateAdminSecret(ctx, panel.RemoteUsername, e.rotationSecret, false); err != nil {
		return nil, fmt.Errorf("rotate remote secret for panel %d: %w", panel.ID, err)
	}

	// Step 3: record the Deactivated state. If this write fails after the
	// remote rotation succeeded, the two systems disagree; there is no
	// cross-system transaction, so make the gap impossible to miss.
	if err := e.panels.MarkDeactivated(panel.ID, reason, e.rotationSecret, time.Now().UTC()); err != nil {
		log.Printf("CONSISTENCY GAP: remote secret for panel %d (%s) was rotated but the local state write failed: %v - panel remains Active locally, retry required",
			panel.ID, panel.RemoteUsername, err)
		return nil, err
	}

	// Step 4: best-effort disablement of the panel's live sub-entities
	result := &DeactivateResult{}
	for _, username := range affectedSubEntityIDs {
		if err := e.sudo.SetSubEntityStatus(ctx, username, marzban.StatusDisabled); err != nil {
			result.FailedCount++
			log.Printf("EnforcementController: failed to disable sub-entity %s of panel %d: %v", username, panel.ID, err)
		} else {
			result.DisabledCount++
		}
		time.Sleep(e.interUserDelay)
	}

	e.logAction(panel.ID, models.ActionPanelDeactivated, fmt.Sprintf(
		"Panel %d (%s) deactivated. Reason: %s. Sub-entities disabled: %d, failed: %d.",
		panel.ID, panel.RemoteUsername, reason, result.DisabledCount, result.FailedCount))
	e.notifier.NotifyDeactivated(panel, reason, result.DisabledCount, result.FailedCount)

	log.Printf("EnforcementController: panel %d (%s) deactivated (%s), disabled %d/%d sub-entities",
		panel.ID, panel.RemoteUsername, reason, result.DisabledCount, result.DisabledCount+result.FailedCount)
	return result, nil
}

// DeactivateForResult is the scheduler's entry point: it derives the reason
// string from an exceeded evaluation and runs Deactivate
func (e *EnforcementController) DeactivateForResult(ctx context.Context, panel *models.AdminPanel, result LimitCheckResult) (*DeactivateResult, error) {
	reason := "limit exceeded: " + strings.Join(result.ExceededReasons, ", ")
	res, err := e.Deactivate(ctx, panel, reason, result.ActiveSubEntityIDs)
	if err == nil && !res.AlreadyDeactivated {
		e.logAction(panel.ID, models.ActionPanelAutoDeactivated, fmt.Sprintf(
			"Automatic deactivation of panel %d. %s", panel.ID, reason))
	}
	return res, err
}

// Reactivate restores the panel's original secret, marks it Active and
// best-effort re-enables its currently disabled sub-entities. Manual only.
func (e *EnforcementController) Reactivate(ctx context.Context, panelID uint) (*ReactivateResult, error) {
	panel, err := e.panels.GetPanel(panelID)
	if err != nil {
		return nil, err
	}
	if panel == nil {
		return nil, fmt.Errorf("panel %d not found", panelID)
	}
	if panel.Status == models.PanelStatusActive {
		return &ReactivateResult{AlreadyActive: true}, nil
	}
	if panel.OriginalSecret == nil || *panel.OriginalSecret == "" {
		return nil, ErrMissingOriginalSecret
	}
	original := *panel.OriginalSecret

	// Restore the remote secret first, then the local state; same
	// consistency-gap discipline as deactivation.
	if err := e.sudo.RotateAdminSecret(ctx, panel.RemoteUsername, original, false); err != nil {
		return nil, fmt.Errorf("restore remote secret for panel %d: %w", panel.ID, err)
	}
	if err := e.panels.MarkReactivated(panel.ID, original); err != nil {
		log.Printf("CONSISTENCY GAP: remote secret for panel %d (%s) was restored but the local state write failed: %v - panel remains Deactivated locally, retry required",
			panel.ID, panel.RemoteUsername, err)
		return nil, err
	}

	// Re-enable loop over the panel's disabled sub-entities, queried fresh
	// with the freshly restored credentials rather than from any snapshot
	result := &ReactivateResult{}
	api := e.newPanelAPI(panel.RemoteUsername, original)
	entities, err := e.listSubEntities(ctx, api, panel.RemoteUsername)
	if err != nil {
		// The panel-level transition already succeeded; a listing failure
		// only means no sub-entities could be re-enabled this time
		log.Printf("EnforcementController: failed to list sub-entities of panel %d for re-enablement: %v", panel.ID, err)
	}
	for _, ent := range entities {
		if ent.Status != marzban.StatusDisabled {
			continue
		}
		if err := e.sudo.SetSubEntityStatus(ctx, ent.Username, marzban.StatusActive); err != nil {
			result.FailedCount++
			log.Printf("EnforcementController: failed to re-enable sub-entity %s of panel %d: %v", ent.Username, panel.ID, err)
		} else {
			result.EnabledCount++
		}
		time.Sleep(e.interUserDelay)
	}

	e.logAction(panel.ID, models.ActionPanelReactivated, fmt.Sprintf(
		"Panel %d (%s) reactivated. Sub-entities re-enabled: %d, failed: %d.",
		panel.ID, panel.RemoteUsername, result.EnabledCount, result.FailedCount))
	e.notifier.NotifyReactivated(panel, result.EnabledCount, result.FailedCount)

	log.Printf("EnforcementController: panel %d (%s) reactivated, re-enabled %d sub-entities",
		panel.ID, panel.RemoteUsername, result.EnabledCount)
	return result, nil
}

func (e *EnforcementController) listSubEntities(ctx context.Context, api PanelAPI, scope string) ([]marzban.SubEntity, error) {
	if err := api.Authenticate(ctx); err != nil {
		return nil, err
	}
	return api.ListSubEntities(ctx, scope)
}

func (e *EnforcementController) logAction(panelID uint, action, details string) {
	entry := &models.ActionLog{
		PanelID: &panelID,
		Action:  action,
		Details: details,
	}
	if err := e.logs.AddActionLog(entry); err != nil {
		log.Printf("EnforcementController: failed to write action log (%s): %v", action, err)
	}
}
