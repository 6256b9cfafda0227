package handlers

import (
	"errors"
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/marzguard/backend/internal/database"
	"github.com/marzguard/backend/internal/marzban"
	"github.com/marzguard/backend/internal/models"
	"github.com/marzguard/backend/internal/services"
	"github.com/marzguard/backend/internal/store"
)

type PanelHandler struct {
	ledger    *services.TrafficLedger
	collector *services.SnapshotCollector
	enforcer  *services.EnforcementController
	scheduler *services.MonitoringScheduler
	remover   *services.SubEntityRemover
	threshold float64
}

func NewPanelHandler(
	ledger *services.TrafficLedger,
	collector *services.SnapshotCollector,
	enforcer *services.EnforcementController,
	scheduler *services.MonitoringScheduler,
	remover *services.SubEntityRemover,
	threshold float64,
) *PanelHandler {
	return &PanelHandler{
		ledger:    ledger,
		collector: collector,
		enforcer:  enforcer,
		scheduler: scheduler,
		remover:   remover,
		threshold: threshold,
	}
}

func parsePanelID(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

// loadPanel resolves the :id param. A nil panel means the response has
// already been written.
func loadPanel(c *fiber.Ctx) (*models.AdminPanel, error) {
	id, err := parsePanelID(c)
	if err != nil {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid panel ID",
		})
	}
	var panel models.AdminPanel
	if err := database.DB.First(&panel, id).Error; err != nil {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Panel not found",
		})
	}
	return &panel, nil
}

// ListPanels returns all panels with their recorded traffic and last report
func (h *PanelHandler) ListPanels(c *fiber.Ctx) error {
	query := database.DB.Model(&models.AdminPanel{})

	if status := c.Query("status"); status != "" {
		if val, err := strconv.Atoi(status); err == nil {
			query = query.Where("status = ?", val)
		}
	}

	var panels []models.AdminPanel
	if err := query.Order("id").Find(&panels).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch panels",
		})
	}

	items := make([]fiber.Map, 0, len(panels))
	for i := range panels {
		p := &panels[i]

		recorded, err := h.ledger.Read(p.ID)
		if err != nil {
			log.Printf("PanelHandler: failed to read traffic ledger for panel %d: %v", p.ID, err)
		}

		var lastReport models.UsageReport
		var last *models.UsageReport
		if err := database.DB.Where("panel_id = ?", p.ID).
			Order("check_time DESC").First(&lastReport).Error; err == nil {
			last = &lastReport
		}

		items = append(items, fiber.Map{
			"panel":          p,
			"recorded_bytes": recorded,
			"last_report":    last,
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"panels":  items,
		"total":   len(items),
	})
}

// GetPanelUsage collects a fresh snapshot and evaluates it against quotas
func (h *PanelHandler) GetPanelUsage(c *fiber.Ctx) error {
	panel, err := loadPanel(c)
	if panel == nil {
		return err
	}

	snap, err := h.collector.Collect(c.Context(), panel)
	if err != nil {
		var authErr *marzban.AuthenticationError
		if errors.As(err, &authErr) {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"success": false,
				"message": "Panel authentication failed: " + authErr.Error(),
			})
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": "Failed to collect panel usage: " + err.Error(),
		})
	}

	result := services.EvaluateQuotas(panel, snap, h.threshold, snap.ObservedAt)

	return c.JSON(fiber.Map{
		"success": true,
		"usage": fiber.Map{
			"panel_id":         snap.PanelID,
			"observed_at":      snap.ObservedAt,
			"sub_entity_count": snap.LiveSubEntityCount,
			"live_bytes":       snap.LiveTrafficBytes,
			"total_bytes":      snap.TotalTrafficBytes,
			"active_seconds":   snap.ActiveDurationSeconds,
		},
		"evaluation": fiber.Map{
			"warning":          result.Warning,
			"exceeded":         result.Exceeded,
			"expired":          result.Expired,
			"remaining_days":   result.RemainingDays,
			"fractions":        result.Fractions,
			"exceeded_reasons": result.ExceededReasons,
		},
	})
}

// DeactivatePanel manually deactivates a panel with an operator-supplied reason
func (h *PanelHandler) DeactivatePanel(c *fiber.Ctx) error {
	panel, err := loadPanel(c)
	if panel == nil {
		return err
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}
	if req.Reason == "" {
		req.Reason = "deactivated by operator"
	}

	// Best effort: a fresh snapshot tells us which sub-entities to disable.
	// An unreachable panel still gets its secret rotated.
	var activeIDs []string
	if snap, err := h.collector.Collect(c.Context(), panel); err == nil {
		for _, ent := range snap.SubEntities {
			if ent.Status == marzban.StatusActive {
				activeIDs = append(activeIDs, ent.Username)
			}
		}
	} else {
		log.Printf("PanelHandler: snapshot before deactivation of panel %d failed: %v", panel.ID, err)
	}

	result, err := h.enforcer.Deactivate(c.Context(), panel, req.Reason, activeIDs)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to deactivate panel: " + err.Error(),
		})
	}
	if result.AlreadyDeactivated {
		return c.JSON(fiber.Map{
			"success": true,
			"message": "Panel is already deactivated",
		})
	}

	return c.JSON(fiber.Map{
		"success":        true,
		"message":        "Panel deactivated",
		"disabled_count": result.DisabledCount,
		"failed_count":   result.FailedCount,
	})
}

// ReactivatePanel restores a deactivated panel
func (h *PanelHandler) ReactivatePanel(c *fiber.Ctx) error {
	id, err := parsePanelID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid panel ID",
		})
	}

	result, err := h.enforcer.Reactivate(c.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrMissingOriginalSecret) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"success": false,
				"message": "Panel has no stored original secret; manual credential recovery required",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to reactivate panel: " + err.Error(),
		})
	}
	if result.AlreadyActive {
		return c.JSON(fiber.Map{
			"success": true,
			"message": "Panel is already active",
		})
	}

	return c.JSON(fiber.Map{
		"success":       true,
		"message":       "Panel reactivated",
		"enabled_count": result.EnabledCount,
		"failed_count":  result.FailedCount,
	})
}

// RemoveSubEntity deletes a sub-entity from the remote panel, donating its
// consumed traffic to the owning panel's cumulative record first so deletion
// cannot shrink recorded consumption
func (h *PanelHandler) RemoveSubEntity(c *fiber.Ctx) error {
	panel, err := loadPanel(c)
	if panel == nil {
		return err
	}

	username := c.Params("username")
	if username == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Sub-entity username is required",
		})
	}

	donated, err := h.remover.Remove(c.Context(), panel, username)
	if err != nil {
		if errors.Is(err, services.ErrSubEntityNotOwned) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"success": false,
				"message": "Sub-entity " + username + " does not belong to this panel",
			})
		}
		var perr *store.PersistenceError
		if errors.As(err, &perr) {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"message": "Failed to record donated traffic: " + err.Error(),
			})
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": "Failed to remove sub-entity: " + err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success":       true,
		"message":       "Sub-entity removed",
		"donated_bytes": donated,
	})
}

// MonitorStatus reports whether the scheduler is running and when it fires next
func (h *PanelHandler) MonitorStatus(c *fiber.Ctx) error {
	status := h.scheduler.Status()
	return c.JSON(fiber.Map{
		"success":       true,
		"running":       status.Running,
		"next_run_at":   status.NextRunAt,
		"last_cycle_at": status.LastCycleAt,
	})
}

// MonitorStart starts the monitoring scheduler
func (h *PanelHandler) MonitorStart(c *fiber.Ctx) error {
	if err := h.scheduler.Start(); err != nil {
		if errors.Is(err, services.ErrAlreadyRunning) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"success": false,
				"message": "Monitoring is already running",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to start monitoring: " + err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Monitoring started",
	})
}

// MonitorStop stops the monitoring scheduler
func (h *PanelHandler) MonitorStop(c *fiber.Ctx) error {
	h.scheduler.Stop()
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Monitoring stopped",
	})
}
