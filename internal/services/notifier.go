package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/marzguard/backend/internal/models"
	"github.com/marzguard/backend/internal/store"
)

// Notifier is the outbound notification collaborator. Delivery is
// fire-and-forget: failures are logged and recorded, never fatal to the
// engine.
type Notifier interface {
	NotifyWarning(panel *models.AdminPanel, result LimitCheckResult)
	NotifyDeactivated(panel *models.AdminPanel, reason string, disabled, failed int)
	NotifyReactivated(panel *models.AdminPanel, enabled, failed int)
}

// Notification kinds persisted with each record
const (
	notifyKindWarning     = "limit_warning"
	notifyKindDeactivated = "panel_deactivated"
	notifyKindReactivated = "panel_reactivated"
)

// TelegramNotifier delivers operator notifications through the Telegram bot
// API and keeps a persisted trail of every attempt
type TelegramNotifier struct {
	botToken string
	chatIDs  []int64
	records  store.NotificationStore
	http     *http.Client
}

func NewTelegramNotifier(botToken string, chatIDs []int64, records store.NotificationStore) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatIDs:  chatIDs,
		records:  records,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *TelegramNotifier) NotifyWarning(panel *models.AdminPanel, result LimitCheckResult) {
	msg := fmt.Sprintf(
		"Panel %s approaching limits: sub-entities %.0f%%, traffic %.0f%%, duration %.0f%%",
		panel.RemoteUsername,
		result.Fractions.SubEntities*100,
		result.Fractions.Traffic*100,
		result.Fractions.Duration*100,
	)
	n.send(panel, notifyKindWarning, msg)
}

func (n *TelegramNotifier) NotifyDeactivated(panel *models.AdminPanel, reason string, disabled, failed int) {
	msg := fmt.Sprintf(
		"Panel %s deactivated.\nReason: %s\nSub-entities disabled: %d (failed: %d)\nSecret rotated; use reactivation to restore.",
		panel.RemoteUsername, reason, disabled, failed,
	)
	n.send(panel, notifyKindDeactivated, msg)
}

func (n *TelegramNotifier) NotifyReactivated(panel *models.AdminPanel, enabled, failed int) {
	msg := fmt.Sprintf(
		"Panel %s reactivated.\nOriginal secret restored.\nSub-entities re-enabled: %d (failed: %d)",
		panel.RemoteUsername, enabled, failed,
	)
	n.send(panel, notifyKindReactivated, msg)
}

func (n *TelegramNotifier) send(panel *models.AdminPanel, kind, message string) {
	eventID := uuid.NewString()
	var deliveryErr error

	if n.botToken == "" || len(n.chatIDs) == 0 {
		deliveryErr = fmt.Errorf("telegram not configured")
	} else {
		for _, chatID := range n.chatIDs {
			if err := n.sendTelegram(chatID, message); err != nil {
				deliveryErr = err
				log.Printf("Notifier: failed to notify chat %d: %v", chatID, err)
			}
		}
	}

	rec := &models.NotificationRecord{
		EventID:   eventID,
		PanelID:   &panel.ID,
		Kind:      kind,
		Message:   message,
		Delivered: deliveryErr == nil,
	}
	if deliveryErr != nil {
		rec.Error = deliveryErr.Error()
	}
	if err := n.records.AddNotificationRecord(rec); err != nil {
		log.Printf("Notifier: failed to record notification %s: %v", eventID, err)
	}
}

func (n *TelegramNotifier) sendTelegram(chatID int64, text string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.botToken)
	resp, err := n.http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned HTTP %d", resp.StatusCode)
	}
	return nil
}
