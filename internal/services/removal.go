package services

import (
	"context"
	"errors"
	"log"
	"strconv"

	"github.com/marzguard/backend/internal/marzban"
	"github.com/marzguard/backend/internal/models"
	"github.com/marzguard/backend/internal/store"
)

// ErrSubEntityNotOwned means the sub-entity belongs to a different admin
// account than the panel the donation was requested for
var ErrSubEntityNotOwned = errors.New("sub-entity is owned by a different panel")

// SubEntityAdmin is the slice of the sudo client the remover needs
type SubEntityAdmin interface {
	GetSubEntity(ctx context.Context, username string) (*marzban.SubEntity, error)
	RemoveSubEntity(ctx context.Context, username string) error
}

// SubEntityRemover deletes a sub-entity from the remote panel after donating
// its consumed traffic to the owning panel's cumulative record, so deletion
// can never shrink recorded consumption.
type SubEntityRemover struct {
	ledger *TrafficLedger
	logs   store.ActionLogStore
	sudo   SubEntityAdmin
}

func NewSubEntityRemover(ledger *TrafficLedger, logs store.ActionLogStore, sudo SubEntityAdmin) *SubEntityRemover {
	return &SubEntityRemover{ledger: ledger, logs: logs, sudo: sudo}
}

// Remove donates the sub-entity's traffic to panel's ledger and then deletes
// it remotely, returning the donated byte count. The sub-entity's owning
// admin must match panel.RemoteUsername: the ledger is monotonic, so a
// donation credited to the wrong panel could never be taken back. Panel
// versions that omit the owner field skip the check.
func (r *SubEntityRemover) Remove(ctx context.Context, panel *models.AdminPanel, username string) (int64, error) {
	ent, err := r.sudo.GetSubEntity(ctx, username)
	if err != nil {
		return 0, err
	}

	if ent.Admin.Username != "" && ent.Admin.Username != panel.RemoteUsername {
		log.Printf("SubEntityRemover: refused to donate %s traffic to panel %d, owner is %s not %s",
			username, panel.ID, ent.Admin.Username, panel.RemoteUsername)
		return 0, ErrSubEntityNotOwned
	}

	donated := ent.TotalUsage()
	// Donation must land before deletion, otherwise the traffic is lost
	if err := r.ledger.Donate(panel.ID, donated); err != nil {
		return 0, err
	}

	if err := r.sudo.RemoveSubEntity(ctx, username); err != nil {
		return 0, err
	}

	entry := models.ActionLog{
		PanelID: &panel.ID,
		Action:  models.ActionTrafficDonated,
		Details: "removed sub-entity " + username + ", donated " + strconv.FormatInt(donated, 10) + " bytes",
	}
	if err := r.logs.AddActionLog(&entry); err != nil {
		log.Printf("SubEntityRemover: failed to write action log: %v", err)
	}

	return donated, nil
}
