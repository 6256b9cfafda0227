package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/marzguard/backend/internal/config"
	"github.com/marzguard/backend/internal/database"
	"github.com/marzguard/backend/internal/models"
)

// ReportArchiver exports the previous day's usage reports as JSON and
// uploads them to a configured FTP server, pruning archives older than the
// retention window. Does nothing when no FTP host is configured.
type ReportArchiver struct {
	cfg      *config.Config
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewReportArchiver(cfg *config.Config) *ReportArchiver {
	return &ReportArchiver{
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
}

// Start begins the daily archival loop
func (s *ReportArchiver) Start() {
	if s.cfg.ReportFTPHost == "" {
		log.Println("ReportArchiver disabled: REPORT_FTP_HOST not set")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Println("ReportArchiver started, archiving daily")

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.archiveYesterday()
			case <-s.stopChan:
				log.Println("ReportArchiver stopped")
				return
			}
		}
	}()
}

// Stop stops the archival loop
func (s *ReportArchiver) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

func (s *ReportArchiver) archiveYesterday() {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -1).Truncate(24 * time.Hour)
	to := from.Add(24 * time.Hour)

	var reports []models.UsageReport
	if err := database.DB.
		Where("check_time >= ? AND check_time < ?", from, to).
		Order("panel_id asc, check_time asc").
		Find(&reports).Error; err != nil {
		log.Printf("ReportArchiver: failed to load reports: %v", err)
		return
	}
	if len(reports) == 0 {
		return
	}

	payload, err := json.Marshal(reports)
	if err != nil {
		log.Printf("ReportArchiver: failed to marshal reports: %v", err)
		return
	}

	filename := fmt.Sprintf("usage-reports-%s.json", from.Format("2006-01-02"))
	if err := s.upload(filename, payload); err != nil {
		log.Printf("ReportArchiver: upload failed: %v", err)
		return
	}
	log.Printf("ReportArchiver: archived %d reports to %s", len(reports), filename)

	s.pruneOld()
}

func (s *ReportArchiver) upload(filename string, payload []byte) error {
	conn, err := s.dial()
	if err != nil {
		return err
	}
	defer conn.Quit()

	if err := conn.Stor(filename, bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("FTP upload failed: %w", err)
	}
	return nil
}

func (s *ReportArchiver) pruneOld() {
	conn, err := s.dial()
	if err != nil {
		log.Printf("ReportArchiver: prune skipped: %v", err)
		return
	}
	defer conn.Quit()

	cutoff := time.Now().AddDate(0, 0, -s.cfg.ReportRetentionDays)
	entries, err := conn.List("")
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.Type == ftp.EntryTypeFile && entry.Time.Before(cutoff) {
			if filepath.Ext(entry.Name) == ".json" {
				conn.Delete(entry.Name)
				log.Printf("ReportArchiver: deleted old archive %s", entry.Name)
			}
		}
	}
}

func (s *ReportArchiver) dial() (*ftp.ServerConn, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.ReportFTPHost, s.cfg.ReportFTPPort)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("FTP connection failed: %w", err)
	}
	if err := conn.Login(s.cfg.ReportFTPUser, s.cfg.ReportFTPPassword); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("FTP login failed: %w", err)
	}
	if s.cfg.ReportFTPPath != "" && s.cfg.ReportFTPPath != "/" {
		if err := conn.ChangeDir(s.cfg.ReportFTPPath); err != nil {
			conn.MakeDir(s.cfg.ReportFTPPath)
			if err := conn.ChangeDir(s.cfg.ReportFTPPath); err != nil {
				conn.Quit()
				return nil, fmt.Errorf("FTP directory change failed: %w", err)
			}
		}
	}
	return conn, nil
}
