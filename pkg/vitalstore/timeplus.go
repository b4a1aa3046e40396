package vitalstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/timeplus-io/proton-go-driver/v2"
	"github.com/timeplus-io/proton-go-driver/v2/lib/driver"

	"github.com/caresignal/vitals-alert-gateway/pkg/config"
	"github.com/caresignal/vitals-alert-gateway/pkg/models"
)

const (
	vitalsStream      = "vitals"
	alertEventsStream = "alert_events"

	timeplusTimeLayout = "2006-01-02 15:04:05.000"
)

// TimeplusStore persists readings and alert events into Timeplus streams via
// the native protocol. History reads go through table() so they see the
// already-appended rows rather than tailing the live stream.
type TimeplusStore struct {
	conn driver.Conn
}

// Ensure TimeplusStore implements Store
var _ Store = (*TimeplusStore)(nil)

// NewTimeplusStore connects to Timeplus and ensures the backing streams
// exist. The connection is pinged with retries because the database is
// commonly still starting when the gateway comes up.
func NewTimeplusStore(cfg *config.TimeplusConfig) (*TimeplusStore, error) {
	address := strings.TrimPrefix(cfg.Address, "http://")
	address = strings.TrimPrefix(address, "https://")
	if !strings.Contains(address, ":") {
		address += ":8464" // Default native port
	}

	logrus.Infof("Connecting to Timeplus at %s (workspace: %s)", address, cfg.Workspace)

	conn, err := proton.Open(&proton.Options{
		Addr: []string{address},
		Auth: proton.Auth{
			Database: cfg.Workspace,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxLifetime: 2 * time.Hour,
		Compression: &proton.Compression{
			Method: proton.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to Timeplus: %w", err)
	}

	var pingErr error
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pingErr = conn.Ping(ctx)
		cancel()
		if pingErr == nil {
			break
		}
		logrus.Warnf("Failed to ping Timeplus (attempt %d/5): %v", i+1, pingErr)
		time.Sleep(3 * time.Second)
	}
	if pingErr != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping Timeplus after multiple attempts: %w", pingErr)
	}

	store := &TimeplusStore{conn: conn}
	if err := store.ensureStreams(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}

	logrus.Info("Connected to Timeplus, vitals and alert_events streams ready")
	return store, nil
}

func (s *TimeplusStore) ensureStreams(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf("CREATE STREAM IF NOT EXISTS `%s` "+
			"(`patient_id` string, `vital_type` string, `value` float64, `unit` string, `recorded_at` datetime64(3))",
			vitalsStream),
		fmt.Sprintf("CREATE STREAM IF NOT EXISTS `%s` "+
			"(`alert_id` string, `patient_id` string, `event` string, `tier` string, `vital_type` string, `occurred_at` datetime64(3), `payload` string)",
			alertEventsStream),
	}
	for _, query := range ddl {
		if err := s.conn.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}
	return nil
}

func (s *TimeplusStore) AppendVital(ctx context.Context, record models.VitalRecord) error {
	query := fmt.Sprintf(
		"INSERT INTO `%s` (patient_id, vital_type, value, unit, recorded_at) VALUES ('%s', '%s', %f, '%s', '%s')",
		vitalsStream,
		escapeString(record.PatientID),
		escapeString(record.VitalKey),
		record.Value,
		escapeString(record.Unit),
		record.Timestamp.UTC().Format(timeplusTimeLayout),
	)
	return s.exec(ctx, query)
}

func (s *TimeplusStore) RecordAlertEvent(ctx context.Context, record models.AlertRecord) error {
	query := fmt.Sprintf(
		"INSERT INTO `%s` (alert_id, patient_id, event, tier, vital_type, occurred_at, payload) "+
			"VALUES ('%s', '%s', '%s', '%s', '%s', '%s', '%s')",
		alertEventsStream,
		escapeString(record.AlertID),
		escapeString(record.PatientID),
		escapeString(record.Event),
		escapeString(record.Tier),
		escapeString(record.VitalType),
		record.Timestamp.UTC().Format(timeplusTimeLayout),
		escapeString(record.Payload),
	)
	return s.exec(ctx, query)
}

func (s *TimeplusStore) RecentVitals(ctx context.Context, patientID, vitalKey string, limit int) ([]models.VitalRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	filter := fmt.Sprintf("patient_id = '%s'", escapeString(patientID))
	if vitalKey != "" {
		filter += fmt.Sprintf(" AND vital_type = '%s'", escapeString(vitalKey))
	}
	query := fmt.Sprintf(
		"SELECT patient_id, vital_type, value, unit, recorded_at FROM table(`%s`) WHERE %s ORDER BY recorded_at DESC LIMIT %d",
		vitalsStream, filter, limit,
	)

	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query vitals history: %w", err)
	}
	defer rows.Close()

	records := make([]models.VitalRecord, 0, limit)
	for rows.Next() {
		var record models.VitalRecord
		if err := rows.Scan(&record.PatientID, &record.VitalKey, &record.Value, &record.Unit, &record.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan vitals row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

func (s *TimeplusStore) AlertHistory(ctx context.Context, patientID string, limit int) ([]models.AlertRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	query := fmt.Sprintf(
		"SELECT alert_id, patient_id, event, tier, vital_type, occurred_at, payload FROM table(`%s`) "+
			"WHERE patient_id = '%s' ORDER BY occurred_at DESC LIMIT %d",
		alertEventsStream, escapeString(patientID), limit,
	)

	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert history: %w", err)
	}
	defer rows.Close()

	records := make([]models.AlertRecord, 0, limit)
	for rows.Next() {
		var record models.AlertRecord
		if err := rows.Scan(&record.AlertID, &record.PatientID, &record.Event, &record.Tier, &record.VitalType, &record.Timestamp, &record.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan alert event row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

func (s *TimeplusStore) Close() error {
	return s.conn.Close()
}

// exec runs an insert with small retries; transient errors are common right
// after the database restarts.
func (s *TimeplusStore) exec(ctx context.Context, query string) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(500 * time.Millisecond)
		}
		if err := s.conn.Exec(ctx, query); err != nil {
			lastErr = err
			logrus.Warnf("Timeplus exec failed (attempt %d/3): %v", attempt+1, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to execute after 3 attempts: %w", lastErr)
}

func escapeString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
