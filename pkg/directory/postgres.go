package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PostgresDirectory reads caregiver assignments from a roster database
// maintained by the care-team management system.
type PostgresDirectory struct {
	db *sql.DB
}

// Ensure PostgresDirectory implements CaregiverDirectory
var _ CaregiverDirectory = (*PostgresDirectory)(nil)

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// OpenPostgres connects to the roster database and verifies the connection.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open roster database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping roster database: %w", err)
	}

	logrus.Info("Connected to caregiver roster database")
	return db, nil
}

func (d *PostgresDirectory) PatientsFor(ctx context.Context, caregiverID string) ([]string, error) {
	if caregiverID == "" {
		return nil, fmt.Errorf("caregiver_id is required")
	}

	query := `
		SELECT patient_id
		FROM caregiver_patients
		WHERE caregiver_id = $1
		  AND revoked_at IS NULL
		ORDER BY patient_id
	`

	rows, err := d.db.QueryContext(ctx, query, caregiverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query caregiver assignments: %w", err)
	}
	defer rows.Close()

	var patients []string
	for rows.Next() {
		var patientID string
		if err := rows.Scan(&patientID); err != nil {
			return nil, fmt.Errorf("failed to scan assignment row: %w", err)
		}
		patients = append(patients, patientID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return patients, nil
}
