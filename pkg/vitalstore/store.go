// Package vitalstore persists normalized vital readings and alert lifecycle
// events for the history endpoints. Two implementations exist: an in-memory
// store for development and tests, and a Timeplus-backed store for
// deployments with a streaming database available.
package vitalstore

import (
	"context"

	"github.com/caresignal/vitals-alert-gateway/pkg/models"
)

// DefaultHistoryLimit caps history reads when the caller does not give a
// limit of its own.
const DefaultHistoryLimit = 100

// Store is the persistence boundary for vitals and alert events. All writes
// are best effort from the pipeline's point of view; a failing store must
// never delay or suppress alert delivery.
type Store interface {
	// AppendVital records one normalized reading.
	AppendVital(ctx context.Context, record models.VitalRecord) error

	// RecentVitals returns the newest readings for a patient, newest first.
	// limit <= 0 falls back to DefaultHistoryLimit. vitalKey filters to one
	// normalized vital type when non-empty.
	RecentVitals(ctx context.Context, patientID, vitalKey string, limit int) ([]models.VitalRecord, error)

	// RecordAlertEvent records one alert lifecycle event (dispatch,
	// escalation, acknowledgment).
	RecordAlertEvent(ctx context.Context, record models.AlertRecord) error

	// AlertHistory returns the newest alert events for a patient, newest
	// first. limit <= 0 falls back to DefaultHistoryLimit.
	AlertHistory(ctx context.Context, patientID string, limit int) ([]models.AlertRecord, error)

	Close() error
}
