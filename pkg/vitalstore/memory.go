package vitalstore

import (
	"context"
	"sync"

	"github.com/caresignal/vitals-alert-gateway/pkg/models"
)

const (
	maxVitalsPerPatient = 512
	maxEventsPerPatient = 256
)

// MemoryStore keeps a bounded per-patient tail of readings and alert events.
// It is the default store when no Timeplus connection is configured and the
// store used throughout the test suite.
type MemoryStore struct {
	mu     sync.RWMutex
	vitals map[string][]models.VitalRecord
	events map[string][]models.AlertRecord
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vitals: make(map[string][]models.VitalRecord),
		events: make(map[string][]models.AlertRecord),
	}
}

func (s *MemoryStore) AppendVital(ctx context.Context, record models.VitalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail := append(s.vitals[record.PatientID], record)
	if len(tail) > maxVitalsPerPatient {
		tail = tail[len(tail)-maxVitalsPerPatient:]
	}
	s.vitals[record.PatientID] = tail
	return nil
}

func (s *MemoryStore) RecentVitals(ctx context.Context, patientID, vitalKey string, limit int) ([]models.VitalRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.vitals[patientID]
	records := make([]models.VitalRecord, 0, limit)
	for i := len(stored) - 1; i >= 0 && len(records) < limit; i-- {
		if vitalKey != "" && stored[i].VitalKey != vitalKey {
			continue
		}
		records = append(records, stored[i])
	}
	return records, nil
}

func (s *MemoryStore) RecordAlertEvent(ctx context.Context, record models.AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail := append(s.events[record.PatientID], record)
	if len(tail) > maxEventsPerPatient {
		tail = tail[len(tail)-maxEventsPerPatient:]
	}
	s.events[record.PatientID] = tail
	return nil
}

func (s *MemoryStore) AlertHistory(ctx context.Context, patientID string, limit int) ([]models.AlertRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.events[patientID]
	start := len(stored) - limit
	if start < 0 {
		start = 0
	}
	records := make([]models.AlertRecord, 0, len(stored)-start)
	for i := len(stored) - 1; i >= start; i-- {
		records = append(records, stored[i])
	}
	return records, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
