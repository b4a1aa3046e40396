// Package directory answers which patients a caregiver is responsible for.
// The caregiver batch subscription endpoints use it to subscribe one sink to
// every assigned patient in a single registry operation.
package directory

import (
	"context"
	"sort"
	"sync"
)

// CaregiverDirectory resolves caregiver assignments. Implementations must be
// safe for concurrent use.
type CaregiverDirectory interface {
	PatientsFor(ctx context.Context, caregiverID string) ([]string, error)
}

// StaticDirectory holds assignments in memory. It backs deployments without
// a roster database and the test suite.
type StaticDirectory struct {
	mu       sync.RWMutex
	patients map[string][]string
}

// Ensure StaticDirectory implements CaregiverDirectory
var _ CaregiverDirectory = (*StaticDirectory)(nil)

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{patients: make(map[string][]string)}
}

// Assign adds patients to a caregiver's roster, ignoring duplicates.
func (d *StaticDirectory) Assign(caregiverID string, patientIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing := make(map[string]bool, len(d.patients[caregiverID]))
	for _, id := range d.patients[caregiverID] {
		existing[id] = true
	}
	for _, id := range patientIDs {
		if id == "" || existing[id] {
			continue
		}
		existing[id] = true
		d.patients[caregiverID] = append(d.patients[caregiverID], id)
	}
}

func (d *StaticDirectory) PatientsFor(ctx context.Context, caregiverID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	patients := make([]string, len(d.patients[caregiverID]))
	copy(patients, d.patients[caregiverID])
	sort.Strings(patients)
	return patients, nil
}
