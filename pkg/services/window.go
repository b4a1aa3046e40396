package services

import (
	"sync"
	"time"

	"github.com/caresignal/vitals-alert-gateway/pkg/models"
)

// sampleWindow is a fixed-capacity ring buffer of the most recent samples for
// one patient/vital pair. Appending past capacity evicts the oldest sample.
type sampleWindow struct {
	mu    sync.Mutex
	buf   []models.Sample
	start int
	count int
}

func newSampleWindow(capacity int) *sampleWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &sampleWindow{buf: make([]models.Sample, capacity)}
}

// observe atomically applies one sample and returns a copy of the window
// contents oldest to newest. If the sample arrives more than staleAfter past
// the current newest sample, the window is cleared first so stale data never
// blends into a fresh run.
func (w *sampleWindow) observe(sample models.Sample, staleAfter time.Duration) []models.Sample {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count > 0 {
		newest := w.buf[(w.start+w.count-1)%len(w.buf)]
		if sample.Timestamp.Sub(newest.Timestamp) > staleAfter {
			w.start = 0
			w.count = 0
		}
	}

	if w.count == len(w.buf) {
		w.start = (w.start + 1) % len(w.buf)
		w.count--
	}
	w.buf[(w.start+w.count)%len(w.buf)] = sample
	w.count++

	out := make([]models.Sample, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// windowKey identifies one patient/vital window
type windowKey struct {
	patientID string
	vitalKey  string
}

// windowStore lazily creates windows per (patient, vital) key. The store lock
// only guards the map; each window carries its own lock so concurrent samples
// for different patients never serialize on shared state.
type windowStore struct {
	mu       sync.Mutex
	windows  map[windowKey]*sampleWindow
	capacity int
}

func newWindowStore(capacity int) *windowStore {
	return &windowStore{
		windows:  make(map[windowKey]*sampleWindow),
		capacity: capacity,
	}
}

func (s *windowStore) get(patientID, vitalKey string) *sampleWindow {
	key := windowKey{patientID: patientID, vitalKey: vitalKey}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok {
		w = newSampleWindow(s.capacity)
		s.windows[key] = w
	}
	return w
}

func (s *windowStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
