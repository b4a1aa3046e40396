package services

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// WildcardScope is the patient scope meaning "all patients", used by
// administrative subscribers.
const WildcardScope = "*"

type scopeEntry struct {
	scope string
	role  string
}

// SubscriptionRegistry tracks live alert subscribers keyed by patient scope
// and role. Handles registered under the wildcard scope receive every
// patient's alerts. A multi-patient subscription shares one handle across
// several scope entries and is removed as a unit.
type SubscriptionRegistry struct {
	mu      sync.RWMutex
	subs    map[string]map[string]map[string]Sink // patientScope -> role -> sinkID -> sink
	entries map[string][]scopeEntry               // sinkID -> registered scope entries
	sinks   map[string]Sink                       // sinkID -> sink, for eviction
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		subs:    make(map[string]map[string]map[string]Sink),
		entries: make(map[string][]scopeEntry),
		sinks:   make(map[string]Sink),
	}
}

// Subscribe registers a sink for one patient scope and role. The scope may be
// a patient ID or any of ""/"*"/"all", which normalize to the wildcard.
func (r *SubscriptionRegistry) Subscribe(sink Sink, role, patientScope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(sink, role, normalizePatientScope(patientScope))
}

// SubscribeForPatients registers one sink under every patient ID in the list,
// as a single unit: Unsubscribe removes all of the entries together. Used for
// caregivers watching their full roster.
func (r *SubscriptionRegistry) SubscribeForPatients(sink Sink, role string, patientIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, patientID := range patientIDs {
		r.addLocked(sink, role, normalizePatientScope(patientID))
	}
}

func (r *SubscriptionRegistry) addLocked(sink Sink, role, scope string) {
	byRole, ok := r.subs[scope]
	if !ok {
		byRole = make(map[string]map[string]Sink)
		r.subs[scope] = byRole
	}
	byID, ok := byRole[role]
	if !ok {
		byID = make(map[string]Sink)
		byRole[role] = byID
	}
	if _, exists := byID[sink.ID()]; exists {
		return
	}
	byID[sink.ID()] = sink
	r.entries[sink.ID()] = append(r.entries[sink.ID()], scopeEntry{scope: scope, role: role})
	r.sinks[sink.ID()] = sink
	logrus.Debugf("Registry: subscribed sink %s (role=%s, scope=%s)", sink.ID(), role, scope)
}

// Unsubscribe removes every entry registered for the sink.
func (r *SubscriptionRegistry) Unsubscribe(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(sink.ID())
}

func (r *SubscriptionRegistry) removeLocked(sinkID string) {
	entries, ok := r.entries[sinkID]
	if !ok {
		return
	}
	for _, entry := range entries {
		if byRole, ok := r.subs[entry.scope]; ok {
			if byID, ok := byRole[entry.role]; ok {
				delete(byID, sinkID)
				if len(byID) == 0 {
					delete(byRole, entry.role)
				}
			}
			if len(byRole) == 0 {
				delete(r.subs, entry.scope)
			}
		}
	}
	delete(r.entries, sinkID)
	delete(r.sinks, sinkID)
	logrus.Debugf("Registry: unsubscribed sink %s (%d entries)", sinkID, len(entries))
}

// SendToRoles delivers one payload to every sink subscribed under the given
// patient ID or the wildcard scope for any of the requested roles. Each sink
// receives the payload at most once no matter how many role or scope entries
// match. A sink whose Send fails is evicted; its failure never blocks
// delivery to the rest.
func (r *SubscriptionRegistry) SendToRoles(patientID string, roles []string, payload interface{}) {
	message, err := json.Marshal(payload)
	if err != nil {
		logrus.Errorf("Registry: failed to marshal payload: %v", err)
		return
	}

	// Snapshot matching sinks under the read lock, deliver outside it so a
	// slow transport cannot hold up subscription changes.
	r.mu.RLock()
	targets := make(map[string]Sink)
	for _, scope := range []string{normalizePatientScope(patientID), WildcardScope} {
		byRole, ok := r.subs[scope]
		if !ok {
			continue
		}
		for _, role := range roles {
			for id, sink := range byRole[role] {
				targets[id] = sink
			}
		}
	}
	r.mu.RUnlock()

	var broken []Sink
	for _, sink := range targets {
		if err := sink.Send(message); err != nil {
			logrus.Warnf("Registry: delivery to sink %s failed, evicting: %v", sink.ID(), err)
			broken = append(broken, sink)
		}
	}
	if len(broken) > 0 {
		r.mu.Lock()
		for _, sink := range broken {
			r.removeLocked(sink.ID())
		}
		r.mu.Unlock()
	}
}

// Stats returns the number of registered handles per patient scope.
func (r *SubscriptionRegistry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make(map[string]int, len(r.subs))
	for scope, byRole := range r.subs {
		seen := make(map[string]bool)
		for _, byID := range byRole {
			for id := range byID {
				seen[id] = true
			}
		}
		stats[scope] = len(seen)
	}
	return stats
}

// HandleCount returns the number of distinct registered sinks.
func (r *SubscriptionRegistry) HandleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

func normalizePatientScope(scope string) string {
	trimmed := strings.TrimSpace(scope)
	if trimmed == "" {
		return WildcardScope
	}
	switch strings.ToLower(trimmed) {
	case "*", "all":
		return WildcardScope
	}
	return trimmed
}
