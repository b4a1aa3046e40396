package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/caresignal/vitals-alert-gateway/pkg/models"
)

// AlertRecorder persists dispatched alert lifecycle events for history
// queries. Recording is best effort; failures are logged and never block or
// fail delivery.
type AlertRecorder interface {
	RecordAlertEvent(ctx context.Context, record models.AlertRecord) error
}

// pendingAlert tracks one dispatched alert awaiting acknowledgment or
// escalation. Owned exclusively by the AlertService; guarded by its mutex.
type pendingAlert struct {
	alertID              string
	patientID            string
	tier                 string
	vitalKey             string
	initialRecipients    []string
	escalationRecipients []string
	acknowledged         bool
	payload              models.AlertPayload // Base payload, reused for the escalation round
}

// AlertService orchestrates the alert pipeline: it evaluates incoming samples
// through the decision engine, fans matched alerts out via the subscription
// registry, arms escalation timers, and processes acknowledgments.
type AlertService struct {
	engine    *DecisionEngine
	registry  *SubscriptionRegistry
	scheduler *EscalationScheduler
	recorder  AlertRecorder // Optional

	mu      sync.RWMutex
	pending map[string]*pendingAlert
}

// NewAlertService wires the delivery pipeline. recorder may be nil when alert
// history persistence is disabled.
func NewAlertService(engine *DecisionEngine, registry *SubscriptionRegistry, recorder AlertRecorder) *AlertService {
	return &AlertService{
		engine:    engine,
		registry:  registry,
		scheduler: NewEscalationScheduler(),
		recorder:  recorder,
		pending:   make(map[string]*pendingAlert),
	}
}

// ProcessVital evaluates one ingested reading and, on a sustained breach,
// dispatches an alert to the matched tier's initial recipients and arms the
// escalation timer. The no-decision path is the overwhelmingly common case
// and returns without any allocation beyond window bookkeeping.
//
// rawContext is the unparsed ingestion body; anything salvageable from its
// context/metadata/age fields is attached to the payload, and anything
// malformed is silently dropped.
func (s *AlertService) ProcessVital(patientID, vitalType string, value interface{}, unit string, timestamp time.Time, rawContext string) {
	decision := s.engine.Evaluate(patientID, vitalType, value, unit, timestamp)
	if decision == nil {
		return
	}

	alertID := uuid.New().String()
	tier := decision.Tier

	windowValues := make([]float64, len(decision.Run))
	for i, sample := range decision.Run {
		windowValues[i] = sample.Value
	}

	payload := models.AlertPayload{
		Event:        models.EventAlert,
		AlertID:      alertID,
		Tier:         tier.Name,
		PatientID:    patientID,
		VitalType:    decision.VitalKey,
		VitalsWindow: windowValues,
		Threshold:    decision.Threshold,
		Reasons:      []string{buildReason(decision.VitalKey, decision.Threshold, len(decision.Run))},
		Recipients:   tier.InitialRecipientRoles,
		Timestamp:    decision.SampleTime,
		Context:      extractContext(rawContext),
	}

	logrus.Infof("Dispatching %s alert %s for patient %s (%s=%g)",
		tier.Name, alertID, patientID, decision.VitalKey, decision.Run[len(decision.Run)-1].Value)

	s.registry.SendToRoles(patientID, tier.InitialRecipientRoles, payload)
	s.record(models.EventAlert, payload)

	if len(tier.EscalationRecipientRoles) == 0 || tier.EscalationDelay() <= 0 {
		return
	}

	p := &pendingAlert{
		alertID:              alertID,
		patientID:            patientID,
		tier:                 tier.Name,
		vitalKey:             decision.VitalKey,
		initialRecipients:    tier.InitialRecipientRoles,
		escalationRecipients: tier.EscalationRecipientRoles,
		payload:              payload,
	}
	s.mu.Lock()
	s.pending[alertID] = p
	s.mu.Unlock()

	s.scheduler.Schedule(alertID, tier.EscalationDelay(), func() {
		s.escalate(alertID)
	})
}

// escalate runs when an escalation timer fires. The acknowledged flag is
// re-checked under the lock: an acknowledgment that slipped in between the
// timer firing and this call still suppresses the escalation round.
func (s *AlertService) escalate(alertID string) {
	s.mu.Lock()
	p, ok := s.pending[alertID]
	if !ok || p.acknowledged {
		s.mu.Unlock()
		return
	}
	delete(s.pending, alertID)
	s.mu.Unlock()

	escalation := p.payload
	escalation.Event = models.EventAlertEscalated
	escalation.Recipients = p.escalationRecipients
	escalation.Timestamp = time.Now().UTC()

	logrus.Warnf("Alert %s for patient %s unacknowledged, escalating to %v",
		alertID, p.patientID, p.escalationRecipients)

	s.registry.SendToRoles(p.patientID, p.escalationRecipients, escalation)
	s.record(models.EventAlertEscalated, escalation)
}

// Acknowledge marks a pending alert acknowledged, cancels its escalation
// timer, and broadcasts the acknowledgment to every initial and escalation
// recipient role. Only the patient role may acknowledge, and only for its own
// patient ID.
//
// The false return is deliberately opaque: an unknown alert, a foreign
// patient ID, an already-acknowledged alert, and a disallowed role all look
// identical, so callers cannot probe for other patients' alerts.
func (s *AlertService) Acknowledge(alertID, patientID, recipientRole, status, note string) bool {
	s.mu.Lock()
	p, ok := s.pending[alertID]
	if !ok || p.patientID != patientID {
		s.mu.Unlock()
		return false
	}
	if recipientRole != "patient" {
		s.mu.Unlock()
		return false
	}
	p.acknowledged = true
	delete(s.pending, alertID)
	s.mu.Unlock()

	s.scheduler.Cancel(alertID)

	ack := models.AckPayload{
		Event:          models.EventAlertAcknowledged,
		AlertID:        alertID,
		PatientID:      patientID,
		Tier:           p.tier,
		Timestamp:      time.Now().UTC(),
		AcknowledgedBy: recipientRole,
		Status:         status,
		Note:           note,
	}

	roles := unionRoles(p.initialRecipients, p.escalationRecipients)
	logrus.Infof("Alert %s acknowledged by %s for patient %s", alertID, recipientRole, patientID)
	s.registry.SendToRoles(patientID, roles, ack)
	s.recordAck(ack, p.vitalKey)
	return true
}

// PendingCount returns the number of alerts awaiting acknowledgment or
// escalation.
func (s *AlertService) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// Close cancels all outstanding escalation timers.
func (s *AlertService) Close() {
	s.scheduler.Close()
}

func (s *AlertService) record(event string, payload models.AlertPayload) {
	if s.recorder == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	record := models.AlertRecord{
		AlertID:   payload.AlertID,
		PatientID: payload.PatientID,
		Event:     event,
		Tier:      payload.Tier,
		VitalType: payload.VitalType,
		Timestamp: payload.Timestamp,
		Payload:   string(body),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.recorder.RecordAlertEvent(ctx, record); err != nil {
			logrus.Warnf("Failed to record %s event for alert %s: %v", event, payload.AlertID, err)
		}
	}()
}

func (s *AlertService) recordAck(ack models.AckPayload, vitalKey string) {
	if s.recorder == nil {
		return
	}
	body, err := json.Marshal(ack)
	if err != nil {
		return
	}
	record := models.AlertRecord{
		AlertID:   ack.AlertID,
		PatientID: ack.PatientID,
		Event:     ack.Event,
		Tier:      ack.Tier,
		VitalType: vitalKey,
		Timestamp: ack.Timestamp,
		Payload:   string(body),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.recorder.RecordAlertEvent(ctx, record); err != nil {
			logrus.Warnf("Failed to record ack for alert %s: %v", ack.AlertID, err)
		}
	}()
}

// buildReason renders the human-readable breach description carried in the
// payload, e.g. "heart_rate outside 40-180 for 3 samples".
func buildReason(vitalKey string, threshold models.Threshold, runLength int) string {
	var bound string
	switch {
	case threshold.Min != nil && threshold.Max != nil:
		bound = fmt.Sprintf("%g-%g", *threshold.Min, *threshold.Max)
	case threshold.Min != nil:
		bound = fmt.Sprintf(">= %g", *threshold.Min)
	case threshold.Max != nil:
		bound = fmt.Sprintf("<= %g", *threshold.Max)
	default:
		bound = "custom bounds"
	}
	return fmt.Sprintf("%s outside %s for %d samples", vitalKey, bound, runLength)
}

// extractContext salvages the context/metadata sub-objects and age field from
// a raw ingestion body. Malformed input yields nil; context is advisory and
// must never block an alert.
func extractContext(rawContext string) map[string]interface{} {
	if rawContext == "" {
		return nil
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(rawContext), &parsed); err != nil {
		return nil
	}

	merged := make(map[string]interface{})
	for _, key := range []string{"context", "metadata"} {
		if sub, ok := parsed[key].(map[string]interface{}); ok {
			for k, v := range sub {
				merged[k] = v
			}
		}
	}
	if age, ok := parsed["age"]; ok {
		merged["age"] = age
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

func unionRoles(a, b []string) []string {
	seen := make(map[string]bool)
	var union []string
	for _, role := range append(append([]string{}, a...), b...) {
		if !seen[role] {
			seen[role] = true
			union = append(union, role)
		}
	}
	return union
}
