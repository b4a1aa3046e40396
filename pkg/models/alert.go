package models

import (
	"time"
)

// Alert event types carried in the payload "event" field
const (
	EventAlert             = "alert"
	EventAlertEscalated    = "alert_escalated"
	EventAlertAcknowledged = "alert_acknowledged"
)

// AlertPayload is the outbound notification for a triggered or escalated
// alert. Field names are part of the wire contract consumed by mobile and
// dashboard clients; do not rename.
type AlertPayload struct {
	Event        string                 `json:"event"`
	AlertID      string                 `json:"alertId"`
	Tier         string                 `json:"tier"`
	PatientID    string                 `json:"patientId"`
	VitalType    string                 `json:"vitalType"`
	VitalsWindow []float64              `json:"vitalsWindow"` // Oldest to newest
	Threshold    Threshold              `json:"threshold"`
	Reasons      []string               `json:"reasons"`
	Recipients   []string               `json:"recipients"`
	Timestamp    time.Time              `json:"timestamp"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// AckPayload is the outbound notification broadcast after a successful
// acknowledgment
type AckPayload struct {
	Event          string    `json:"event"`
	AlertID        string    `json:"alertId"`
	PatientID      string    `json:"patientId"`
	Tier           string    `json:"tier"`
	Timestamp      time.Time `json:"timestamp"`
	AcknowledgedBy string    `json:"acknowledgedBy"`
	Status         string    `json:"status,omitempty"`
	Note           string    `json:"note,omitempty"`
}

// AcknowledgeRequest is the HTTP request body for acknowledging an alert
type AcknowledgeRequest struct {
	Status string `json:"status,omitempty"`
	Note   string `json:"note,omitempty"`
}

// AlertRecord is a persisted trace of a dispatched alert lifecycle event,
// kept for history queries and audits.
type AlertRecord struct {
	AlertID   string    `json:"alertId"`
	PatientID string    `json:"patientId"`
	Event     string    `json:"event"`
	Tier      string    `json:"tier"`
	VitalType string    `json:"vitalType,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   string    `json:"payload"` // JSON string of the full outbound payload
}
