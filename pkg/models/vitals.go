package models

import (
	"time"
)

// Sample is one vital-sign measurement inside a window
type Sample struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// VitalReading is the inbound wire format shared by every ingestion path
// (HTTP, WebSocket, MQTT, Kafka). Value stays untyped because devices send
// numbers, quoted numbers, and occasionally garbage; coercion happens in the
// decision engine.
type VitalReading struct {
	PatientID string      `json:"patientId"`
	Type      string      `json:"type"`
	Value     interface{} `json:"value"`
	Unit      string      `json:"unit,omitempty"`
	Timestamp *time.Time  `json:"timestamp,omitempty"`
}

// VitalRecord is a persisted reading after normalization
type VitalRecord struct {
	PatientID string    `json:"patientId"`
	VitalKey  string    `json:"vitalKey"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
