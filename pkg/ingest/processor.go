// Package ingest pulls vital readings in from the transports devices publish
// on and hands them to the alert pipeline. Every path (HTTP, WebSocket, MQTT,
// Kafka) decodes into the same models.VitalReading and funnels through one
// Processor, so decision semantics cannot drift between transports.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caresignal/vitals-alert-gateway/pkg/models"
	"github.com/caresignal/vitals-alert-gateway/pkg/services"
	"github.com/caresignal/vitals-alert-gateway/pkg/vitalstore"
)

// DecodeReading parses one JSON reading off the wire. The patient ID is not
// validated here because some transports carry it out of band (MQTT topic,
// Kafka key); Process enforces it once the sources have been merged.
func DecodeReading(payload []byte) (*models.VitalReading, error) {
	var reading models.VitalReading
	if err := json.Unmarshal(payload, &reading); err != nil {
		return nil, fmt.Errorf("malformed reading: %w", err)
	}
	if strings.TrimSpace(reading.Type) == "" {
		return nil, fmt.Errorf("reading missing type")
	}
	return &reading, nil
}

// DecodeMobileReading parses readings off the mobile stream, which mixes
// plain readings with ECG frames. An ECG frame carries its derived heart rate
// in a separate bpm field; that value is promoted into the reading so the
// frame is evaluated and stored as heart rate. ECG frames without a bpm are
// waveform-only and keep a nil value, which the pipeline drops downstream.
func DecodeMobileReading(payload []byte) (*models.VitalReading, error) {
	var frame struct {
		models.VitalReading
		BPM *float64 `json:"bpm"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("malformed reading: %w", err)
	}
	if strings.TrimSpace(frame.Type) == "" {
		return nil, fmt.Errorf("reading missing type")
	}

	reading := frame.VitalReading
	if strings.EqualFold(strings.TrimSpace(reading.Type), "ecg") {
		if frame.BPM != nil {
			reading.Value = *frame.BPM
		}
		if reading.Unit == "" {
			reading.Unit = "bpm"
		}
	}
	return &reading, nil
}

// Processor feeds readings into the decision pipeline and persists them.
type Processor struct {
	alerts *services.AlertService
	store  vitalstore.Store // Optional
}

func NewProcessor(alerts *services.AlertService, store vitalstore.Store) *Processor {
	return &Processor{alerts: alerts, store: store}
}

// Process runs one reading through threshold evaluation and appends it to the
// vitals store. Persistence is best effort: a store failure is logged and the
// alert path is unaffected. The returned error only ever means the reading
// itself was unusable.
func (p *Processor) Process(ctx context.Context, reading *models.VitalReading, raw []byte) error {
	if strings.TrimSpace(reading.PatientID) == "" {
		return fmt.Errorf("reading missing patientId")
	}

	timestamp := time.Now().UTC()
	if reading.Timestamp != nil && !reading.Timestamp.IsZero() {
		timestamp = reading.Timestamp.UTC()
	}

	p.alerts.ProcessVital(reading.PatientID, reading.Type, reading.Value, reading.Unit, timestamp, string(raw))

	if p.store == nil {
		return nil
	}
	value, ok := services.CoerceValue(reading.Value)
	if !ok {
		// Non-numeric readings are dropped from history as well
		return nil
	}
	record := models.VitalRecord{
		PatientID: reading.PatientID,
		VitalKey:  services.NormalizeVitalKey(reading.Type, reading.Unit),
		Value:     value,
		Unit:      reading.Unit,
		Timestamp: timestamp,
	}
	if err := p.store.AppendVital(ctx, record); err != nil {
		logrus.Warnf("Failed to persist vital for patient %s: %v", reading.PatientID, err)
	}
	return nil
}
