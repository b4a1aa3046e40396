package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultPatientCount = 5
	defaultIntervalMs   = 1000 // 1 second
)

// VitalReading is the ingestion payload accepted by POST /api/vitals
type VitalReading struct {
	PatientID string    `json:"patientId"`
	Type      string    `json:"type"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertRecord mirrors the gateway's alert history entries
type AlertRecord struct {
	AlertID   string    `json:"alertId"`
	PatientID string    `json:"patientId"`
	Event     string    `json:"event"`
	Tier      string    `json:"tier"`
	VitalType string    `json:"vitalType,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// anomalyEpisode keeps one patient's heart rate out of range for a run of
// consecutive samples. The gateway only raises an alert after several
// breaching samples in a row, so a single spike would never trip a tier.
type anomalyEpisode struct {
	value     float64
	remaining int
}

func main() {
	// Initialize random number generator
	rand.Seed(time.Now().UnixNano())

	// Get configuration from environment variables
	gatewayURL := getEnv("ALERT_GATEWAY_URL", "http://localhost:8080")
	patientCount, _ := strconv.Atoi(getEnv("PATIENT_COUNT", fmt.Sprintf("%d", defaultPatientCount)))
	intervalMs, _ := strconv.Atoi(getEnv("INTERVAL_MS", fmt.Sprintf("%d", defaultIntervalMs)))
	runLength, _ := strconv.Atoi(getEnv("ANOMALY_RUN_LENGTH", "4"))
	watchAlerts, _ := strconv.ParseBool(getEnv("WATCH_ALERTS", "true"))
	watchIntervalSec, _ := strconv.Atoi(getEnv("ALERT_CHECK_INTERVAL_SEC", "10"))

	client := &http.Client{Timeout: 10 * time.Second}

	// Wait for the gateway before generating traffic
	waitForGateway(client, gatewayURL)

	patients := make([]string, patientCount)
	for i := range patients {
		patients[i] = fmt.Sprintf("patient_%d", i+1)
	}

	logrus.Infof("Starting vitals generation for %d patients, sending data every %d ms",
		patientCount, intervalMs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start alert watching in a separate goroutine if enabled
	if watchAlerts {
		go watchAlertHistory(ctx, client, gatewayURL, patients, time.Duration(watchIntervalSec)*time.Second)
	}

	episodes := make(map[string]*anomalyEpisode)

	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ticker.C:
			tick++
			// Generate and send a heart rate sample for each patient
			for _, patientID := range patients {
				reading := generateHeartRate(patientID)

				// A running episode overrides the normal value until the
				// breaching run is long enough to raise an alert.
				if ep, ok := episodes[patientID]; ok {
					reading.Value = jitter(ep.value, 3.0)
					ep.remaining--
					logrus.Warnf("🔥 Sent anomaly data: %s - %.1f bpm (%d more in run, should trigger alert)",
						patientID, reading.Value, ep.remaining)
					if ep.remaining <= 0 {
						delete(episodes, patientID)
					}
				} else if rand.Intn(60) == 0 {
					episodes[patientID] = newAnomalyEpisode(patientID, runLength)
				}

				if err := sendVitalReading(ctx, client, gatewayURL, reading); err != nil {
					logrus.Errorf("Error sending data: %v", err)
				}

				// A slower SpO2 series rides along. No alert rule covers it
				// by default, so it lands in history without triggering.
				if tick%5 == 0 {
					spo2 := VitalReading{
						PatientID: patientID,
						Type:      "spo2",
						Value:     jitter(97.0, 1.5),
						Unit:      "%",
						Timestamp: time.Now(),
					}
					if err := sendVitalReading(ctx, client, gatewayURL, spo2); err != nil {
						logrus.Errorf("Error sending data: %v", err)
					}
				}
			}
		}
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// waitForGateway polls the gateway health endpoint until it answers
func waitForGateway(client *http.Client, gatewayURL string) {
	logrus.Infof("Connecting simulator to alert gateway at %s", gatewayURL)

	var lastErr error
	for i := 0; i < 10; i++ {
		resp, err := client.Get(gatewayURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				logrus.Info("Connected to alert gateway")
				return
			}
			lastErr = fmt.Errorf("health check returned status %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		logrus.Warnf("Failed to reach alert gateway (attempt %d/10): %v", i+1, lastErr)
		time.Sleep(3 * time.Second)
	}

	logrus.Fatalf("Failed to reach alert gateway: %v", lastErr)
}

// generateHeartRate generates a realistic resting heart rate for a patient
func generateHeartRate(patientID string) VitalReading {
	// Base rate is 62-78 bpm, with some variation based on patient ID
	patientNum, _ := strconv.Atoi(patientID[8:])
	baseRate := 62.0 + float64((patientNum*4)%17)

	return VitalReading{
		PatientID: patientID,
		Type:      "heart_rate",
		Value:     jitter(baseRate, 2.5),
		Unit:      "bpm",
		Timestamp: time.Now(),
	}
}

// newAnomalyEpisode picks an out-of-range heart rate for a breaching run.
// patient_1 only drifts slightly above range so the lowest tier fires; the
// others swing far enough for the moderate and critical tiers.
func newAnomalyEpisode(patientID string, runLength int) *anomalyEpisode {
	patientNum, _ := strconv.Atoi(patientID[8:])
	var value float64

	if patientNum == 1 {
		// Slightly elevated, 124-136 bpm
		value = 124.0 + rand.Float64()*12.0
	} else if rand.Intn(2) == 0 {
		// Tachycardia, 145-195 bpm
		value = 145.0 + rand.Float64()*50.0
	} else {
		// Bradycardia, 34-48 bpm
		value = 34.0 + rand.Float64()*14.0
	}

	if runLength < 1 {
		runLength = 1
	}
	return &anomalyEpisode{value: value, remaining: runLength}
}

// jitter adds uniform noise of +/- spread around a base value
func jitter(base, spread float64) float64 {
	return base + rand.Float64()*2.0*spread - spread
}

// sendVitalReading posts a single reading to the gateway ingestion endpoint
func sendVitalReading(ctx context.Context, client *http.Client, gatewayURL string, reading VitalReading) error {
	data, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayURL+"/api/vitals", bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post reading: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ingestion returned status %d", resp.StatusCode)
	}
	return nil
}

// watchAlertHistory polls each patient's alert history and reports new events
func watchAlertHistory(ctx context.Context, client *http.Client, gatewayURL string, patients []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Track which lifecycle events have been seen
	seen := make(map[string]bool)

	logrus.Info("Starting alert monitoring...")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, patientID := range patients {
				resp, err := client.Get(fmt.Sprintf("%s/api/alerts/history/%s?limit=50", gatewayURL, patientID))
				if err != nil {
					logrus.Errorf("Failed to get alert history for %s: %v", patientID, err)
					continue
				}

				if resp.StatusCode != http.StatusOK {
					logrus.Errorf("Failed to get alert history for %s, status: %d", patientID, resp.StatusCode)
					resp.Body.Close()
					continue
				}

				var records []AlertRecord
				if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
					logrus.Errorf("Failed to decode alert history: %v", err)
					resp.Body.Close()
					continue
				}
				resp.Body.Close()

				for _, record := range records {
					key := record.AlertID + "/" + record.Event
					if seen[key] {
						continue
					}
					seen[key] = true

					// Display the new event with pretty formatting
					logrus.Infof("🔔 NEW ALERT EVENT:\n"+
						"  ID:        %s\n"+
						"  Event:     %s\n"+
						"  Patient:   %s\n"+
						"  Tier:      %s\n"+
						"  Vital:     %s\n"+
						"  Timestamp: %s\n",
						record.AlertID,
						record.Event,
						record.PatientID,
						record.Tier,
						record.VitalType,
						record.Timestamp.Format(time.RFC3339),
					)

					// Randomly acknowledge some fresh alerts as the patient
					if record.Event == "alert" && rand.Intn(3) == 0 {
						go acknowledgeAlert(client, gatewayURL, record.AlertID, record.PatientID)
					}
				}
			}
		}
	}
}

// acknowledgeAlert acknowledges an alert with the API as the patient it
// belongs to
func acknowledgeAlert(client *http.Client, gatewayURL, alertID, patientID string) {
	ackData := map[string]string{
		"status": "ok",
		"note":   "Auto-acknowledged by simulator",
	}

	data, err := json.Marshal(ackData)
	if err != nil {
		logrus.Errorf("Failed to marshal acknowledge data: %v", err)
		return
	}

	ackURL := fmt.Sprintf("%s/api/alerts/%s/acknowledge", gatewayURL, alertID)
	req, err := http.NewRequest(http.MethodPost, ackURL, bytes.NewBuffer(data))
	if err != nil {
		logrus.Errorf("Failed to build acknowledge request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", patientID)
	req.Header.Set("X-User-Role", "patient")

	resp, err := client.Do(req)
	if err != nil {
		logrus.Errorf("Failed to acknowledge alert %s: %v", alertID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		logrus.Infof("✅ Successfully acknowledged alert %s", alertID)
	} else if resp.StatusCode == http.StatusNotFound {
		// Escalated or already acknowledged alerts are closed to acks
		logrus.Warnf("Alert %s is no longer open", alertID)
	} else {
		logrus.Errorf("Failed to acknowledge alert %s, status: %d", alertID, resp.StatusCode)
	}
}
