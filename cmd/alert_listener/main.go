package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func main() {
	// Setup logging
	logrus.SetLevel(logrus.InfoLevel)
	logrus.SetOutput(os.Stdout)

	gatewayURL := getEnv("ALERT_GATEWAY_URL", "http://localhost:8080")
	role := getEnv("LISTEN_ROLE", "caregiver")
	userID := getEnv("LISTEN_USER_ID", "listener-1")
	roles := getEnv("LISTEN_ROLES", role)
	patientID := getEnv("LISTEN_PATIENT_ID", "")

	wsURL, err := feedURL(gatewayURL, role, patientID)
	if err != nil {
		logrus.Fatalf("Invalid gateway URL: %v", err)
	}

	header := http.Header{}
	header.Set("X-User-ID", userID)
	header.Set("X-User-Roles", roles)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		if resp != nil {
			logrus.Fatalf("Failed to connect to alert feed (status %d): %v", resp.StatusCode, err)
		}
		logrus.Fatalf("Failed to connect to alert feed: %v", err)
	}
	defer conn.Close()

	fmt.Printf("Connected to %s as %s (role %s)\n", wsURL, userID, role)
	fmt.Println("Waiting for alert events. Press Ctrl+C to stop.")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	events := make(chan map[string]interface{})
	go func() {
		defer close(events)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				logrus.Errorf("Connection closed: %v", err)
				return
			}
			var event map[string]interface{}
			if err := json.Unmarshal(message, &event); err != nil {
				logrus.Warnf("Skipping non-JSON frame: %v", err)
				continue
			}
			events <- event
		}
	}()

	count := 0
	for {
		select {
		case event, ok := <-events:
			if !ok {
				fmt.Printf("\nFeed closed after %d events.\n", count)
				return
			}
			count++
			printEvent(count, event)
		case <-interrupt:
			fmt.Printf("\nStopping after %d events.\n", count)
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// feedURL builds the websocket URL for the alert feed from the gateway's
// HTTP base URL
func feedURL(gatewayURL, role, patientID string) (string, error) {
	base, err := url.Parse(gatewayURL)
	if err != nil {
		return "", err
	}

	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/api/alerts/ws"

	query := base.Query()
	query.Set("role", role)
	if patientID != "" {
		query.Set("patient_id", patientID)
	}
	base.RawQuery = query.Encode()

	return base.String(), nil
}

// printEvent renders one alert feed event to the console
func printEvent(count int, event map[string]interface{}) {
	kind, _ := event["event"].(string)

	switch kind {
	case "alert":
		fmt.Printf("\n=== Event %d: 🔔 ALERT ===\n", count)
	case "alert_escalated":
		fmt.Printf("\n=== Event %d: 📢 ESCALATED ===\n", count)
	case "alert_acknowledged":
		fmt.Printf("\n=== Event %d: ✅ ACKNOWLEDGED ===\n", count)
	default:
		fmt.Printf("\n=== Event %d: %s ===\n", count, kind)
	}

	fmt.Printf("  Alert:   %v\n", event["alertId"])
	fmt.Printf("  Patient: %v\n", event["patientId"])
	fmt.Printf("  Tier:    %v\n", event["tier"])
	if vital, ok := event["vitalType"]; ok && vital != nil {
		fmt.Printf("  Vital:   %v\n", vital)
	}
	if window, ok := event["vitalsWindow"].([]interface{}); ok {
		fmt.Printf("  Window:  %v\n", window)
	}
	if by, ok := event["acknowledgedBy"]; ok && by != nil {
		fmt.Printf("  By:      %v\n", by)
	}

	raw, err := json.Marshal(event)
	if err == nil {
		fmt.Printf("  Raw:     %s\n", raw)
	}
}
