// Package e2e exercises the gateway end to end: a real HTTP server with
// WebSocket and SSE subscribers on one side, vital readings flowing in on the
// other, and the full decision, escalation and fan-out pipeline in between.
package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/caresignal/vitals-alert-gateway/pkg/api"
	"github.com/caresignal/vitals-alert-gateway/pkg/config"
	"github.com/caresignal/vitals-alert-gateway/pkg/directory"
	"github.com/caresignal/vitals-alert-gateway/pkg/ingest"
	"github.com/caresignal/vitals-alert-gateway/pkg/models"
	"github.com/caresignal/vitals-alert-gateway/pkg/services"
	"github.com/caresignal/vitals-alert-gateway/pkg/vitalstore"
)

// eventWait bounds every read on a subscriber transport
const eventWait = 3 * time.Second

// gateway is a fully wired in-process deployment behind a live test server
type gateway struct {
	server     *httptest.Server
	rules      *models.RuleSet
	alerts     *services.AlertService
	registry   *services.SubscriptionRegistry
	store      *vitalstore.MemoryStore
	caregivers *directory.StaticDirectory
}

// startGateway boots the whole pipeline on an ephemeral port. rules may be
// nil for the built-in defaults.
func startGateway(t *testing.T, rules *models.RuleSet) *gateway {
	t.Helper()
	if rules == nil {
		rules = config.DefaultRuleSet()
	}

	registry := services.NewSubscriptionRegistry()
	engine := services.NewDecisionEngine(rules)
	store := vitalstore.NewMemoryStore()
	alerts := services.NewAlertService(engine, registry, store)
	processor := ingest.NewProcessor(alerts, store)
	caregivers := directory.NewStaticDirectory()

	e := echo.New()
	handler := api.NewHandler(rules, alerts, registry, processor, store, caregivers)
	handler.SetupRoutes(e)

	server := httptest.NewServer(e)
	t.Cleanup(func() {
		server.Close()
		alerts.Close()
	})
	logrus.Infof("Gateway listening at %s", server.URL)

	return &gateway{
		server:     server,
		rules:      rules,
		alerts:     alerts,
		registry:   registry,
		store:      store,
		caregivers: caregivers,
	}
}

// fastEscalationRules shrinks every escalation delay so tests can wait out
// the timer without slowing the suite down.
func fastEscalationRules(delaySeconds float64) *models.RuleSet {
	rules := config.DefaultRuleSet()
	for i := range rules.Tiers {
		rules.Tiers[i].EscalationDelaySeconds = delaySeconds
	}
	return rules
}

// postVital sends one heart rate reading through the HTTP ingest endpoint
func (g *gateway) postVital(t *testing.T, patientID string, value float64) {
	t.Helper()
	body := fmt.Sprintf(`{"patientId":%q,"type":"heart_rate","value":%g}`, patientID, value)
	resp, err := g.server.Client().Post(g.server.URL+"/api/vitals", "application/json", strings.NewReader(body))
	require.NoError(t, err, "Failed to post vital reading")
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

// sustainedBreach posts enough consecutive breaching readings to trip every
// tier's run requirement
func (g *gateway) sustainedBreach(t *testing.T, patientID string, value float64) {
	t.Helper()
	for i := 0; i < g.rules.MaxRunLength(); i++ {
		g.postVital(t, patientID, value)
	}
}

// ackAlert acknowledges an alert over HTTP as the given user and returns the
// response status
func (g *gateway) ackAlert(t *testing.T, alertID, userID string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost,
		g.server.URL+"/api/alerts/"+alertID+"/acknowledge",
		strings.NewReader(`{"status":"ok"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", userID)

	resp, err := g.server.Client().Do(req)
	require.NoError(t, err, "Failed to post acknowledgment")
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

// waitForSubscribers blocks until the registry holds at least count handles,
// closing the race between opening a transport and the first dispatch
func (g *gateway) waitForSubscribers(t *testing.T, count int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return g.registry.HandleCount() >= count
	}, eventWait, 10*time.Millisecond, "subscriber never registered")
}

// dialAlertWS opens the alert WebSocket feed with the given identity
func (g *gateway) dialAlertWS(t *testing.T, query string, headers http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/api/alerts/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, headers)
	require.NoError(t, err, "WebSocket handshake failed")
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readWSEvent returns the next JSON event from the socket
func readWSEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(eventWait)))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err, "No event arrived on the WebSocket in time")

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(message, &event))
	return event
}

// openSSE subscribes to a server-sent event stream and returns its reader
func (g *gateway) openSSE(t *testing.T, path string, headers http.Header) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.server.URL+path, nil)
	require.NoError(t, err)
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := g.server.Client().Do(req)
	require.NoError(t, err, "Failed to open event stream")
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return bufio.NewReader(resp.Body)
}

// readSSEEvent returns the next data frame from the stream, skipping
// keepalive comments
func readSSEEvent(t *testing.T, reader *bufio.Reader) map[string]interface{} {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err, "Stream closed before a data frame arrived")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &event))
		return event
	}
}
