package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caresignal/vitals-alert-gateway/pkg/config"
	"github.com/caresignal/vitals-alert-gateway/pkg/directory"
	"github.com/caresignal/vitals-alert-gateway/pkg/ingest"
	"github.com/caresignal/vitals-alert-gateway/pkg/models"
	"github.com/caresignal/vitals-alert-gateway/pkg/services"
	"github.com/caresignal/vitals-alert-gateway/pkg/vitalstore"
)

// testEnv wires the full in-memory pipeline behind an echo router
type testEnv struct {
	e          *echo.Echo
	rules      *models.RuleSet
	alerts     *services.AlertService
	registry   *services.SubscriptionRegistry
	store      *vitalstore.MemoryStore
	caregivers *directory.StaticDirectory
}

// newTestEnv creates a handler test environment. rules may be nil to use the
// built-in defaults.
func newTestEnv(t *testing.T, rules *models.RuleSet) *testEnv {
	t.Helper()
	if rules == nil {
		rules = config.DefaultRuleSet()
	}
	registry := services.NewSubscriptionRegistry()
	engine := services.NewDecisionEngine(rules)
	store := vitalstore.NewMemoryStore()
	alerts := services.NewAlertService(engine, registry, store)
	t.Cleanup(alerts.Close)
	processor := ingest.NewProcessor(alerts, store)
	caregivers := directory.NewStaticDirectory()

	e := echo.New()
	handler := NewHandler(rules, alerts, registry, processor, store, caregivers)
	handler.SetupRoutes(e)

	return &testEnv{
		e:          e,
		rules:      rules,
		alerts:     alerts,
		registry:   registry,
		store:      store,
		caregivers: caregivers,
	}
}

// request performs one request against the router and returns the recorder
func (env *testEnv) request(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

// captureSink records every payload delivered to it
type captureSink struct {
	id     string
	mu     sync.Mutex
	events []map[string]interface{}
}

func newCaptureSink() *captureSink {
	return &captureSink{id: uuid.New().String()}
}

func (s *captureSink) ID() string {
	return s.id
}

func (s *captureSink) Send(message []byte) error {
	var event map[string]interface{}
	if err := json.Unmarshal(message, &event); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) snapshot() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]interface{}(nil), s.events...)
}

// triggerAlert drives a sustained heart rate breach through the HTTP ingest
// endpoint and returns the dispatched alert ID plus the patient's sink.
func triggerAlert(t *testing.T, env *testEnv, patientID string) (string, *captureSink) {
	t.Helper()
	sink := newCaptureSink()
	env.registry.Subscribe(sink, "patient", patientID)

	for i := 0; i < 3; i++ {
		body := fmt.Sprintf(`{"patientId":%q,"type":"heart_rate","value":190}`, patientID)
		rec := env.request(http.MethodPost, "/api/vitals", body, nil)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	events := sink.snapshot()
	require.Len(t, events, 1, "three sustained breaching samples dispatch one alert")
	assert.Equal(t, "alert", events[0]["event"])
	alertID, _ := events[0]["alertId"].(string)
	require.NotEmpty(t, alertID)
	return alertID, sink
}

func TestIngestVital(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		headers    map[string]string
		wantStatus int
	}{
		{
			name:       "valid reading",
			body:       `{"patientId":"p1","type":"heart_rate","value":72}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "patient from identity header",
			body:       `{"type":"heart_rate","value":72}`,
			headers:    map[string]string{"X-User-ID": "p2"},
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "missing patient and identity",
			body:       `{"type":"heart_rate","value":72}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing type",
			body:       `{"patientId":"p1","value":72}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed json",
			body:       `{"patientId":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			rec := env.request(http.MethodPost, "/api/vitals", tt.body, tt.headers)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestIngestVitalIdentityFallbackPersists(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.request(http.MethodPost, "/api/vitals",
		`{"type":"heart_rate","value":80}`,
		map[string]string{"X-User-ID": "p9"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	records, err := env.store.RecentVitals(context.Background(), "p9", "", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, float64(80), records[0].Value)
}

func TestBulkIngestVitals(t *testing.T) {
	env := newTestEnv(t, nil)

	body := `{"vitals":[
		{"patientId":"p1","type":"heart_rate","value":70},
		{"type":"heart_rate","value":75},
		{"patientId":"p1","value":99},
		{"patientId":"","type":"spo2","value":97}
	]}`
	rec := env.request(http.MethodPost, "/api/vitals/bulk", body, map[string]string{"X-User-ID": "p1"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var response struct {
		Status   string `json:"status"`
		Accepted int    `json:"accepted"`
		Skipped  int    `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "accepted", response.Status)
	assert.Equal(t, 3, response.Accepted, "entries without a patient fall back to the identity header")
	assert.Equal(t, 1, response.Skipped, "the typeless entry is skipped, not fatal")

	records, err := env.store.RecentVitals(context.Background(), "p1", "heart_rate", 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestBulkIngestVitalsRejectsMalformedEnvelope(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.request(http.MethodPost, "/api/vitals/bulk", `{"vitals":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAcknowledgeAlertHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	alertID, sink := triggerAlert(t, env, "p1")

	rec := env.request(http.MethodPost, "/api/alerts/"+alertID+"/acknowledge",
		`{"status":"ok","note":"false alarm"}`,
		map[string]string{"X-User-ID": "p1"})
	require.Equal(t, http.StatusOK, rec.Code)

	events := sink.snapshot()
	require.Len(t, events, 2, "acknowledgment is broadcast back to the patient")
	assert.Equal(t, "alert_acknowledged", events[1]["event"])
	assert.Equal(t, alertID, events[1]["alertId"])
	assert.Equal(t, "patient", events[1]["acknowledgedBy"])
	assert.Equal(t, "false alarm", events[1]["note"])

	assert.Zero(t, env.alerts.PendingCount())
}

func TestAcknowledgeAlertUnknownID(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.request(http.MethodPost, "/api/alerts/no-such-alert/acknowledge", "",
		map[string]string{"X-User-ID": "p1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAcknowledgeAlertForeignCallerRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	alertID, _ := triggerAlert(t, env, "p1")

	tests := []struct {
		name    string
		target  string
		headers map[string]string
	}{
		{
			name:    "caregiver cannot acknowledge",
			target:  "/api/alerts/" + alertID + "/acknowledge?patient_id=p1",
			headers: map[string]string{"X-User-ID": "cg-1", "X-User-Roles": "caregiver"},
		},
		{
			name:    "other patient cannot acknowledge",
			target:  "/api/alerts/" + alertID + "/acknowledge",
			headers: map[string]string{"X-User-ID": "p2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.request(http.MethodPost, tt.target, "", tt.headers)
			// Rejections are indistinguishable from unknown alerts
			assert.Equal(t, http.StatusNotFound, rec.Code)
		})
	}

	assert.Equal(t, 1, env.alerts.PendingCount(), "alert stays pending after rejected acks")
}

func TestGetRules(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.request(http.MethodGet, "/api/rules", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var ruleSet models.RuleSet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ruleSet))
	assert.Len(t, ruleSet.Tiers, 3)
	assert.Contains(t, ruleSet.VitalRules, "heart_rate")
}

func TestGetVitalRule(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("known vital", func(t *testing.T) {
		rec := env.request(http.MethodGet, "/api/rules/heart_rate", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var rule models.VitalRule
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
		assert.Equal(t, "bpm", rule.Unit)
		assert.Contains(t, rule.ThresholdsByTier, "critical")
	})

	t.Run("alias is normalized", func(t *testing.T) {
		rec := env.request(http.MethodGet, "/api/rules/bpm", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unknown vital", func(t *testing.T) {
		rec := env.request(http.MethodGet, "/api/rules/blood_sugar", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestGetVitalsHistory(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 5; i++ {
		body := fmt.Sprintf(`{"patientId":"p1","type":"heart_rate","value":%d}`, 60+i)
		rec := env.request(http.MethodPost, "/api/vitals", body, nil)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := env.request(http.MethodPost, "/api/vitals", `{"patientId":"p1","type":"spo2","value":97}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	t.Run("all vitals", func(t *testing.T) {
		rec := env.request(http.MethodGet, "/api/vitals/p1", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var records []models.VitalRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
		assert.Len(t, records, 6)
	})

	t.Run("filtered by alias", func(t *testing.T) {
		rec := env.request(http.MethodGet, "/api/vitals/p1?type=bpm", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var records []models.VitalRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
		require.Len(t, records, 5)
		for _, record := range records {
			assert.Equal(t, "heart_rate", record.VitalKey)
		}
	})

	t.Run("limited", func(t *testing.T) {
		rec := env.request(http.MethodGet, "/api/vitals/p1?limit=2", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var records []models.VitalRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
		assert.Len(t, records, 2)
	})

	t.Run("unknown patient is empty", func(t *testing.T) {
		rec := env.request(http.MethodGet, "/api/vitals/nobody", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
	})
}

func TestGetAlertHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	alertID, _ := triggerAlert(t, env, "p1")

	// Lifecycle recording is asynchronous
	require.Eventually(t, func() bool {
		records, err := env.store.AlertHistory(context.Background(), "p1", 10)
		return err == nil && len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec := env.request(http.MethodGet, "/api/alerts/history/p1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var records []models.AlertRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, alertID, records[0].AlertID)
	assert.Equal(t, "alert", records[0].Event)
	assert.Equal(t, "critical", records[0].Tier)
}

func TestHistoryEndpointsWithoutStore(t *testing.T) {
	rules := config.DefaultRuleSet()
	registry := services.NewSubscriptionRegistry()
	alerts := services.NewAlertService(services.NewDecisionEngine(rules), registry, nil)
	t.Cleanup(alerts.Close)

	e := echo.New()
	handler := NewHandler(rules, alerts, registry, ingest.NewProcessor(alerts, nil), nil, nil)
	handler.SetupRoutes(e)

	for _, target := range []string{"/api/vitals/p1", "/api/alerts/history/p1"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotImplemented, rec.Code, target)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.Subscribe(newCaptureSink(), "patient", "p1")

	rec := env.request(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(1), health["subscriptions"])
	assert.Equal(t, float64(0), health["pendingAlerts"])
}

func TestDebugSubscribers(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.Subscribe(newCaptureSink(), "patient", "p1")
	env.registry.Subscribe(newCaptureSink(), "caregiver", "p1")

	rec := env.request(http.MethodGet, "/debug/subscribers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats["p1"])
}
