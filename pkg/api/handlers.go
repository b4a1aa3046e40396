package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/caresignal/vitals-alert-gateway/pkg/directory"
	"github.com/caresignal/vitals-alert-gateway/pkg/ingest"
	"github.com/caresignal/vitals-alert-gateway/pkg/models"
	"github.com/caresignal/vitals-alert-gateway/pkg/services"
	"github.com/caresignal/vitals-alert-gateway/pkg/vitalstore"
)

// Handler handles HTTP API requests
type Handler struct {
	rules     *models.RuleSet
	alerts    *services.AlertService
	registry  *services.SubscriptionRegistry
	processor *ingest.Processor
	store     vitalstore.Store             // Optional
	caregiver directory.CaregiverDirectory // Optional
}

// NewHandler creates a new API handler
func NewHandler(rules *models.RuleSet, alerts *services.AlertService, registry *services.SubscriptionRegistry, processor *ingest.Processor, store vitalstore.Store, caregivers directory.CaregiverDirectory) *Handler {
	return &Handler{
		rules:     rules,
		alerts:    alerts,
		registry:  registry,
		processor: processor,
		store:     store,
		caregiver: caregivers,
	}
}

// requestIdentity returns the caller's user ID and roles from the gateway
// headers. Authentication happens at the edge proxy; by the time a request
// reaches this service the headers are trusted.
func requestIdentity(c echo.Context) (string, []string) {
	userID := strings.TrimSpace(c.Request().Header.Get("X-User-ID"))
	var roles []string
	for _, role := range strings.Split(c.Request().Header.Get("X-User-Roles"), ",") {
		role = strings.TrimSpace(role)
		if role != "" {
			roles = append(roles, role)
		}
	}
	return userID, roles
}

// scopeError maps scope resolution failures onto HTTP statuses.
func scopeError(c echo.Context, err error) error {
	status := http.StatusBadRequest
	if errors.Is(err, services.ErrRoleNotHeld) || errors.Is(err, services.ErrWildcardForbidden) {
		status = http.StatusForbidden
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// IngestVital accepts one vital reading over HTTP
func (h *Handler) IngestVital(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Failed to read request body"})
	}

	reading, err := ingest.DecodeReading(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if reading.PatientID == "" {
		// Devices posting on their own behalf omit the patient ID; the
		// gateway identity fills it in.
		userID, _ := requestIdentity(c)
		reading.PatientID = userID
	}
	if err := h.processor.Process(c.Request().Context(), reading, body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	// Evaluation already happened; 202 tells the device the reading was
	// taken, not that an alert did or did not fire.
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

// BulkIngestVitals accepts a batch of readings in one request. Mobile clients
// buffer while offline and flush the backlog on reconnect; one bad entry must
// not sink the rest of the batch, so malformed entries are skipped and
// counted instead of rejected.
func (h *Handler) BulkIngestVitals(c echo.Context) error {
	var batch struct {
		Vitals []json.RawMessage `json:"vitals"`
	}
	if err := c.Bind(&batch); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request format"})
	}

	userID, _ := requestIdentity(c)
	accepted, skipped := 0, 0
	for _, raw := range batch.Vitals {
		reading, err := ingest.DecodeReading(raw)
		if err != nil {
			skipped++
			continue
		}
		if reading.PatientID == "" {
			reading.PatientID = userID
		}
		if err := h.processor.Process(c.Request().Context(), reading, raw); err != nil {
			skipped++
			continue
		}
		accepted++
	}

	if skipped > 0 {
		logrus.Warnf("Bulk ingest skipped %d of %d readings", skipped, len(batch.Vitals))
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"status":   "accepted",
		"accepted": accepted,
		"skipped":  skipped,
	})
}

// AcknowledgeAlert acknowledges a pending alert over HTTP. WebSocket clients
// ack in-band; this endpoint serves SSE and plain REST clients.
func (h *Handler) AcknowledgeAlert(c echo.Context) error {
	alertID := c.Param("id")
	userID, roles := requestIdentity(c)

	patientID := c.QueryParam("patient_id")
	if patientID == "" {
		patientID = userID
	}

	var req models.AcknowledgeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request format"})
	}

	role := "patient"
	if userID != patientID {
		role = ""
		if len(roles) > 0 {
			role = roles[0]
		}
	}

	if !h.alerts.Acknowledge(alertID, patientID, role, req.Status, req.Note) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": fmt.Sprintf("Alert with ID %s not found", alertID)})
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Alert acknowledged successfully"})
}

// GetRules returns the active rule set
func (h *Handler) GetRules(c echo.Context) error {
	return c.JSON(http.StatusOK, h.rules)
}

// GetVitalRule returns the rule for one vital type
func (h *Handler) GetVitalRule(c echo.Context) error {
	vital := services.NormalizeVitalKey(c.Param("vital"), c.QueryParam("unit"))
	rule, ok := h.rules.VitalRuleFor(vital)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": fmt.Sprintf("No rule for vital type %s", vital)})
	}
	return c.JSON(http.StatusOK, rule)
}

// GetVitalsHistory returns recent readings for a patient
func (h *Handler) GetVitalsHistory(c echo.Context) error {
	if h.store == nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "History storage is not configured"})
	}
	patientID := c.Param("patientId")
	vitalKey := ""
	if vitalType := c.QueryParam("type"); vitalType != "" {
		vitalKey = services.NormalizeVitalKey(vitalType, "")
	}

	records, err := h.store.RecentVitals(c.Request().Context(), patientID, vitalKey, parseLimit(c.QueryParam("limit")))
	if err != nil {
		logrus.Errorf("Error getting vitals history for %s: %v", patientID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to get vitals history"})
	}
	return c.JSON(http.StatusOK, records)
}

// GetAlertHistory returns recent alert lifecycle events for a patient
func (h *Handler) GetAlertHistory(c echo.Context) error {
	if h.store == nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "History storage is not configured"})
	}
	patientID := c.Param("patientId")

	records, err := h.store.AlertHistory(c.Request().Context(), patientID, parseLimit(c.QueryParam("limit")))
	if err != nil {
		logrus.Errorf("Error getting alert history for %s: %v", patientID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to get alert history"})
	}
	return c.JSON(http.StatusOK, records)
}

// Health reports liveness plus a few gauge values useful on a dashboard
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"subscriptions": h.registry.HandleCount(),
		"pendingAlerts": h.alerts.PendingCount(),
	})
}

// DebugSubscribers lists live subscription counts per patient scope
func (h *Handler) DebugSubscribers(c echo.Context) error {
	return c.JSON(http.StatusOK, h.registry.Stats())
}

func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	if limit > 1000 {
		limit = 1000
	}
	return limit
}

// SetupRoutes sets up the API routes
func (h *Handler) SetupRoutes(e *echo.Echo) {
	// Ingestion endpoints
	e.POST("/api/vitals", h.IngestVital)
	e.POST("/api/vitals/bulk", h.BulkIngestVitals)
	e.GET("/api/vitals/ws/mobile", h.MobileVitalsWS)

	// Alert subscription and acknowledgment endpoints
	e.GET("/api/alerts/ws", h.AlertsWS)
	e.GET("/api/alerts/stream", h.AlertsSSE)
	e.GET("/api/alerts/caregiver/stream", h.CaregiverAlertsSSE)
	e.POST("/api/alerts/:id/acknowledge", h.AcknowledgeAlert)

	// Rule endpoints
	e.GET("/api/rules", h.GetRules)
	e.GET("/api/rules/:vital", h.GetVitalRule)

	// History endpoints
	e.GET("/api/vitals/:patientId", h.GetVitalsHistory)
	e.GET("/api/alerts/history/:patientId", h.GetAlertHistory)

	// Health and diagnostics
	e.GET("/health", h.Health)
	e.GET("/debug/subscribers", h.DebugSubscribers)
}
