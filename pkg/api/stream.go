package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/caresignal/vitals-alert-gateway/pkg/services"
)

const (
	// sseQueueSize bounds each SSE subscriber's delivery queue; a stalled
	// client drops messages instead of stalling dispatch.
	sseQueueSize = 100

	keepaliveInterval = 30 * time.Second
)

// AlertsSSE streams alert payloads for one patient scope as server-sent
// events. Dashboards and other environments where WebSockets are awkward
// subscribe here and acknowledge over the HTTP endpoint.
func (h *Handler) AlertsSSE(c echo.Context) error {
	userID, userRoles := requestIdentity(c)

	role, scope, err := services.ResolveScope(userID, userRoles, c.QueryParam("role"), c.QueryParam("patient_id"))
	if err != nil {
		return scopeError(c, err)
	}

	return h.streamToScopes(c, role, []string{scope})
}

// CaregiverAlertsSSE streams alerts for every patient assigned to the
// calling caregiver. The roster comes from the caregiver directory; each
// assignment still goes through scope resolution so the role checks cannot
// be bypassed by a stale roster entry.
func (h *Handler) CaregiverAlertsSSE(c echo.Context) error {
	if h.caregiver == nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "Caregiver directory is not configured"})
	}

	userID, userRoles := requestIdentity(c)
	if userID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "X-User-ID header is required"})
	}

	patients, err := h.caregiver.PatientsFor(c.Request().Context(), userID)
	if err != nil {
		logrus.Errorf("Error resolving caregiver roster for %s: %v", userID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to resolve caregiver roster"})
	}

	scopes := make([]string, 0, len(patients))
	for _, patientID := range patients {
		_, scope, err := services.ResolveScope(userID, userRoles, "caregiver", patientID)
		if err != nil {
			return scopeError(c, err)
		}
		scopes = append(scopes, scope)
	}

	return h.streamToScopes(c, "caregiver", scopes)
}

func (h *Handler) streamToScopes(c echo.Context, role string, scopes []string) error {
	response := c.Response()
	response.Header().Set(echo.HeaderContentType, "text/event-stream")
	response.Header().Set("Cache-Control", "no-cache")
	response.Header().Set("Connection", "keep-alive")
	response.Header().Set("X-Accel-Buffering", "no")
	response.WriteHeader(http.StatusOK)
	response.Flush()

	sink := services.NewQueueSink(sseQueueSize)
	h.registry.SubscribeForPatients(sink, role, scopes)
	defer h.registry.Unsubscribe(sink)

	logrus.Infof("SSE subscriber connected (role=%s scopes=%v)", role, scopes)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			logrus.Debugf("SSE subscriber disconnected (role=%s)", role)
			return nil
		case message := <-sink.Messages():
			if _, err := fmt.Fprintf(response, "data: %s\n\n", message); err != nil {
				return nil
			}
			response.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(response, ": keepalive\n\n"); err != nil {
				return nil
			}
			response.Flush()
		}
	}
}
