package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/caresignal/vitals-alert-gateway/pkg/ingest"
	"github.com/caresignal/vitals-alert-gateway/pkg/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin enforcement happens at the edge proxy
		return true
	},
}

// wsSink adapts one WebSocket connection to the Sink interface. Writes are
// serialized by a mutex; a write failure propagates so the registry evicts
// the dead connection.
type wsSink struct {
	id   string
	mu   sync.Mutex
	conn *websocket.Conn
}

// Ensure wsSink implements Sink
var _ services.Sink = (*wsSink)(nil)

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{id: uuid.New().String(), conn: conn}
}

func (s *wsSink) ID() string {
	return s.id
}

func (s *wsSink) Send(message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, message)
}

func (s *wsSink) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// keepalive pings until the connection dies.
func (s *wsSink) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if err := s.ping(); err != nil {
			return
		}
	}
}

// wsClientMessage is the inbound message shape. Clients in the field send
// both event and type, and both alertId and alert_id; accept all of them.
type wsClientMessage struct {
	Event      string `json:"event"`
	Type       string `json:"type"`
	AlertID    string `json:"alertId"`
	AlertIDAlt string `json:"alert_id"`
	PatientID  string `json:"patientId"`
	Status     string `json:"status"`
	Note       string `json:"note"`
}

// AlertsWS subscribes a WebSocket client to alert payloads for one patient
// scope. Acknowledgments ride the same connection as JSON messages with
// event "ack".
func (h *Handler) AlertsWS(c echo.Context) error {
	userID, userRoles := requestIdentity(c)

	role, scope, err := services.ResolveScope(userID, userRoles, c.QueryParam("role"), c.QueryParam("patient_id"))
	if err != nil {
		return scopeError(c, err)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	sink := newWSSink(conn)
	h.registry.Subscribe(sink, role, scope)
	logrus.Infof("WebSocket subscriber connected (role=%s scope=%s)", role, scope)

	go sink.keepalive()
	go h.readPump(sink, role, scope)
	return nil
}

// readPump consumes inbound messages until the connection closes, handling
// in-band acknowledgments. It owns teardown: on exit the sink is removed
// from the registry and the connection closed.
func (h *Handler) readPump(sink *wsSink, role, scope string) {
	conn := sink.conn
	defer func() {
		h.registry.Unsubscribe(sink)
		conn.Close()
		logrus.Debugf("WebSocket subscriber disconnected (role=%s scope=%s)", role, scope)
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.Debugf("WebSocket read error: %v", err)
			}
			return
		}
		h.handleWSMessage(message, role, scope)
	}
}

func (h *Handler) handleWSMessage(message []byte, role, scope string) {
	var msg wsClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		logrus.Debugf("Ignoring malformed WebSocket message: %v", err)
		return
	}

	event := msg.Event
	if event == "" {
		event = msg.Type
	}
	if event != "ack" {
		return
	}

	alertID := msg.AlertID
	if alertID == "" {
		alertID = msg.AlertIDAlt
	}
	if alertID == "" {
		return
	}

	patientID := msg.PatientID
	if patientID == "" {
		patientID = scope
	}

	if !h.alerts.Acknowledge(alertID, patientID, role, msg.Status, msg.Note) {
		logrus.Debugf("WebSocket ack rejected for alert %s", alertID)
	}
}

// MobileVitalsWS ingests a stream of readings from a patient's mobile app.
// The connection is bound to one patient; patient IDs inside individual
// readings are overridden by the connection scope.
func (h *Handler) MobileVitalsWS(c echo.Context) error {
	patientID := c.QueryParam("patient_id")
	if patientID == "" {
		userID, _ := requestIdentity(c)
		patientID = userID
	}
	if patientID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "patient_id is required"})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	go h.mobileReadPump(conn, patientID)
	return nil
}

func (h *Handler) mobileReadPump(conn *websocket.Conn, patientID string) {
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)
	logrus.Infof("Mobile vitals stream connected for patient %s", patientID)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		reading, err := ingest.DecodeMobileReading(message)
		if err != nil {
			logrus.Debugf("Dropping malformed mobile reading for patient %s: %v", patientID, err)
			continue
		}
		reading.PatientID = patientID

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := h.processor.Process(ctx, reading, message); err != nil {
			logrus.Debugf("Dropping mobile reading for patient %s: %v", patientID, err)
		}
		cancel()
	}
}
