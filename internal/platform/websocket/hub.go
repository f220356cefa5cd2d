// Package websocket streams lab events to connected dashboards. Clients
// subscribe to topics within their own tenant and receive critical-value
// alerts as they are detected.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carepoint/backoffice/internal/platform/auth"
	"github.com/carepoint/backoffice/internal/platform/db"
	"github.com/carepoint/backoffice/internal/platform/notification"
	"github.com/carepoint/backoffice/pkg/labinterp"
)

const (
	EventCriticalValue = "lab.critical_value"

	// TopicCritical receives every critical value in the tenant.
	TopicCritical = "critical"
)

// PatientTopic is the topic carrying events for one patient.
func PatientTopic(patientRef string) string {
	return "patient:" + patientRef
}

// Event is the message pushed to subscribed clients.
type Event struct {
	Type       string          `json:"type"`
	Topic      string          `json:"topic"`
	ReportID   string          `json:"reportId,omitempty"`
	PatientRef string          `json:"patientRef,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID       string
	TenantID string
	UserID   string
	Topics   []string
	Send     chan []byte
}

// Hub tracks connected clients and their subscriptions. Topics are
// namespaced by tenant so a client never sees another tenant's events.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // tenant|topic -> clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
	now     func() time.Time
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
		now:     time.Now,
	}
}

func topicKey(tenantID, topic string) string {
	return tenantID + "|" + topic
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.add(client, topic)
	}
}

func (h *Hub) add(client *Client, topic string) {
	key := topicKey(client.TenantID, topic)
	if h.clients[key] == nil {
		h.clients[key] = make(map[*Client]struct{})
	}
	h.clients[key][client] = struct{}{}
}

func (h *Hub) remove(client *Client, topic string) {
	key := topicKey(client.TenantID, topic)
	if subscribers, ok := h.clients[key]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, key)
		}
	}
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.remove(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if hasTopic(client.Topics, topic) {
			continue
		}
		h.add(client, topic)
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if hasTopic(topics, t) {
			h.remove(client, t)
			continue
		}
		remaining = append(remaining, t)
	}
	client.Topics = remaining
}

func hasTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

// ProcessMessage dispatches a subscribe or unsubscribe request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends event to the tenant's subscribers of any of the topics.
// A client subscribed to several of them receives it once. Clients whose
// buffer is full are skipped. It returns the number of clients reached.
func (h *Hub) Broadcast(tenantID string, event Event, topics ...string) int {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal websocket event")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	sent := 0
	for _, topic := range topics {
		for client := range h.clients[topicKey(tenantID, topic)] {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			select {
			case client.Send <- data:
				sent++
			default:
				h.logger.Warn().Str("client_id", client.ID).Msg("websocket client buffer full, event dropped")
			}
		}
	}
	return sent
}

// NotifyCritical pushes a lab.critical_value event to the tenant's
// "critical" subscribers and to subscribers of the patient.
func (h *Hub) NotifyCritical(ctx context.Context, alert notification.CriticalAlert) error {
	data, err := json.Marshal(struct {
		TestName       string                       `json:"testName"`
		OrderedBy      string                       `json:"orderedBy,omitempty"`
		RiskScore      int                          `json:"riskScore"`
		CriticalValues []labinterp.ClassifiedResult `json:"criticalValues"`
	}{alert.TestName, alert.OrderedBy, alert.RiskScore, alert.Values})
	if err != nil {
		return err
	}
	event := Event{
		Type:       EventCriticalValue,
		Topic:      TopicCritical,
		ReportID:   alert.ReportID,
		PatientRef: alert.PatientRef,
		Timestamp:  h.now().UTC(),
		Data:       data,
	}
	topics := []string{TopicCritical}
	if alert.PatientRef != "" {
		topics = append(topics, PatientTopic(alert.PatientRef))
	}
	h.Broadcast(db.TenantFromContext(ctx), event, topics...)
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of the tenant's clients subscribed to topic.
func (h *Hub) TopicCount(tenantID, topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topicKey(tenantID, topic)])
}

// Handler upgrades HTTP requests to WebSocket connections.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler returns a Handler accepting connections from the given origins.
// An empty list accepts any origin.
func NewHandler(hub *Hub, origins []string) *Handler {
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				return hasTopic(origins, r.Header.Get("Origin"))
			},
		},
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client under the
// caller's tenant and starts its read and write pumps. Initial topics come
// from the repeated "topic" query parameter.
func (h *Handler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := db.TenantFromContext(ctx)
	userID := auth.UserIDFromContext(ctx)
	topics := c.QueryParams()["topic"]

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		UserID:   userID,
		Topics:   append([]string(nil), topics...),
		Send:     make(chan []byte, 256),
	}
	h.hub.Register(client)
	h.hub.logger.Debug().
		Str("client_id", client.ID).
		Str("tenant_id", tenantID).
		Str("user_id", userID).
		Msg("websocket client connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}
