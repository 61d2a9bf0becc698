package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fieldtrack-backend/internal/geofence"
	"fieldtrack-backend/internal/models"
	"fieldtrack-backend/internal/shifts"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 2048 // location_update frames carry full readings
)

// Client represents a WebSocket client connection
type Client struct {
	UserID   string
	UserRole string
	conn     *websocket.Conn
	hub      *Hub
	send     chan []byte
	machine  *shifts.StateMachine
	trigger  *geofence.Trigger
	log      *zap.SugaredLogger
}

// IncomingMessage represents a message from the client
type IncomingMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewClient creates a new WebSocket client
func NewClient(userID, userRole string, conn *websocket.Conn, hub *Hub, machine *shifts.StateMachine, trigger *geofence.Trigger) *Client {
	return &Client{
		UserID:   userID,
		UserRole: userRole,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, 256),
		machine:  machine,
		trigger:  trigger,
		log:      hub.log,
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Errorw("websocket error", "user_id", c.UserID, "error", err)
			}
			break
		}

		var msg IncomingMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.Warnw("invalid message format", "user_id", c.UserID, "error", err)
			continue
		}

		switch msg.Type {
		case "ping":
			response := map[string]interface{}{
				"type":      "pong",
				"timestamp": time.Now().Format(time.RFC3339),
			}
			responseData, _ := json.Marshal(response)
			c.send <- responseData

		case "location_update":
			c.handleLocationUpdate(msg.Data)

		case "geofence_event":
			c.handleGeofenceEvent(msg.Data)
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type locationUpdateFrame struct {
	ShiftID   string   `json:"shift_id"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// handleLocationUpdate records a GPS reading against the worker's shift and
// relays it to connected managers.
func (c *Client) handleLocationUpdate(data json.RawMessage) {
	var frame locationUpdateFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.Warnw("invalid location_update frame", "user_id", c.UserID, "error", err)
		return
	}
	if frame.Timestamp == 0 {
		frame.Timestamp = time.Now().Unix()
	}

	loc := models.Location{
		Latitude:  frame.Latitude,
		Longitude: frame.Longitude,
		Accuracy:  frame.Accuracy,
		Heading:   frame.Heading,
		Speed:     frame.Speed,
		Timestamp: frame.Timestamp,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shiftID := frame.ShiftID
	if shiftID == "" {
		shift, err := c.machine.FindActiveShift(ctx, c.UserID)
		if err != nil || shift == nil {
			c.log.Debugw("location update without active shift, dropping", "user_id", c.UserID)
			return
		}
		shiftID = shift.ID
	}

	if err := c.machine.RecordLocation(ctx, shiftID, loc); err != nil {
		c.log.Errorw("failed to record location", "user_id", c.UserID, "shift_id", shiftID, "error", err)
		return
	}

	c.hub.BroadcastToRole("manager", map[string]interface{}{
		"type": "worker_location_update",
		"data": map[string]interface{}{
			"user_id":   c.UserID,
			"shift_id":  shiftID,
			"latitude":  frame.Latitude,
			"longitude": frame.Longitude,
			"heading":   frame.Heading,
			"speed":     frame.Speed,
			"accuracy":  frame.Accuracy,
			"timestamp": frame.Timestamp,
		},
	})
}

type geofenceEventFrame struct {
	Event        string              `json:"event"` // "entry" or "exit"
	GeofenceID   string              `json:"geofence_id"`
	GeofenceName string              `json:"geofence_name"`
	GeofenceType models.GeofenceType `json:"geofence_type"`
	Location     models.Location     `json:"location"`
	Timestamp    int64               `json:"timestamp"`
}

// handleGeofenceEvent forwards a boundary crossing from the device's
// location service into the geofence trigger layer.
func (c *Client) handleGeofenceEvent(data json.RawMessage) {
	var frame geofenceEventFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.Warnw("invalid geofence_event frame", "user_id", c.UserID, "error", err)
		return
	}
	if frame.Timestamp == 0 {
		frame.Timestamp = time.Now().Unix()
	}
	if frame.Location.Timestamp == 0 {
		frame.Location.Timestamp = frame.Timestamp
	}

	evt := models.GeofenceEvent{
		UserID:       c.UserID,
		GeofenceID:   frame.GeofenceID,
		GeofenceName: frame.GeofenceName,
		GeofenceType: frame.GeofenceType,
		Location:     frame.Location,
		Timestamp:    frame.Timestamp,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch frame.Event {
	case "entry":
		err = c.trigger.HandleEntry(ctx, evt)
	case "exit":
		err = c.trigger.HandleExit(ctx, evt)
	default:
		c.log.Warnw("unknown geofence event", "event", frame.Event, "user_id", c.UserID)
		return
	}
	if err != nil {
		c.log.Errorw("geofence event handling failed",
			"user_id", c.UserID, "event", frame.Event, "geofence_id", frame.GeofenceID, "error", err)
	}
}
