package obslog

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Event types pushed to trace observers, grounded on the teacher's
// websocket.Event* constants (internal/infrastructure/websocket/message.go)
// but renamed for evaluator trace events rather than workflow events.
const (
	EventNodeStarted   = "node.started"
	EventNodeCompleted = "node.completed"
	EventTaskSpawned   = "task.spawned"
	EventRaceDetected  = "race.detected"
	EventDeadlockFound = "deadlock.detected"
)

// TraceEvent is one entry pushed to connected observers when
// Options.Trace is set, the evaluator-trace analogue of the teacher's
// WSEvent.
type TraceEvent struct {
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id,omitempty"`
	TaskID      string    `json:"task_id,omitempty"`
	Message     string    `json:"message,omitempty"`
	Data        any       `json:"data,omitempty"`
}

// NewTraceEvent builds a TraceEvent stamped with the current time.
func NewTraceEvent(eventType, executionID string) *TraceEvent {
	return &TraceEvent{Type: eventType, Timestamp: time.Now(), ExecutionID: executionID}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 64
)

// Broadcaster is the interface evaluator components push trace events
// through; Hub is the concrete websocket-backed implementation.
type Broadcaster interface {
	Broadcast(executionID string, event *TraceEvent)
}

type broadcastMsg struct {
	executionID string
	event       *TraceEvent
}

// Hub fans trace events out to connected websocket observers, grounded on
// the teacher's websocket.Hub (internal/infrastructure/websocket/hub.go):
// register/unregister channels plus a by-execution subscription index,
// adapted down from the teacher's three-way (user/workflow/execution)
// index since a trace observer only ever watches one execution.
type Hub struct {
	clients       map[*hubClient]bool
	byExecutionID map[string]map[*hubClient]bool
	register      chan *hubClient
	unregister    chan *hubClient
	broadcast     chan *broadcastMsg

	logger zerolog.Logger
	mu     sync.RWMutex
}

// NewHub returns a Hub; call Run in a goroutine to start its event loop.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:       make(map[*hubClient]bool),
		byExecutionID: make(map[string]map[*hubClient]bool),
		register:      make(chan *hubClient),
		unregister:    make(chan *hubClient),
		broadcast:     make(chan *broadcastMsg, 256),
		logger:        logger,
	}
}

// Run processes register/unregister/broadcast until ctx-independent
// shutdown (the caller owns the hub's lifetime, same as the teacher's
// Hub.Run, meant to run for the process lifetime in its own goroutine).
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) addClient(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
	if h.byExecutionID[c.executionID] == nil {
		h.byExecutionID[c.executionID] = make(map[*hubClient]bool)
	}
	h.byExecutionID[c.executionID][c] = true
	h.logger.Debug().Str("client_id", c.id).Str("execution_id", c.executionID).Msg("trace observer connected")
}

func (h *Hub) removeClient(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	if clients, ok := h.byExecutionID[c.executionID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.byExecutionID, c.executionID)
		}
	}
	h.logger.Debug().Str("client_id", c.id).Msg("trace observer disconnected")
}

// Broadcast sends event to every observer subscribed to executionID.
// Implements Broadcaster.
func (h *Hub) Broadcast(executionID string, event *TraceEvent) {
	h.broadcast <- &broadcastMsg{executionID: executionID, event: event}
}

func (h *Hub) deliver(msg *broadcastMsg) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byExecutionID[msg.executionID] {
		select {
		case c.send <- msg.event:
		default:
			h.logger.Warn().Str("client_id", c.id).Msg("trace observer buffer full, dropping event")
		}
	}
}

// hubClient is one connected trace observer.
type hubClient struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan *TraceEvent
	id          string
	executionID string
}

func (c *hubClient) readPump() {
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
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
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

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeTrace upgrades r to a websocket connection and registers it with
// hub as an observer of executionID's trace events, grounded on the
// teacher's Handler.ServeHTTP (internal/infrastructure/websocket/handler.go)
// minus its auth step — an embedded evaluation engine's trace stream has
// no user-identity concept of its own to authenticate against.
func ServeTrace(hub *Hub, executionID string, w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &hubClient{
		hub:         hub,
		conn:        conn,
		send:        make(chan *TraceEvent, sendBufferSize),
		id:          uuid.New().String(),
		executionID: executionID,
	}
	hub.register <- c
	go c.writePump()
	go c.readPump()
	return nil
}
