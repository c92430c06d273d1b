package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/praxis/internal/common"
	"github.com/ternarybob/praxis/internal/interfaces"
)

const (
	// pongWait is how long a connection may stay silent before the read
	// side gives up on it; pings go out early enough to keep a healthy
	// connection inside that window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxInboundSize bounds client frames; triggers carry small payloads
	maxInboundSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope for every frame in both directions
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ConnectedPayload greets a client on attach. Clients compare the server
// instance ID against their stored one to detect a server restart.
type ConnectedPayload struct {
	Status           string `json:"status"`
	ServerInstanceID string `json:"server_instance_id"`
	State            string `json:"state"`
}

// client is one connected observer with its own buffered send queue
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// outbound is a frame addressed to a single client
type outbound struct {
	target *client
	frame  []byte
}

// WebSocketHandler owns the event stream fan-out. Published events flow
// through a broadcast queue into a single dispatch loop, which copies each
// frame into every connected client's own send queue. A client that cannot
// drain its queue is dropped rather than allowed to stall the loop; clients
// that connect mid-run receive no replay of earlier frames.
type WebSocketHandler struct {
	logger           arbor.ILogger
	config           common.WebSocketConfig
	training         interfaces.TrainingService
	serverInstanceID string

	clients     map[*client]bool
	register    chan *client
	unregister  chan *client
	broadcast   chan []byte
	direct      chan outbound
	done        chan struct{}
	closeOnce   sync.Once
	clientCount atomic.Int32
}

// NewWebSocketHandler creates the handler, subscribes it to the training
// event stream, and starts the dispatch loop.
func NewWebSocketHandler(eventService interfaces.EventService, training interfaces.TrainingService, logger arbor.ILogger, config common.WebSocketConfig) *WebSocketHandler {
	if config.SendBuffer < 1 {
		config.SendBuffer = 32
	}
	if config.BroadcastBuffer < 1 {
		config.BroadcastBuffer = 256
	}

	h := &WebSocketHandler{
		logger:           logger,
		config:           config,
		training:         training,
		serverInstanceID: uuid.New().String(),
		clients:          make(map[*client]bool),
		register:         make(chan *client),
		unregister:       make(chan *client),
		broadcast:        make(chan []byte, config.BroadcastBuffer),
		direct:           make(chan outbound),
		done:             make(chan struct{}),
	}

	logger.Info().
		Str("server_instance_id", h.serverInstanceID).
		Msg("WebSocket handler initialized")

	if eventService != nil {
		eventService.Subscribe(interfaces.EventTrainingStatus, func(ctx context.Context, event interfaces.Event) error {
			return h.enqueue("training_status", event.Payload)
		})
		eventService.Subscribe(interfaces.EventModelData, func(ctx context.Context, event interfaces.Event) error {
			return h.enqueue("model_data", event.Payload)
		})
	}

	common.SafeGo(logger, "websocket-dispatch", h.run)

	return h
}

// enqueue marshals a frame and hands it to the dispatch loop. It blocks
// when the broadcast queue is full: the queue is the hand-off between the
// pipeline worker and the dispatch loop, and frames are never reordered or
// dropped before fan-out.
func (h *WebSocketHandler) enqueue(messageType string, payload interface{}) error {
	data, err := json.Marshal(WSMessage{Type: messageType, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", messageType, err)
	}

	select {
	case h.broadcast <- data:
	case <-h.done:
	}
	return nil
}

// run is the dispatch loop. It is the only goroutine that mutates the
// client registry or closes a send queue, so queues are never closed while
// another goroutine is sending to them. Frames arriving with no clients
// connected are discarded.
func (h *WebSocketHandler) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.clientCount.Store(int32(len(h.clients)))
			h.logger.Debug().Msgf("WebSocket client connected (total: %d)", len(h.clients))

		case c := <-h.unregister:
			h.drop(c)
			h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", len(h.clients))

		case frame := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- frame:
				default:
					// a full queue means the writer is stalled; dropping
					// the client keeps every other observer live
					h.logger.Warn().Msg("Dropping stalled WebSocket client")
					h.drop(c)
				}
			}

		case out := <-h.direct:
			if h.clients[out.target] {
				select {
				case out.target.send <- out.frame:
				default:
					h.logger.Warn().Msg("Dropping stalled WebSocket client")
					h.drop(out.target)
				}
			}

		case <-h.done:
			for c := range h.clients {
				h.drop(c)
			}
			return
		}
	}
}

func (h *WebSocketHandler) drop(c *client) {
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.clientCount.Store(int32(len(h.clients)))
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	return int(h.clientCount.Load())
}

// ServerInstanceID returns the ID clients use to detect a server restart
func (h *WebSocketHandler) ServerInstanceID() string {
	return h.serverInstanceID
}

// Close stops the dispatch loop and disconnects every client
func (h *WebSocketHandler) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
	})
	return nil
}

// HandleWebSocket upgrades the connection and attaches it to the stream
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, h.config.SendBuffer),
	}

	// queued before registration so it is always the first frame the
	// client observes
	greeting, err := json.Marshal(WSMessage{
		Type: "connected",
		Payload: ConnectedPayload{
			Status:           "connected",
			ServerInstanceID: h.serverInstanceID,
			State:            string(h.training.State()),
		},
	})
	if err == nil {
		c.send <- greeting
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	common.SafeGo(h.logger, "websocket-write", func() { h.writePump(c) })
	h.readPump(c)
}

// writePump drains the client's send queue onto the wire. Every write
// carries a deadline so a dead peer cannot hold the pump forever.
func (h *WebSocketHandler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeTimeout := h.config.WriteTimeoutDuration()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client frames until the connection dies, then
// unregisters. The transport's own closure notification drives removal.
func (h *WebSocketHandler) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		h.handleInbound(c, data)
	}
}

// handleInbound routes one client frame. A data_update frame triggers the
// pipeline and acks this client directly; anything else is ignored.
func (h *WebSocketHandler) handleInbound(c *client, data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Debug().Err(err).Msg("Ignoring malformed WebSocket message")
		return
	}

	switch msg.Type {
	case "data_update":
		payload, _ := msg.Payload.(map[string]interface{})
		ack := h.training.Trigger(context.Background(), payload)
		h.sendToClient(c, "trigger_ack", ack)

	default:
		h.logger.Debug().Str("type", msg.Type).Msg("Ignoring unknown WebSocket message type")
	}
}

// sendToClient queues a frame for one client only. The send goes through
// the dispatch loop so it cannot race the loop closing the client's queue.
func (h *WebSocketHandler) sendToClient(c *client, messageType string, payload interface{}) {
	data, err := json.Marshal(WSMessage{Type: messageType, Payload: payload})
	if err != nil {
		h.logger.Error().Err(err).Msgf("Failed to marshal %s message", messageType)
		return
	}

	select {
	case h.direct <- outbound{target: c, frame: data}:
	case <-h.done:
	}
}
