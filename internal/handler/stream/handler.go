package stream

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mareiko/lifeline/backend/internal/model/event"
	"github.com/mareiko/lifeline/backend/internal/service/engine"
	"github.com/mareiko/lifeline/backend/internal/service/transcript"
)

// Handler ingests live transcript fragments over WebSocket, one
// connection per call, and streams triage events back.
type Handler struct {
	engine   *engine.Engine
	upgrader websocket.Upgrader
}

// New creates the WebSocket ingest handler.
func New(eng *engine.Engine) *Handler {
	return &Handler{
		engine: eng,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes wires the WebSocket route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/calls/{callID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// FragmentMessage is the payload of a "fragment" inbound message.
type FragmentMessage struct {
	Text         string `json:"text"`
	Seq          int    `json:"seq"`
	Final        bool   `json:"final"`
	LanguageHint string `json:"languageHint,omitempty"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	CallID    string      `json:"callId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// conn wraps the socket with a write lock, since the event forwarder
// and the read loop both send.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) send(msg outgoingMessage) error {
	msg.Timestamp = time.Now().UnixMilli()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if callID == "" {
		http.Error(w, "callID is required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed for call %s: %v", callID, err)
		return
	}
	c := &conn{ws: ws}
	defer ws.Close()

	events, cancelWatch := h.engine.Watch(callID)
	defer cancelWatch()

	done := make(chan struct{})
	defer close(done)
	go h.forwardEvents(c, callID, events, done)

	log.Printf("[ws] fragment stream opened for call %s", callID)
	h.readLoop(c, callID)
	log.Printf("[ws] fragment stream closed for call %s", callID)
}

// forwardEvents pushes triage events to the client until the
// connection goes away.
func (h *Handler) forwardEvents(c *conn, callID string, events <-chan event.Event, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.send(outgoingMessage{Type: "event", CallID: callID, Data: ev}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readLoop(c *conn, callID string) {
	for {
		var msg inboundMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[ws] read error for call %s: %v", callID, err)
			}
			return
		}

		switch msg.Type {
		case "fragment":
			h.handleFragment(c, callID, msg.Data)
		case "end":
			h.handleEnd(c, callID)
		case "ping":
			_ = c.send(outgoingMessage{Type: "pong", CallID: callID})
		default:
			_ = c.send(outgoingMessage{Type: "error", CallID: callID, Data: map[string]string{
				"error": "unknown message type: " + msg.Type,
			}})
		}
	}
}

func (h *Handler) handleFragment(c *conn, callID string, data json.RawMessage) {
	var frag FragmentMessage
	if err := json.Unmarshal(data, &frag); err != nil {
		_ = c.send(outgoingMessage{Type: "error", CallID: callID, Data: map[string]string{
			"error": "invalid fragment payload",
		}})
		return
	}

	snap, err := h.engine.SubmitFragment(callID, transcript.Fragment{
		Text:         frag.Text,
		Seq:          frag.Seq,
		Final:        frag.Final,
		LanguageHint: frag.LanguageHint,
	})
	if err != nil {
		kind := "error"
		if errors.Is(err, transcript.ErrOutOfOrderFragment) {
			// The fragment is dropped; the stream itself stays usable.
			kind = "dropped"
		}
		_ = c.send(outgoingMessage{Type: kind, CallID: callID, Data: map[string]string{
			"error": err.Error(),
		}})
		return
	}

	_ = c.send(outgoingMessage{Type: "ack", CallID: callID, Data: map[string]any{
		"version": snap.Version,
	}})
}

func (h *Handler) handleEnd(c *conn, callID string) {
	if err := h.engine.EndCall(callID); err != nil {
		_ = c.send(outgoingMessage{Type: "error", CallID: callID, Data: map[string]string{
			"error": err.Error(),
		}})
		return
	}

	view, ok := h.engine.Snapshot(callID)
	if !ok {
		_ = c.send(outgoingMessage{Type: "error", CallID: callID, Data: map[string]string{
			"error": "call not found",
		}})
		return
	}
	_ = c.send(outgoingMessage{Type: "view", CallID: callID, Data: view})
}
