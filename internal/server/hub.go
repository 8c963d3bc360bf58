package server

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"chromalign/internal/session"
)

const writeWait = 5 * time.Second

// hub fans one session's events out to its WebSocket clients. Only run
// writes to connections; client read loops only parse nudges.
type hub struct {
	sess       *session.Session
	log        *slog.Logger
	events     <-chan session.Event
	unsub      func()
	onEvent    func(session.Event)
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
}

// newHub subscribes immediately so no event between creation and run is
// lost.
func newHub(sess *session.Session, log *slog.Logger, onEvent func(session.Event)) *hub {
	events, unsub := sess.Subscribe()
	return &hub{
		sess:       sess,
		log:        log,
		events:     events,
		unsub:      unsub,
		onEvent:    onEvent,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// run exits when the session closes.
func (h *hub) run() {
	defer func() {
		h.unsub()
		for client := range h.clients {
			client.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
				time.Now().Add(writeWait))
			client.Close()
		}
		close(h.done)
	}()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug("WebSocket client connected", "session", h.sess.ID(), "clients", len(h.clients))
			h.send(client, session.Event{Type: session.EventStatus, State: h.sess.Snapshot()})

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.log.Debug("WebSocket client disconnected", "session", h.sess.ID(), "clients", len(h.clients))
			}

		case ev, ok := <-h.events:
			if !ok {
				return
			}
			if h.onEvent != nil {
				h.onEvent(ev)
			}
			for client := range h.clients {
				h.send(client, ev)
			}
		}
	}
}

func (h *hub) send(client *websocket.Conn, ev session.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("marshal session event", "error", err)
		return
	}
	client.SetWriteDeadline(time.Now().Add(writeWait))
	if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
		delete(h.clients, client)
		client.Close()
	}
}

func (h *hub) join(conn *websocket.Conn) bool {
	select {
	case h.register <- conn:
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) leave(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// clientMessage is what browsers send over the socket.
type clientMessage struct {
	Type string  `json:"type"` // nudge, settle, cancel
	DX   float64 `json:"dx"`
	DY   float64 `json:"dy"`
}

// readLoop applies client commands until the connection drops.
func (h *hub) readLoop(conn *websocket.Conn) {
	defer h.leave(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warn("invalid websocket message", "session", h.sess.ID(), "error", err)
			continue
		}
		switch msg.Type {
		case "nudge":
			err = h.sess.Nudge(msg.DX, msg.DY)
		case "settle":
			h.sess.Settle()
		case "cancel":
			h.sess.Cancel()
		default:
			h.log.Warn("unknown websocket message", "session", h.sess.ID(), "type", msg.Type)
		}
		if err != nil {
			h.log.Warn("websocket command rejected", "session", h.sess.ID(), "type", msg.Type, "error", err)
		}
	}
}
