package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/phrazzld/taskd/internal/events"
	"github.com/phrazzld/taskd/internal/platform/logger"
	"github.com/phrazzld/taskd/internal/task"
)

// Websocket timing
const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	subscriberBuffer = 32
)

// Stream message types
const (
	MessageSnapshot = "snapshot"
	MessageEvent    = "event"
)

// StreamMessage is one JSON frame sent on a task stream.
type StreamMessage struct {
	Type  string            `json:"type"`
	Task  *task.StatusView  `json:"task,omitempty"`
	Event *events.TaskEvent `json:"event,omitempty"`
}

type subscriber struct {
	ch chan *events.TaskEvent
}

// Hub fans task events out to websocket subscribers of each task. It is an
// events.EventHandler and never blocks the emitter: events for a slow
// subscriber are dropped.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*subscriber]struct{}
	logger *slog.Logger
}

var _ events.EventHandler = (*Hub)(nil)

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[uuid.UUID]map[*subscriber]struct{}),
		logger: logger.With("component", "stream_hub"),
	}
}

// HandleEvent implements events.EventHandler.
func (h *Hub) HandleEvent(_ context.Context, event *events.TaskEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[event.TaskID] {
		select {
		case sub.ch <- event:
		default:
			h.logger.Warn("dropping task event for slow subscriber",
				"task_id", event.TaskID,
				"event_type", event.Type)
		}
	}
	return nil
}

// Subscribers returns the number of subscribers of id.
func (h *Hub) Subscribers(id uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[id])
}

func (h *Hub) subscribe(id uuid.UUID) (*subscriber, func()) {
	sub := &subscriber{ch: make(chan *events.TaskEvent, subscriberBuffer)}

	h.mu.Lock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[*subscriber]struct{})
	}
	h.subs[id][sub] = struct{}{}
	h.mu.Unlock()

	return sub, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[id], sub)
		if len(h.subs[id]) == 0 {
			delete(h.subs, id)
		}
	}
}

// StreamHandler serves GET /api/tasks/{id}/stream.
type StreamHandler struct {
	tasks    *TaskHandler
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a StreamHandler reading tasks through tasks.
func NewStreamHandler(tasks *TaskHandler, hub *Hub) *StreamHandler {
	return &StreamHandler{
		tasks: tasks,
		hub:   hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Stream sends the task's current state, then every lifecycle and progress
// event until the task reaches a terminal status or the client disconnects.
func (s *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), s.hub.logger)

	// Ownership is checked before the upgrade so errors are plain HTTP responses.
	view, err := s.tasks.ownedTask(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	// Subscribe before re-reading the task so no event between the read and
	// the subscription is lost.
	sub, unsubscribe := s.hub.subscribe(view.TaskID)
	defer unsubscribe()

	if fresh, err := s.tasks.tasks.GetStatus(r.Context(), view.TaskID); err == nil && fresh != nil {
		view = fresh
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	log = log.With("task_id", view.TaskID)
	log.Debug("task stream opened")

	if err := write(conn, StreamMessage{Type: MessageSnapshot, Task: view}); err != nil {
		return
	}
	if view.Status.IsTerminal() {
		closeNormally(conn, "task finished")
		return
	}

	closed := make(chan struct{})
	go readUntilClosed(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-sub.ch:
			if err := write(conn, StreamMessage{Type: MessageEvent, Event: ev}); err != nil {
				log.Debug("task stream write failed", "error", err)
				return
			}
			if ev.Type != events.TaskProgress && ev.Status.IsTerminal() {
				closeNormally(conn, "task finished")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			log.Debug("task stream closed by client")
			return
		case <-r.Context().Done():
			return
		}
	}
}

func write(conn *websocket.Conn, msg StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func closeNormally(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeWait))
}

// readUntilClosed consumes client frames so pongs and close frames are
// processed, and closes done when the connection ends.
func readUntilClosed(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
