// Package realtime implements the real-time fan-out (§4.8): per-user and
// per-job subscription groups over WebSocket, delta accumulation for late
// subscribers, and bounded per-connection send buffers that drop
// progress/delta under backpressure but never drop terminal events.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pytake/orchestrator/internal/logger"
	"github.com/pytake/orchestrator/internal/queue"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub owns every live connection and the group membership
// (user:{userId}, job:{jobId}) each connection belongs to.
type Hub struct {
	log *logger.Logger

	sendBuffer   int
	pingInterval time.Duration
	pongWait     time.Duration

	mu     sync.RWMutex
	groups map[string]map[*Conn]bool

	deltasMu sync.Mutex
	deltas   map[string][]interface{} // jobId -> accumulated delta chunks
}

func NewHub(sendBuffer int, pingInterval, pongWait time.Duration, log *logger.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	return &Hub{
		log:          log,
		sendBuffer:   sendBuffer,
		pingInterval: pingInterval,
		pongWait:     pongWait,
		groups:       make(map[string]map[*Conn]bool),
		deltas:       make(map[string][]interface{}),
	}
}

func userGroup(userID string) string { return "user:" + userID }
func jobGroup(jobID string) string   { return "job:" + jobID }

func (h *Hub) join(group string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.groups[group] == nil {
		h.groups[group] = make(map[*Conn]bool)
	}
	h.groups[group][c] = true
}

func (h *Hub) leave(group string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.groups[group]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.groups, group)
		}
	}
}

func (h *Hub) leaveAll(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for group, conns := range h.groups {
		if conns[c] {
			delete(conns, c)
			if len(conns) == 0 {
				delete(h.groups, group)
			}
		}
	}
}

type frame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

func (h *Hub) broadcast(group string, f frame) {
	h.mu.RLock()
	conns := h.groups[group]
	targets := make([]*Conn, 0, len(conns))
	for c := range conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	terminal := f.Type != "" && (endsWith(f.Type, ":completed") || endsWith(f.Type, ":failed") || endsWith(f.Type, ":deleted"))
	for _, c := range targets {
		c.deliver(f, terminal)
	}
}

func endsWith(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// Publish implements §4.8's emission rules for a single broker event:
// fan out to the owner's user group with generic names, and to the job
// group with job-specific names. Delta events are additionally
// accumulated for replay, and the accumulator is dropped on terminal
// events.
func (h *Hub) Publish(ev queue.Event) {
	ownerID := ""
	if ev.Job != nil {
		ownerID = ev.Job.UserID()
	}

	var payload interface{}
	switch ev.Kind {
	case queue.EventCompleted:
		payload = map[string]interface{}{"jobId": ev.JobID, "result": ev.Result}
	case queue.EventFailed:
		payload = map[string]interface{}{"jobId": ev.JobID, "error": ev.Error}
	default:
		payload = map[string]interface{}{"jobId": ev.JobID, "progress": ev.Progress}
	}

	if ownerID != "" {
		h.broadcast(userGroup(ownerID), frame{Type: "job:" + string(ev.Kind), Data: payload})
	}
	h.broadcast(jobGroup(ev.JobID), frame{Type: "job:" + ev.JobID + ":" + string(ev.Kind), Data: payload})

	if ev.Kind == queue.EventDelta {
		h.deltasMu.Lock()
		h.deltas[ev.JobID] = append(h.deltas[ev.JobID], ev.Progress)
		h.deltasMu.Unlock()
	}
	if ev.Kind == queue.EventCompleted || ev.Kind == queue.EventFailed {
		h.deltasMu.Lock()
		delete(h.deltas, ev.JobID)
		h.deltasMu.Unlock()
	}
}

// PublishFlow implements §4.5/§4.8's flow:updated | flow:completed |
// flow:deleted server->client events, satisfying internal/flow.EventSink.
// Unlike job events these are scoped to the owning user only — the
// protocol defines no flow-id-prefixed variant.
func (h *Hub) PublishFlow(userID, kind string, data interface{}) {
	if userID == "" {
		return
	}
	h.broadcast(userGroup(userID), frame{Type: kind, Data: data})
}

func (h *Hub) replayDeltas(jobID string, c *Conn) {
	h.deltasMu.Lock()
	chunks := append([]interface{}(nil), h.deltas[jobID]...)
	h.deltasMu.Unlock()
	for _, chunk := range chunks {
		c.deliver(frame{Type: "job:" + jobID + ":delta", Data: map[string]interface{}{"jobId": jobID, "progress": chunk}}, false)
	}
}

// ServeWS upgrades the request and registers the connection under its
// owning user's group, then blocks running the read pump until the socket
// closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &Conn{
		hub:    h,
		ws:     ws,
		userID: userID,
		send:   make(chan []byte, h.sendBuffer),
	}
	h.join(userGroup(userID), c)

	go c.writePump()
	c.readPump()
	return nil
}

type clientOp struct {
	Op    string `json:"op"`
	JobID string `json:"jobId"`
}

func marshalFrame(f frame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		return []byte(`{"type":"error"}`)
	}
	return b
}
