// Package events pushes job status updates to websocket subscribers.
package events

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sudwebd/3d-to-svg/internal/jobs"
	"github.com/sudwebd/3d-to-svg/internal/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

// Message types sent to clients.
const (
	TypeSnapshot = "job_snapshot"
	TypeUpdate   = "job_update"
)

// Update is the JSON payload of one websocket message.
type Update struct {
	Type      string      `json:"type"`
	JobID     string      `json:"job_id"`
	Status    jobs.Status `json:"status"`
	Attempts  int         `json:"attempts"`
	Error     string      `json:"error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func newUpdate(typ string, job *jobs.Job) Update {
	return Update{
		Type:      typ,
		JobID:     job.ID,
		Status:    job.Status,
		Attempts:  job.Attempts,
		Error:     job.Error,
		UpdatedAt: job.UpdatedAt,
	}
}

type client struct {
	jobID string
	conn  *websocket.Conn
	send  chan []byte
	once  sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans job updates out to the clients subscribed to each job.
type Hub struct {
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
	closed  bool
}

// NewHub creates a hub. An origin list containing "*" accepts any origin.
func NewHub(log *logger.Logger, allowedOrigins []string) *Hub {
	h := &Hub{
		log:     log.WithComponent("events"),
		clients: make(map[string]map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || slices.Contains(allowedOrigins, "*") {
				return true
			}
			return slices.Contains(allowedOrigins, origin)
		},
	}
	return h
}

// Publish sends the job's current state to its subscribers. Clients whose
// buffer is full are dropped rather than blocking the caller.
func (h *Hub) Publish(job *jobs.Job) {
	msg, err := json.Marshal(newUpdate(TypeUpdate, job))
	if err != nil {
		h.log.WithError(err).Error("encode job update", "job_id", job.ID)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients[job.ID] {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("dropping slow subscriber", "job_id", job.ID)
			h.removeLocked(c)
		}
	}
}

// Serve upgrades the request and streams updates for snapshot's job until
// the client disconnects or the hub closes. snapshot is sent first.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, snapshot *jobs.Job) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		return err
	}

	c := &client{jobID: snapshot.ID, conn: conn, send: make(chan []byte, sendBuffer)}

	first, err := json.Marshal(newUpdate(TypeSnapshot, snapshot))
	if err != nil {
		conn.Close()
		return err
	}
	c.send <- first

	if !h.add(c) {
		conn.Close()
		return nil
	}
	h.log.Debug("subscriber connected", "job_id", c.jobID, "subscribers", h.Count(c.jobID))

	go h.writePump(c)
	h.readPump(c)
	return nil
}

// Count returns the number of subscribers of jobID.
func (h *Hub) Count(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[jobID])
}

// CloseJob disconnects every subscriber of jobID.
func (h *Hub) CloseJob(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[jobID] {
		h.removeLocked(c)
	}
}

// Close disconnects all clients and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, set := range h.clients {
		for c := range set {
			h.removeLocked(c)
		}
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set := h.clients[c.jobID]
	if set == nil {
		set = make(map[*client]struct{})
		h.clients[c.jobID] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	set := h.clients[c.jobID]
	if _, ok := set[c]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.jobID)
		}
	}
	c.close()
}

// readPump discards client messages; it exists to notice disconnects and
// answer pings.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
