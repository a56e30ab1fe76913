// Package dashboard streams served decisions to connected WebSocket clients
// in real time.
package dashboard

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"botguard/internal/publish"
)

const (
	clientBuffer = 64               // Queued messages per client before it is dropped
	recentSize   = 20               // Decisions replayed to a new client
	writeWait    = 5 * time.Second  // Deadline for one frame write
	pingPeriod   = 30 * time.Second // Keepalive interval
)

// Gauge tracks the number of connected clients.
type Gauge interface {
	Set(float64)
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *client) remoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// Feed keeps the set of WebSocket clients and broadcasts every decision to
// them. A client whose queue is full is disconnected rather than allowed to
// stall the broadcast.
type Feed struct {
	upgrader         websocket.Upgrader   // WebSocket upgrader for the feed endpoint
	clients          map[*client]struct{} // Connected WebSocket clients
	clientsMu        sync.Mutex           // Guards clients, recent and closed
	recent           [][]byte             // Last decisions, oldest first
	broadcastChannel chan []byte          // Encoded decisions awaiting fan-out
	stopChannel      chan struct{}        // Closed on shutdown
	closed           bool
	closeOnce        sync.Once
	gauge            Gauge
}

// NewFeed creates a feed accepting connections from allowedOrigins ("*"
// allows any origin) and starts its broadcaster.
func NewFeed(allowedOrigins []string, gauge Gauge) *Feed {
	f := &Feed{
		clients:          make(map[*client]struct{}),
		broadcastChannel: make(chan []byte, 256),
		stopChannel:      make(chan struct{}),
		gauge:            gauge,
	}
	f.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}

	go f.clientBroadcaster()
	return f
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to upgrade decision feed connection")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	if !f.addClient(c) {
		conn.Close()
		return
	}

	go f.writePump(c)

	// Reads only detect the disconnect; clients never send anything useful.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	f.removeClient(c)
}

// Broadcast queues ev for every connected client. It never blocks; when the
// fan-out queue is full the event is skipped.
func (f *Feed) Broadcast(ev publish.DecisionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal decision for broadcast")
		return
	}

	f.clientsMu.Lock()
	if f.closed {
		f.clientsMu.Unlock()
		return
	}
	f.recent = append(f.recent, data)
	if len(f.recent) > recentSize {
		f.recent = f.recent[len(f.recent)-recentSize:]
	}
	f.clientsMu.Unlock()

	select {
	case f.broadcastChannel <- data:
	default:
		log.Debug().Str("session_id", ev.SessionID).Msg("decision feed backlog full, skipping event")
	}
}

// ClientCount returns the number of connected clients.
func (f *Feed) ClientCount() int {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()
	return len(f.clients)
}

// Close disconnects every client and stops the broadcaster.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		close(f.stopChannel)

		f.clientsMu.Lock()
		f.closed = true
		for c := range f.clients {
			f.removeLocked(c)
		}
		f.clientsMu.Unlock()
		f.updateGauge(0)
	})
}

func (f *Feed) clientBroadcaster() {
	for {
		select {
		case data := <-f.broadcastChannel:
			f.broadcastToClients(data)
		case <-f.stopChannel:
			return
		}
	}
}

func (f *Feed) broadcastToClients(data []byte) {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()

	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			log.Warn().Str("remote", c.remoteAddr()).Msg("dropping slow decision feed client")
			f.removeLocked(c)
		}
	}
	f.updateGauge(len(f.clients))
}

func (f *Feed) addClient(c *client) bool {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()

	if f.closed {
		return false
	}
	f.clients[c] = struct{}{}

	// replay recent decisions so a new viewer is not empty-handed
	for _, data := range f.recent {
		select {
		case c.send <- data:
		default:
		}
	}

	f.updateGauge(len(f.clients))
	return true
}

func (f *Feed) removeClient(c *client) {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()
	f.removeLocked(c)
	f.updateGauge(len(f.clients))
}

// removeLocked unregisters c and closes its queue, which ends its write
// pump. It is a no-op for a client that is already gone.
func (f *Feed) removeLocked(c *client) {
	if _, ok := f.clients[c]; !ok {
		return
	}
	delete(f.clients, c)
	close(c.send)
}

func (f *Feed) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				f.removeClient(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.removeClient(c)
				return
			}
		}
	}
}

func (f *Feed) updateGauge(n int) {
	if f.gauge != nil {
		f.gauge.Set(float64(n))
	}
}
