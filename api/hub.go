package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/suiteview/suiteview/channel"
)

const (
	writeTimeout = 5 * time.Second
	// sendBuffer bounds how far a slow client may fall behind before it is
	// disconnected. Dropping frames is not an option: clients merge every
	// patch, so a gap would corrupt their tree.
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin access is handled by the cors middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one connected websocket consumer.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	log  *slog.Logger

	closeOnce sync.Once
}

// writePump drains the send queue onto the connection. Runs until the send
// channel closes or a write fails.
func (c *wsClient) writePump() {
	defer c.conn.Close()

	for payload := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.log.Debug("client write failed", "error", err)
			return
		}
	}
}

// sendError queues an error message for this client only.
func (c *wsClient) sendError(cause error) {
	payload, err := json.Marshal(channel.Message{Type: channel.MessageError, Error: cause.Error()})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// hub tracks the connected clients and fans messages out to them.
type hub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:     log,
		clients: map[*wsClient]struct{}{},
	}
}

func (h *hub) register(conn *websocket.Conn) *wsClient {
	client := &wsClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		log:  h.log,
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	return client
}

func (h *hub) unregister(client *wsClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

// broadcast queues the payload for every client, in call order. A client
// whose queue is full is disconnected rather than skipped, so the stream
// each client sees is gapless.
func (h *hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			h.log.Warn("disconnecting slow client", "remote", client.conn.RemoteAddr().String())
			delete(h.clients, client)
			client.close()
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		delete(h.clients, client)
		client.close()
	}
}
