package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/suiteview/suiteview/tree"
)

const (
	snapshotPath = "/api/v1/result-tree"
	streamPath   = "/api/v1/ws"

	snapshotTimeout = 10 * time.Second
	writeTimeout    = 5 * time.Second
)

// WebSocket is a Channel backed by the suiteview server: snapshot fetches
// go over plain HTTP, patches and commands over a websocket connection.
type WebSocket struct {
	baseURL *url.URL
	httpc   *http.Client
	conn    *websocket.Conn
	log     *slog.Logger

	updates chan *tree.BranchNode

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ Channel = (*WebSocket)(nil)

// Dial connects to a suiteview server at baseURL (e.g.
// "http://localhost:5000") and starts receiving updates.
func Dial(ctx context.Context, baseURL string, log *slog.Logger) (*WebSocket, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url %q: %w", baseURL, err)
	}

	wsURL := *parsed
	switch parsed.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	wsURL.Path = streamPath

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing update stream %s: %w", wsURL.String(), err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	ws := &WebSocket{
		baseURL: parsed,
		httpc:   &http.Client{Timeout: snapshotTimeout},
		conn:    conn,
		log:     log,
		updates: make(chan *tree.BranchNode, 16),
	}
	go ws.readLoop()
	return ws, nil
}

// Snapshot fetches the full current tree over HTTP.
func (ws *WebSocket) Snapshot(ctx context.Context) (*tree.BranchNode, error) {
	snapURL := *ws.baseURL
	snapURL.Path = snapshotPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, snapURL.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := ws.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetching snapshot: unexpected status %d: %s", resp.StatusCode, body)
	}

	var root tree.BranchNode
	if err := json.NewDecoder(resp.Body).Decode(&root); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &root, nil
}

// Updates returns the ordered patch stream. The channel closes when the
// websocket connection is lost or Close is called.
func (ws *WebSocket) Updates() <-chan *tree.BranchNode {
	return ws.updates
}

// Run requests execution of the given node.
func (ws *WebSocket) Run(id tree.Nodeid) error {
	return ws.send(Command{Type: CommandRun, Nodeid: id})
}

// SetEnvironment requests an environment transition for the given branch.
func (ws *WebSocket) SetEnvironment(id tree.Nodeid, desired tree.EnvState) error {
	return ws.send(Command{Type: CommandSetEnvironment, Nodeid: id, State: desired})
}

// Close tears down the websocket connection.
func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		err = ws.conn.Close()
	})
	return err
}

func (ws *WebSocket) send(cmd Command) error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	if err := ws.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := ws.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("sending %s command for %q: %w", cmd.Type, cmd.Nodeid, err)
	}
	return nil
}

// readLoop forwards update messages to the consumer in arrival order. A
// read error means the transport is gone; the updates channel is closed and
// the consumer continues on its last good snapshot.
func (ws *WebSocket) readLoop() {
	defer close(ws.updates)

	for {
		var msg Message
		if err := ws.conn.ReadJSON(&msg); err != nil {
			ws.log.Debug("update stream closed", "error", err)
			return
		}

		switch msg.Type {
		case MessageUpdate:
			if msg.Tree != nil {
				ws.updates <- msg.Tree
			}
		case MessageError:
			ws.log.Error("server rejected command", "error", msg.Error)
		default:
			ws.log.Warn("dropping unknown message", "type", msg.Type)
		}
	}
}
