// Package api exposes the runner over HTTP: the full snapshot as JSON, a
// websocket pushing partial-tree patches in merge order, and the Prometheus
// metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/suiteview/suiteview/channel"
	"github.com/suiteview/suiteview/metrics"
	"github.com/suiteview/suiteview/runner"
	"github.com/suiteview/suiteview/tree"
)

// Server serves the result tree and its update stream.
type Server struct {
	runner *runner.Runner
	log    *slog.Logger
	hub    *hub

	handler http.Handler
}

// NewServer wires the HTTP surface to the runner. The returned server is
// already subscribed to the runner's patch stream; serve its Handler to make
// it reachable.
func NewServer(r *runner.Runner, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		runner: r,
		log:    log,
		hub:    newHub(log),
	}
	r.Subscribe(s.broadcastPatch)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	v1 := engine.Group("/api/v1")
	v1.GET("/result-tree", s.handleResultTree)
	v1.GET("/ws", s.handleWebSocket)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.handler = cors.AllowAll().Handler(engine)
	return s
}

// Handler returns the fully assembled HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Shutdown disconnects all websocket clients.
func (s *Server) Shutdown() {
	s.hub.closeAll()
}

func (s *Server) handleResultTree(c *gin.Context) {
	c.JSON(http.StatusOK, s.runner.Snapshot())
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err, "remote", c.Request.RemoteAddr)
		return
	}

	client := s.hub.register(conn)
	metrics.ClientConnected()
	s.log.Info("client connected", "remote", conn.RemoteAddr().String())

	go client.writePump()
	s.readCommands(c.Request.Context(), client)

	s.hub.unregister(client)
	metrics.ClientDisconnected()
	s.log.Info("client disconnected", "remote", conn.RemoteAddr().String())
}

// broadcastPatch fans one patch out to every connected client, preserving
// the order patches were merged in.
func (s *Server) broadcastPatch(patch *tree.BranchNode) {
	payload, err := json.Marshal(channel.Message{Type: channel.MessageUpdate, Tree: patch})
	if err != nil {
		s.log.Error("cannot encode update", "error", err)
		return
	}
	s.hub.broadcast(payload)
}

// readCommands consumes commands from one client until its connection
// drops. A rejected command is reported back to the issuing client only;
// other clients never see it.
func (s *Server) readCommands(ctx context.Context, client *wsClient) {
	for {
		var cmd channel.Command
		if err := client.conn.ReadJSON(&cmd); err != nil {
			s.log.Debug("client read ended", "error", err)
			return
		}
		metrics.RecordCommand(string(cmd.Type))

		if err := s.dispatch(ctx, cmd); err != nil {
			s.log.Warn("command rejected", "type", string(cmd.Type), "nodeid", cmd.Nodeid.String(), "error", err)
			client.sendError(err)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cmd channel.Command) error {
	switch cmd.Type {
	case channel.CommandRun:
		return s.runner.RunNode(ctx, cmd.Nodeid)

	case channel.CommandSetEnvironment:
		switch cmd.State {
		case tree.EnvStateStarted:
			return s.runner.StartEnv(ctx, cmd.Nodeid)
		case tree.EnvStateStopped:
			return s.runner.StopEnv(ctx, cmd.Nodeid)
		default:
			return fmt.Errorf("cannot request environment state %q", cmd.State)
		}

	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}
