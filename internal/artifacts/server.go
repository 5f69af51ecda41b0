package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"tailscale.com/tsnet"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/config"
)

// feedHello is sent to an event feed client once its subscription is
// live; events broadcast after it arrives will be delivered.
const feedHello = "feed.connected"

// feedBuffer is the per-client event backlog; events beyond it are
// dropped rather than stalling the broadcaster.
const feedBuffer = 64

// Server exposes stored artifacts, a health probe, and a WebSocket
// feed of bus events.
type Server struct {
	cfg    config.ArtifactsConfig
	ts     config.TailscaleConfig
	store  *Store
	events bus.EventPublisher
	status func() map[string]any

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the store and event bus into an HTTP server. status
// is optional; when set its fields are merged into the /healthz body.
func NewServer(cfg config.ArtifactsConfig, ts config.TailscaleConfig, store *Store, events bus.EventPublisher, status func() map[string]any) *Server {
	return &Server{
		cfg:    cfg,
		ts:     ts,
		store:  store,
		events: events,
		status: status,
	}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/artifacts/", s.handleArtifact)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)

	s.mux = mux
	return mux
}

// Start serves until ctx is canceled. With tailscale.hostname set the
// server joins the tailnet via tsnet and listens there instead of on
// the local address.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	ln, cleanup, err := s.listen()
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	s.httpServer = &http.Server{Handler: mux}

	slog.Info("artifacts server starting", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("artifacts server: %w", err)
	}
	return nil
}

func (s *Server) listen() (net.Listener, func(), error) {
	if s.ts.Hostname == "" {
		ln, err := net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return nil, nil, fmt.Errorf("artifacts listen: %w", err)
		}
		return ln, nil, nil
	}

	tsrv := &tsnet.Server{
		Hostname: s.ts.Hostname,
		Dir:      config.ExpandHome(s.ts.StateDir),
		AuthKey:  s.ts.AuthKey,
	}
	// Keep the configured port on the tailnet so urlPrefix stays valid.
	port := ":80"
	if _, p, err := net.SplitHostPort(s.cfg.Listen); err == nil && p != "" {
		port = ":" + p
	}
	ln, err := tsrv.Listen("tcp", port)
	if err != nil {
		tsrv.Close()
		return nil, nil, fmt.Errorf("tsnet listen: %w", err)
	}
	return ln, func() { tsrv.Close() }, nil
}

// handleArtifact serves a single stored file by name. Anything that is
// not a bare filename is rejected.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	if name == "" || name != filepath.Base(name) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.store.Dir(), name))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.status != nil {
		for k, v := range s.status() {
			body[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}

// handleWS streams bus events (run lifecycle, send retries) to the
// client as JSON frames.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	id := uuid.NewString()
	feed := make(chan bus.Event, feedBuffer)
	s.events.Subscribe(id, func(ev bus.Event) {
		select {
		case feed <- ev:
		default: // slow client, drop
		}
	})
	defer s.events.Unsubscribe(id)

	slog.Info("event feed client connected", "id", id)
	defer slog.Info("event feed client disconnected", "id", id)

	// The feed is write-only; CloseRead watches for the client closing.
	ctx := conn.CloseRead(r.Context())

	if err := s.writeEvent(ctx, conn, bus.Event{Name: feedHello}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-feed:
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev bus.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, ev)
}
