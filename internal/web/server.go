package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/collabpad/collabpad/internal/actor"
	"github.com/collabpad/collabpad/internal/config"
	"github.com/collabpad/collabpad/internal/logger"
)

// Server exposes the websocket endpoint clients connect to. Each upgraded
// connection becomes a Session bound to the room named in the URL.
type Server struct {
	addr       string
	cfg        config.RoomConfig
	manager    *actor.Ref
	log        *logger.Logger
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates a web server routing connections through the given room
// manager.
func NewServer(addr string, cfg config.RoomConfig, manager *actor.Ref, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}
	return &Server{
		addr:    addr,
		cfg:     cfg,
		manager: manager,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Pads are addressed by unguessable keys; the origin is
				// not part of the access model.
				return true
			},
		},
	}
}

func (s *Server) routes() http.Handler {
	router := httprouter.New()
	router.GET("/ws/:room_key", s.handleWebSocket)
	return router
}

// Start begins listening in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.routes(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		s.log.Info("web server listening on %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	s.log.Info("stopping web server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades the connection and hands it to a Session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomKey := ps.ByName("room_key")
	if roomKey == "" {
		http.Error(w, "missing room key", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failure: %v", err)
		return
	}

	s.log.Info("client connected: %s, room_key = %s", r.RemoteAddr, roomKey)
	session := NewSession(roomKey, conn, s.cfg, s.manager, s.log)
	go session.Run()
}
