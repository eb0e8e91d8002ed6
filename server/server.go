package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/MininduBimsara/SocketSphere/broker"
	"github.com/MininduBimsara/SocketSphere/gateway"
)

const shutdownTimeout = 10 * time.Second

// Server wraps the HTTP listener that serves the websocket endpoint.
type Server struct {
	httpServer *http.Server
}

func NewServer(addr string, wsHandler http.HandlerFunc) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *Server) Start() {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("HTTP server failed: %v", err)
	}
}

// Shutdown stops accepting new connections, closes every live client
// session, and tears down the broadcast bus.
func (s *Server) Shutdown(ctx context.Context, gw *gateway.Gateway, bus broker.MessageBroker) {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	gw.CloseAll("Server shutting down")

	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Printf("Error closing broadcast bus: %v", err)
		}
	}

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
