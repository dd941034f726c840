// Package httpapi is termbroker's HTTP surface: the WebSocket upgrade
// behind a JWT gate, a health endpoint, and the Prometheus handler.
//
// Grounded on go-server/internal/server/server.go's Server: same
// mux-plus-http.Server shape and signal-driven graceful shutdown, narrowed
// to the three endpoints this service needs and generalized from a single
// global hub to per-connection attach/detach routed through
// pkg/termstream.Broker.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"termbroker/internal/auth"
	"termbroker/internal/config"
	"termbroker/internal/metrics"
	"termbroker/pkg/termstream"
	"termbroker/pkg/wsconn"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is termbroker's HTTP server.
type Server struct {
	cfg        config.ServerConfig
	authCfg    config.AuthConfig
	authMgr    *auth.Manager
	broker     *termstream.Broker
	metrics    *metrics.Metrics
	log        *zap.Logger
	httpServer *http.Server
	wg         sync.WaitGroup
}

// New builds a Server wired to broker. authMgr may be nil when
// authCfg.Enabled is false.
func New(cfg config.ServerConfig, authCfg config.AuthConfig, authMgr *auth.Manager, broker *termstream.Broker, m *metrics.Metrics, log *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		authCfg: authCfg,
		authMgr: authMgr,
		broker:  broker,
		metrics: m,
		log:     log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      corsMiddleware(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// controlMessage is the inbound JSON a client sends after the upgrade to
// attach or detach from a terminal.
type controlMessage struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	SinceSeq   uint64 `json:"sinceSeq"`
	RequestID  string `json:"requestId"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.authCfg.Enabled {
		claims, err := s.authMgr.Authenticate(r)
		if err != nil {
			s.log.Info("websocket auth rejected", zap.Error(err))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			s.metrics.ConnectionErrors.Inc()
			return
		}
		s.log.Debug("websocket authenticated", zap.String("sub", claims.Subject))
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		s.metrics.ConnectionErrors.Inc()
		return
	}

	connID := generateConnID()
	conn := wsconn.New(ws, connID)
	s.metrics.ConnectionsActive.Inc()
	s.metrics.ConnectionsTotal.Inc()

	defer func() {
		s.broker.DetachAllForSocket(conn)
		conn.Close(1000, "connection closed")
		s.metrics.ConnectionsActive.Dec()
	}()

	for {
		raw, err := conn.ReadRaw()
		if err != nil {
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Debug("dropping malformed control message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "terminal.attach":
			s.metrics.AttachesTotal.Inc()
			s.broker.Attach(conn, msg.TerminalID, msg.SinceSeq)
		case "terminal.detach":
			s.metrics.DetachesTotal.Inc()
			s.broker.Detach(msg.TerminalID, conn)
		default:
			s.log.Debug("unknown control message type", zap.String("type", msg.Type))
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    s.metrics.Uptime().String(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

// Start begins serving and blocks until a shutdown signal is received.
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server error", zap.Error(err))
		}
	}()

	s.waitForShutdown()
	return nil
}

func (s *Server) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	s.log.Info("received shutdown signal", zap.String("signal", sig.String()))
	s.Shutdown()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warn("http server shutdown error", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("http server shutdown complete")
	case <-ctx.Done():
		s.log.Warn("http server shutdown timed out")
	}
}

func generateConnID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "conn-" + hex.EncodeToString(buf)
}
