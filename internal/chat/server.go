package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
)

const (
	shutdownTimeout     = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	corsMaxAge          = "600"
)

var corsAllowMethods = strings.Join([]string{
	http.MethodDelete, http.MethodGet, http.MethodHead, http.MethodOptions,
	http.MethodPatch, http.MethodPost, http.MethodPut,
}, ", ")

type Options struct {
	Addr           string
	MetricsAddr    string
	WriteTimeout   time.Duration
	ReadLimit      int64
	FanoutWorkers  int
	AllowedOrigins []string
}

type Server struct {
	opts     Options
	logger   *slog.Logger
	reg      *Registry
	bc       *Broadcaster
	upgrader websocket.Upgrader

	listener   net.Listener
	httpSrv    *http.Server
	metricsSrv *http.Server

	// every upgraded transport, including ones not yet in the registry
	mu      sync.Mutex
	conns   map[*wsTransport]struct{}
	stopped bool
}

func NewServer(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	reg := NewRegistry(logger)
	s := &Server{
		opts:   opts,
		logger: logger,
		reg:    reg,
		bc:     NewBroadcaster(reg, opts.FanoutWorkers, logger),
		conns:  make(map[*wsTransport]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Registry() *Registry { return s.reg }

// Handler returns the HTTP surface: liveness, health, user list and the
// websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /users", s.handleUsers)
	mux.HandleFunc("GET /ws/chat/{username}", s.handleWS)
	return s.withCORS(mux)
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
		}
	}()

	if s.opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metricsSrv = &http.Server{Addr: s.opts.MetricsAddr, Handler: mux}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server error", "error", err)
			}
		}()
	}

	s.logger.Info("server started", "addr", ln.Addr().String(), "metrics_addr", s.opts.MetricsAddr)
	return nil
}

// Addr is the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

// Stop stops accepting connections and closes every upgraded transport. The
// sessions observe the closed transport and unwind on their own.
func (s *Server) Stop() {
	s.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
		}
	}
	s.closeConns()
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Shutdown(ctx)
	}

	s.logger.Info("shutdown complete")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Warn("upgrade failed", "username", username, "error", err)
		return
	}

	t := newWSTransport(ws, s.opts.WriteTimeout, s.opts.ReadLimit)
	if !s.track(t) {
		_ = t.Close()
		return
	}
	defer s.untrack(t)

	c := NewClient(username, t)
	s.logger.Info("client connected", "username", username, "client_id", c.ID, "addr", r.RemoteAddr)

	HandleSession(c, s.reg, s.bc, s.logger)
}

// track records t for shutdown. It reports false once Stop has begun.
func (s *Server) track(t *wsTransport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[t] = struct{}{}
	return true
}

func (s *Server) untrack(t *wsTransport) {
	s.mu.Lock()
	delete(s.conns, t)
	s.mu.Unlock()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	s.stopped = true
	conns := lo.Keys(s.conns)
	s.mu.Unlock()

	for _, t := range conns {
		_ = t.Close()
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"message": "Hello, World! Relay server is running"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":            "healthy",
		"clients_connected": s.reg.Count(),
	})
}

func (s *Server) handleUsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string][]string{"users": s.reg.Usernames()})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.originAllowed(origin)
}

func (s *Server) originAllowed(origin string) bool {
	return lo.Contains(s.opts.AllowedOrigins, "*") || lo.Contains(s.opts.AllowedOrigins, origin)
}

// withCORS sets CORS headers for allowed origins and answers preflight
// requests itself, allowing any method and echoing the requested headers.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.originAllowed(origin) {
			if preflight {
				http.Error(w, "disallowed CORS origin", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")
		if !preflight {
			next.ServeHTTP(w, r)
			return
		}
		h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
			h.Set("Access-Control-Allow-Headers", reqHeaders)
		}
		h.Set("Access-Control-Max-Age", corsMaxAge)
		w.WriteHeader(http.StatusNoContent)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
