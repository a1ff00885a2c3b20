package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/vinayprograms/overbot/cache"
	"github.com/vinayprograms/overbot/gateway"
	"github.com/vinayprograms/overbot/logging"
	"github.com/vinayprograms/overbot/shards"
	"github.com/vinayprograms/overbot/shutdown"
)

// DefaultListen is the address served when Config.Listen is empty.
const DefaultListen = "0.0.0.0:3000"

// Greeting is the body of GET /.
const Greeting = "Hello, world!"

// MessageSource reads cached channel messages.
type MessageSource interface {
	Messages(channelID string) []gateway.Message
	Stats() cache.Stats
}

// Searcher runs full-text queries over cached messages.
type Searcher interface {
	Search(query, channelID string, limit int) ([]cache.Hit, error)
}

// StatusSource reports shard state.
type StatusSource interface {
	Status() []shards.ShardStatus
}

// Config configures the web service. Every source is optional; routes
// backed by a missing source answer 404.
type Config struct {
	Listen string

	Messages MessageSource
	Search   Searcher
	Shards   StatusSource

	// ShutdownTimeout bounds the wait for in-flight requests once
	// shutdown is observed. Default 5s.
	ShutdownTimeout time.Duration

	Logger *logging.Logger
}

// Server is the bot's HTTP surface. It runs as a supervised subsystem.
type Server struct {
	config Config
	logger *logging.Logger

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	return &Server{
		config: cfg,
		logger: cfg.Logger.WithComponent("web"),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the bound address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run serves until obs is notified or ctx ends, then drains in-flight
// requests. A listener or serve failure is returned as is; the supervisor
// turns it into a global shutdown.
func (s *Server) Run(ctx context.Context, obs *shutdown.Observer, trigger *shutdown.Trigger) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	close(s.ready)

	srv := &http.Server{
		Handler:           s.Handler(trigger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	s.logger.Info("listening", map[string]interface{}{"addr": ln.Addr().String()})

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case <-obs.C():
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		<-serveErr
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	s.logger.Info("stopped", nil)
	return nil
}

// Handler builds the route table. /shutdown fires trigger.
func (s *Server) Handler(trigger *shutdown.Trigger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /shutdown", s.handleShutdown(trigger))
	mux.HandleFunc("POST /shutdown", s.handleShutdown(trigger))
	mux.HandleFunc("GET /shards", s.handleShards)
	mux.HandleFunc("GET /channels/{id}/messages", s.handleMessages)
	mux.HandleFunc("GET /channels/{id}/search", s.handleSearch)
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, Greeting)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if s.config.Messages != nil {
		body["cache"] = s.config.Messages.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleShutdown(trigger *shutdown.Trigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		notified := trigger.Fire()
		s.logger.Info("shutdown_requested", map[string]interface{}{
			"remote":   r.RemoteAddr,
			"notified": notified,
		})
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, "Shutting down...")
	}
}

func (s *Server) handleShards(w http.ResponseWriter, r *http.Request) {
	if s.config.Shards == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.config.Shards.Status())
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.config.Messages == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.config.Messages.Messages(r.PathValue("id")))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.config.Search == nil {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	hits, err := s.config.Search.Search(q, r.PathValue("id"), limit)
	if err != nil {
		s.logger.Warn("search_failed", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
