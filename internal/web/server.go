// Package web serves the tracker over HTTP: a small JSON API, a websocket
// snapshot stream, Prometheus metrics and the static map page.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/relabs-tech/geotracker/internal/logging"
	"github.com/relabs-tech/geotracker/internal/publish"
	"github.com/relabs-tech/geotracker/internal/tracker"
)

// Tracker is the part of *tracker.Tracker the web layer drives.
type Tracker interface {
	Viewers
	publish.Controller
}

// Config mirrors config.WebConfig.
type Config struct {
	Listen          string
	StaticDir       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	OneShotTimeout  time.Duration
}

// Server is the HTTP front end. It runs as a supervised service.
type Server struct {
	cfg      Config
	trk      Tracker
	hub      *Hub
	log      zerolog.Logger
	upgrader websocket.Upgrader
	handler  http.Handler
}

// NewServer builds the router. hub must be served separately.
func NewServer(cfg Config, trk Tracker, hub *Hub) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		cfg: cfg,
		trk: trk,
		hub: hub,
		log: logging.Component("http"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      sameOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/position", s.handlePosition)
		r.Get("/status", s.handleStatus)
		r.Post("/{command}", s.handleCommand)
	})

	if s.cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Listen).Msg("web server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("web server shutdown")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) String() string { return "http" }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.trk.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"phase":   snap.Phase,
		"viewers": s.hub.ClientCount(),
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, _ *http.Request) {
	snap := s.trk.Snapshot()
	if snap.Fix == nil {
		writeError(w, http.StatusServiceUnavailable, "no fix yet", snap.Error)
		return
	}
	writeJSON(w, http.StatusOK, snap.Fix)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.trk.Snapshot())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := publish.ParseCommand([]byte(chi.URLParam(r, "command")))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), nil)
		return
	}

	fix, err := publish.Execute(r.Context(), s.trk, cmd, s.cfg.OneShotTimeout)
	if err != nil {
		se := tracker.Classify(err, time.Now())
		s.log.Warn().Str("command", string(cmd)).Str("kind", se.Kind.String()).Msg(se.Message)
		writeError(w, statusFor(se.Kind), se.Message, se)
		return
	}
	if fix != nil {
		writeJSON(w, http.StatusOK, fix)
		return
	}
	writeJSON(w, http.StatusAccepted, s.trk.Snapshot())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := NewClient(s.hub, conn)
	select {
	case s.hub.Register <- c:
		c.Start()
	case <-s.hub.Done():
		_ = conn.Close()
	case <-r.Context().Done():
		_ = conn.Close()
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func statusFor(k tracker.ErrorKind) int {
	switch k {
	case tracker.KindTimeout:
		return http.StatusGatewayTimeout
	case tracker.KindPermissionDenied:
		return http.StatusForbidden
	case tracker.KindUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusServiceUnavailable
	}
}

// sameOrigin accepts non-browser clients and pages served by this host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("json encode error")
	}
}

type errorBody struct {
	Error  string               `json:"error"`
	Sensor *tracker.SensorError `json:"sensor_error,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string, se *tracker.SensorError) {
	writeJSON(w, status, errorBody{Error: msg, Sensor: se})
}
