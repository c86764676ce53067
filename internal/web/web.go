package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"mailcal/internal/config"
	appLog "mailcal/internal/log"
	"mailcal/internal/rebuild"
)

// Server exposes the assembled calendar and the outcome of the last run.
type Server struct {
	cfg *config.Config
	mux *http.ServeMux

	mu   sync.RWMutex
	last *runStatus
}

type runStatus struct {
	res rebuild.Result
	err error
	at  time.Time
}

func NewServer(cfg *config.Config) *Server {
	s := &Server{
		cfg: cfg,
		mux: http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Record stores the outcome of a pipeline run for /api/status.
func (s *Server) Record(res rebuild.Result, err error) {
	s.mu.Lock()
	s.last = &runStatus{res: res, err: err, at: time.Now()}
	s.mu.Unlock()
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="mailcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/calendar.ics", s.handleCalendar)
	s.mux.HandleFunc("/api/status", s.handleStatus)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleCalendar serves the last assembled calendar file. There is
// nothing to serve when the output goes to stdout.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Output == "" {
		writeError(w, http.StatusNotFound, "no output file configured")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	http.ServeFile(w, r, s.cfg.Output)
}

type statusResponse struct {
	Ran             bool      `json:"ran"`
	At              time.Time `json:"at,omitzero"`
	Error           string    `json:"error,omitempty"`
	Extracted       bool      `json:"extracted"`
	Assembled       bool      `json:"assembled"`
	ExtractReasons  []string  `json:"extract_reasons,omitempty"`
	AssembleReasons []string  `json:"assemble_reasons,omitempty"`
	Events          int       `json:"events"`
	Timezones       int       `json:"timezones"`
	Filtered        int       `json:"filtered"`
	StoredEvents    int       `json:"stored_events"`
	Dropped         int       `json:"dropped"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()

	if last == nil {
		writeJSON(w, http.StatusOK, statusResponse{})
		return
	}
	resp := statusResponse{
		Ran:             true,
		At:              last.at,
		Extracted:       last.res.Extracted,
		Assembled:       last.res.Assembled,
		ExtractReasons:  last.res.ExtractReasons,
		AssembleReasons: last.res.AssembleReasons,
		Events:          last.res.Events,
		Timezones:       last.res.Timezones,
		Filtered:        last.res.Filtered,
		StoredEvents:    last.res.StoredEvents,
		Dropped:         last.res.Dropped,
	}
	if last.err != nil {
		resp.Error = last.err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
