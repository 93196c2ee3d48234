package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/markus-lassfolk/vesseltrack/pkg/gps"
	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
)

// Config holds API server configuration
type Config struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	Host         string        `json:"host" mapstructure:"host"`
	Port         int           `json:"port" mapstructure:"port"`
	AuthKey      string        `json:"auth_key" mapstructure:"auth_key"` // optional
	CertFile     string        `json:"cert_file" mapstructure:"cert_file"`
	KeyFile      string        `json:"key_file" mapstructure:"key_file"`
	ReadTimeout  time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
}

// DefaultConfig returns a disabled server bound to localhost
func DefaultConfig() *Config {
	return &Config{
		Enabled:      false,
		Host:         "localhost",
		Port:         8081,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Locator resolves a single fix, satisfied by *gps.Resolver and *gps.IPLocationClient
type Locator interface {
	Resolve(ctx context.Context) (gps.Sample, error)
}

// StatusReporter is satisfied by *gps.PermissionProbe
type StatusReporter interface {
	CheckStatus(ctx context.Context) gps.PermissionStatus
}

// Queue is satisfied by *gps.SubmissionQueue
type Queue interface {
	Submit(ctx context.Context, sample gps.Sample) error
	Flush(ctx context.Context, userID string) error
	Pending() int
	Stats() gps.QueueStats
}

// Watch is satisfied by *gps.WatchController
type Watch interface {
	State() gps.WatchState
	Mode() gps.WatchMode
	Updates() int64
	Corrections() int64
}

// ResolverStats is satisfied by *gps.Resolver
type ResolverStats interface {
	Stats() gps.ResolverStats
	LastFix() (gps.Sample, bool)
}

// History lists persisted records, satisfied by the store backends
type History interface {
	RecentLocations(ctx context.Context, userID string, limit int) ([]gps.Record, error)
}

// Deps are the components served; nil members disable their routes
type Deps struct {
	Resolver   Locator
	IPLocator  Locator
	Permission StatusReporter
	Queue      Queue
	Watch      Watch
	Stats      ResolverStats
	Network    gps.NetworkStatus
	Identity   gps.IdentityProvider
	History    History
}

// Server serves location resolution and submission over HTTP
type Server struct {
	deps    Deps
	config  *Config
	logger  *logx.Logger
	router  *mux.Router
	started time.Time

	mu     sync.Mutex
	server *http.Server
}

// NewServer builds the router; nil config selects defaults
func NewServer(deps Deps, config *Config, logger *logx.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logx.Nop()
	}
	s := &Server{deps: deps, config: config, logger: logger, started: time.Now()}
	s.router = s.routes()
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)

	if s.deps.IPLocator != nil {
		api.HandleFunc("/location/ip", s.handleIPLocation).Methods(http.MethodGet)
	}
	if s.deps.Resolver != nil {
		api.HandleFunc("/location", s.handleResolve).Methods(http.MethodGet)
	}
	if s.deps.Permission != nil {
		api.HandleFunc("/location/permission", s.handlePermission).Methods(http.MethodGet)
	}
	if s.deps.Queue != nil {
		api.HandleFunc("/locations", s.handleSubmit).Methods(http.MethodPost)
		api.HandleFunc("/locations/flush", s.handleFlush).Methods(http.MethodPost)
	}
	if s.deps.History != nil {
		api.HandleFunc("/locations", s.handleHistory).Methods(http.MethodGet)
	}
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return r
}

// authMiddleware allows anonymous access unless an auth key is configured
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authKey := r.Header.Get("X-API-Key")
		if authKey == "" {
			authKey = r.URL.Query().Get("auth")
		}
		if authKey != s.config.AuthKey {
			s.logger.Warn("invalid authentication attempt", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves until Stop; it returns immediately when disabled
func (s *Server) Start() error {
	if !s.config.Enabled {
		s.logger.Info("API server is disabled")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("starting API server", "address", addr, "tls", s.config.CertFile != "")
	var err error
	if s.config.CertFile != "" && s.config.KeyFile != "" {
		err = srv.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
	} else {
		// nosemgrep: go.lang.security.audit.net.use-tls.use-tls
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("stopping API server")
	return srv.Shutdown(ctx)
}

// handleIPLocation is the backend location proxy used as the first IP provider
func (s *Server) handleIPLocation(w http.ResponseWriter, r *http.Request) {
	sample, err := s.deps.IPLocator.Resolve(r.Context())
	if err != nil {
		s.logger.Warn("IP location proxy failed", "error", err)
		writeError(w, http.StatusBadGateway, "ip_lookup_failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"latitude":  sample.Latitude,
		"longitude": sample.Longitude,
		"accuracy":  sample.AccuracyMeters(),
		"source":    sample.Source,
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	sample, err := s.deps.Resolver.Resolve(r.Context())
	if err != nil {
		var locErr *gps.LocationError
		if errors.As(err, &locErr) {
			writeError(w, http.StatusServiceUnavailable, locErr.Kind.String(), locErr.UserMessage(), locErr.Actions())
			return
		}
		writeError(w, http.StatusServiceUnavailable, "resolve_failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Permission.CheckStatus(r.Context()))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sample gps.Sample
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(&sample); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	if err := sample.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_location", err.Error(), nil)
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	if sample.Source == "" {
		sample.Source = "api"
	}

	if err := s.deps.Queue.Submit(r.Context(), sample); err != nil {
		if errors.Is(err, gps.ErrNoIdentity) {
			writeError(w, http.StatusUnauthorized, "no_identity", err.Error(), nil)
			return
		}
		writeError(w, http.StatusBadGateway, "submit_failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": true,
		"pending":  s.deps.Queue.Pending(),
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	pending := s.deps.Queue.Pending()
	if err := s.deps.Queue.Flush(r.Context(), userID); err != nil {
		writeError(w, http.StatusBadGateway, "flush_failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flushed": pending})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000", nil)
			return
		}
		limit = n
	}
	recs, err := s.deps.History.RecentLocations(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, "history_failed", err.Error(), nil)
		return
	}
	if recs == nil {
		recs = []gps.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"locations": recs})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if wc := s.deps.Watch; wc != nil {
		status["watch"] = map[string]interface{}{
			"state":       wc.State(),
			"mode":        wc.Mode(),
			"updates":     wc.Updates(),
			"corrections": wc.Corrections(),
		}
	}
	if q := s.deps.Queue; q != nil {
		status["queue"] = map[string]interface{}{
			"pending": q.Pending(),
			"stats":   q.Stats(),
		}
	}
	if rs := s.deps.Stats; rs != nil {
		resolver := map[string]interface{}{"stats": rs.Stats()}
		if fix, ok := rs.LastFix(); ok {
			resolver["last_fix"] = fix
		}
		status["resolver"] = resolver
	}
	if n := s.deps.Network; n != nil {
		status["online"] = n.Online()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "vesseltrack-api",
	})
}

func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.deps.Identity == nil {
		writeError(w, http.StatusUnauthorized, "no_identity", gps.ErrNoIdentity.Error(), nil)
		return "", false
	}
	userID, err := s.deps.Identity.CurrentUserID(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "no_identity", err.Error(), nil)
		return "", false
	}
	return userID, true
}

type errorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Actions []string `json:"actions,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, actions []string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message, Actions: actions})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
