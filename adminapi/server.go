// Package adminapi serves a read-only HTTP view of the kernel: audit
// entries, installed packages, grants, pending requests, trusted keys and
// live sandbox contexts, plus metrics and health endpoints. It never
// mutates trust state.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	trust "github.com/reglet-dev/reglet-trust"
	"github.com/reglet-dev/reglet-trust/audit"
	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/sandbox"
)

// Grants is the read side of the permission manager.
type Grants interface {
	History(ctx context.Context, pluginID string) ([]capability.Grant, error)
	Pending(ctx context.Context, pluginID string) ([]capability.Request, error)
}

// Packages lists installation records.
type Packages interface {
	List(ctx context.Context) ([]entities.InstalledPlugin, error)
}

// Keys lists trusted keys.
type Keys interface {
	List() []entities.TrustedKey
}

// Sandboxes lists live sandbox contexts.
type Sandboxes interface {
	List() []sandbox.Info
}

// Config wires the server to kernel components. Nil components disable
// their routes.
type Config struct {
	Audit     audit.Reader
	Grants    Grants
	Packages  Packages
	Keys      Keys
	Sandboxes Sandboxes

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// Health backs /live and /ready. Defaults to a handler with the
	// goroutine and host memory checks.
	Health healthcheck.Handler
	Logger *slog.Logger
}

// KernelConfig returns a Config reading from every component of k.
func KernelConfig(k *trust.Kernel) Config {
	return Config{
		Audit:     k.Audit(),
		Grants:    k.Permissions(),
		Packages:  k.Packages(),
		Keys:      k.Keys(),
		Sandboxes: k.Sandboxes(),
	}
}

// HTTPError is the JSON error body.
type HTTPError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *HTTPError) Error() string { return e.Code + ": " + e.Message }

// maxAuditLimit caps one audit query.
const maxAuditLimit = 1000

// New returns the admin router.
func New(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Health == nil {
		cfg.Health = DefaultHealth()
	}
	s := &server{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/live", cfg.Health.LiveEndpoint)
	r.Get("/ready", cfg.Health.ReadyEndpoint)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		if cfg.Audit != nil {
			r.Get("/audit", s.listAudit)
		}
		if cfg.Packages != nil {
			r.Get("/plugins", s.listPlugins)
		}
		if cfg.Grants != nil {
			r.Get("/plugins/{namespace}/{name}/grants", s.listGrants)
			r.Get("/requests/pending", s.listPending)
		}
		if cfg.Keys != nil {
			r.Get("/keys", s.listKeys)
		}
		if cfg.Sandboxes != nil {
			r.Get("/sandboxes", s.listSandboxes)
		}
	})
	return r
}

type server struct {
	cfg Config
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.cfg.Logger.DebugContext(r.Context(), "admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *server) listAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.cfg.Audit.Query(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Kind:     audit.Kind(q.Get("kind")),
		PluginID: q.Get("plugin"),
		Outcome:  q.Get("outcome"),
		Limit:    100,
	}
	for _, tp := range []struct {
		key string
		dst *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		v := q.Get(tp.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, badRequest(fmt.Sprintf("%s must be RFC 3339", tp.key))
		}
		*tp.dst = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, badRequest("limit must be a positive integer")
		}
		f.Limit = min(n, maxAuditLimit)
	}
	return f, nil
}

func (s *server) listPlugins(w http.ResponseWriter, r *http.Request) {
	recs, err := s.cfg.Packages.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": nonNil(recs)})
}

func (s *server) listGrants(w http.ResponseWriter, r *http.Request) {
	pluginID := chi.URLParam(r, "namespace") + "/" + chi.URLParam(r, "name")
	grants, err := s.cfg.Grants.History(r.Context(), pluginID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pluginId": pluginID, "grants": nonNil(grants)})
}

func (s *server) listPending(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.cfg.Grants.Pending(r.Context(), r.URL.Query().Get("plugin"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": nonNil(reqs)})
}

func (s *server) listKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"keys": nonNil(s.cfg.Keys.List())})
}

func (s *server) listSandboxes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sandboxes": nonNil(s.cfg.Sandboxes.List())})
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func badRequest(msg string) *HTTPError {
	return &HTTPError{Status: http.StatusBadRequest, Code: "invalid_request", Message: msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		httpErr = &HTTPError{Status: http.StatusInternalServerError, Code: "internal", Message: "internal error"}
	}
	writeJSON(w, httpErr.Status, httpErr)
}
