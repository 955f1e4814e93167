package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/l0p7/ledgerlens/internal/content"
	"github.com/l0p7/ledgerlens/internal/discovery"
	"github.com/l0p7/ledgerlens/internal/service"
)

// API is the surface the router needs from the service facade.
type API interface {
	ResolveContent(ctx context.Context, identifier string, def content.Payload) content.Payload
	Discover(ctx context.Context, q discovery.Query, opts discovery.Options) (discovery.Result, error)
	Invalidate(ctx context.Context, scope string) error
	Health() service.Health
}

type discoverResponse struct {
	discovery.Result
	Stats discovery.Stats `json:"stats"`
}

// NewHandler routes the HTTP surface onto api. metrics may be nil.
func NewHandler(api API, logger *slog.Logger, metrics http.Handler) http.Handler {
	if api == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		})
	}
	h := &handler{api: api, logger: logger.With(slog.String("agent", "router"))}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /content", h.serveContent)
	mux.HandleFunc("GET /discover", h.serveDiscover)
	mux.HandleFunc("POST /invalidate", h.serveInvalidate)
	mux.HandleFunc("GET /healthz", h.serveHealth)
	mux.HandleFunc("GET /health", h.serveHealth)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}

type handler struct {
	api    API
	logger *slog.Logger
}

// serveContent answers /content?id=<identifier>. raw=true streams binary
// payloads as-is instead of wrapping them in JSON.
func (h *handler) serveContent(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	id := strings.TrimSpace(query.Get("id"))
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter id is required")
		return
	}
	payload := h.api.ResolveContent(r.Context(), id, content.Payload{})
	if query.Get("raw") == "true" && payload.Kind == content.KindBinary && !payload.Fallback {
		if payload.ContentType != "" {
			w.Header().Set("Content-Type", payload.ContentType)
		}
		w.Header().Set("X-Content-Source", payload.Source)
		_, _ = w.Write(payload.Data)
		return
	}
	h.writeJSON(w, http.StatusOK, payload)
}

func (h *handler) serveDiscover(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := discovery.Query{Predicate: query.Get("predicate"), Stat: query.Get("stat")}
	if strings.TrimSpace(q.Predicate) == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter predicate is required")
		return
	}
	refresh, _ := strconv.ParseBool(query.Get("refresh"))

	result, err := h.api.Discover(r.Context(), q, discovery.Options{ForceRefresh: refresh})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, discovery.ErrInvalidQuery) {
			status = http.StatusBadRequest
		}
		h.writeError(w, status, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, discoverResponse{Result: result, Stats: result.Stats()})
}

func (h *handler) serveInvalidate(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if err := h.api.Invalidate(r.Context(), scope); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrUnknownScope) {
			status = http.StatusBadRequest
		}
		h.writeError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) serveHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.api.Health())
}

func (h *handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{"error": message})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("response encode failed", slog.Any("error", err))
	}
}
