// Package httpserver exposes the HTTP control surface for running strategies.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tranche/internal/app/strategy"
	"github.com/coachpo/tranche/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	strategiesPath       = "/strategies"
	strategyDetailPrefix = strategiesPath + "/"
	healthPath           = "/healthz"
)

// Controller is the part of the strategy manager the control API drives.
type Controller interface {
	Variants() []strategy.Variant
	Build(variant strategy.Variant, config []byte) (strategy.Strategy, error)
	StartStrategy(ctx context.Context, s strategy.Strategy) (strategy.ID, error)
	DropStrategy(ctx context.Context, id strategy.ID) error
	ActiveStrategies() map[strategy.ID]strategy.Strategy
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	manager     Controller
	checks      map[string]HealthCheck
}

type strategyView struct {
	ID        strategy.ID       `json:"id"`
	Variant   strategy.Variant  `json:"variant"`
	Stopped   bool              `json:"stopped"`
	Completed bool              `json:"completed"`
	Details   map[string]string `json:"details,omitempty"`
}

type startPayload struct {
	Variant string          `json:"variant"`
	Config  json.RawMessage `json:"config"`
}

// NewHandler creates the control API handler. checks are run by /healthz.
func NewHandler(environment config.Environment, manager Controller, checks map[string]HealthCheck) http.Handler {
	server := &httpServer{environment: environment, manager: manager, checks: checks}
	mux := http.NewServeMux()

	mux.Handle(strategiesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listStrategies,
		http.MethodPost: server.startStrategy,
	}))
	mux.Handle(strategyDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.getStrategy,
		http.MethodDelete: server.dropStrategy,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) listStrategies(w http.ResponseWriter, _ *http.Request) {
	active := s.manager.ActiveStrategies()
	views := make([]strategyView, 0, len(active))
	for id, st := range active {
		views = append(views, viewOf(id, st))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{
		"strategies": views,
		"variants":   s.manager.Variants(),
	})
}

func (s *httpServer) startStrategy(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	payload, err := decodeStartPayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	st, err := s.manager.Build(strategy.Variant(payload.Variant), payload.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.manager.StartStrategy(r.Context(), st)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(id, st))
}

func (s *httpServer) getStrategy(w http.ResponseWriter, r *http.Request) {
	id, ok := parseStrategyID(w, r)
	if !ok {
		return
	}
	st, found := s.manager.ActiveStrategies()[id]
	if !found {
		writeError(w, http.StatusNotFound, "strategy not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(id, st))
}

func (s *httpServer) dropStrategy(w http.ResponseWriter, r *http.Request) {
	id, ok := parseStrategyID(w, r)
	if !ok {
		return
	}
	if err := s.manager.DropStrategy(r.Context(), id); err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "dropped", "id": id})
}

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	failures := make(map[string]string)
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	body := map[string]any{
		"environment": s.environment,
		"strategies":  len(s.manager.ActiveStrategies()),
	}
	if len(failures) > 0 {
		body["status"] = "degraded"
		body["failures"] = failures
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ok"
	writeJSON(w, http.StatusOK, body)
}

func (s *httpServer) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, strategy.ErrStrategyNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, strategy.ErrUnknownVariant):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func viewOf(id strategy.ID, st strategy.Strategy) strategyView {
	status := st.Status()
	return strategyView{
		ID:        id,
		Variant:   st.Variant(),
		Stopped:   status.Stopped,
		Completed: status.Completed,
		Details:   status.Details,
	}
}

func parseStrategyID(w http.ResponseWriter, r *http.Request) (strategy.ID, bool) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, strategyDetailPrefix), "/")
	if raw == "" {
		writeError(w, http.StatusNotFound, "strategy id required")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid strategy id %q", raw))
		return 0, false
	}
	return id, true
}

func decodeStartPayload(r *http.Request) (startPayload, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload startPayload
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return payload, fmt.Errorf("read payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	payload.Variant = strings.ToLower(strings.TrimSpace(payload.Variant))
	if payload.Variant == "" {
		return payload, fmt.Errorf("variant required")
	}
	if len(payload.Config) == 0 || string(payload.Config) == "null" {
		payload.Config = json.RawMessage("{}")
	}
	return payload, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
