package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tranche/internal/app/strategy"
	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/infra/config"
)

type stubStrategy struct {
	variant strategy.Variant
	config  string
	status  strategy.Status
}

func (s *stubStrategy) Variant() strategy.Variant                                   { return s.variant }
func (s *stubStrategy) Bind(strategy.ID)                                            {}
func (s *stubStrategy) SyncState(context.Context) error                             { return nil }
func (s *stubStrategy) Status() strategy.Status                                     { return s.status }
func (s *stubStrategy) ProcessEvent(context.Context, events.Event) []*action.Handle { return nil }

type fakeController struct {
	mu       sync.Mutex
	nextID   strategy.ID
	active   map[strategy.ID]strategy.Strategy
	startErr error
	dropErr  error
}

func newFakeController() *fakeController {
	return &fakeController{active: make(map[strategy.ID]strategy.Strategy)}
}

func (f *fakeController) Variants() []strategy.Variant {
	return []strategy.Variant{"sniper", "volume"}
}

func (f *fakeController) Build(variant strategy.Variant, config []byte) (strategy.Strategy, error) {
	if variant != "volume" && variant != "sniper" {
		return nil, fmt.Errorf("%w: %s", strategy.ErrUnknownVariant, variant)
	}
	if strings.Contains(string(config), "invalid") {
		return nil, errors.New("build volume strategy: pool required")
	}
	return &stubStrategy{variant: variant, config: string(config)}, nil
}

func (f *fakeController) StartStrategy(_ context.Context, s strategy.Strategy) (strategy.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.nextID++
	f.active[f.nextID] = s
	return f.nextID, nil
}

func (f *fakeController) DropStrategy(_ context.Context, id strategy.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[id]; !ok {
		return fmt.Errorf("%w: %d", strategy.ErrStrategyNotFound, id)
	}
	delete(f.active, id)
	return f.dropErr
}

func (f *fakeController) ActiveStrategies() map[strategy.ID]strategy.Strategy {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[strategy.ID]strategy.Strategy, len(f.active))
	for id, s := range f.active {
		out[id] = s
	}
	return out
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestStartListAndDropStrategy(t *testing.T) {
	ctrl := newFakeController()
	h := NewHandler(config.EnvDev, ctrl, nil)

	rec := serve(t, h, http.MethodPost, "/strategies", `{"variant":" Volume ","config":{"pool":"abc"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[strategyView](t, rec)
	if created.ID != 1 || created.Variant != "volume" {
		t.Fatalf("unexpected created view %+v", created)
	}
	if cfg := ctrl.active[1].(*stubStrategy).config; cfg != `{"pool":"abc"}` {
		t.Fatalf("config not forwarded verbatim: %s", cfg)
	}

	rec = serve(t, h, http.MethodPost, "/strategies", `{"variant":"sniper"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if cfg := ctrl.active[2].(*stubStrategy).config; cfg != "{}" {
		t.Fatalf("missing config should default to an empty object, got %s", cfg)
	}

	rec = serve(t, h, http.MethodGet, "/strategies", "")
	listing := decode[struct {
		Strategies []strategyView `json:"strategies"`
		Variants   []string       `json:"variants"`
	}](t, rec)
	if len(listing.Strategies) != 2 || listing.Strategies[0].ID != 1 || listing.Strategies[1].ID != 2 {
		t.Fatalf("expected strategies sorted by id, got %+v", listing.Strategies)
	}
	if len(listing.Variants) != 2 {
		t.Fatalf("expected variants in listing, got %v", listing.Variants)
	}

	rec = serve(t, h, http.MethodGet, "/strategies/2", "")
	if rec.Code != http.StatusOK || decode[strategyView](t, rec).Variant != "sniper" {
		t.Fatalf("unexpected detail response %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(t, h, http.MethodDelete, "/strategies/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on drop, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := ctrl.active[1]; ok {
		t.Fatalf("strategy 1 should be dropped")
	}

	rec = serve(t, h, http.MethodDelete, "/strategies/1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 dropping twice, got %d", rec.Code)
	}
}

func TestStartStrategyErrors(t *testing.T) {
	ctrl := newFakeController()
	h := NewHandler(config.EnvDev, ctrl, nil)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{"variant":`, http.StatusBadRequest},
		{"missing variant", `{"config":{}}`, http.StatusBadRequest},
		{"unknown variant", `{"variant":"arbitrage"}`, http.StatusBadRequest},
		{"factory rejects config", `{"variant":"volume","config":{"pool":"invalid"}}`, http.StatusBadRequest},
		{"too large", `{"variant":"volume","config":{"pad":"` + strings.Repeat("x", int(maxJSONBodyBytes)) + `"}}`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(t, h, http.MethodPost, "/strategies", tc.body)
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d: %s", tc.code, rec.Code, rec.Body.String())
			}
		})
	}

	ctrl.startErr = errors.New("persist volume strategy: connection refused")
	rec := serve(t, h, http.MethodPost, "/strategies", `{"variant":"volume"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when the store fails, got %d", rec.Code)
	}
}

func TestStrategyIDValidation(t *testing.T) {
	h := NewHandler(config.EnvDev, newFakeController(), nil)
	if rec := serve(t, h, http.MethodGet, "/strategies/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric id, got %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodGet, "/strategies/7", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodGet, "/strategies/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing id, got %d", rec.Code)
	}
}

func TestDropStoreFailureIsServerError(t *testing.T) {
	ctrl := newFakeController()
	ctrl.active[5] = &stubStrategy{variant: "volume"}
	ctrl.dropErr = errors.New("mark strategy 5 completed: timeout")
	h := NewHandler(config.EnvDev, ctrl, nil)
	if rec := serve(t, h, http.MethodDelete, "/strategies/5", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := NewHandler(config.EnvDev, newFakeController(), nil)
	rec := serve(t, h, http.MethodPut, "/strategies", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != "GET, POST" {
		t.Fatalf("unexpected Allow header %q", allow)
	}
	if rec := serve(t, h, http.MethodOptions, "/strategies", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected CORS preflight 204, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	ctrl := newFakeController()
	ctrl.active[1] = &stubStrategy{variant: "volume", status: strategy.Status{Details: map[string]string{"phase": "buying"}}}

	h := NewHandler(config.EnvProd, ctrl, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	})
	rec := serve(t, h, http.MethodGet, "/healthz", "")
	body := decode[map[string]any](t, rec)
	if rec.Code != http.StatusOK || body["status"] != "ok" || body["environment"] != "prod" {
		t.Fatalf("unexpected health response %d: %v", rec.Code, body)
	}
	if body["strategies"] != float64(1) {
		t.Fatalf("expected strategy count 1, got %v", body["strategies"])
	}

	h = NewHandler(config.EnvProd, ctrl, map[string]HealthCheck{
		"journal": func(context.Context) error { return errors.New("dial tcp: refused") },
	})
	rec = serve(t, h, http.MethodGet, "/healthz", "")
	body = decode[map[string]any](t, rec)
	if rec.Code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("expected degraded health, got %d: %v", rec.Code, body)
	}
}
