package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/trilliondigital/near-me-sub005/internal/logging"
	"github.com/trilliondigital/near-me-sub005/internal/monitor"
	"github.com/trilliondigital/near-me-sub005/internal/notifications"
	"github.com/trilliondigital/near-me-sub005/internal/testutil"
)

type testEnv struct {
	srv      *Server
	monitor  *monitor.Monitor
	service  *notifications.Service
	provider *testutil.FakeProvider
}

// recordingSubscriber accepts every reminder
type recordingSubscriber struct {
	mu        sync.Mutex
	reminders []notifications.Reminder
}

func (s *recordingSubscriber) ID() string { return "recorder" }

func (s *recordingSubscriber) Send(r notifications.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reminders = append(s.reminders, r)
	return nil
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	db := testutil.TestDB(t)

	env := &testEnv{
		service:  notifications.NewService(db, logging.Nop()),
		provider: testutil.NewFakeProvider(),
	}

	cfg := monitor.DefaultConfig()
	cfg.BatchWindow = 0
	env.monitor = monitor.New(cfg, env.provider, env.service, db, logging.Nop())
	if err := env.monitor.Start(testutil.TestContext(t)); err != nil {
		t.Fatalf("monitor Start() error = %v", err)
	}
	t.Cleanup(func() { env.monitor.Stop(context.Background()) })

	scfg := Config{
		Monitor:       env.monitor,
		Notifications: env.service,
		Logger:        logging.Nop(),
	}
	if mutate != nil {
		mutate(&scfg)
	}
	env.srv = New(scfg)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return resp
}

var groceryPlace = map[string]interface{}{
	"label": "Market",
	"lat":   testutil.Grocery.Lat,
	"lon":   testutil.Grocery.Lon,
}

// ============================================================================
// Task Tests
// ============================================================================

func TestAPI_TaskLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "POST", "/api/v1/tasks/grocery/places", groceryPlace)
	if rr.Code != http.StatusCreated {
		t.Fatalf("add place: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, "POST", "/api/v1/tasks/grocery/activate", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := decode(t, rr)["geofences"].([]interface{}); len(got) != 5 {
		t.Errorf("activate returned %d geofences, want 5", len(got))
	}
	if _, ok := decode(t, rr)["warning"]; ok {
		t.Error("full activation should not carry a warning")
	}

	rr = env.do(t, "GET", "/api/v1/geofences", nil)
	if got := decode(t, rr)["count"].(float64); got != 5 {
		t.Errorf("geofence count = %v, want 5", got)
	}

	rr = env.do(t, "GET", "/api/v1/tasks", nil)
	resp := decode(t, rr)
	if tasks := resp["tasks"].([]interface{}); len(tasks) != 1 {
		t.Errorf("tasks = %v", tasks)
	}
	if active := resp["active"].([]interface{}); len(active) != 1 || active[0] != "grocery" {
		t.Errorf("active = %v", active)
	}

	rr = env.do(t, "POST", "/api/v1/tasks/grocery/deactivate", nil)
	if got := decode(t, rr)["removed"].(float64); got != 5 {
		t.Errorf("removed = %v, want 5", got)
	}

	rr = env.do(t, "DELETE", "/api/v1/tasks/grocery", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("delete: expected 200, got %d", rr.Code)
	}
	rr = env.do(t, "DELETE", "/api/v1/tasks/grocery", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", rr.Code)
	}
}

func TestAPI_AddPlaceSelectedTiers(t *testing.T) {
	env := newTestEnv(t, nil)

	body := map[string]interface{}{
		"lat":   testutil.Grocery.Lat,
		"lon":   testutil.Grocery.Lon,
		"tiers": []string{"arrival", "post_arrival"},
	}
	if rr := env.do(t, "POST", "/api/v1/tasks/pharmacy/places", body); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	specs, err := env.monitor.Tasks().GeofencesForTask(context.Background(), "pharmacy")
	if err != nil {
		t.Fatalf("GeofencesForTask() error = %v", err)
	}
	if len(specs) != 2 {
		t.Errorf("stored %d tiers, want 2", len(specs))
	}
}

func TestAPI_TaskErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"activate unknown task", "POST", "/api/v1/tasks/missing/activate", nil, http.StatusNotFound},
		{"invalid json", "POST", "/api/v1/tasks/t1/places", "invalid", http.StatusBadRequest},
		{"out of range latitude", "POST", "/api/v1/tasks/t1/places", map[string]interface{}{"lat": 91, "lon": 0}, http.StatusBadRequest},
		{"unknown tier", "POST", "/api/v1/tasks/t1/places", map[string]interface{}{"lat": 1, "lon": 1, "tiers": []string{"nearby"}}, http.StatusBadRequest},
		{"unknown field", "POST", "/api/v1/tasks/t1/places", map[string]interface{}{"lat": 1, "lon": 1, "radius": 5}, http.StatusBadRequest},
		{"delete unknown task", "DELETE", "/api/v1/tasks/missing", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, tt.method, tt.path, tt.body)
			if rr.Code != tt.want {
				t.Errorf("expected status %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
			if _, ok := decode(t, rr)["error"]; !ok {
				t.Error("error responses should carry an error message")
			}
		})
	}
}

// ============================================================================
// Power and Lifecycle Tests
// ============================================================================

func TestAPI_EmergencyPowerSave(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "POST", "/api/v1/power/emergency", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := decode(t, rr)["to"]; got != "minimal" {
		t.Errorf("transition to = %v, want minimal", got)
	}
	if !env.monitor.Status().Optimization.Emergency {
		t.Error("emergency should be active")
	}

	rr = env.do(t, "DELETE", "/api/v1/power/emergency", nil)
	resp := decode(t, rr)
	if resp["changed"] != true || resp["level"] != "balanced" {
		t.Errorf("deactivate response = %v", resp)
	}
}

func TestAPI_Lifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	if rr := env.do(t, "POST", "/api/v1/lifecycle/background", nil); rr.Code != http.StatusOK {
		t.Errorf("background: expected 200, got %d", rr.Code)
	}
	if env.monitor.Status().Foreground {
		t.Error("monitor should be backgrounded")
	}

	rr := env.do(t, "POST", "/api/v1/lifecycle/resume", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if _, ok := decode(t, rr)["expected"]; !ok {
		t.Errorf("resume response = %s", rr.Body.String())
	}
	if !env.monitor.Status().Foreground {
		t.Error("monitor should be foregrounded")
	}
}

func TestAPI_StatusAndMetricsReset(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "GET", "/api/v1/status", nil)
	resp := decode(t, rr)
	if resp["running"] != true {
		t.Errorf("status = %v", resp)
	}
	if _, ok := resp["device"]; ok {
		t.Error("device status should be omitted without a bridge")
	}

	rr = env.do(t, "POST", "/api/v1/metrics/reset", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("reset: expected 200, got %d", rr.Code)
	}
	if got := decode(t, rr)["battery_level"]; got != float64(100) {
		t.Errorf("battery_level after reset = %v", got)
	}
}

func TestAPI_Health(t *testing.T) {
	env := newTestEnv(t, nil)
	if rr := env.do(t, "GET", "/health", nil); rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}
