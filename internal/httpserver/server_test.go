package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tinytelemetry/accesstats/internal/duckdb"
	"github.com/tinytelemetry/accesstats/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*Server, *duckdb.Store, *gin.Engine) {
	t.Helper()
	store, err := duckdb.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := NewServer("", store, nil)
	srv.startTime = time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	srv.routes(r)

	return srv, store, r
}

func seedPoints(t *testing.T, store *duckdb.Store) {
	t.Helper()
	err := store.InsertPoints(context.Background(), []model.Point{
		{Measurement: "hits", Tags: map[string]string{"vhost": "a", "protocol": "https"}, Timestamp: 60, Value: 4, Integer: true},
		{Measurement: "hits", Tags: map[string]string{"vhost": "b", "protocol": "http"}, Timestamp: 60, Value: 1, Integer: true},
		{Measurement: "hits", Tags: map[string]string{"vhost": "a", "protocol": "https"}, Timestamp: 120, Value: 6, Integer: true},
		{Measurement: "bytes_sent", Tags: map[string]string{"vhost": "a", "protocol": "https"}, Timestamp: 60, Value: 2048, Integer: true},
	})
	if err != nil {
		t.Fatalf("InsertPoints: %v", err)
	}
}

func doGet(t *testing.T, r *gin.Engine, target string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if out != nil && w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("unmarshal %s: %v", target, err)
		}
	}
	return w.Code
}

func TestHealthEndpoint(t *testing.T) {
	_, store, r := newTestServer(t)
	seedPoints(t, store)

	var body map[string]any
	if code := doGet(t, r, "/api/health", &body); code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", code, http.StatusOK)
	}
	if body["status"] != "ok" {
		t.Errorf("health status = %v, want ok", body["status"])
	}
	if body["point_count"] != float64(4) {
		t.Errorf("point_count = %v, want 4", body["point_count"])
	}
}

func TestHealthEndpoint_WrongMethod(t *testing.T) {
	_, _, r := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed && w.Code != http.StatusNotFound {
		t.Errorf("health POST status = %d, want 405 or 404", w.Code)
	}
}

func TestMeasurementsEndpoint(t *testing.T) {
	_, store, r := newTestServer(t)

	var empty struct {
		Measurements []model.MeasurementStat `json:"measurements"`
	}
	if code := doGet(t, r, "/api/measurements", &empty); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if empty.Measurements == nil || len(empty.Measurements) != 0 {
		t.Fatalf("expected empty list, got %+v", empty.Measurements)
	}

	seedPoints(t, store)
	var body struct {
		Measurements []model.MeasurementStat `json:"measurements"`
	}
	if code := doGet(t, r, "/api/measurements", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(body.Measurements) != 2 {
		t.Fatalf("got %d measurements, want 2", len(body.Measurements))
	}
	if body.Measurements[1].Measurement != "hits" || body.Measurements[1].Points != 3 {
		t.Fatalf("hits stat = %+v", body.Measurements[1])
	}
}

func TestSeriesEndpoint(t *testing.T) {
	_, store, r := newTestServer(t)
	seedPoints(t, store)

	var body struct {
		Points []model.StoredPoint `json:"points"`
		Count  int                 `json:"count"`
	}
	if code := doGet(t, r, "/api/series?measurement=hits&tag.vhost=a", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.Count != 2 || len(body.Points) != 2 {
		t.Fatalf("got %d points, want 2", body.Count)
	}
	if body.Points[0].Value != 6 || body.Points[1].Value != 4 {
		t.Fatalf("expected newest first, got %+v", body.Points)
	}

	if code := doGet(t, r, "/api/series?measurement=hits&limit=1", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.Count != 1 {
		t.Fatalf("limit=1 returned %d points", body.Count)
	}
}

func TestSeriesEndpoint_BadRequests(t *testing.T) {
	_, _, r := newTestServer(t)

	for _, target := range []string{
		"/api/series",
		"/api/series?measurement=hits&limit=0",
		"/api/series?measurement=hits&limit=abc",
	} {
		if code := doGet(t, r, target, nil); code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", target, code)
		}
	}
}

type failingQuerier struct{}

var errStore = errors.New("store down")

func (failingQuerier) Measurements(context.Context) ([]model.MeasurementStat, error) {
	return nil, errStore
}

func (failingQuerier) Series(context.Context, model.SeriesQuery) ([]model.StoredPoint, error) {
	return nil, errStore
}

func (failingQuerier) TotalPointCount(context.Context) (int64, error) { return 0, errStore }

func TestEndpoints_StoreErrors(t *testing.T) {
	srv := NewServer("", failingQuerier{}, nil)
	r := gin.New()
	srv.routes(r)

	for _, target := range []string{"/api/health", "/api/measurements", "/api/series?measurement=hits"} {
		if code := doGet(t, r, target, nil); code != http.StatusInternalServerError {
			t.Errorf("%s status = %d, want 500", target, code)
		}
	}
}

func TestStartStop(t *testing.T) {
	store, err := duckdb.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	srv := NewServer("127.0.0.1:0", store, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + srv.Addr() + "/api/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
