package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meridian-quant/backtest-engine/internal/marketdata"
	"github.com/meridian-quant/backtest-engine/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	base := types.SimulationConfig{
		InitialCapital:     decimal.NewFromInt(100_000),
		Strategies:         types.CanonicalStrategies(),
		StartDate:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:            time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		RebalanceFrequency: types.RebalanceWeekly,
		MinTradeValue:      decimal.NewFromInt(100),
		OrderSettings:      types.DefaultOrderSettings(),
	}
	return NewServer(
		zap.NewNop(),
		nil, // no scheduler in API tests
		prometheus.NewRegistry(),
		marketdata.NewMockProvider(1),
		marketdata.FixedSignalSource{},
		base,
		types.DefaultRiskFileConfig(),
	)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("body = %v", body)
	}
}

func TestSchedulerStatusWithoutScheduler(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/v1/scheduler/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestRunBacktestLifecycle(t *testing.T) {
	s := newTestServer(t)

	payload := map[string]interface{}{
		"runId":      "test-run",
		"strategies": []string{"momentum"},
	}
	raw, _ := json.Marshal(payload)

	req := httptest.NewRequest("POST", "/api/v1/backtest/run", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Poll until the short run completes.
	deadline := time.After(5 * time.Second)
	for {
		req = httptest.NewRequest("GET", "/api/v1/backtest/test-run", nil)
		rec = httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var state struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
			t.Fatal(err)
		}
		if state.Status == "completed" {
			break
		}
		if state.Status == "failed" {
			t.Fatalf("run failed: %s", state.Error)
		}
		select {
		case <-deadline:
			t.Fatal("run never completed")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestGetUnknownBacktest(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/v1/backtest/nope", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestInvalidBacktestConfigRejected(t *testing.T) {
	s := newTestServer(t)

	// Explicitly empty strategy list is a fatal configuration error.
	req := httptest.NewRequest("POST", "/api/v1/backtest/run", bytes.NewReader([]byte(`{"strategies": []}`)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMetricsEndpointServed(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
