package web

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/jnesss/cpu-guardian/anomaly"
	"github.com/jnesss/cpu-guardian/correlation"
)

func TestStatusHandler(t *testing.T) {
	state := NewState()
	state.Publish(StatusSnapshot{
		Phase:          "detecting",
		TotalSamples:   1000,
		AnomalySamples: 12,
		RingFill:       3,
		RingCapacity:   8192,
		AnomalyPercent: 1.2,
	}, nil, anomaly.Baseline{})

	srv := NewServer(nil, state, ":0")

	rec := httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest("GET", "/api/status", nil))

	var got StatusSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if got.Phase != "detecting" || got.TotalSamples != 1000 || got.RingCapacity != 8192 {
		t.Errorf("status mismatch: %+v", got)
	}
}

func TestRisksHandler(t *testing.T) {
	state := NewState()
	state.Publish(StatusSnapshot{}, []correlation.RiskEntry{
		{PID: 10, Comm: "stress-ng", AnomalyScore: 0.8, TotalSamples: 5, SuspiciousSamples: 4, Active: true},
	}, anomaly.Baseline{})

	srv := NewServer(nil, state, ":0")

	rec := httptest.NewRecorder()
	srv.handleRisks(rec, httptest.NewRequest("GET", "/api/risks", nil))

	var got []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d risks, want 1", len(got))
	}
	if got[0]["comm"] != "stress-ng" {
		t.Errorf("comm: got %v", got[0]["comm"])
	}
}

func TestBaselineHandler(t *testing.T) {
	state := NewState()
	state.Publish(StatusSnapshot{}, nil, anomaly.Baseline{
		MeanIPC:     1.5,
		StdIPC:      0.05,
		SampleCount: 60000,
		Ready:       true,
	})

	srv := NewServer(nil, state, ":0")

	rec := httptest.NewRecorder()
	srv.handleBaseline(rec, httptest.NewRequest("GET", "/api/baseline", nil))

	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if got["ready"] != true {
		t.Errorf("ready: got %v", got["ready"])
	}
	if got["mean_ipc"].(float64) != 1.5 {
		t.Errorf("mean_ipc: got %v", got["mean_ipc"])
	}
}
