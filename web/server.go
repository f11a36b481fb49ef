// Package web serves the observability surface: a small JSON status API
// over the detector's published snapshots and SQLite history, plus
// Prometheus metrics. The detection loop never shares mutable state with
// handlers; it publishes copies into State at its own cadence.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jnesss/cpu-guardian/anomaly"
	"github.com/jnesss/cpu-guardian/correlation"
	"github.com/jnesss/cpu-guardian/database"
)

// StatusSnapshot is the loop's published view of its own health.
type StatusSnapshot struct {
	Phase          string  `json:"phase"`
	TotalSamples   uint64  `json:"total_samples"`
	AnomalySamples uint64  `json:"anomaly_samples"`
	DroppedSamples uint64  `json:"dropped_samples"`
	RingFill       uint64  `json:"ring_fill"`
	RingCapacity   uint64  `json:"ring_capacity"`
	AnomalyPercent float64 `json:"anomaly_percent"`
}

// State holds the snapshots the handlers read. All methods are safe for
// concurrent use.
type State struct {
	mu       sync.RWMutex
	status   StatusSnapshot
	risks    []correlation.RiskEntry
	baseline anomaly.Baseline
}

// NewState returns an empty state.
func NewState() *State {
	return &State{}
}

// Publish replaces the published snapshots.
func (s *State) Publish(status StatusSnapshot, risks []correlation.RiskEntry, baseline anomaly.Baseline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.risks = risks
	s.baseline = baseline
}

func (s *State) snapshot() (StatusSnapshot, []correlation.RiskEntry, anomaly.Baseline) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, s.risks, s.baseline
}

// Server is the status HTTP server.
type Server struct {
	db         *database.DB
	state      *State
	listenAddr string
}

// NewServer creates a server over the given state and alert history.
func NewServer(db *database.DB, state *State, listenAddr string) *Server {
	return &Server{
		db:         db,
		state:      state,
		listenAddr: listenAddr,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/api/risks", s.handleRisks)
	mux.HandleFunc("/api/baseline", s.handleBaseline)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    s.listenAddr,
		Handler: mux,
	}

	fmt.Printf("Starting web server on %s\n", s.listenAddr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[web] encode response: %v", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, _, _ := s.state.snapshot()
	writeJSON(w, status)
}

func (s *Server) handleRisks(w http.ResponseWriter, r *http.Request) {
	_, risks, _ := s.state.snapshot()
	type riskJSON struct {
		PID               int     `json:"pid"`
		Comm              string  `json:"comm"`
		AnomalyScore      float32 `json:"anomaly_score"`
		TotalSamples      uint64  `json:"total_samples"`
		SuspiciousSamples uint64  `json:"suspicious_samples"`
	}
	out := make([]riskJSON, 0, len(risks))
	for _, e := range risks {
		out = append(out, riskJSON{
			PID:               e.PID,
			Comm:              e.Comm,
			AnomalyScore:      e.AnomalyScore,
			TotalSamples:      e.TotalSamples,
			SuspiciousSamples: e.SuspiciousSamples,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	_, _, baseline := s.state.snapshot()
	writeJSON(w, map[string]interface{}{
		"ready":                 baseline.Ready,
		"sample_count":          baseline.SampleCount,
		"mean_cache_miss_rate":  baseline.MeanCacheMissRate,
		"std_cache_miss_rate":   baseline.StdCacheMissRate,
		"mean_branch_miss_rate": baseline.MeanBranchMissRate,
		"std_branch_miss_rate":  baseline.StdBranchMissRate,
		"mean_ipc":              baseline.MeanIPC,
		"std_ipc":               baseline.StdIPC,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, []database.AlertRecord{})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	records, err := s.db.RecentAlerts(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, records)
}
