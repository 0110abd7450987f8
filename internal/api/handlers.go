// Package api serves the strategist's operator endpoints: liveness,
// readiness, a JSON status document and the Prometheus registry.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slyt3/strategist/internal/assert"
	"github.com/slyt3/strategist/internal/engine"
	"github.com/slyt3/strategist/internal/logging"
	"github.com/slyt3/strategist/internal/models"
)

// StatusSource is the engine view the handlers read.
type StatusSource interface {
	Snapshot() engine.Snapshot
}

// JournalSource is the journal view the handlers read.
type JournalSource interface {
	IsHealthy() bool
	RunID() string
	LastOutcome() (*models.Entry, error)
}

// Handlers holds the sources behind every endpoint. Journal may be nil when
// the process runs without a journal.
type Handlers struct {
	Engine   StatusSource
	Journal  JournalSource
	Registry *prometheus.Registry
}

// NewHandlers returns handlers over the given sources.
func NewHandlers(eng StatusSource, journal JournalSource, reg *prometheus.Registry) *Handlers {
	return &Handlers{Engine: eng, Journal: journal, Registry: reg}
}

// StatusResponse is the /status document.
type StatusResponse struct {
	Engine         engine.Snapshot `json:"engine"`
	JournalRunID   string          `json:"journal_run_id,omitempty"`
	JournalHealthy bool            `json:"journal_healthy"`
	LastJournaled  *JournaledEntry `json:"last_journaled_outcome,omitempty"`
}

// JournaledEntry is the last phase outcome found in the journal, possibly
// from an earlier run.
type JournaledEntry struct {
	RunID     string    `json:"run_id"`
	Phase     string    `json:"phase"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := assert.NotNil(h, "handlers"); err != nil {
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		logging.Error("health_write_failed", logging.Fields{Component: "api", Error: err.Error()})
	}
}

// HandleReady reports 200 once the engine loop runs and the journal has not
// failed a write.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := assert.NotNil(h, "handlers"); err != nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := assert.NotNil(h.Engine, "engine"); err != nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if !h.Engine.Snapshot().Running {
		http.Error(w, "engine not running", http.StatusServiceUnavailable)
		return
	}
	if h.Journal != nil && !h.Journal.IsHealthy() {
		http.Error(w, "journal unhealthy", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ready")); err != nil {
		logging.Error("ready_write_failed", logging.Fields{Component: "api", Error: err.Error()})
	}
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := assert.NotNil(h.Engine, "engine"); err != nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := StatusResponse{Engine: h.Engine.Snapshot()}
	if h.Journal != nil {
		resp.JournalRunID = h.Journal.RunID()
		resp.JournalHealthy = h.Journal.IsHealthy()
		last, err := h.Journal.LastOutcome()
		if err != nil {
			logging.Warn("status_last_outcome_failed", logging.Fields{Component: "api", Error: err.Error()})
		} else if last != nil {
			resp.LastJournaled = &JournaledEntry{
				RunID:     last.RunID,
				Phase:     last.Phase,
				Status:    last.Status,
				Detail:    last.Detail,
				TxHash:    last.TxHash,
				Timestamp: last.Timestamp,
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Error("status_encode_failed", logging.Fields{Component: "api", Error: err.Error()})
	}
}

// HandlePrometheus serves the registry in the text exposition format.
func (h *Handlers) HandlePrometheus() http.Handler {
	if h.Registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{Registry: h.Registry})
}

// Routes mounts every endpoint on a new mux.
func (h *Handlers) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.HandleHealth)
	mux.HandleFunc("/readyz", h.HandleReady)
	mux.HandleFunc("/status", h.HandleStatus)
	mux.Handle("/metrics", h.HandlePrometheus())
	return mux
}

// NewServer returns an http.Server for addr with conservative timeouts.
func NewServer(addr string, h *Handlers) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}
