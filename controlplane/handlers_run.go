package controlplane

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/vayu-dev/vayu-engine/metricscollector"
	"github.com/vayu-dev/vayu-engine/model"
	"github.com/vayu-dev/vayu-engine/schemadrift"
	"github.com/vayu-dev/vayu-engine/storage"
	"github.com/vayu-dev/vayu-engine/vayuerr"
)

// handleRunStart starts a new load run from a posted model.RunConfig, per
// spec section 4.H's POST /run.
func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	var cfg model.RunConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, vayuerr.New(vayuerr.KindEngineError, "invalid JSON body"))
		return
	}
	runID, err := s.runs.StartRun(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID, "status": "starting"})
}

// handleRunStop requests a graceful stop and waits for the final summary.
func (s *Server) handleRunStop(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	summary, err := s.runs.StopRun(runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleRunGet returns the run's current status (spec section 4.H's
// get_run). Falls back to storage for a run from a prior process lifetime,
// since the in-memory registry does not survive a restart.
func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if rc, ok := s.runs.GetRun(runID); ok {
		status, errMsg := rc.Status()
		writeJSON(w, http.StatusOK, map[string]any{
			"runId": runID, "status": status, "errorMessage": errMsg,
			"startedAt": rc.StartedAt,
		})
		return
	}

	row, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, vayuerr.Wrap(vayuerr.KindEngineError, "load run", err))
		return
	}
	if row == nil {
		writeError(w, vayuerr.New(vayuerr.KindNotFound, "run not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runId": row.ID, "status": row.Status, "startedAt": row.StartTime,
		"endedAt": row.EndTime, "errorMessage": row.ErrorMessage,
	})
}

// reportResponse is the terminal report shape for GET /run/{id}/report.
type reportResponse struct {
	Totals      metricscollector.Totals       `json:"totals"`
	Percentiles *metricscollector.Percentiles `json:"percentiles,omitempty"`
	Histogram   map[int]uint64                `json:"statusHistogram"`
	Errors      []model.ResultRecord          `json:"errors"`
	SchemaDrift []schemadrift.Drift           `json:"schemaDrift,omitempty"`
}

// handleRunReport returns the run's terminal aggregate report: totals,
// latency percentiles, the status-code histogram, and recorded errors, per
// spec section 4.F's "final report" shape computed at the stopping ->
// completed transition.
func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	rc, ok := s.runs.GetRun(runID)
	if !ok {
		writeError(w, vayuerr.New(vayuerr.KindNotFound, "run not found"))
		return
	}
	c := rc.Collector()
	writeJSON(w, http.StatusOK, reportResponse{
		Totals:      c.LoadTotals(),
		Percentiles: c.Percentiles(),
		Histogram:   c.StatusHistogram(),
		Errors:      c.Errors(),
		SchemaDrift: rc.SchemaDrift(),
	})
}

// handleRunStats returns one live snapshot, for clients that poll rather
// than stream.
func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	rc, ok := s.runs.GetRun(runID)
	if !ok {
		writeError(w, vayuerr.New(vayuerr.KindNotFound, "run not found"))
		return
	}
	writeJSON(w, http.StatusOK, rc.Collector().Snapshot(rc.StartedAt, rc.Outstanding()))
}

// handleRunTimeseries paginates stored metric points for charting, per
// spec section 4.H.
func (s *Server) handleRunTimeseries(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	points, err := s.store.ListMetricPoints(r.Context(), runID, storage.TimeWindow{}, storage.Pagination{Offset: offset, Limit: limit})
	if err != nil {
		writeError(w, vayuerr.Wrap(vayuerr.KindEngineError, "list metric points", err))
		return
	}
	writeJSON(w, http.StatusOK, points)
}
