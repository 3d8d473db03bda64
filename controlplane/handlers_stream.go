package controlplane

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vayu-dev/vayu-engine/vayuerr"
)

// handleRunStream streams live stats snapshots as Server-Sent Events until
// the run reaches a terminal state or the client disconnects, generalizing
// the teacher's dashboard.Server metrics-stream handler (per-subscriber
// buffered channel, registered/unregistered under a dedicated mutex,
// dropped rather than blocked on a slow reader) from one fixed metrics feed
// to any run's feed.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	rc, ok := s.runs.GetRun(runID)
	if !ok {
		writeError(w, vayuerr.New(vayuerr.KindNotFound, "run not found or already terminal"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, vayuerr.New(vayuerr.KindEngineError, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if rc.IsTerminal() {
		snap := rc.Collector().Snapshot(rc.StartedAt, 0)
		data, _ := json.Marshal(snap)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		return
	}

	ch := s.subscribe(runID)
	defer s.unsubscribe(runID, ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if rc.IsTerminal() {
				return
			}
		}
	}
}
