package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vayu-dev/vayu-engine/model"
	"github.com/vayu-dev/vayu-engine/sandbox"
	"github.com/vayu-dev/vayu-engine/vayuerr"
)

// requestPayload is the POST /request body: a single request plus the
// optional environment/globals variable snapshots the scripts run against,
// per spec section 4.H's single-shot "send" action used by the request
// builder, distinct from a load run.
type requestPayload struct {
	Request model.Request     `json:"request"`
	Env     map[string]string `json:"environment,omitempty"`
	Globals map[string]string `json:"globals,omitempty"`
}

type requestResponse struct {
	Response *model.Response      `json:"response,omitempty"`
	PreTest  *sandbox.ScriptResult `json:"preRequestResult,omitempty"`
	PostTest *sandbox.ScriptResult `json:"postRequestResult,omitempty"`
}

// handleRequest dispatches a single request through the shared event loop,
// synchronously, running its pre/post scripts inline regardless of load
// mode — this endpoint only ever sends one request at a time.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var body requestPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, vayuerr.New(vayuerr.KindEngineError, "invalid JSON body"))
		return
	}

	req := body.Request
	env := sandbox.NewVarStoreFrom(body.Env)
	globals := sandbox.NewVarStoreFrom(body.Globals)
	coll := sandbox.NewVarStore()

	out := requestResponse{}

	sc, err := s.sandbox.Acquire(r.Context())
	if err != nil {
		writeError(w, vayuerr.Wrap(vayuerr.KindEngineError, "acquire sandbox", err))
		return
	}

	if req.PreRequestScript != "" {
		mutated, result, err := sc.ExecutePrerequest(req.PreRequestScript, &req, env, globals, coll)
		out.PreTest = result
		if err == nil && mutated != nil {
			req = *mutated
		}
	}

	_, future := s.loop.SubmitAsync(&req)
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(req.TimeoutMS+2000)*time.Millisecond)
	outcome, err := future.Wait(ctx)
	cancel()
	if err != nil {
		s.sandbox.Release(sc)
		writeError(w, vayuerr.Wrap(vayuerr.KindTimeout, "request did not complete", err))
		return
	}
	if outcome.Err != nil {
		s.sandbox.Release(sc)
		writeError(w, outcome.Err)
		return
	}

	out.Response = outcome.Response
	if req.PostRequestScript != "" {
		result, _ := sc.ExecuteTest(req.PostRequestScript, &req, outcome.Response, env, globals, coll)
		out.PostTest = result
	}
	s.sandbox.Release(sc)

	writeJSON(w, http.StatusOK, out)
}
