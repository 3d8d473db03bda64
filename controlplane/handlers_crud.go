package controlplane

import (
	"encoding/json"
	"net/http"

	"github.com/vayu-dev/vayu-engine/storage"
	"github.com/vayu-dev/vayu-engine/vayuerr"
)

// Collection, Request, and Environment CRUD are thin passthroughs over the
// storage layer (spec section 4.H names these endpoints but delegates the
// request-builder data model to the same "external collaborator" storage
// already implements).

type createCollectionRequest struct {
	Name      string `json:"name"`
	ParentID  string `json:"parentId,omitempty"`
	Variables string `json:"variablesJson,omitempty"`
}

func (s *Server) handleCollectionCreate(w http.ResponseWriter, r *http.Request) {
	var body createCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, vayuerr.New(vayuerr.KindEngineError, "invalid JSON body"))
		return
	}
	id, err := s.store.CreateCollection(r.Context(), body.Name, body.ParentID, body.Variables)
	if err != nil {
		writeError(w, vayuerr.Wrap(vayuerr.KindEngineError, "create collection", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleCollectionGet(w http.ResponseWriter, r *http.Request) {
	row, err := s.store.GetCollection(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, vayuerr.Wrap(vayuerr.KindEngineError, "load collection", err))
		return
	}
	if row == nil {
		writeError(w, vayuerr.New(vayuerr.KindNotFound, "collection not found"))
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleRequestCreate(w http.ResponseWriter, r *http.Request) {
	var body storage.RequestRow
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, vayuerr.New(vayuerr.KindEngineError, "invalid JSON body"))
		return
	}
	id, err := s.store.CreateRequest(r.Context(), body)
	if err != nil {
		writeError(w, vayuerr.Wrap(vayuerr.KindEngineError, "create request", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleRequestGet(w http.ResponseWriter, r *http.Request) {
	row, err := s.store.GetRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, vayuerr.Wrap(vayuerr.KindEngineError, "load request", err))
		return
	}
	if row == nil {
		writeError(w, vayuerr.New(vayuerr.KindNotFound, "request not found"))
		return
	}
	writeJSON(w, http.StatusOK, row)
}

type createEnvironmentRequest struct {
	Name      string `json:"name"`
	Variables string `json:"variablesJson,omitempty"`
	Active    bool   `json:"active,omitempty"`
}

func (s *Server) handleEnvironmentCreate(w http.ResponseWriter, r *http.Request) {
	var body createEnvironmentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, vayuerr.New(vayuerr.KindEngineError, "invalid JSON body"))
		return
	}
	id, err := s.store.CreateEnvironment(r.Context(), body.Name, body.Variables, body.Active)
	if err != nil {
		writeError(w, vayuerr.Wrap(vayuerr.KindEngineError, "create environment", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleEnvironmentGet(w http.ResponseWriter, r *http.Request) {
	row, err := s.store.GetEnvironment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, vayuerr.Wrap(vayuerr.KindEngineError, "load environment", err))
		return
	}
	if row == nil {
		writeError(w, vayuerr.New(vayuerr.KindNotFound, "environment not found"))
		return
	}
	writeJSON(w, http.StatusOK, row)
}
