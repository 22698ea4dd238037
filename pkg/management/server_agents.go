package management

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/oursky/inference-balancer/pkg/fleet"
	"github.com/oursky/inference-balancer/pkg/utils/httputil"
	"go.uber.org/zap"
)

type desiredStateRequest struct {
	DesiredState *fleet.DesiredState `json:"desired_state"`
}

func (s *Server) apiAgentsList(rw http.ResponseWriter, r *http.Request) {
	snapshot, err := s.pool.MakeSnapshot()
	if err != nil {
		s.respondError(rw, err)
		return
	}
	httputil.RespondJSON(rw, snapshot)
}

func (s *Server) apiAgentGet(rw http.ResponseWriter, r *http.Request) {
	agent, err := s.pool.Get(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(rw, err)
		return
	}
	httputil.RespondJSON(rw, agent)
}

func (s *Server) apiAgentDesiredStatePut(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req desiredStateRequest
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 4096)).Decode(&req); err != nil {
		httputil.RespondError(rw, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if req.DesiredState == nil {
		httputil.RespondError(rw, http.StatusBadRequest, errors.New("invalid request: missing desired_state"))
		return
	}

	if err := s.pool.SetDesiredState(r.Context(), id, *req.DesiredState); err != nil {
		s.respondError(rw, err)
		return
	}

	s.logger.Info("desired state set by operator",
		zap.String("agentID", id),
		zap.String("desiredState", string(*req.DesiredState)),
	)
	rw.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondError(rw http.ResponseWriter, err error) {
	if errors.Is(err, fleet.ErrNotFound) {
		httputil.RespondError(rw, http.StatusNotFound, err)
		return
	}
	s.logger.Error("request failed", zap.Error(err))
	httputil.RespondError(rw, http.StatusInternalServerError, err)
}
