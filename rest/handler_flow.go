package rest

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/dripflow/flow"
	"github.com/mohitkumar/dripflow/logger"
	"github.com/mohitkumar/dripflow/model"
	"go.uber.org/zap"
)

func (s *Server) HandleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var req model.FlowRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid flow body")
		return
	}
	fl, err := s.flowService.CreateFlow(r.Context(), req)
	if err != nil {
		logger.Error("error creating flow", zap.String("name", req.Name), zap.Error(err))
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, fl)
}

func (s *Server) HandleListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.flowService.ListFlows(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	if flows == nil {
		flows = []*model.Flow{}
	}
	respondWithJSON(w, http.StatusOK, flows)
}

func (s *Server) HandleGetFlow(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["flowId"]
	fl, err := s.flowService.GetFlow(r.Context(), flowId)
	if err != nil {
		logger.Info("flow does not exist", zap.String("flowId", flowId))
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, fl)
}

func (s *Server) HandleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["flowId"]
	var req model.FlowRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid flow body")
		return
	}
	fl, err := s.flowService.UpdateFlow(r.Context(), flowId, req)
	if err != nil {
		logger.Error("error updating flow", zap.String("flowId", flowId), zap.Error(err))
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, fl)
}

func (s *Server) HandleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["flowId"]
	if err := s.flowService.DeleteFlow(r.Context(), flowId); err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondOK(w, map[string]any{"deleted": true})
}

func (s *Server) HandleActivateFlow(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["flowId"]
	resumed, err := s.flowService.ActivateFlow(r.Context(), flowId)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondOK(w, map[string]any{"isActive": true, "resumedContacts": resumed})
}

func (s *Server) HandleDeactivateFlow(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["flowId"]
	paused, err := s.flowService.DeactivateFlow(r.Context(), flowId)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondOK(w, map[string]any{"isActive": false, "pausedContacts": paused})
}

type testStepRequest struct {
	StepId  string         `json:"stepId"`
	Contact *model.Contact `json:"contact"`
}

// HandleTestStep dry-runs one step against a synthetic contact. Nothing is
// persisted but the email and webhook collaborators are really called.
func (s *Server) HandleTestStep(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["flowId"]
	var req testStepRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid test step body")
		return
	}
	if len(req.StepId) == 0 {
		respondWithError(w, http.StatusBadRequest, "stepId is required")
		return
	}
	def, err := s.flowService.GetFlow(r.Context(), flowId)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	res, err := s.scheduler.TestStep(r.Context(), flow.Convert(def), req.StepId, req.Contact)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}
