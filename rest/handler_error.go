package rest

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/dripflow/logger"
	"github.com/mohitkumar/dripflow/model"
	"go.uber.org/zap"
)

func parseErrorFilter(r *http.Request) (model.ErrorFilter, string) {
	q := r.URL.Query()
	filter := model.ErrorFilter{
		StepId:    q.Get("stepId"),
		ErrorType: model.ErrorType(q.Get("type")),
	}
	for _, bound := range []struct {
		name string
		dst  **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		raw := q.Get(bound.name)
		if len(raw) == 0 {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, bound.name + " must be an RFC3339 timestamp"
		}
		*bound.dst = &t
	}
	limit, ok := queryLimit(r)
	if !ok {
		return filter, "limit must be a non-negative integer"
	}
	filter.Limit = limit
	return filter, ""
}

func (s *Server) HandleListErrors(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["flowId"]
	filter, msg := parseErrorFilter(r)
	if len(msg) > 0 {
		respondWithError(w, http.StatusBadRequest, msg)
		return
	}
	records, err := s.errorService.ListErrors(r.Context(), flowId, filter)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, records)
}

func (s *Server) HandleErrorSummary(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["flowId"]
	summary, err := s.errorService.ErrorSummary(r.Context(), flowId)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

func (s *Server) HandleErroredContacts(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["flowId"]
	limit, ok := queryLimit(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	contacts, err := s.errorService.ErroredContacts(r.Context(), flowId, limit)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	if contacts == nil {
		contacts = []*model.Contact{}
	}
	respondWithJSON(w, http.StatusOK, contacts)
}

func (s *Server) HandleRetryContact(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	flowId, contactId := vars["flowId"], vars["contactId"]
	contact, err := s.errorService.RetryContact(r.Context(), flowId, contactId)
	if err != nil {
		logger.Warn("retry rejected", zap.String("flowId", flowId), zap.String("contactId", contactId), zap.Error(err))
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, contact)
}

func (s *Server) HandleRetryAll(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["flowId"]
	res, err := s.errorService.RetryAllContacts(r.Context(), flowId)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}
