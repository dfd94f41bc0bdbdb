package rest

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/dripflow/logger"
	"github.com/mohitkumar/dripflow/model"
	"go.uber.org/zap"
)

func queryLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if len(raw) == 0 {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, false
	}
	return limit, true
}

func (s *Server) HandleEnrollContact(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["flowId"]
	var req model.ContactRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid contact body")
		return
	}
	contact, created, err := s.contactService.Enroll(r.Context(), flowId, req)
	if err != nil {
		logger.Error("error enrolling contact", zap.String("flowId", flowId), zap.Error(err))
		respondWithServiceError(w, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	respondWithJSON(w, code, contact)
}

func (s *Server) HandleListContacts(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["flowId"]
	limit, ok := queryLimit(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if _, err := s.flowService.GetFlow(r.Context(), flowId); err != nil {
		respondWithServiceError(w, err)
		return
	}
	filter := model.ContactFilter{
		FlowId: flowId,
		Status: model.ContactStatus(r.URL.Query().Get("status")),
		Email:  r.URL.Query().Get("email"),
	}
	contacts, err := s.contactService.ListContacts(r.Context(), filter, limit)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	if contacts == nil {
		contacts = []*model.Contact{}
	}
	respondWithJSON(w, http.StatusOK, contacts)
}

func (s *Server) HandleGetContact(w http.ResponseWriter, r *http.Request) {
	contactId := mux.Vars(r)["contactId"]
	contact, err := s.contactService.GetContact(r.Context(), contactId)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, contact)
}

func (s *Server) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	contactId := mux.Vars(r)["contactId"]
	contact, err := s.contactService.Unsubscribe(r.Context(), contactId)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, contact)
}
