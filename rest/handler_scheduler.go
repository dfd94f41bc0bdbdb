package rest

import (
	"net/http"

	"github.com/mohitkumar/dripflow/model"
	"github.com/mohitkumar/dripflow/tracking"
)

// HandleTick runs one tick synchronously and returns its report.
func (s *Server) HandleTick(w http.ResponseWriter, r *http.Request) {
	report, err := s.scheduler.ProcessDueContacts(r.Context())
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (s *Server) HandleTrackingEvent(w http.ResponseWriter, r *http.Request) {
	var ev tracking.TrackingEvent
	if err := decodeBody(r, &ev); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid tracking event")
		return
	}
	if len(ev.ContactId) == 0 {
		respondWithError(w, http.StatusBadRequest, "contactId is required")
		return
	}
	if len(ev.StepId) > 0 && !model.IsPathSafeKey(ev.StepId) {
		respondWithError(w, http.StatusBadRequest, "stepId must not contain '.' or '$'")
		return
	}
	switch ev.Type {
	case tracking.EVENT_OPEN, tracking.EVENT_CLICK, tracking.EVENT_UNSUBSCRIBE, tracking.EVENT_BOUNCE:
	default:
		respondWithError(w, http.StatusBadRequest, "unknown tracking event type")
		return
	}
	if err := s.trackingHandler.Apply(r.Context(), ev); err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondOK(w, map[string]any{"applied": true})
}
