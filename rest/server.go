package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/dripflow/engine"
	"github.com/mohitkumar/dripflow/flow"
	"github.com/mohitkumar/dripflow/logger"
	"github.com/mohitkumar/dripflow/persistence"
	"github.com/mohitkumar/dripflow/scheduler"
	"github.com/mohitkumar/dripflow/service"
	"github.com/mohitkumar/dripflow/tracking"
	"go.uber.org/zap"
)

type Server struct {
	http.Server
	Port            int
	flowService     *service.FlowService
	contactService  *service.ContactService
	errorService    *service.ErrorService
	scheduler       *scheduler.Scheduler
	trackingHandler *tracking.Handler
}

type Services struct {
	Flows     *service.FlowService
	Contacts  *service.ContactService
	Errors    *service.ErrorService
	Scheduler *scheduler.Scheduler
	Tracking  *tracking.Handler
}

func NewServer(httpPort int, services Services) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr:        fmt.Sprintf(":%d", httpPort),
			IdleTimeout: 2 * time.Second,
		},
		flowService:     services.Flows,
		contactService:  services.Contacts,
		errorService:    services.Errors,
		scheduler:       services.Scheduler,
		trackingHandler: services.Tracking,
		Port:            httpPort,
	}

	router := mux.NewRouter()
	router.HandleFunc("/flows", s.HandleCreateFlow).Methods(http.MethodPost)
	router.HandleFunc("/flows", s.HandleListFlows).Methods(http.MethodGet)
	router.HandleFunc("/flows/{flowId}", s.HandleGetFlow).Methods(http.MethodGet)
	router.HandleFunc("/flows/{flowId}", s.HandleUpdateFlow).Methods(http.MethodPut)
	router.HandleFunc("/flows/{flowId}", s.HandleDeleteFlow).Methods(http.MethodDelete)
	router.HandleFunc("/flows/{flowId}/activate", s.HandleActivateFlow).Methods(http.MethodPost)
	router.HandleFunc("/flows/{flowId}/deactivate", s.HandleDeactivateFlow).Methods(http.MethodPost)
	router.HandleFunc("/flows/{flowId}/steps/test", s.HandleTestStep).Methods(http.MethodPost)

	router.HandleFunc("/flows/{flowId}/contacts", s.HandleEnrollContact).Methods(http.MethodPost)
	router.HandleFunc("/flows/{flowId}/contacts", s.HandleListContacts).Methods(http.MethodGet)
	router.HandleFunc("/contacts/{contactId}", s.HandleGetContact).Methods(http.MethodGet)
	router.HandleFunc("/contacts/{contactId}/unsubscribe", s.HandleUnsubscribe).Methods(http.MethodPost)

	router.HandleFunc("/flows/{flowId}/errors", s.HandleListErrors).Methods(http.MethodGet)
	router.HandleFunc("/flows/{flowId}/errors/summary", s.HandleErrorSummary).Methods(http.MethodGet)
	router.HandleFunc("/flows/{flowId}/errors/contacts", s.HandleErroredContacts).Methods(http.MethodGet)
	router.HandleFunc("/flows/{flowId}/retry", s.HandleRetryAll).Methods(http.MethodPost)
	router.HandleFunc("/flows/{flowId}/contacts/{contactId}/retry", s.HandleRetryContact).Methods(http.MethodPost)

	router.HandleFunc("/scheduler/ticks", s.HandleTick).Methods(http.MethodPost)
	router.HandleFunc("/tracking/events", s.HandleTrackingEvent).Methods(http.MethodPost)

	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info(r.RequestURI, zap.String("method", r.Method))
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOK(w http.ResponseWriter, message map[string]any) {
	respondWithJSON(w, http.StatusOK, message)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithServiceError maps domain errors onto status codes.
func respondWithServiceError(w http.ResponseWriter, err error) {
	var verr *flow.ValidationError
	switch {
	case errors.As(err, &verr):
		respondWithJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": verr.Errors})
	case errors.Is(err, persistence.ErrFlowNotFound),
		errors.Is(err, persistence.ErrContactNotFound),
		errors.Is(err, engine.ErrStepNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrNotInErrorState),
		errors.Is(err, scheduler.ErrTickInProgress):
		respondWithError(w, http.StatusConflict, err.Error())
	default:
		logger.Error("request failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
