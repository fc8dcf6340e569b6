package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"server/internal/domain"
	"server/internal/middleware"
	"server/internal/proclog"
	"server/internal/result"
)

// Generate runs the full source/provider orchestration for one request.
// Handled failures always answer 200 with succeeded:false in the body; 4xx
// is reserved for requests that could never be processed.
func (a *App) Generate(w http.ResponseWriter, r *http.Request) {
	var req domain.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if err := req.Validate(); err != nil {
		kind := "configuration_error"
		if errors.Is(err, domain.ErrUnknownProvider) {
			kind = "bad_request"
		}
		a.error(w, http.StatusBadRequest, kind, err.Error())
		return
	}

	requestID := middleware.RequestIDFromContext(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}
	rec := proclog.NewRecorder(requestID, a.Logger)
	rec.SetCountry(middleware.CountryFromContext(r.Context()))

	start := time.Now()
	out := a.Orchestrator.Run(r.Context(), req, rec, middleware.LocaleFromContext(r.Context()))
	final := result.Map(req, out, requestID, a.Config.EmergencyImageURL, time.Since(start))

	a.Metrics.RequestDuration.WithLabelValues(string(final.Source)).Observe(time.Since(start).Seconds())
	rec.Flush(a.KV, proclog.FinalOutcome{
		Source:   string(final.Source),
		FinalURL: final.URL,
		Success:  final.Succeeded,
	})

	if r.URL.Query().Get("shape") == "legacy" {
		a.json(w, http.StatusOK, result.Legacy(final))
		return
	}
	a.json(w, http.StatusOK, final)
}

// Result resumes a pending asynchronous generation task by its task id.
func (a *App) Result(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "taskId required")
		return
	}
	requestID := r.URL.Query().Get("requestId")
	if requestID == "" {
		requestID = middleware.RequestIDFromContext(r.Context())
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	rec := proclog.NewRecorder(requestID, a.Logger)

	start := time.Now()
	out := a.Orchestrator.ResumeTask(r.Context(), taskID, r.URL.Query().Get("collectionId"), rec)
	final := result.Map(domain.GenerateRequest{}, out, requestID, a.Config.EmergencyImageURL, time.Since(start))

	rec.Flush(a.KV, proclog.FinalOutcome{
		Source:   string(final.Source),
		FinalURL: final.URL,
		Success:  final.Succeeded,
	})
	a.json(w, http.StatusOK, final)
}

// Trail returns the persisted processing log for a finished request.
func (a *App) Trail(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("requestId")
	if requestID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "requestId required")
		return
	}
	record, ok, err := proclog.Load(r.Context(), a.KV, requestID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load processing log")
		return
	}
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "no processing log for request")
		return
	}
	a.json(w, http.StatusOK, record)
}
