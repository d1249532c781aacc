package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sudwebd/3d-to-svg/internal/httpkit"
	"github.com/sudwebd/3d-to-svg/internal/jobs"
	apperrors "github.com/sudwebd/3d-to-svg/internal/pkg/errors"
	"github.com/sudwebd/3d-to-svg/internal/ports"
)

func (h *Handler) loadJob(r *http.Request) (*jobs.Job, error) {
	jobID := chi.URLParam(r, "jobId")
	if !jobs.ValidID(jobID) {
		return nil, apperrors.JobNotFound(jobID)
	}
	return h.store.Get(r.Context(), jobID)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) error {
	job, err := h.loadJob(r)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, job)
	return nil
}

// GetJobOutput streams the SVG of the job's last successful render.
func (h *Handler) GetJobOutput(w http.ResponseWriter, r *http.Request) error {
	job, err := h.loadJob(r)
	if err != nil {
		return err
	}
	return h.streamOutput(w, r, job)
}

func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) error {
	jobID := chi.URLParam(r, "jobId")
	if !jobs.ValidID(jobID) {
		return apperrors.JobNotFound(jobID)
	}
	if err := h.dispatcher.Delete(r.Context(), jobID); err != nil {
		return err
	}
	if h.events != nil {
		h.events.CloseJob(jobID)
	}
	h.log.FromContext(r.Context()).Info("job deleted", "job_id", jobID)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// JobEvents upgrades to a websocket that reports the job's status changes.
func (h *Handler) JobEvents(w http.ResponseWriter, r *http.Request) error {
	job, err := h.loadJob(r)
	if err != nil {
		return err
	}
	if h.events == nil {
		return apperrors.New(apperrors.CodeUnavailable, "event stream disabled")
	}
	if err := h.events.Serve(w, r, job); err != nil {
		// The upgrader has already answered the client.
		h.log.FromContext(r.Context()).WithError(err).Debug("websocket upgrade failed", "job_id", job.ID)
	}
	return nil
}

func (h *Handler) streamOutput(w http.ResponseWriter, r *http.Request, job *jobs.Job) error {
	if job.OutputKey == "" {
		return apperrors.New(apperrors.CodeOutputNotFound, "job has no rendered output").
			WithField("job_id", job.ID)
	}

	rc, _, size, err := h.sp.GetObject(r.Context(), job.OutputKey)
	if err != nil {
		if errors.Is(err, ports.ErrObjectNotFound) {
			return apperrors.New(apperrors.CodeOutputNotFound, "rendered output is missing").
				WithField("job_id", job.ID)
		}
		return apperrors.Wrap(err, "output.open", "failed to read output")
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", job.OutputName()))
	w.Header().Set(JobIDHeader, job.ID)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
	return nil
}
