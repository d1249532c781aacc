package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/sudwebd/3d-to-svg/internal/jobs"
	apperrors "github.com/sudwebd/3d-to-svg/internal/pkg/errors"
)

// JobIDField names the job in the result form.
const JobIDField = "jobId"

const maxResultForm = 1 << 20

// PostResult runs the converter for a job and streams the SVG back.
func (h *Handler) PostResult(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxResultForm)
	if err := r.ParseMultipartForm(maxResultForm); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return apperrors.Validation("invalid form body")
	}

	jobID := strings.TrimSpace(r.FormValue(JobIDField))
	if jobID == "" {
		return apperrors.ValidationField(JobIDField, "jobId is required")
	}
	if !jobs.ValidID(jobID) {
		return apperrors.JobNotFound(jobID)
	}

	params, err := jobs.ParseParams(r.FormValue)
	if err != nil {
		return err
	}

	job, err := h.dispatcher.Dispatch(ctx, jobID, params)
	if err != nil {
		return err
	}

	return h.streamOutput(w, r, job)
}
