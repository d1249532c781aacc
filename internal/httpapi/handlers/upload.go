package handlers

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/sudwebd/3d-to-svg/internal/httpkit"
	"github.com/sudwebd/3d-to-svg/internal/jobs"
	apperrors "github.com/sudwebd/3d-to-svg/internal/pkg/errors"
	"github.com/sudwebd/3d-to-svg/internal/ports"
)

// UploadField is the multipart field carrying the model file.
const UploadField = "sampleFile"

// multipartMemory is how much of a multipart body is kept in memory
// before spilling to temp files.
const multipartMemory = 8 << 20

// PostUpload stores the uploaded model under a new job.
func (h *Handler) PostUpload(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		h.metrics.ObserveUpload("rejected", 0)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.Newf(apperrors.CodeTooLarge, "upload exceeds %d bytes", h.maxUploadBytes).
				WithField("limit_bytes", h.maxUploadBytes)
		}
		return apperrors.ValidationField(UploadField, "a multipart form with a file is required")
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(UploadField)
	if err != nil {
		h.metrics.ObserveUpload("rejected", 0)
		return apperrors.ValidationField(UploadField, "no file uploaded")
	}
	defer file.Close()

	job, err := h.storeUpload(r, file, header)
	if err != nil {
		h.metrics.ObserveUpload("failed", 0)
		return err
	}
	h.metrics.ObserveUpload("stored", job.SizeBytes)

	log.Info("upload stored",
		"job_id", job.ID,
		"source_name", job.SourceName,
		"size_bytes", job.SizeBytes,
	)

	w.Header().Set(JobIDHeader, job.ID)
	if wantsJSON(r) {
		httpkit.WriteJSON(w, http.StatusCreated, job)
		return nil
	}
	return renderPage(w, http.StatusOK, "upload.html", uploadPage{Job: job, Params: job.Params})
}

func (h *Handler) storeUpload(r *http.Request, file multipart.File, header *multipart.FileHeader) (*jobs.Job, error) {
	ctx := r.Context()
	job := jobs.New(header.Filename, h.now())

	out, err := h.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   job.InputKey,
		ContentType: "model/obj",
		Reader:      file,
		Size:        header.Size,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "upload.store", "failed to store upload")
	}
	job.InputKey = out.ObjectKey
	job.SizeBytes = out.Size

	if err := h.store.Create(ctx, job); err != nil {
		_ = h.sp.DeleteObject(ctx, out.ObjectKey)
		return nil, apperrors.Wrap(err, "upload.register", "failed to register job")
	}
	return job, nil
}

// wantsJSON reports whether the client asked for JSON rather than HTML.
func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}
