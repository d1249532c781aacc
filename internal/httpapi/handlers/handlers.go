package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/sudwebd/3d-to-svg/internal/jobs"
	"github.com/sudwebd/3d-to-svg/internal/pkg/logger"
	"github.com/sudwebd/3d-to-svg/internal/ports"
)

// JobIDHeader carries the job id on upload and result responses.
const JobIDHeader = "X-Job-ID"

// Dispatcher converts and deletes jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, p jobs.RenderParams) (*jobs.Job, error)
	Delete(ctx context.Context, jobID string) error
}

// EventStream serves websocket subscriptions to job updates.
type EventStream interface {
	Serve(w http.ResponseWriter, r *http.Request, snapshot *jobs.Job) error
	CloseJob(jobID string)
}

// ToolChecker reports whether the converter executable is usable.
type ToolChecker interface {
	Check() error
}

// UploadRecorder counts uploads.
type UploadRecorder interface {
	ObserveUpload(outcome string, size int64)
}

type Deps struct {
	Store          jobs.Store
	SP             ports.StorageProvider
	Dispatcher     Dispatcher
	Events         EventStream
	Tool           ToolChecker
	Metrics        UploadRecorder
	MaxUploadBytes int64
	Log            *logger.Logger
}

type Handler struct {
	store          jobs.Store
	sp             ports.StorageProvider
	dispatcher     Dispatcher
	events         EventStream
	tool           ToolChecker
	metrics        UploadRecorder
	maxUploadBytes int64
	log            *logger.Logger
	now            func() time.Time
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	rec := d.Metrics
	if rec == nil {
		rec = nopRecorder{}
	}
	maxUpload := d.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 64 << 20
	}
	return &Handler{
		store:          d.Store,
		sp:             d.SP,
		dispatcher:     d.Dispatcher,
		events:         d.Events,
		tool:           d.Tool,
		metrics:        rec,
		maxUploadBytes: maxUpload,
		log:            log.WithComponent("http"),
		now:            time.Now,
	}
}

type nopRecorder struct{}

func (nopRecorder) ObserveUpload(string, int64) {}
