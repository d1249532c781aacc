package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sudwebd/3d-to-svg/internal/httpapi/handlers"
	"github.com/sudwebd/3d-to-svg/internal/httpkit"
	"github.com/sudwebd/3d-to-svg/internal/jobs"
	"github.com/sudwebd/3d-to-svg/internal/pkg/logger"
	"github.com/sudwebd/3d-to-svg/internal/pkg/middleware"
	"github.com/sudwebd/3d-to-svg/internal/ports"
)

// Metrics is what the router needs from the metrics collector.
type Metrics interface {
	middleware.HTTPObserver
	handlers.UploadRecorder
	Handler() http.Handler
}

type Deps struct {
	Store          jobs.Store
	SP             ports.StorageProvider
	Dispatcher     handlers.Dispatcher
	Events         handlers.EventStream
	Tool           handlers.ToolChecker
	Metrics        Metrics
	MaxUploadBytes int64
	AllowedOrigins []string
	Log            *logger.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}

	r := chi.NewRouter()

	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	if d.Metrics != nil {
		r.Use(middleware.Metrics(d.Metrics))
	}

	allowedOrigins := d.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Accept", middleware.RequestIDHeader},
		ExposedHeaders: []string{handlers.JobIDHeader, middleware.RequestIDHeader, "Content-Disposition"},
		MaxAgeSeconds:  600,
	}))

	var rec handlers.UploadRecorder
	if d.Metrics != nil {
		rec = d.Metrics
	}
	h := handlers.New(handlers.Deps{
		Store:          d.Store,
		SP:             d.SP,
		Dispatcher:     d.Dispatcher,
		Events:         d.Events,
		Tool:           d.Tool,
		Metrics:        rec,
		MaxUploadBytes: d.MaxUploadBytes,
		Log:            log,
	})
	wrap := func(fn middleware.ErrorHandlerFunc) http.HandlerFunc {
		return middleware.WrapHandler(log, fn)
	}

	// ---- PAGES ----
	r.Get("/", wrap(h.Index))

	// ---- CONVERSION ----
	r.Post("/upload", wrap(h.PostUpload))
	r.Post("/result", wrap(h.PostResult))

	// ---- JOBS ----
	r.Get("/jobs/{jobId}", wrap(h.GetJob))
	r.Get("/jobs/{jobId}/output", wrap(h.GetJobOutput))
	r.Get("/jobs/{jobId}/events", wrap(h.JobEvents))
	r.Delete("/jobs/{jobId}", wrap(h.DeleteJob))

	// ---- OPS ----
	r.Get("/health", wrap(h.Health))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpkit.WriteErr(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpkit.WriteErr(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	return r
}
