package handlers

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/sudwebd/3d-to-svg/internal/jobs"
)

//go:embed web/*.html
var webFS embed.FS

var pages = template.Must(template.ParseFS(webFS, "web/*.html"))

type uploadPage struct {
	Job    *jobs.Job
	Params jobs.RenderParams
}

// Index serves the upload form.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) error {
	return renderPage(w, http.StatusOK, "index.html", nil)
}

func renderPage(w http.ResponseWriter, status int, name string, data any) error {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
	return nil
}
