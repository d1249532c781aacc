package dispatch

import (
	"context"
	"fmt"
	"os"

	"github.com/sudwebd/3d-to-svg/internal/jobs"
	"github.com/sudwebd/3d-to-svg/internal/ports"
)

// OutputHandler uploads the rendered SVG to storage.
type OutputHandler struct {
	sp ports.StorageProvider
}

func NewOutputHandler(sp ports.StorageProvider) *OutputHandler {
	return &OutputHandler{sp: sp}
}

// Store uploads path as the job's output and returns the storage key the
// provider assigned. The previous output is removed when its key differs.
func (h *OutputHandler) Store(ctx context.Context, job *jobs.Job, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open output: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat output: %w", err)
	}

	out, err := h.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   jobs.ObjectKey(job.ID, jobs.OutputFile),
		ContentType: "image/svg+xml",
		Reader:      f,
		Size:        st.Size(),
	})
	if err != nil {
		return "", 0, err
	}

	if job.OutputKey != "" && job.OutputKey != out.ObjectKey {
		_ = h.sp.DeleteObject(ctx, job.OutputKey)
	}

	return out.ObjectKey, out.Size, nil
}
