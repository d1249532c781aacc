package dispatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sudwebd/3d-to-svg/internal/jobs"
	"github.com/sudwebd/3d-to-svg/internal/ports"
)

// InputHandler copies a job's stored upload into its work directory.
type InputHandler struct {
	sp      ports.StorageProvider
	workDir string
}

func NewInputHandler(sp ports.StorageProvider, workDir string) *InputHandler {
	return &InputHandler{sp: sp, workDir: workDir}
}

// Materialize creates WORK_DIR/<job id>/ fresh and writes the upload to it
// as model.obj. It returns the directory.
func (h *InputHandler) Materialize(ctx context.Context, job *jobs.Job) (string, error) {
	dir := filepath.Join(h.workDir, job.ID)

	// A leftover output from an earlier attempt must not pass for a new one.
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("reset work dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}

	rc, _, _, err := h.sp.GetObject(ctx, job.InputKey)
	if err != nil {
		return "", fmt.Errorf("open stored input %s: %w", job.InputKey, err)
	}
	defer rc.Close()

	dst := filepath.Join(dir, jobs.InputFile)
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return "", fmt.Errorf("copy input: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close input: %w", err)
	}

	return dir, nil
}
