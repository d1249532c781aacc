package dispatch

import (
	"os"
	"path/filepath"
)

// Cleanup removes per-job work directories.
type Cleanup struct {
	workDir string
	enabled bool
}

func NewCleanup(workDir string, enabled bool) *Cleanup {
	return &Cleanup{workDir: workDir, enabled: enabled}
}

// CleanupJob removes the job's work directory when cleanup is enabled.
func (c *Cleanup) CleanupJob(jobID string) {
	if !c.enabled {
		return
	}
	c.Remove(jobID)
}

// Remove deletes the job's work directory unconditionally.
func (c *Cleanup) Remove(jobID string) {
	if jobID == "" {
		return
	}
	_ = os.RemoveAll(filepath.Join(c.workDir, jobID))
}
