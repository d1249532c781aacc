// Package jobs holds the job model, its state machine and the job stores.
package jobs

import (
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusUploaded Status = "uploaded"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timed_out"
)

// Terminal reports whether no dispatch is in flight for the status.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusTimedOut
}

// Fixed file names used inside storage and the work directory.
const (
	InputFile  = "model.obj"
	OutputFile = "model.svg"
)

// Job is one uploaded model and the state of its latest render.
type Job struct {
	ID         string       `json:"id"`
	SourceName string       `json:"source_name"`
	Basename   string       `json:"basename"`
	InputKey   string       `json:"input_key"`
	OutputKey  string       `json:"output_key,omitempty"`
	Params     RenderParams `json:"params"`
	Status     Status       `json:"status"`
	Error      string       `json:"error,omitempty"`
	Attempts   int          `json:"attempts"`

	SizeBytes   int64 `json:"size_bytes"`
	OutputBytes int64 `json:"output_bytes,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewID returns a fresh job identifier that never derives from user input.
func NewID() string {
	return "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidID reports whether id has the shape produced by NewID.
func ValidID(id string) bool {
	rest, ok := strings.CutPrefix(id, "job_")
	if !ok || len(rest) != 32 {
		return false
	}
	for _, r := range rest {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

// New creates a job in the uploaded state for a client file name.
func New(sourceName string, now time.Time) *Job {
	id := NewID()
	now = now.UTC()
	return &Job{
		ID:         id,
		SourceName: sourceName,
		Basename:   Basename(sourceName),
		InputKey:   ObjectKey(id, InputFile),
		Params:     DefaultParams(),
		Status:     StatusUploaded,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// ObjectKey is the storage key of a file belonging to job id.
func ObjectKey(id, file string) string {
	return path.Join("jobs", id, file)
}

// OutputName is the download file name of the rendered SVG.
func (j *Job) OutputName() string {
	return j.Basename + ".svg"
}

// Basename strips directories and the .obj suffix from a client file name
// and reduces it to characters safe for a Content-Disposition header.
func Basename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(name)

	if ext := path.Ext(name); ext != "" {
		name = strings.TrimSuffix(name, ext)
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}

	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "model"
	}
	if len(out) > 100 {
		out = out[:100]
	}
	return out
}

var transitions = map[Status][]Status{
	StatusUploaded: {StatusRunning},
	StatusRunning:  {StatusDone, StatusFailed, StatusTimedOut},
	StatusDone:     {StatusRunning},
	StatusFailed:   {StatusRunning},
	StatusTimedOut: {StatusRunning},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Start moves the job into running for a new dispatch with p.
func (j *Job) Start(p RenderParams, now time.Time) error {
	if err := j.transition(StatusRunning, now); err != nil {
		return err
	}
	now = now.UTC()
	j.Params = p
	j.Attempts++
	j.Error = ""
	j.StartedAt = &now
	j.FinishedAt = nil
	return nil
}

// Succeed records the stored output of a finished dispatch.
func (j *Job) Succeed(outputKey string, outputBytes int64, now time.Time) error {
	if err := j.transition(StatusDone, now); err != nil {
		return err
	}
	j.OutputKey = outputKey
	j.OutputBytes = outputBytes
	j.finish(now)
	return nil
}

// Fail ends the running dispatch with status failed or timed_out.
func (j *Job) Fail(status Status, msg string, now time.Time) error {
	if status != StatusFailed && status != StatusTimedOut {
		return fmt.Errorf("status %s is not a failure", status)
	}
	if err := j.transition(status, now); err != nil {
		return err
	}
	j.Error = msg
	j.finish(now)
	return nil
}

func (j *Job) finish(now time.Time) {
	now = now.UTC()
	j.FinishedAt = &now
}

func (j *Job) transition(to Status, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("invalid transition: %s -> %s", j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = now.UTC()
	return nil
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
