package jobs

import (
	"context"
	"time"

	apperrors "github.com/sudwebd/3d-to-svg/internal/pkg/errors"
)

// Store persists job records with an expiry.
//
// Get, Update and Delete return an error with code JOB_NOT_FOUND for
// unknown or expired ids. Lock returns CONFLICT when another holder owns
// the job's dispatch lock; the returned release func is safe to call once.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, job *Job) error
	Delete(ctx context.Context, id string) error
	Lock(ctx context.Context, id string, ttl time.Duration) (release func(), err error)
	Ping(ctx context.Context) error
	Close() error
}

func errLocked(id string) error {
	return apperrors.Conflict("a conversion for this job is already running").WithField("job_id", id)
}
