// Package dispatch runs one conversion for a job: it materializes the
// stored upload into a work directory, invokes the converter and records
// the outcome on the job.
package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/sudwebd/3d-to-svg/internal/converter"
	"github.com/sudwebd/3d-to-svg/internal/jobs"
	"github.com/sudwebd/3d-to-svg/internal/pkg/errors"
	"github.com/sudwebd/3d-to-svg/internal/pkg/logger"
	"github.com/sudwebd/3d-to-svg/internal/ports"
)

const (
	// lockMargin covers storage I/O around the converter run.
	lockMargin  = time.Minute
	saveTimeout = 5 * time.Second
)

// Converter runs the external tool.
type Converter interface {
	Convert(ctx context.Context, req converter.Request) (converter.Result, error)
	Timeout() time.Duration
}

// Notifier is told about every persisted job change.
type Notifier interface {
	Publish(job *jobs.Job)
}

// Recorder receives conversion metrics.
type Recorder interface {
	ConversionStarted() func(outcome string)
	ConversionCoalesced()
}

type Deps struct {
	Store         jobs.Store
	Storage       ports.StorageProvider
	Converter     Converter
	Notifier      Notifier
	Metrics       Recorder
	WorkDir       string
	CleanupLocal  bool
	MaxConcurrent int
	Log           *logger.Logger
}

type Dispatcher struct {
	store     jobs.Store
	storage   ports.StorageProvider
	converter Converter
	notifier  Notifier
	metrics   Recorder
	log       *logger.Logger

	sem        *semaphore.Weighted
	flight     singleflight.Group
	lockMargin time.Duration
	now        func() time.Time

	mu      sync.Mutex
	flights map[string]*sharedRun

	inputs  *InputHandler
	outputs *OutputHandler
	cleanup *Cleanup
}

func New(d Deps) *Dispatcher {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	limit := d.MaxConcurrent
	if limit < 1 {
		limit = 1
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	rec := d.Metrics
	if rec == nil {
		rec = nopRecorder{}
	}

	return &Dispatcher{
		store:      d.Store,
		storage:    d.Storage,
		converter:  d.Converter,
		notifier:   notifier,
		metrics:    rec,
		log:        log.WithComponent("dispatch"),
		sem:        semaphore.NewWeighted(int64(limit)),
		lockMargin: lockMargin,
		now:        time.Now,
		flights:    make(map[string]*sharedRun),
		inputs:     NewInputHandler(d.Storage, d.WorkDir),
		outputs:    NewOutputHandler(d.Storage),
		cleanup:    NewCleanup(d.WorkDir, d.CleanupLocal),
	}
}

// Dispatch converts jobID's upload with p and returns the updated job.
// Identical concurrent requests share one run; a different request for a
// job that is already converting fails with CONFLICT. The shared run is
// canceled only once every caller waiting on it has gone.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string, p jobs.RenderParams) (*jobs.Job, error) {
	if _, err := d.store.Get(ctx, jobID); err != nil {
		return nil, err
	}

	key := jobID + "|" + p.Key()
	for {
		f := d.join(ctx, key)
		ch := d.flight.DoChan(key, func() (any, error) {
			defer d.forget(key, f)
			return d.run(f.ctx, jobID, p)
		})

		select {
		case res := <-ch:
			d.leave(key, f)
			if res.Shared {
				d.metrics.ConversionCoalesced()
			}
			if res.Err != nil {
				// We joined a run its own callers abandoned.
				if errors.IsCode(res.Err, errors.CodeCanceled) && ctx.Err() == nil {
					continue
				}
				return nil, res.Err
			}
			return res.Val.(*jobs.Job).Clone(), nil
		case <-ctx.Done():
			d.leave(key, f)
			return nil, errors.WrapWithCode(ctx.Err(), errors.CodeCanceled, "dispatch.Dispatch", "request canceled")
		}
	}
}

// sharedRun is the context of one shared run and the number of callers
// waiting on it.
type sharedRun struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (d *Dispatcher) join(ctx context.Context, key string) *sharedRun {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.flights[key]
	if !ok {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &sharedRun{ctx: runCtx, cancel: cancel}
		d.flights[key] = f
	}
	f.waiters++
	return f
}

func (d *Dispatcher) leave(key string, f *sharedRun) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if d.flights[key] == f {
		delete(d.flights, key)
	}
}

func (d *Dispatcher) forget(key string, f *sharedRun) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.flights[key] == f {
		delete(d.flights, key)
	}
}

func (d *Dispatcher) run(ctx context.Context, jobID string, p jobs.RenderParams) (*jobs.Job, error) {
	log := d.log.FromContext(ctx).WithJobID(jobID)

	// 1. Wait for a converter slot. The lock is taken afterwards so its
	// TTL only has to cover the run itself.
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeCanceled, "dispatch.acquire", "canceled while waiting for a converter slot")
	}
	defer d.sem.Release(1)

	release, err := d.store.Lock(ctx, jobID, d.converter.Timeout()+d.lockMargin)
	if err != nil {
		return nil, err
	}
	defer release()

	// 2. Mark running
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == jobs.StatusRunning {
		// We hold the lock, so the previous run died without recording
		// its outcome.
		log.Warn("recovering job left in running state")
		_ = job.Fail(jobs.StatusFailed, "interrupted", d.now())
	}
	if err := job.Start(p, d.now()); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeConflict, "dispatch.start", "job cannot start")
	}
	if err := d.save(ctx, job); err != nil {
		return nil, errors.Wrap(err, "dispatch.start", "failed to mark job running")
	}
	log.Info("conversion requested", "attempt", job.Attempts, "params", p.Key())

	defer d.cleanup.CleanupJob(jobID)

	// 3. Materialize the upload
	dir, err := d.inputs.Materialize(ctx, job)
	if err != nil {
		return nil, d.fail(ctx, job, errors.Wrap(err, "dispatch.input", "failed to prepare input"))
	}

	// 4. Convert
	done := d.metrics.ConversionStarted()
	res, err := d.converter.Convert(ctx, converter.Request{
		Dir:    dir,
		Input:  jobs.InputFile,
		Params: p,
	})
	logConversion(log, res.Log, err)
	if err != nil {
		done(outcomeFor(err))
		return nil, d.fail(ctx, job, err)
	}

	// 5. Store the output
	key, size, err := d.outputs.Store(ctx, job, res.OutputPath)
	if err != nil {
		done("store_failed")
		return nil, d.fail(ctx, job, errors.Wrap(err, "dispatch.output", "failed to store output"))
	}
	done("done")

	if err := job.Succeed(key, size, d.now()); err != nil {
		return nil, errors.Wrap(err, "dispatch.finish", "failed to finish job")
	}
	saveCtx, cancel := detached(ctx)
	defer cancel()
	if err := d.save(saveCtx, job); err != nil {
		return nil, errors.Wrap(err, "dispatch.finish", "failed to record output")
	}

	log.Info("conversion completed", "output_bytes", size, "duration_ms", res.Log.Duration.Milliseconds())
	return job, nil
}

// Delete removes a job and its stored objects. A converting job cannot be
// deleted.
func (d *Dispatcher) Delete(ctx context.Context, jobID string) error {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	release, err := d.store.Lock(ctx, jobID, d.lockMargin)
	if err != nil {
		return err
	}
	defer release()

	for _, key := range []string{job.InputKey, job.OutputKey} {
		if key == "" {
			continue
		}
		if err := d.storage.DeleteObject(ctx, key); err != nil {
			d.log.FromContext(ctx).WithJobID(jobID).WithError(err).Warn("failed to delete stored object", "key", key)
		}
	}
	d.cleanup.Remove(jobID)

	return d.store.Delete(ctx, jobID)
}

// fail records cause on the job and returns it unchanged. The job update
// uses a context detached from the request so a canceled client still
// leaves a terminal status behind.
func (d *Dispatcher) fail(ctx context.Context, job *jobs.Job, cause error) error {
	status := jobs.StatusFailed
	if errors.IsCode(cause, errors.CodeTimeout) {
		status = jobs.StatusTimedOut
	}

	msg := errors.GetPublicMessage(cause)
	if err := job.Fail(status, msg, d.now()); err != nil {
		d.log.FromContext(ctx).WithJobID(job.ID).WithError(err).Error("cannot record failure")
		return cause
	}

	saveCtx, cancel := detached(ctx)
	defer cancel()
	if err := d.save(saveCtx, job); err != nil {
		d.log.FromContext(ctx).WithJobID(job.ID).WithError(err).Error("failed to record job failure")
	}

	var appErr *errors.Error
	if errors.As(cause, &appErr) {
		d.log.FromContext(ctx).WithJobID(job.ID).Warn("conversion failed",
			"status", string(status),
			"code", string(appErr.Code),
			"op", appErr.Op,
			"error", cause.Error(),
		)
	}
	return cause
}

// detached keeps ctx's values but not its cancellation, so job records
// are written even after the caller went away.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
}

func (d *Dispatcher) save(ctx context.Context, job *jobs.Job) error {
	if err := d.store.Update(ctx, job); err != nil {
		return err
	}
	d.notifier.Publish(job.Clone())
	return nil
}

func outcomeFor(err error) string {
	switch errors.GetCode(err) {
	case errors.CodeTimeout:
		return "timed_out"
	case errors.CodeCanceled:
		return "canceled"
	case errors.CodeOutputNotFound:
		return "no_output"
	default:
		return "failed"
	}
}

func logConversion(log *logger.Logger, cl converter.CommandLog, err error) {
	args := []any{
		"command", filepath.Base(cl.Command),
		"args", fmt.Sprint(cl.Args),
		"exit_code", cl.ExitCode,
		"duration_ms", cl.Duration.Milliseconds(),
	}
	if err != nil {
		args = append(args, "stderr", cl.Stderr, "stdout", cl.Stdout)
		log.Debug("converter output", args...)
		return
	}
	log.Debug("converter finished", args...)
}

type nopNotifier struct{}

func (nopNotifier) Publish(*jobs.Job) {}

type nopRecorder struct{}

func (nopRecorder) ConversionStarted() func(string) { return func(string) {} }
func (nopRecorder) ConversionCoalesced()            {}
