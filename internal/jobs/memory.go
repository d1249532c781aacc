package jobs

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/sudwebd/3d-to-svg/internal/pkg/errors"
)

type memoryEntry struct {
	job     *Job
	expires time.Time
}

// MemoryStore is a process-local Store. Expired entries are dropped on
// access and swept whenever a job is created.
type MemoryStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	jobs  map[string]memoryEntry
	locks map[string]time.Time
	now   func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:   ttl,
		jobs:  make(map[string]memoryEntry),
		locks: make(map[string]time.Time),
		now:   time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)

	if _, ok := s.jobs[job.ID]; ok {
		return apperrors.Conflict("job already exists").WithField("job_id", job.ID)
	}
	s.jobs[job.ID] = memoryEntry{job: job.Clone(), expires: now.Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(id)
	if !ok {
		return nil, apperrors.JobNotFound(id)
	}
	return e.job.Clone(), nil
}

// Update replaces the record and restarts its expiry.
func (s *MemoryStore) Update(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(job.ID); !ok {
		return apperrors.JobNotFound(job.ID)
	}
	s.jobs[job.ID] = memoryEntry{job: job.Clone(), expires: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(id); !ok {
		return apperrors.JobNotFound(id)
	}
	delete(s.jobs, id)
	delete(s.locks, id)
	return nil
}

func (s *MemoryStore) Lock(ctx context.Context, id string, ttl time.Duration) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if until, held := s.locks[id]; held && now.Before(until) {
		return nil, errLocked(id)
	}
	until := now.Add(ttl)
	s.locks[id] = until

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.locks[id] == until {
				delete(s.locks, id)
			}
		})
	}, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of unexpired jobs.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(s.now())
	return len(s.jobs)
}

// live returns the entry for id, dropping it if it has expired.
// Callers hold s.mu.
func (s *MemoryStore) live(id string) (memoryEntry, bool) {
	e, ok := s.jobs[id]
	if !ok {
		return memoryEntry{}, false
	}
	if !s.now().Before(e.expires) {
		delete(s.jobs, id)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) sweep(now time.Time) {
	for id, e := range s.jobs {
		if !now.Before(e.expires) {
			delete(s.jobs, id)
		}
	}
	for id, until := range s.locks {
		if !now.Before(until) {
			delete(s.locks, id)
		}
	}
}
