package quarantine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tradetaper/terminal-farm/internal/domain/quarantinestore"
)

// memoryStore is a mutex-guarded quarantinestore.Store for running without a
// database. It mirrors the durable store's dedupe and ordering semantics.
type memoryStore struct {
	mu     sync.Mutex
	jobs   map[int64]quarantinestore.Job
	nextID int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{jobs: make(map[int64]quarantinestore.Job)}
}

func (s *memoryStore) Enqueue(_ context.Context, job quarantinestore.Job) (quarantinestore.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if !existing.Dead && existing.DedupeKey == job.DedupeKey {
			return existing, nil
		}
	}
	s.nextID++
	job.ID = s.nextID
	s.jobs[job.ID] = job
	return job, nil
}

func (s *memoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]quarantinestore.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []quarantinestore.Job
	for _, job := range s.jobs {
		if !job.Dead && !job.NextAttemptAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *memoryStore) MarkRetried(_ context.Context, id int64, lastError string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	job.Attempts++
	job.LastError = lastError
	job.NextAttemptAt = nextAttemptAt
	s.jobs[id] = job
	return nil
}

func (s *memoryStore) MarkDead(_ context.Context, id int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	job.Attempts++
	job.LastError = lastError
	job.Dead = true
	s.jobs[id] = job
	return nil
}

func (s *memoryStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memoryStore) ListDead(_ context.Context, limit int) ([]quarantinestore.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dead []quarantinestore.Job
	for _, job := range s.jobs {
		if job.Dead {
			dead = append(dead, job)
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].ID < dead[j].ID })
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}

func (s *memoryStore) CountPending(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, job := range s.jobs {
		if !job.Dead {
			count++
		}
	}
	return count, nil
}

func (s *memoryStore) CountDead(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, job := range s.jobs {
		if job.Dead {
			count++
		}
	}
	return count, nil
}
