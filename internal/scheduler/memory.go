package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps jobs in process memory. Pending jobs are lost on
// restart; the leaderboard reconciliation sweep covers that gap.
type MemoryBackend struct {
	mu        sync.Mutex
	pending   map[string]map[string]*Job
	completed map[string]map[string]*Job
	failed    map[string]map[string]*Job
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		pending:   make(map[string]map[string]*Job),
		completed: make(map[string]map[string]*Job),
		failed:    make(map[string]map[string]*Job),
	}
}

func bucket(m map[string]map[string]*Job, queue string) map[string]*Job {
	b, ok := m[queue]
	if !ok {
		b = make(map[string]*Job)
		m[queue] = b
	}
	return b
}

func (b *MemoryBackend) Put(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j := *job
	bucket(b.pending, job.Queue)[job.Key] = &j
	return nil
}

func (b *MemoryBackend) Requeue(_ context.Context, job *Job) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := bucket(b.pending, job.Queue)
	if _, exists := pending[job.Key]; exists {
		return false, nil
	}
	j := *job
	pending[job.Key] = &j
	return true, nil
}

func (b *MemoryBackend) Remove(_ context.Context, queue, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := bucket(b.pending, queue)
	if _, ok := pending[key]; !ok {
		return false, nil
	}
	delete(pending, key)
	return true, nil
}

func (b *MemoryBackend) Claim(_ context.Context, queue string, now time.Time, limit int) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := bucket(b.pending, queue)
	due := make([]*Job, 0)
	for _, j := range pending {
		if !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for _, j := range due {
		delete(pending, j.Key)
	}
	return due, nil
}

func (b *MemoryBackend) Complete(_ context.Context, job *Job) error {
	if job.RemoveOnComplete {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	j := *job
	bucket(b.completed, job.Queue)[job.Key] = &j
	return nil
}

func (b *MemoryBackend) Fail(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j := *job
	bucket(b.failed, job.Queue)[job.Key] = &j
	return nil
}

func (b *MemoryBackend) Pending(_ context.Context, queue string) ([]Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return snapshot(b.pending[queue]), nil
}

func (b *MemoryBackend) Failed(_ context.Context, queue string) ([]Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return snapshot(b.failed[queue]), nil
}

func snapshot(m map[string]*Job) []Job {
	out := make([]Job, 0, len(m))
	for _, j := range m {
		out = append(out, *j)
	}
	sortJobs(out)
	return out
}

func sortJobs(jobs []Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].RunAt.Equal(jobs[k].RunAt) {
			return jobs[i].Key < jobs[k].Key
		}
		return jobs[i].RunAt.Before(jobs[k].RunAt)
	})
}
