package fanout

import (
	"sort"
	"sync"
	"time"
)

// DefaultMaxJobs bounds the job registry.
const DefaultMaxJobs = 256

// Job is the registry view of one fanout run.
type Job struct {
	ID         string     `json:"id"`
	Request    Request    `json:"request"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     *Result    `json:"result,omitempty"`
}

// jobRegistry tracks in-flight and recent runs. When full, the oldest
// finished job is forgotten.
type jobRegistry struct {
	mu    sync.Mutex
	max   int
	jobs  map[string]*Job
	order []string
}

func newJobRegistry(limit int) *jobRegistry {
	if limit <= 0 {
		limit = DefaultMaxJobs
	}
	return &jobRegistry{max: limit, jobs: make(map[string]*Job)}
}

func (r *jobRegistry) start(id string, req Request, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id] = &Job{ID: id, Request: req, Status: StatusRunning, StartedAt: now}
	r.order = append(r.order, id)
	r.evictLocked()
}

func (r *jobRegistry) finish(id string, res Result, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return
	}
	job.Status = res.Status
	job.FinishedAt = &now
	job.Result = &res
	r.evictLocked()
}

func (r *jobRegistry) evictLocked() {
	for len(r.jobs) > r.max {
		evicted := false
		for i, id := range r.order {
			if r.jobs[id].Status == StatusRunning {
				continue
			}
			delete(r.jobs, id)
			r.order = append(r.order[:i], r.order[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}

// snapshot returns copies of all tracked jobs, oldest first.
func (r *jobRegistry) snapshot() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, 0, len(r.jobs))
	for _, id := range r.order {
		out = append(out, *r.jobs[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
