// Package jobs runs training and evaluation as background jobs, tracks them by
// UUID and fans progress out to subscribers.
package jobs

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hed1ad/puguard/internal/runstore"
	"github.com/hed1ad/puguard/pkg/evaluate"
	"github.com/hed1ad/puguard/pkg/train"
)

// ErrUnknownJob is returned for IDs the registry does not hold.
var ErrUnknownJob = errors.New("unknown job")

// Job is a snapshot of one background job.
type Job struct {
	ID           string
	Kind         runstore.Kind
	Status       train.Status
	Message      string
	ArtifactPath string
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// Training and Evaluation belong to the job goroutine until Status is terminal.
	Training   *train.Run
	Evaluation *evaluate.Run
}

// Registry holds jobs by ID. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Create registers a new queued job with a fresh UUID.
func (r *Registry) Create(kind runstore.Kind) Job {
	now := time.Now().UTC()
	j := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    train.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.jobs[j.ID] = j
	r.mu.Unlock()
	return *j
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, errors.Wrap(ErrUnknownJob, id)
	}
	return *j, nil
}

// Update applies fn to the job under the registry lock.
func (r *Registry) Update(id string, fn func(*Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return errors.Wrap(ErrUnknownJob, id)
	}
	fn(j)
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete removes a job.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return errors.Wrap(ErrUnknownJob, id)
	}
	delete(r.jobs, id)
	return nil
}

// List returns snapshots of all jobs, oldest first.
func (r *Registry) List() []Job {
	r.mu.RLock()
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}
