package dispatch

import (
	"sync"

	"github.com/google/uuid"
)

// DispatchRegistry tracks the JobContext for every dispatch that has not yet
// reached Done, keyed by job id, so Cancel/MetadataUpdate can find it.
type DispatchRegistry struct {
	mu    sync.Mutex
	byJob map[uuid.UUID]*JobContext
}

func NewDispatchRegistry() *DispatchRegistry {
	return &DispatchRegistry{byJob: make(map[uuid.UUID]*JobContext)}
}

func (r *DispatchRegistry) Store(jc *JobContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byJob[jc.Job.JobID] = jc
}

func (r *DispatchRegistry) Lookup(jobID uuid.UUID) (*JobContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jc, ok := r.byJob[jobID]
	return jc, ok
}

func (r *DispatchRegistry) Delete(jobID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byJob, jobID)
}
