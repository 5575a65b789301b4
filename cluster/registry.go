package cluster

import (
	"fmt"
	"sync"
)

// Follower is one configured worker node.
type Follower struct {
	ID  string
	URL string
}

type followerState struct {
	follower     Follower
	busy         bool
	dead         bool
	currentJobID int64
}

// FollowerStatus is a point-in-time view of one follower, published to
// clients over the event bus.
type FollowerStatus struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	Busy         bool   `json:"busy"`
	Dead         bool   `json:"dead"`
	CurrentJobID int64  `json:"currentJobId,omitempty"`
}

// FollowerRegistry tracks follower availability and the job→follower
// mapping. All methods are safe for concurrent use; no lock is held
// across network calls.
type FollowerRegistry struct {
	mu        sync.Mutex
	followers []*followerState
	jobOwner  map[int64]*followerState
}

// NewFollowerRegistry assigns stable ids follower-0..follower-n-1 in
// configuration order.
func NewFollowerRegistry(urls []string) *FollowerRegistry {
	r := &FollowerRegistry{jobOwner: make(map[int64]*followerState)}
	for i, url := range urls {
		r.followers = append(r.followers, &followerState{
			follower: Follower{ID: fmt.Sprintf("follower-%d", i), URL: url},
		})
	}
	return r
}

// AcquireForJob returns the first follower in list order that is
// neither busy nor dead, atomically marking it busy and recording the
// job mapping. Returns false when none is available.
func (r *FollowerRegistry) AcquireForJob(jobID int64) (Follower, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.followers {
		if f.busy || f.dead {
			continue
		}
		f.busy = true
		f.currentJobID = jobID
		r.jobOwner[jobID] = f
		return f.follower, true
	}
	return Follower{}, false
}

// HasAvailable reports whether any follower could accept a dispatch
// right now.
func (r *FollowerRegistry) HasAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.followers {
		if !f.busy && !f.dead {
			return true
		}
	}
	return false
}

// Release clears the job mapping and frees its follower.
func (r *FollowerRegistry) Release(jobID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.jobOwner[jobID]
	if !ok {
		return
	}
	delete(r.jobOwner, jobID)
	if f.currentJobID == jobID {
		f.busy = false
		f.currentJobID = 0
	}
}

// FollowerForJob looks up which follower runs a job.
func (r *FollowerRegistry) FollowerForJob(jobID int64) (Follower, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.jobOwner[jobID]
	if !ok {
		return Follower{}, false
	}
	return f.follower, true
}

// MarkDead removes a follower from dispatch rotation. Its job mapping,
// if any, is left in place for the reaper to resolve.
func (r *FollowerRegistry) MarkDead(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f := r.byID(id); f != nil {
		f.dead = true
	}
}

// Reconcile applies a follower's reported state: alive, and either
// running the given jobs or idle.
func (r *FollowerRegistry) Reconcile(id string, activeJobIDs []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.byID(id)
	if f == nil {
		return
	}
	f.dead = false

	if len(activeJobIDs) == 0 {
		if f.busy {
			delete(r.jobOwner, f.currentJobID)
		}
		f.busy = false
		f.currentJobID = 0
		return
	}
	f.busy = true
	f.currentJobID = activeJobIDs[0]
	for _, jobID := range activeJobIDs {
		r.jobOwner[jobID] = f
	}
}

// Snapshot returns the current state of every follower.
func (r *FollowerRegistry) Snapshot() []FollowerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FollowerStatus, 0, len(r.followers))
	for _, f := range r.followers {
		out = append(out, FollowerStatus{
			ID:           f.follower.ID,
			URL:          f.follower.URL,
			Busy:         f.busy,
			Dead:         f.dead,
			CurrentJobID: f.currentJobID,
		})
	}
	return out
}

// Dead returns the followers currently marked dead.
func (r *FollowerRegistry) Dead() []Follower {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Follower
	for _, f := range r.followers {
		if f.dead {
			out = append(out, f.follower)
		}
	}
	return out
}

// Get looks a follower up by id.
func (r *FollowerRegistry) Get(id string) (Follower, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f := r.byID(id); f != nil {
		return f.follower, true
	}
	return Follower{}, false
}

// All returns every configured follower.
func (r *FollowerRegistry) All() []Follower {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Follower, 0, len(r.followers))
	for _, f := range r.followers {
		out = append(out, f.follower)
	}
	return out
}

func (r *FollowerRegistry) byID(id string) *followerState {
	for _, f := range r.followers {
		if f.follower.ID == id {
			return f
		}
	}
	return nil
}
