package jobs

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ternarybob/licitometro/internal/models"
)

var errStopped = errors.New("stop requested")

// run is the registry entry of one job. The runner owns the working copy of the job
// and publishes immutable snapshots; readers only ever load the published pointer.
type run struct {
	snapshot atomic.Pointer[models.Job]

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newRun(job *models.Job) *run {
	r := &run{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	r.snapshot.Store(job.Clone())
	return r
}

// publish swaps in a copy of job as the visible snapshot
func (r *run) publish(job *models.Job) {
	r.snapshot.Store(job.Clone())
}

func (r *run) load() *models.Job {
	return r.snapshot.Load()
}

// requestStop signals the runner to stop at its next item boundary. Safe to call repeatedly.
func (r *run) requestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *run) stopRequested() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
