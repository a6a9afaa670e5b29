package api

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"
)

// job carries what import and export jobs share: an id, a context canceled
// on delete, and the error of the last background call.
type job struct {
	id     string
	kind   string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lastErr string
}

func (s *Server) initJob(j *job, kind string) {
	j.id = uuid.NewString()
	j.kind = kind
	j.ctx, j.cancel = context.WithCancel(s.ctx)
}

func (j *job) setErr(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err == nil {
		j.lastErr = ""
		return
	}
	j.lastErr = err.Error()
}

func (j *job) err() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

// background runs fn on its own goroutine under the job context.
func (j *job) background(what string, fn func(context.Context) error) {
	j.setErr(nil)
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		if err := fn(j.ctx); err != nil {
			log.Printf("api: %s %s: %s: %v", j.kind, j.id, what, err)
			j.setErr(err)
		}
	}()
}
