package tts

import (
	"sync"
	"testing"
	"time"
)

// recorder captures every callback an engine fires, for assertions after
// the fact.
type recorder struct {
	mu        sync.Mutex
	progress  [][2]int
	statuses  []string
	errs      []error
	completes int
	generated []AudioChunk
	genDone   [][2]int

	done      chan struct{}
	genDoneCh chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		done:      make(chan struct{}),
		genDoneCh: make(chan struct{}),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(current, total int) {
			r.mu.Lock()
			r.progress = append(r.progress, [2]int{current, total})
			r.mu.Unlock()
		},
		OnStatus: func(message string, loading bool) {
			r.mu.Lock()
			r.statuses = append(r.statuses, message)
			r.mu.Unlock()
		},
		OnComplete: func() {
			r.mu.Lock()
			r.completes++
			first := r.completes == 1
			r.mu.Unlock()
			if first {
				close(r.done)
			}
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnChunkGenerated: func(c AudioChunk) {
			r.mu.Lock()
			r.generated = append(r.generated, c)
			r.mu.Unlock()
		},
		OnGenerationComplete: func(ready, failed int) {
			r.mu.Lock()
			r.genDone = append(r.genDone, [2]int{ready, failed})
			first := len(r.genDone) == 1
			r.mu.Unlock()
			if first {
				close(r.genDoneCh)
			}
		},
	}
}

func (r *recorder) waitDone(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for completion")
	}
}

func (r *recorder) waitGenDone(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-r.genDoneCh:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for generation to finish")
	}
}

func (r *recorder) progressPairs() [][2]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]int(nil), r.progress...)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) statusList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

func (r *recorder) completeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completes
}

func (r *recorder) generatedChunks() []AudioChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AudioChunk(nil), r.generated...)
}
