package tts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dgnsrekt/readaloud/internal/audio"
)

// session holds all state for one streaming playback run. Every map the
// engine mutates lives here, so a stale fetch finishing after Stop can
// never leak into the next session.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc

	chunks  []string
	speaker string
	cfg     Config
	cb      Callbacks

	stopCh   chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	cache    map[int]*audio.Buffer
	inflight map[int]*fetchToken
	current  int
	next     time.Time // scheduled end of the previous chunk

	completeOnce sync.Once
}

// fetchToken tracks one in-flight fetch-and-decode. At most one token
// exists per index; ownership of the buffer transfers to the session cache
// when the fetch resolves.
type fetchToken struct {
	ready chan struct{}
	buf   *audio.Buffer
	err   error
}

func newSession(ctx context.Context, chunks []string, speaker string, cfg Config, cb Callbacks) *session {
	sctx, cancel := context.WithCancel(ctx)
	return &session{
		ctx:      sctx,
		cancel:   cancel,
		chunks:   chunks,
		speaker:  speaker,
		cfg:      cfg,
		cb:       cb,
		stopCh:   make(chan struct{}),
		cache:    make(map[int]*audio.Buffer),
		inflight: make(map[int]*fetchToken),
	}
}

// detach marks the session stopped so that no pending playback or delayed
// callback can advance it further.
func (s *session) detach() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()
	})
}

func (s *session) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// tokenFor returns the token to wait on for index i. Cached buffers resolve
// immediately; an existing in-flight fetch is joined; otherwise a new token
// is registered and started=true tells the caller to launch the fetch.
func (s *session) tokenFor(i int) (f *fetchToken, started bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if buf, ok := s.cache[i]; ok {
		f = &fetchToken{ready: make(chan struct{}), buf: buf}
		close(f.ready)
		return f, false
	}
	if f, ok := s.inflight[i]; ok {
		return f, false
	}
	f = &fetchToken{ready: make(chan struct{})}
	s.inflight[i] = f
	return f, true
}

// resolve records a fetch outcome on its token. On success the buffer moves
// into the cache unless the session stopped in the meantime; either way the
// token leaves the in-flight registry, so a later attempt at the same index
// starts a fresh fetch.
func (s *session) resolve(i int, f *fetchToken, buf *audio.Buffer, err error) {
	s.mu.Lock()
	delete(s.inflight, i)
	if err == nil && !s.stopped() {
		s.cache[i] = buf
	}
	s.mu.Unlock()

	f.buf, f.err = buf, err
	close(f.ready)
}

// clear drops the chunk cache. Called on a short delay after stop so that
// in-flight fetches settle against maps that still exist.
func (s *session) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[int]*audio.Buffer)
	s.inflight = make(map[int]*fetchToken)
}

// evict trims the cache after a chunk finishes. The retention rule is
// index-window based, not LRU: playback is strictly sequential, so the
// currently-playing chunk, the previous one, and the MaxCacheSize highest
// indices are the only entries worth keeping. Random seeking would
// invalidate this policy; there is none.
func (s *session) evict() {
	s.mu.Lock()
	defer s.mu.Unlock()

	indices := make([]int, 0, len(s.cache))
	for i := range s.cache {
		indices = append(indices, i)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(indices)))

	for rank, i := range indices {
		if i < s.current-1 && rank >= s.cfg.MaxCacheSize {
			delete(s.cache, i)
		}
	}
}

func (s *session) cacheLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

func (s *session) setCurrent(i int) {
	s.mu.Lock()
	s.current = i
	s.mu.Unlock()
}
