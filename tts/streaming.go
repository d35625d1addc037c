package tts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/dgnsrekt/readaloud/internal/audio"
	"github.com/dgnsrekt/readaloud/tts/chunk"
)

// startMargin is the safety margin added to the clock when a chunk cannot
// start back-to-back with its predecessor (first chunk, or playback fell
// behind the schedule).
const startMargin = 25 * time.Millisecond

// cacheClearDelay is how long after Stop the session cache survives, giving
// in-flight fetches a live map to settle into.
const cacheClearDelay = 250 * time.Millisecond

// StreamingEngine plays text by fetching and decoding chunks ahead of the
// playhead and scheduling each chunk's start from the previous chunk's
// computed end, so playback stays gapless regardless of scheduling jitter.
// One session is active at a time; a Play call during an active session is
// a no-op.
type StreamingEngine struct {
	synth  Synthesizer
	player audio.Player
	cfg    Config
	log    *log.Logger
	sem    *semaphore.Weighted

	mu       sync.Mutex
	sess     *session
	disposed bool
}

// NewStreamingEngine wires a streaming engine from its collaborators. A nil
// logger falls back to the default logger.
func NewStreamingEngine(synth Synthesizer, player audio.Player, cfg Config, logger *log.Logger) *StreamingEngine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &StreamingEngine{
		synth:  synth,
		player: player,
		cfg:    cfg,
		log:    logger.With("engine", "streaming"),
		sem:    semaphore.NewWeighted(int64(cfg.PrefetchAhead + 1)),
	}
}

// Play starts a playback session for text. It validates input, splits the
// text, prefetches the first chunks, and returns once the session goroutine
// is running; progress and errors arrive via cb. Calling Play while a
// session is active is a warned no-op.
func (e *StreamingEngine) Play(ctx context.Context, text, speakerID string, cb Callbacks) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.sess != nil {
		e.mu.Unlock()
		e.log.Warn("play ignored, session already active")
		return nil
	}
	e.mu.Unlock()

	if err := validateInput(text, speakerID); err != nil {
		cb.emitError(err)
		return err
	}

	chunks := chunk.Split(text, e.cfg.ChunkSize)
	if len(chunks) == 0 {
		cb.emitStatus("nothing to read", false)
		cb.emitComplete()
		return nil
	}

	s := newSession(ctx, chunks, speakerID, e.cfg, cb)
	e.mu.Lock()
	if e.disposed || e.sess != nil {
		e.mu.Unlock()
		s.cancel()
		return nil
	}
	e.sess = s
	e.mu.Unlock()

	e.log.Debug("session starting", "chunks", len(chunks), "speaker", speakerID)
	cb.emitStatus(fmt.Sprintf("preparing %d chunks", len(chunks)), true)

	// Warm the pipeline: the first PrefetchAhead chunks go out together,
	// but playback waits only for chunk 0.
	for i := 0; i < e.cfg.PrefetchAhead && i < len(chunks); i++ {
		e.prefetch(s, i)
	}

	go e.run(s)
	return nil
}

func validateInput(text, speakerID string) error {
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: "text"}
	}
	if strings.TrimSpace(speakerID) == "" {
		return &ValidationError{Field: "speaker"}
	}
	return nil
}

// run is the session playback loop. Chunks play strictly in ascending index
// order: each iteration blocks on the in-order chunk's token even when
// later fetches resolved first.
func (e *StreamingEngine) run(s *session) {
	total := len(s.chunks)
	for i := 0; i < total; i++ {
		s.setCurrent(i)

		buf, err := e.await(s, i)
		if s.stopped() {
			return
		}
		if err != nil {
			e.log.Error("chunk failed", "index", i, "err", err)
			s.cb.emitError(err)
			e.stop(s, "stopped after error")
			return
		}

		// The moment a chunk starts playing, its successors go out.
		for j := i + 1; j <= i+e.cfg.PrefetchAhead-1 && j < total; j++ {
			e.prefetch(s, j)
		}

		s.cb.emitProgress(i+1, total)
		s.cb.emitStatus(fmt.Sprintf("reading chunk %d of %d", i+1, total), false)

		stretched := buf.Stretch(s.cfg.Speed)

		// Gapless scheduling: the start time is computed from the previous
		// chunk's scheduled end, not from when its ended event happened to
		// arrive.
		start := time.Now().Add(startMargin)
		if s.next.After(start) {
			start = s.next
		}
		if !sleepUntil(start, s.stopCh) {
			return
		}

		pb, err := e.player.Play(stretched)
		if err != nil {
			perr := &PlaybackError{Err: err}
			e.log.Error("playback rejected", "index", i, "err", err)
			s.cb.emitError(perr)
			e.stop(s, "stopped after error")
			return
		}
		s.next = start.Add(stretched.Duration()).Add(s.cfg.Gap)

		select {
		case <-pb.Done():
		case <-s.stopCh:
			return
		}
		if s.stopped() {
			return
		}
		s.evict()
	}

	if s.stopped() {
		return
	}
	s.completeOnce.Do(func() {
		s.cb.emitStatus("done", false)
		s.cb.emitComplete()
	})
	e.clearSession(s)
}

// await blocks until the chunk at index i is fetched and decoded, starting
// the fetch if no prefetch covered it. Returns (nil, nil) when the session
// stopped while waiting.
func (e *StreamingEngine) await(s *session, i int) (*audio.Buffer, error) {
	f, started := s.tokenFor(i)
	if started {
		if !s.stopped() {
			s.cb.emitStatus(fmt.Sprintf("loading chunk %d of %d", i+1, len(s.chunks)), true)
		}
		go e.fetch(s, i, f)
	}
	select {
	case <-f.ready:
		return f.buf, f.err
	case <-s.stopCh:
		return nil, nil
	}
}

// prefetch speculatively fetches index i unless it is cached or already in
// flight. Prefetch failures are logged, never surfaced: playback retries
// the index naturally when it gets there.
func (e *StreamingEngine) prefetch(s *session, i int) {
	f, started := s.tokenFor(i)
	if !started {
		return
	}
	go func() {
		e.fetch(s, i, f)
		if f.err != nil {
			e.log.Warn("prefetch failed", "index", i, "err", f.err, "text", chunk.Preview(s.chunks[i], 40))
		}
	}()
}

// fetch performs one fetch-and-decode and resolves the token. Concurrency
// is bounded so a burst of prefetches cannot flood the synthesis service.
func (e *StreamingEngine) fetch(s *session, i int, f *fetchToken) {
	if err := e.sem.Acquire(s.ctx, 1); err != nil {
		s.resolve(i, f, nil, err)
		return
	}
	defer e.sem.Release(1)

	data, err := e.synth.FetchClip(s.ctx, s.chunks[i], s.speaker)
	if err != nil {
		s.resolve(i, f, nil, err)
		return
	}
	buf, err := audio.Decode(data)
	if err != nil {
		s.resolve(i, f, nil, &DecodeError{Err: err})
		return
	}
	s.resolve(i, f, buf, nil)
	s.evict()
}

// Stop halts the active session: completion handlers are detached first so
// no queued playback can advance the state, then audio stops, then the
// session resets. The chunk cache is cleared on a short delay so in-flight
// prefetches settle cleanly. Calling Stop with no active session is a
// no-op.
func (e *StreamingEngine) Stop() {
	e.mu.Lock()
	s := e.sess
	e.mu.Unlock()
	if s == nil {
		return
	}
	e.stop(s, "stopped")
}

func (e *StreamingEngine) stop(s *session, status string) {
	s.detach()
	e.player.Stop()
	s.cb.emitStatus(status, false)
	e.clearSession(s)
	time.AfterFunc(cacheClearDelay, s.clear)
}

func (e *StreamingEngine) clearSession(s *session) {
	e.mu.Lock()
	if e.sess == s {
		e.sess = nil
	}
	e.mu.Unlock()
}

// Pause degrades to Stop: true pause would need in-buffer sample position
// tracking, which the playback path does not model. Documented limitation.
func (e *StreamingEngine) Pause() {
	e.Stop()
}

// IsPlaying reports whether a session is active.
func (e *StreamingEngine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess != nil
}

// Dispose stops any session and releases the audio device. The engine is
// unusable afterwards.
func (e *StreamingEngine) Dispose() error {
	e.Stop()
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.disposed = true
	e.mu.Unlock()
	return e.player.Close()
}

// sleepUntil waits for the wall clock to reach t, or returns false if the
// stop channel closes first.
func sleepUntil(t time.Time, stop <-chan struct{}) bool {
	d := time.Until(t)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	}
}
