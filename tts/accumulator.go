package tts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/readaloud/internal/audio"
	"github.com/dgnsrekt/readaloud/tts/chunk"
)

// ChunkStatus is the lifecycle state of one accumulator chunk.
type ChunkStatus int

const (
	// StatusPending means the chunk is queued for generation.
	StatusPending ChunkStatus = iota
	// StatusGenerating means synthesis for the chunk is underway.
	StatusGenerating
	// StatusReady means the chunk has an audio URL and can be played.
	StatusReady
	// StatusError means generation failed; terminal, no retry.
	StatusError
)

func (s ChunkStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusGenerating:
		return "generating"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// AudioChunk is one unit of the accumulator engine's batch. Chunks are
// created in bulk when generation starts, mutated in place as it proceeds,
// and only ever discarded in bulk by Clear.
type AudioChunk struct {
	Index    int
	Text     string
	AudioURL string
	Status   ChunkStatus
	Err      string
}

// AccumulatorEngine generates audio for every chunk up front, sequentially,
// then plays the ready ones back-to-back using opaque encoded clips. Higher
// latency to first sound than the streaming engine, but no decoding or
// scheduling machinery, and a failed chunk just gets skipped.
type AccumulatorEngine struct {
	synth  Synthesizer
	player audio.Player
	cfg    Config
	log    *log.Logger

	mu         sync.Mutex
	chunks     []*AudioChunk
	speaker    string
	generating bool
	playing    bool
	stopCh     chan struct{}
	cursor     int
	disposed   bool
}

// NewAccumulatorEngine wires an accumulator engine from its collaborators.
// A nil logger falls back to the default logger.
func NewAccumulatorEngine(synth Synthesizer, player audio.Player, cfg Config, logger *log.Logger) *AccumulatorEngine {
	if logger == nil {
		logger = log.Default()
	}
	return &AccumulatorEngine{
		synth:  synth,
		player: player,
		cfg:    cfg.withDefaults(),
		log:    logger.With("engine", "accumulator"),
	}
}

// GenerateAll splits text and synthesizes every chunk in order, one at a
// time. A chunk that fails is recorded as errored and reported through
// cb.OnError without aborting the rest of the batch. OnGenerationComplete
// fires exactly once after every chunk has been attempted. Calling
// GenerateAll while generation or playback is active is a warned no-op.
func (e *AccumulatorEngine) GenerateAll(ctx context.Context, text, speakerID string, cb Callbacks) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.generating || e.playing {
		e.mu.Unlock()
		e.log.Warn("generate ignored, engine is busy")
		return nil
	}
	e.mu.Unlock()

	if err := validateInput(text, speakerID); err != nil {
		cb.emitError(err)
		return err
	}

	segments := chunk.Split(text, e.cfg.ChunkSize)
	if len(segments) == 0 {
		cb.emitStatus("nothing to read", false)
		cb.emitGenerationComplete(0, 0)
		return nil
	}

	chunks := make([]*AudioChunk, len(segments))
	for i, seg := range segments {
		chunks[i] = &AudioChunk{Index: i, Text: seg, Status: StatusPending}
	}

	e.mu.Lock()
	if e.generating || e.playing {
		e.mu.Unlock()
		return nil
	}
	e.chunks = chunks
	e.speaker = speakerID
	e.generating = true
	e.mu.Unlock()

	go e.generate(ctx, chunks, speakerID, cb)
	return nil
}

func (e *AccumulatorEngine) generate(ctx context.Context, chunks []*AudioChunk, speakerID string, cb Callbacks) {
	total := len(chunks)
	ready, failed := 0, 0

	for i, c := range chunks {
		cb.emitStatus(fmt.Sprintf("generating chunk %d of %d", i+1, total), true)
		e.setStatus(c, StatusGenerating, "", "")

		url, err := e.synth.Synthesize(ctx, c.Text, speakerID)
		if err != nil {
			// Record the failure on this chunk and keep going: the rest of
			// the batch is still worth generating.
			e.setStatus(c, StatusError, "", err.Error())
			failed++
			e.log.Warn("chunk generation failed", "index", i, "err", err)
			cb.emitError(err)
		} else {
			e.setStatus(c, StatusReady, url, "")
			ready++
			cb.emitChunkGenerated(e.snapshot(c))
		}
		cb.emitProgress(i+1, total)
	}

	e.mu.Lock()
	e.generating = false
	e.mu.Unlock()

	e.log.Debug("generation finished", "ready", ready, "failed", failed)
	cb.emitStatus(fmt.Sprintf("generated %d of %d chunks", ready, total), false)
	cb.emitGenerationComplete(ready, failed)
}

func (e *AccumulatorEngine) setStatus(c *AudioChunk, status ChunkStatus, url, errMsg string) {
	e.mu.Lock()
	c.Status = status
	if url != "" {
		c.AudioURL = url
	}
	c.Err = errMsg
	e.mu.Unlock()
}

func (e *AccumulatorEngine) snapshot(c *AudioChunk) AudioChunk {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *c
}

// PlayAll plays every ready chunk in index order, skipping chunks that are
// pending or errored. Each clip plays to its natural end, then the gap
// elapses before the next begins. Requires at least one ready chunk.
// Calling PlayAll while playback is active is a warned no-op. A zero speed
// or negative gap falls back to the engine config.
func (e *AccumulatorEngine) PlayAll(ctx context.Context, speed float64, gap time.Duration, cb Callbacks) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.playing {
		e.mu.Unlock()
		e.log.Warn("play ignored, playback already active")
		return nil
	}
	ready := 0
	for _, c := range e.chunks {
		if c.Status == StatusReady {
			ready++
		}
	}
	if ready == 0 {
		e.mu.Unlock()
		cb.emitError(ErrNoReadyChunks)
		return ErrNoReadyChunks
	}
	if speed <= 0 {
		speed = e.cfg.Speed
	}
	if gap < 0 {
		gap = e.cfg.Gap
	}
	e.playing = true
	e.stopCh = make(chan struct{})
	chunks := e.chunks
	stop := e.stopCh
	e.mu.Unlock()

	go e.playAll(ctx, chunks, speed, gap, stop, cb)
	return nil
}

func (e *AccumulatorEngine) playAll(ctx context.Context, chunks []*AudioChunk, speed float64, gap time.Duration, stop chan struct{}, cb Callbacks) {
	total := len(chunks)

	for i, c := range chunks {
		if stopped(stop) {
			return
		}
		snap := e.snapshot(c)
		if snap.Status != StatusReady {
			e.log.Debug("skipping chunk", "index", i, "status", snap.Status.String())
			continue
		}

		e.setCursor(i)
		cb.emitProgress(i+1, total)
		cb.emitStatus(fmt.Sprintf("playing chunk %d of %d", i+1, total), false)

		data, err := e.synth.FetchAudio(ctx, snap.AudioURL)
		if err != nil {
			cb.emitError(err)
			e.Stop()
			cb.emitStatus("stopped after error", false)
			return
		}
		pb, err := e.player.PlayClip(data, speed)
		if err != nil {
			cb.emitError(&PlaybackError{Err: err})
			e.Stop()
			cb.emitStatus("stopped after error", false)
			return
		}

		select {
		case <-pb.Done():
		case <-stop:
			return
		}

		if gap > 0 && i < total-1 {
			if !sleepUntil(time.Now().Add(gap), stop) {
				return
			}
		}
	}

	if stopped(stop) {
		return
	}
	e.mu.Lock()
	e.playing = false
	e.cursor = 0
	e.mu.Unlock()

	cb.emitStatus("done", false)
	cb.emitComplete()
}

// Stop halts any in-progress playback and resets the play cursor to the
// start. Generated chunks are kept; use Clear to discard them. Idempotent.
func (e *AccumulatorEngine) Stop() {
	e.mu.Lock()
	if !e.playing {
		e.mu.Unlock()
		return
	}
	e.playing = false
	e.cursor = 0
	stop := e.stopCh
	e.mu.Unlock()

	if stop != nil {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
	e.player.Stop()
}

// Clear stops playback and discards every generated chunk.
func (e *AccumulatorEngine) Clear() {
	e.Stop()
	e.mu.Lock()
	e.chunks = nil
	e.speaker = ""
	e.mu.Unlock()
	e.log.Debug("chunks cleared")
}

// Chunks returns a snapshot of the current batch.
func (e *AccumulatorEngine) Chunks() []AudioChunk {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AudioChunk, len(e.chunks))
	for i, c := range e.chunks {
		out[i] = *c
	}
	return out
}

// IsPlaying reports whether playback is active.
func (e *AccumulatorEngine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// IsGenerating reports whether batch generation is underway.
func (e *AccumulatorEngine) IsGenerating() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generating
}

// Pause degrades to Stop, same as the streaming engine: mid-clip position
// is not tracked.
func (e *AccumulatorEngine) Pause() {
	e.Stop()
}

// Dispose stops playback and releases the audio device. Terminal.
func (e *AccumulatorEngine) Dispose() error {
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

func (e *AccumulatorEngine) setCursor(i int) {
	e.mu.Lock()
	e.cursor = i
	e.mu.Unlock()
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
