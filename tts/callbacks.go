package tts

// Callbacks is the observer contract for engine events. Every hook is
// optional. Engines invoke hooks from their own playback goroutine, one at
// a time, and enforce exactly-once semantics for completion events; callers
// only need their hooks to be fast.
type Callbacks struct {
	// OnProgress reports the chunk about to play as (current, total),
	// 1-based.
	OnProgress func(current, total int)

	// OnStatus reports a human-readable status line. loading is true while
	// the engine is waiting on the network.
	OnStatus func(message string, loading bool)

	// OnComplete fires exactly once when a playback session finishes
	// naturally.
	OnComplete func()

	// OnError reports failures. Fatal session errors arrive here before
	// the engine stops; per-chunk generation failures in the accumulator
	// engine arrive here without halting the batch.
	OnError func(err error)

	// OnChunkGenerated fires per chunk as the accumulator engine resolves
	// it, with a snapshot of the chunk.
	OnChunkGenerated func(chunk AudioChunk)

	// OnGenerationComplete fires exactly once after the accumulator engine
	// has attempted every chunk, successful or not.
	OnGenerationComplete func(ready, failed int)
}

func (c Callbacks) emitProgress(current, total int) {
	if c.OnProgress != nil {
		c.OnProgress(current, total)
	}
}

func (c Callbacks) emitStatus(message string, loading bool) {
	if c.OnStatus != nil {
		c.OnStatus(message, loading)
	}
}

func (c Callbacks) emitComplete() {
	if c.OnComplete != nil {
		c.OnComplete()
	}
}

func (c Callbacks) emitError(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

func (c Callbacks) emitChunkGenerated(chunk AudioChunk) {
	if c.OnChunkGenerated != nil {
		c.OnChunkGenerated(chunk)
	}
}

func (c Callbacks) emitGenerationComplete(ready, failed int) {
	if c.OnGenerationComplete != nil {
		c.OnGenerationComplete(ready, failed)
	}
}
