package tts

import (
	"context"
	"time"

	"github.com/dgnsrekt/readaloud/tts/chunk"
)

// Config controls chunking, prefetch, and playback pacing for both engines.
// Zero values fall back to the defaults below.
type Config struct {
	// ChunkSize is the maximum number of words per text chunk.
	ChunkSize int

	// PrefetchAhead is how many chunks beyond the current one the streaming
	// engine keeps in flight.
	PrefetchAhead int

	// MaxCacheSize bounds the decoded buffers the streaming engine retains
	// beyond the currently-playing and previous chunk.
	MaxCacheSize int

	// Speed is the playback rate multiplier.
	Speed float64

	// Gap is the silence inserted between consecutive chunks.
	Gap time.Duration
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     chunk.DefaultMaxWords,
		PrefetchAhead: 3,
		MaxCacheSize:  5,
		Speed:         1.0,
		Gap:           50 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.PrefetchAhead <= 0 {
		c.PrefetchAhead = d.PrefetchAhead
	}
	if c.MaxCacheSize <= 0 {
		c.MaxCacheSize = d.MaxCacheSize
	}
	if c.Speed <= 0 {
		c.Speed = d.Speed
	}
	if c.Gap < 0 {
		c.Gap = 0
	}
	return c
}

// Synthesizer is the network boundary both engines speak to. Implemented by
// synth.Client.
type Synthesizer interface {
	// Synthesize requests synthesis of one chunk and returns the absolute
	// URL of the resulting audio.
	Synthesize(ctx context.Context, text, speakerID string) (string, error)

	// FetchAudio retrieves raw audio bytes from a URL returned by
	// Synthesize.
	FetchAudio(ctx context.Context, audioURL string) ([]byte, error)

	// FetchClip synthesizes a chunk and fetches its audio in one step.
	FetchClip(ctx context.Context, text, speakerID string) ([]byte, error)
}
