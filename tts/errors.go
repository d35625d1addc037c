// Package tts orchestrates chunked text-to-speech playback: it splits text
// into word-bounded chunks, fetches synthesized audio for each chunk from a
// remote service, and schedules ordered, low-gap playback. Two engines are
// provided: StreamingEngine (prefetch and gapless scheduling over decoded
// buffers) and AccumulatorEngine (generate everything first, then play).
package tts

import (
	"errors"
	"fmt"
)

// Sentinel errors for engine misuse.
var (
	// ErrDisposed is returned for any operation on a disposed engine.
	ErrDisposed = errors.New("tts engine has been disposed")

	// ErrNoReadyChunks is returned by PlayAll when generation produced no
	// playable chunks.
	ErrNoReadyChunks = errors.New("no chunks are ready for playback")
)

// ValidationError reports empty required input. It is surfaced via the
// error callback without mutating any session state.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s must not be empty", e.Field)
}

// SynthesisError means the synthesis service rejected or failed a request.
// Message carries the upstream error text.
type SynthesisError struct {
	Message string
}

func (e *SynthesisError) Error() string {
	return "synthesis failed: " + e.Message
}

// FetchError means synthesized audio bytes could not be retrieved.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("audio fetch failed for %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DecodeError means fetched bytes were corrupt or in an unsupported format.
// Distinct from FetchError on purpose: retrying the network will not help.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio decode failed: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PlaybackError means the audio subsystem rejected playback. Fatal to the
// session.
type PlaybackError struct {
	Err error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback failed: %v", e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }
