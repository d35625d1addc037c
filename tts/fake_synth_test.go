package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// fakeSynth is an in-memory Synthesizer. Failures are injected per chunk
// text and consumed per call, so a chunk can fail once and then succeed on
// retry. Clip payloads come from clipFor, which defaults to a small WAV.
type fakeSynth struct {
	mu           sync.Mutex
	clipFor      func(text string) []byte
	failures     map[string]int // remaining Synthesize/FetchClip failures per text
	fetchFails   map[string]int // remaining FetchAudio failures per text
	latency      map[string]time.Duration
	calls        []string
	fetchedTexts []string
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{
		clipFor:    func(string) []byte { return makeWAV(8000, 10*time.Millisecond) },
		failures:   make(map[string]int),
		fetchFails: make(map[string]int),
		latency:    make(map[string]time.Duration),
	}
}

func (f *fakeSynth) failTimes(text string, n int) {
	f.mu.Lock()
	f.failures[text] = n
	f.mu.Unlock()
}

func (f *fakeSynth) delay(text string, d time.Duration) {
	f.mu.Lock()
	f.latency[text] = d
	f.mu.Unlock()
}

func (f *fakeSynth) consumeFailure(m map[string]int, text string) bool {
	if m[text] > 0 {
		m[text]--
		return true
	}
	return false
}

func (f *fakeSynth) Synthesize(ctx context.Context, text, speakerID string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	failed := f.consumeFailure(f.failures, text)
	d := f.latency[text]
	f.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if failed {
		return "", &SynthesisError{Message: "model busy"}
	}
	return "clip://" + text, nil
}

func (f *fakeSynth) FetchAudio(ctx context.Context, audioURL string) ([]byte, error) {
	text := strings.TrimPrefix(audioURL, "clip://")
	f.mu.Lock()
	failed := f.consumeFailure(f.fetchFails, text)
	f.fetchedTexts = append(f.fetchedTexts, text)
	clip := f.clipFor(text)
	f.mu.Unlock()

	if failed {
		return nil, &FetchError{URL: audioURL, Err: fmt.Errorf("connection reset")}
	}
	return clip, nil
}

func (f *fakeSynth) FetchClip(ctx context.Context, text, speakerID string) ([]byte, error) {
	url, err := f.Synthesize(ctx, text, speakerID)
	if err != nil {
		return nil, err
	}
	return f.FetchAudio(ctx, url)
}

func (f *fakeSynth) callCount(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == text {
			n++
		}
	}
	return n
}

// makeWAV builds a minimal 16-bit mono PCM WAV payload in memory.
func makeWAV(rate int, d time.Duration) []byte {
	frames := int(int64(rate) * int64(d) / int64(time.Second))
	pcm := make([]byte, frames*2)
	for fr := 0; fr < frames; fr++ {
		v := int16(6000 * math.Sin(2*math.Pi*220*float64(fr)/float64(rate)))
		binary.LittleEndian.PutUint16(pcm[fr*2:], uint16(v))
	}

	out := make([]byte, 0, 44+len(pcm))
	u32 := func(v uint32) []byte {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, v)
		return b
	}
	u16 := func(v uint16) []byte {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)
		return b
	}
	out = append(out, []byte("RIFF")...)
	out = append(out, u32(uint32(36+len(pcm)))...)
	out = append(out, []byte("WAVE")...)
	out = append(out, []byte("fmt ")...)
	out = append(out, u32(16)...)
	out = append(out, u16(1)...) // PCM
	out = append(out, u16(1)...) // mono
	out = append(out, u32(uint32(rate))...)
	out = append(out, u32(uint32(rate*2))...)
	out = append(out, u16(2)...)  // block align
	out = append(out, u16(16)...) // bit depth
	out = append(out, []byte("data")...)
	out = append(out, u32(uint32(len(pcm)))...)
	out = append(out, pcm...)
	return out
}
