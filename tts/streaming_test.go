package tts

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/readaloud/internal/audio"
)

func testConfig() Config {
	return Config{
		ChunkSize:     1,
		PrefetchAhead: 3,
		MaxCacheSize:  5,
		Speed:         1.0,
		Gap:           time.Millisecond,
	}
}

func TestStreamingPlaysInAscendingOrder(t *testing.T) {
	synth := newFakeSynth()
	// Give each chunk a distinct duration so the played buffers identify
	// their chunk, and make the first chunk the slowest fetch so later
	// chunks resolve out of order.
	synth.clipFor = func(text string) []byte {
		switch text {
		case "One.":
			return makeWAV(8000, 10*time.Millisecond)
		case "Two.":
			return makeWAV(8000, 20*time.Millisecond)
		default:
			return makeWAV(8000, 30*time.Millisecond)
		}
	}
	synth.delay("One.", 60*time.Millisecond)

	player := audio.NewMockPlayer()
	e := NewStreamingEngine(synth, player, testConfig(), nil)
	defer e.Dispose()

	rec := newRecorder()
	if err := e.Play(context.Background(), "One. Two. Three.", "alice", rec.callbacks()); err != nil {
		t.Fatal(err)
	}
	rec.waitDone(t, 5*time.Second)

	played := player.Played()
	if len(played) != 3 {
		t.Fatalf("played %d buffers, want 3", len(played))
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	for i, buf := range played {
		if buf.Duration() != want[i] {
			t.Errorf("buffer %d duration = %v, want %v", i, buf.Duration(), want[i])
		}
	}
}

func TestStreamingProgressAndCompletion(t *testing.T) {
	synth := newFakeSynth()
	player := audio.NewMockPlayer()
	e := NewStreamingEngine(synth, player, testConfig(), nil)
	defer e.Dispose()

	rec := newRecorder()
	if err := e.Play(context.Background(), "One. Two. Three.", "alice", rec.callbacks()); err != nil {
		t.Fatal(err)
	}
	rec.waitDone(t, 5*time.Second)

	want := [][2]int{{1, 3}, {2, 3}, {3, 3}}
	got := rec.progressPairs()
	if len(got) != len(want) {
		t.Fatalf("progress = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("progress = %v, want %v", got, want)
		}
	}
	// Give a hypothetical duplicate completion a moment to fire.
	time.Sleep(20 * time.Millisecond)
	if n := rec.completeCount(); n != 1 {
		t.Errorf("completion fired %d times, want 1", n)
	}
}

func TestStreamingFirstChunkFailureIsFatal(t *testing.T) {
	synth := newFakeSynth()
	// Fail every attempt: the prefetch and the playback retry.
	synth.failTimes("One.", 10)

	player := audio.NewMockPlayer()
	e := NewStreamingEngine(synth, player, testConfig(), nil)
	defer e.Dispose()

	rec := newRecorder()
	if err := e.Play(context.Background(), "One. Two.", "alice", rec.callbacks()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for len(rec.errors()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for error callback")
		case <-time.After(5 * time.Millisecond):
		}
	}

	var serr *SynthesisError
	if !errors.As(rec.errors()[0], &serr) {
		t.Fatalf("want SynthesisError, got %v", rec.errors()[0])
	}
	if !strings.Contains(serr.Message, "busy") {
		t.Errorf("error message %q does not carry the upstream detail", serr.Message)
	}
	if n := len(player.Played()); n != 0 {
		t.Errorf("played %d buffers after fatal first chunk, want 0", n)
	}
	if rec.completeCount() != 0 {
		t.Error("completion fired after fatal error")
	}
}

func TestStreamingPrefetchFailureRetriesAtPlayback(t *testing.T) {
	synth := newFakeSynth()
	// The prefetch attempt for chunk 1 fails; the playback-time retry
	// succeeds, so the session still completes.
	synth.failTimes("Two.", 1)

	player := audio.NewMockPlayer()
	e := NewStreamingEngine(synth, player, testConfig(), nil)
	defer e.Dispose()

	rec := newRecorder()
	if err := e.Play(context.Background(), "One. Two. Three.", "alice", rec.callbacks()); err != nil {
		t.Fatal(err)
	}
	rec.waitDone(t, 5*time.Second)

	if n := len(player.Played()); n != 3 {
		t.Errorf("played %d buffers, want 3", n)
	}
	if n := synth.callCount("Two."); n < 2 {
		t.Errorf("chunk was attempted %d times, want at least 2", n)
	}
	if n := len(rec.errors()); n != 0 {
		t.Errorf("prefetch failure surfaced %d errors, want 0: %v", n, rec.errors())
	}
}

func TestStreamingStop(t *testing.T) {
	synth := newFakeSynth()
	player := audio.NewMockPlayer()
	player.PlayDelay = 300 * time.Millisecond

	e := NewStreamingEngine(synth, player, testConfig(), nil)
	defer e.Dispose()

	rec := newRecorder()
	if err := e.Play(context.Background(), "One. Two. Three.", "alice", rec.callbacks()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for len(player.Played()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for playback to start")
		case <-time.After(5 * time.Millisecond):
		}
	}

	e.Stop()

	if e.IsPlaying() {
		t.Error("IsPlaying true after Stop")
	}
	if player.StopCount() == 0 {
		t.Error("player was not stopped")
	}

	// No further chunks may start and no completion may fire.
	played := len(player.Played())
	time.Sleep(100 * time.Millisecond)
	if n := len(player.Played()); n != played {
		t.Errorf("playback advanced after Stop: %d -> %d", played, n)
	}
	if rec.completeCount() != 0 {
		t.Error("completion fired after Stop")
	}

	statuses := rec.statusList()
	if len(statuses) == 0 || statuses[len(statuses)-1] != "stopped" {
		t.Errorf("last status = %v, want trailing %q", statuses, "stopped")
	}

	// The engine is reusable: a fresh session runs to completion.
	player.PlayDelay = 0
	rec2 := newRecorder()
	if err := e.Play(context.Background(), "Four. Five.", "alice", rec2.callbacks()); err != nil {
		t.Fatal(err)
	}
	rec2.waitDone(t, 5*time.Second)
}

func TestStreamingPlayWhileActiveIsNoOp(t *testing.T) {
	synth := newFakeSynth()
	player := audio.NewMockPlayer()
	player.PlayDelay = 200 * time.Millisecond

	e := NewStreamingEngine(synth, player, testConfig(), nil)
	defer e.Dispose()

	rec := newRecorder()
	if err := e.Play(context.Background(), "One. Two.", "alice", rec.callbacks()); err != nil {
		t.Fatal(err)
	}
	rec2 := newRecorder()
	if err := e.Play(context.Background(), "Nine. Ten.", "alice", rec2.callbacks()); err != nil {
		t.Fatal(err)
	}
	rec.waitDone(t, 5*time.Second)

	if rec2.completeCount() != 0 {
		t.Error("second Play ran a session")
	}
	if n := synth.callCount("Nine."); n != 0 {
		t.Errorf("second Play fetched chunks: %d calls", n)
	}
}

func TestStreamingValidation(t *testing.T) {
	e := NewStreamingEngine(newFakeSynth(), audio.NewMockPlayer(), testConfig(), nil)
	defer e.Dispose()

	tests := []struct {
		name    string
		text    string
		speaker string
		field   string
	}{
		{"empty text", "", "alice", "text"},
		{"blank text", "   \n\t", "alice", "text"},
		{"empty speaker", "Hello.", "", "speaker"},
		{"blank speaker", "Hello.", "  ", "speaker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder()
			err := e.Play(context.Background(), tt.text, tt.speaker, rec.callbacks())
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("want ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
			if len(rec.errors()) != 1 {
				t.Errorf("error callback fired %d times, want 1", len(rec.errors()))
			}
			if e.IsPlaying() {
				t.Error("session started on invalid input")
			}
		})
	}
}

func TestStreamingDisposed(t *testing.T) {
	e := NewStreamingEngine(newFakeSynth(), audio.NewMockPlayer(), testConfig(), nil)
	if err := e.Dispose(); err != nil {
		t.Fatal(err)
	}
	if err := e.Dispose(); err != nil {
		t.Errorf("second Dispose returned %v", err)
	}
	err := e.Play(context.Background(), "Hello.", "alice", Callbacks{})
	if !errors.Is(err, ErrDisposed) {
		t.Errorf("Play on disposed engine returned %v, want ErrDisposed", err)
	}
}

func TestStreamingCacheStaysBounded(t *testing.T) {
	synth := newFakeSynth()
	player := audio.NewMockPlayer()
	player.PlayDelay = 15 * time.Millisecond

	cfg := testConfig()
	cfg.MaxCacheSize = 2
	e := NewStreamingEngine(synth, player, cfg, nil)
	defer e.Dispose()

	rec := newRecorder()
	text := "A. B. C. D. E. F. G. H. I. J."
	if err := e.Play(context.Background(), text, "alice", rec.callbacks()); err != nil {
		t.Fatal(err)
	}

	maxSeen := 0
	for {
		e.mu.Lock()
		s := e.sess
		e.mu.Unlock()
		if s == nil {
			break
		}
		if n := s.cacheLen(); n > maxSeen {
			maxSeen = n
		}
		time.Sleep(2 * time.Millisecond)
	}
	rec.waitDone(t, 10*time.Second)

	// The prefetch window (previous through current+PrefetchAhead-1) is
	// never evicted; beyond it at most MaxCacheSize entries survive, plus
	// one entry that may land between evictions.
	if limit := cfg.MaxCacheSize + cfg.PrefetchAhead + 2; maxSeen > limit {
		t.Errorf("cache grew to %d entries, want at most %d", maxSeen, limit)
	}
}

func TestSessionEvict(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCacheSize = 5
	s := newSession(context.Background(), make([]string, 10), "alice", cfg, Callbacks{})
	for i := 0; i < 10; i++ {
		s.cache[i] = &audio.Buffer{}
	}

	s.setCurrent(2)
	s.evict()

	if _, ok := s.cache[0]; ok {
		t.Error("index 0 survived eviction")
	}
	for i := 1; i < 10; i++ {
		if _, ok := s.cache[i]; !ok {
			t.Errorf("index %d was evicted, want kept", i)
		}
	}
}
