package audio

import (
	"sync"
	"time"
)

// MockPlayer is a Player for tests. Playbacks complete after PlayDelay
// (immediately by default) without touching any audio device.
type MockPlayer struct {
	// PlayDelay is how long each playback "lasts" before its Done channel
	// closes on its own.
	PlayDelay time.Duration

	// FailPlay, when set, is returned from Play and PlayClip.
	FailPlay error

	mu      sync.Mutex
	buffers []*Buffer
	clips   [][]byte
	speeds  []float64
	active  []*mockPlayback
	stops   int
	closed  bool
}

type mockPlayback struct {
	pb    *Playback
	timer *time.Timer
}

// NewMockPlayer returns a mock whose playbacks complete immediately.
func NewMockPlayer() *MockPlayer {
	return &MockPlayer{}
}

// Play implements Player.
func (m *MockPlayer) Play(buf *Buffer) (*Playback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrPlayerClosed
	}
	if m.FailPlay != nil {
		return nil, m.FailPlay
	}
	m.buffers = append(m.buffers, buf)
	return m.start(buf.Duration()), nil
}

// PlayClip implements Player. The clip stays opaque: it is recorded, not
// decoded.
func (m *MockPlayer) PlayClip(data []byte, speed float64) (*Playback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrPlayerClosed
	}
	if m.FailPlay != nil {
		return nil, m.FailPlay
	}
	m.clips = append(m.clips, data)
	m.speeds = append(m.speeds, speed)
	return m.start(0), nil
}

func (m *MockPlayer) start(d time.Duration) *Playback {
	pb := &Playback{done: make(chan struct{}), duration: d}
	mp := &mockPlayback{pb: pb}
	if m.PlayDelay > 0 {
		mp.timer = time.AfterFunc(m.PlayDelay, pb.finish)
		m.active = append(m.active, mp)
	} else {
		pb.finish()
	}
	return pb
}

// Stop implements Player.
func (m *MockPlayer) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	for _, mp := range m.active {
		if mp.timer != nil {
			mp.timer.Stop()
		}
		mp.pb.finish()
	}
	m.active = nil
}

// Close implements Player.
func (m *MockPlayer) Close() error {
	m.Stop()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Played returns the decoded buffers passed to Play, in order.
func (m *MockPlayer) Played() []*Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Buffer(nil), m.buffers...)
}

// Clips returns the encoded payloads passed to PlayClip, in order.
func (m *MockPlayer) Clips() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.clips...)
}

// Speeds returns the speed arguments passed to PlayClip, in order.
func (m *MockPlayer) Speeds() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.speeds...)
}

// StopCount reports how many times Stop was called.
func (m *MockPlayer) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}
