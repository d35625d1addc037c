package audio

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// Player starts chunk playbacks and halts them. Implementations must be
// safe for use from multiple goroutines.
type Player interface {
	// Play starts playback of a decoded buffer immediately and returns a
	// handle whose Done channel closes when playback ends or is stopped.
	Play(buf *Buffer) (*Playback, error)

	// PlayClip decodes an opaque encoded payload and plays it, applying the
	// given speed multiplier. Callers never see the decoded samples.
	PlayClip(data []byte, speed float64) (*Playback, error)

	// Stop halts every active playback. Their Done channels close so that
	// waiters unblock; callers are expected to check their own liveness
	// before reacting.
	Stop()

	// Close stops playback and releases the audio device. Terminal.
	Close() error
}

// ErrPlayerClosed is returned for operations on a closed player.
var ErrPlayerClosed = errors.New("audio player is closed")

// Playback is a handle to one in-flight chunk playback.
type Playback struct {
	done     chan struct{}
	duration time.Duration
	once     sync.Once
}

// Done closes when the playback finishes naturally or is stopped.
func (p *Playback) Done() <-chan struct{} { return p.done }

// Duration reports the expected playback length.
func (p *Playback) Duration() time.Duration { return p.duration }

func (p *Playback) finish() {
	p.once.Do(func() { close(p.done) })
}

// OtoPlayer plays PCM through the system audio device via oto. One oto
// context is created per player and reused across sessions until Close.
type OtoPlayer struct {
	ctx        *oto.Context
	sampleRate int

	mu     sync.Mutex
	active []*otoPlayback
	closed bool
}

type otoPlayback struct {
	pb     *Playback
	player *oto.Player
	stop   chan struct{}
}

// OtoConfig configures the audio device.
type OtoConfig struct {
	SampleRate int
	BufferSize time.Duration
}

// DefaultOtoConfig returns the device settings used by the CLI.
func DefaultOtoConfig() OtoConfig {
	return OtoConfig{
		SampleRate: 44100,
		BufferSize: 50 * time.Millisecond,
	}
}

// NewOtoPlayer opens the audio device. Blocks until the device is ready.
func NewOtoPlayer(cfg OtoConfig) (*OtoPlayer, error) {
	if cfg.SampleRate == 0 {
		cfg = DefaultOtoConfig()
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   cfg.SampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   cfg.BufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("open audio device: %w", err)
	}
	<-ready

	return &OtoPlayer{ctx: ctx, sampleRate: cfg.SampleRate}, nil
}

// Play implements Player. The buffer is downmixed and resampled to the
// device rate before playback.
func (p *OtoPlayer) Play(buf *Buffer) (*Playback, error) {
	if buf == nil || len(buf.Data) == 0 {
		return nil, errors.New("empty audio buffer")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPlayerClosed
	}

	pcm := buf.Mono().Resample(p.sampleRate)
	op := p.ctx.NewPlayer(bytes.NewReader(pcm.Data))
	op.Play()

	a := &otoPlayback{
		pb:     &Playback{done: make(chan struct{}), duration: pcm.Duration()},
		player: op,
		stop:   make(chan struct{}),
	}
	p.active = append(p.active, a)
	go p.watch(a)

	return a.pb, nil
}

// PlayClip implements Player.
func (p *OtoPlayer) PlayClip(data []byte, speed float64) (*Playback, error) {
	buf, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return p.Play(buf.Stretch(speed))
}

// watch closes the playback handle once the computed duration elapses. oto
// gives no end-of-stream callback, so completion is duration driven with a
// short drain poll for device buffering.
func (p *OtoPlayer) watch(a *otoPlayback) {
	timer := time.NewTimer(a.pb.duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		for i := 0; i < 20 && a.player.IsPlaying(); i++ {
			time.Sleep(10 * time.Millisecond)
		}
	case <-a.stop:
	}

	a.player.Pause()
	_ = a.player.Close()
	a.pb.finish()
	p.remove(a)
}

func (p *OtoPlayer) remove(a *otoPlayback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, other := range p.active {
		if other == a {
			p.active = append(p.active[:i], p.active[i+1:]...)
			return
		}
	}
}

// Stop implements Player.
func (p *OtoPlayer) Stop() {
	p.mu.Lock()
	active := p.active
	p.active = nil
	p.mu.Unlock()

	for _, a := range active {
		select {
		case <-a.stop:
		default:
			close(a.stop)
		}
	}
}

// Close implements Player. The oto context has no Close in v3; dropping the
// reference releases it when the process exits.
func (p *OtoPlayer) Close() error {
	p.Stop()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
