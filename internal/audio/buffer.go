// Package audio provides decoded PCM buffers and playback for readaloud.
package audio

import (
	"encoding/binary"
	"time"
)

// Buffer holds decoded audio as signed 16-bit little-endian PCM samples.
// Buffers are immutable once created; transforms return new buffers.
type Buffer struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Duration reports how long the buffer plays at its native rate.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 || b.Channels <= 0 {
		return 0
	}
	frames := len(b.Data) / (2 * b.Channels)
	return time.Duration(frames) * time.Second / time.Duration(b.SampleRate)
}

// Frames reports the number of sample frames in the buffer.
func (b *Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Data) / (2 * b.Channels)
}

// Mono downmixes the buffer to a single channel by averaging. A buffer that
// is already mono is returned unchanged.
func (b *Buffer) Mono() *Buffer {
	if b.Channels <= 1 {
		return b
	}
	frames := b.Frames()
	out := make([]byte, frames*2)
	for f := 0; f < frames; f++ {
		var sum int
		for c := 0; c < b.Channels; c++ {
			sum += int(int16(binary.LittleEndian.Uint16(b.Data[(f*b.Channels+c)*2:])))
		}
		binary.LittleEndian.PutUint16(out[f*2:], uint16(int16(sum/b.Channels)))
	}
	return &Buffer{Data: out, SampleRate: b.SampleRate, Channels: 1}
}

// Resample converts the buffer to the target sample rate using linear
// interpolation. Good enough for speech; a proper filter bank is not worth
// the dependency for this use.
func (b *Buffer) Resample(rate int) *Buffer {
	if rate <= 0 || rate == b.SampleRate || b.SampleRate <= 0 {
		return b
	}
	src := b.Mono()
	inFrames := src.Frames()
	if inFrames == 0 {
		return &Buffer{SampleRate: rate, Channels: 1}
	}
	outFrames := int(int64(inFrames) * int64(rate) / int64(src.SampleRate))
	out := make([]byte, outFrames*2)
	for f := 0; f < outFrames; f++ {
		pos := float64(f) * float64(inFrames-1) / float64(maxInt(outFrames-1, 1))
		i := int(pos)
		frac := pos - float64(i)
		s0 := sampleAt(src.Data, i)
		s1 := s0
		if i+1 < inFrames {
			s1 = sampleAt(src.Data, i+1)
		}
		v := float64(s0) + (float64(s1)-float64(s0))*frac
		binary.LittleEndian.PutUint16(out[f*2:], uint16(int16(v)))
	}
	return &Buffer{Data: out, SampleRate: rate, Channels: 1}
}

// Stretch speeds playback up (speed > 1) or slows it down (speed < 1) by
// resampling, the tape-speedup way: pitch shifts along with the rate. The
// returned buffer keeps the original sample rate, so its Duration is the
// original duration divided by speed.
func (b *Buffer) Stretch(speed float64) *Buffer {
	if speed <= 0 || speed == 1.0 {
		return b
	}
	src := b.Mono()
	inFrames := src.Frames()
	outFrames := int(float64(inFrames) / speed)
	if outFrames <= 0 {
		return &Buffer{SampleRate: src.SampleRate, Channels: 1}
	}
	out := make([]byte, outFrames*2)
	for f := 0; f < outFrames; f++ {
		pos := float64(f) * speed
		i := int(pos)
		if i >= inFrames {
			i = inFrames - 1
		}
		frac := pos - float64(i)
		s0 := sampleAt(src.Data, i)
		s1 := s0
		if i+1 < inFrames {
			s1 = sampleAt(src.Data, i+1)
		}
		v := float64(s0) + (float64(s1)-float64(s0))*frac
		binary.LittleEndian.PutUint16(out[f*2:], uint16(int16(v)))
	}
	return &Buffer{Data: out, SampleRate: src.SampleRate, Channels: 1}
}

func sampleAt(data []byte, frame int) int16 {
	return int16(binary.LittleEndian.Uint16(data[frame*2:]))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
