package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// ErrUnknownFormat is returned when payload bytes match no supported codec.
var ErrUnknownFormat = errors.New("unrecognized audio format")

// Decode sniffs the payload and decodes it into a PCM buffer. WAV and MP3
// are supported, which covers every payload the synthesis service emits.
func Decode(data []byte) (*Buffer, error) {
	switch {
	case len(data) == 0:
		return nil, errors.New("empty audio payload")
	case isWAV(data):
		return decodeWAV(data)
	case isMP3(data):
		return decodeMP3(data)
	default:
		return nil, ErrUnknownFormat
	}
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}

func isMP3(data []byte) bool {
	if len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")) {
		return true
	}
	// Frame sync: 11 set bits.
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

func decodeWAV(data []byte) (*Buffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wav decode: %w", err)
	}
	if pcm == nil || pcm.Format == nil || len(pcm.Data) == 0 {
		return nil, errors.New("wav decode: no audio frames")
	}

	depth := int(dec.BitDepth)
	if depth == 0 {
		depth = pcm.SourceBitDepth
	}
	out := make([]byte, len(pcm.Data)*2)
	for i, s := range pcm.Data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(to16Bit(s, depth)))
	}
	return &Buffer{
		Data:       out,
		SampleRate: pcm.Format.SampleRate,
		Channels:   pcm.Format.NumChannels,
	}, nil
}

func to16Bit(sample, depth int) int16 {
	switch {
	case depth > 16:
		return int16(sample >> (depth - 16))
	case depth == 8:
		// 8-bit WAV is unsigned.
		return int16((sample - 128) << 8)
	case depth > 0 && depth < 16:
		return int16(sample << (16 - depth))
	default:
		return int16(sample)
	}
}

func decodeMP3(data []byte) (*Buffer, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("mp3 decode: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("mp3 decode: %w", err)
	}
	// go-mp3 always emits 16-bit stereo at the source rate.
	return &Buffer{
		Data:       pcm,
		SampleRate: dec.SampleRate(),
		Channels:   2,
	}, nil
}
