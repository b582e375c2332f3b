// Package audio provides the canonical PCM format of the service, WAV framing and
// preview extraction.
package audio

import (
	"errors"
	"fmt"
)

// Canonical output of the normalizer.
const (
	TargetSampleRate = 16000
	TargetChannels   = 1
	TargetBitDepth   = 16
	TargetCodec      = "pcm_s16le"
	TargetContainer  = "wav"
)

// Quality validation limits.
const (
	maxSampleRate = 192000
	maxChannels   = 8
)

// Error message formats.
const (
	errFmtSampleRateRange = "%w: sample rate must be between 1 and %d Hz, got %d"
	errFmtBitDepthValues  = "%w: bit depth must be 8, 16, 24, or 32, got %d"
	errFmtChannelsRange   = "%w: channels must be between 1 and %d, got %d"
	errFmtCodecEmpty      = "%w: codec cannot be empty"
)

// ErrInvalidFormat indicates PCM format settings outside supported bounds.
var ErrInvalidFormat = errors.New("invalid audio format")

// Format describes PCM audio.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Codec      string
}

// Canonical returns the format every normalized recording is expected to have.
func Canonical() Format {
	return Format{
		SampleRate: TargetSampleRate,
		Channels:   TargetChannels,
		BitDepth:   TargetBitDepth,
		Codec:      TargetCodec,
	}
}

// BytesPerSample returns the size of one sample of one channel.
func (f Format) BytesPerSample() int {
	return f.BitDepth / 8
}

// BlockAlign returns the size of one frame across all channels.
func (f Format) BlockAlign() int {
	return f.BytesPerSample() * f.Channels
}

// ByteRate returns bytes per second of audio.
func (f Format) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

// Validate checks if the format settings are within reasonable bounds.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.SampleRate > maxSampleRate {
		return fmt.Errorf(errFmtSampleRateRange, ErrInvalidFormat, maxSampleRate, f.SampleRate)
	}

	switch f.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf(errFmtBitDepthValues, ErrInvalidFormat, f.BitDepth)
	}

	if f.Channels <= 0 || f.Channels > maxChannels {
		return fmt.Errorf(errFmtChannelsRange, ErrInvalidFormat, maxChannels, f.Channels)
	}

	if f.Codec == "" {
		return fmt.Errorf(errFmtCodecEmpty, ErrInvalidFormat)
	}

	return nil
}
