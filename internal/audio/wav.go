package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	riffHeaderSize  = 12
	chunkHeaderSize = 8
	fmtChunkMinSize = 16
	wavHeaderSize   = 44
	pcmAudioFormat  = 1
	// ffmpeg writing to a pipe cannot seek back and leaves sizes at this value.
	unknownChunkSize = 0xFFFFFFFF
)

// ErrNotWAV indicates data that is not a RIFF/WAVE container.
var ErrNotWAV = errors.New("not a WAV container")

// WAV is a parsed RIFF/WAVE container.
type WAV struct {
	Format Format
	PCM    []byte
}

// Duration returns the length of the PCM payload in seconds.
func (w WAV) Duration() float64 {
	rate := w.Format.ByteRate()
	if rate == 0 {
		return 0
	}

	return float64(len(w.PCM)) / float64(rate)
}

// ParseWAV walks the chunks of a RIFF/WAVE container and returns its fmt and data
// payload. Chunks other than "fmt " and "data" are skipped.
func ParseWAV(data []byte) (WAV, error) {
	if len(data) < riffHeaderSize || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WAV{}, ErrNotWAV
	}

	var (
		parsed  WAV
		haveFmt bool
	)

	offset := riffHeaderSize
	for offset+chunkHeaderSize <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		body := offset + chunkHeaderSize

		end := len(data)
		if chunkSize != unknownChunkSize && body+int(chunkSize) <= len(data) {
			end = body + int(chunkSize)
		}

		switch chunkID {
		case "fmt ":
			format, err := parseFmtChunk(data[body:end])
			if err != nil {
				return WAV{}, err
			}

			parsed.Format = format
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAV{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrNotWAV)
			}

			parsed.PCM = data[body:end]

			return parsed, nil
		}

		// Chunks are word aligned.
		offset = end + (end-body)%2
	}

	return WAV{}, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
}

func parseFmtChunk(chunk []byte) (Format, error) {
	if len(chunk) < fmtChunkMinSize {
		return Format{}, fmt.Errorf("%w: fmt chunk too short (%d bytes)", ErrNotWAV, len(chunk))
	}

	audioFormat := binary.LittleEndian.Uint16(chunk[0:2])
	if audioFormat != pcmAudioFormat {
		return Format{}, fmt.Errorf("%w: unsupported audio format %d (only PCM)", ErrInvalidFormat, audioFormat)
	}

	return Format{
		Channels:   int(binary.LittleEndian.Uint16(chunk[2:4])),
		SampleRate: int(binary.LittleEndian.Uint32(chunk[4:8])),
		BitDepth:   int(binary.LittleEndian.Uint16(chunk[14:16])),
		Codec:      TargetCodec,
	}, nil
}

// EncodeWAV frames raw PCM into a canonical 44-byte-header WAV container.
func EncodeWAV(pcm []byte, format Format) ([]byte, error) {
	err := format.Validate()
	if err != nil {
		return nil, err
	}

	header := struct {
		ChunkID       [4]byte
		ChunkSize     uint32
		Format        [4]byte
		Subchunk1ID   [4]byte
		Subchunk1Size uint32
		AudioFormat   uint16
		NumChannels   uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Subchunk2ID   [4]byte
		Subchunk2Size uint32
	}{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(wavHeaderSize - chunkHeaderSize + len(pcm)),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: fmtChunkMinSize,
		AudioFormat:   pcmAudioFormat,
		NumChannels:   uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.ByteRate()),
		BlockAlign:    uint16(format.BlockAlign()),
		BitsPerSample: uint16(format.BitDepth),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(len(pcm)),
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))

	err = binary.Write(buf, binary.LittleEndian, header)
	if err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	buf.Write(pcm)

	return buf.Bytes(), nil
}

// PreviewWindow returns the byte length of the first seconds of mono audio at
// the given rate: sampleRate * bytesPerSample * seconds.
func PreviewWindow(sampleRate, bytesPerSample, seconds int) int {
	return sampleRate * bytesPerSample * seconds
}

// ExtractPreview returns the first window bytes of PCM re-framed as a WAV
// container. Input that is not a WAV container is cut as raw bytes. It returns
// nil when there is no audio payload.
func ExtractPreview(normalized []byte, window int) ([]byte, error) {
	if window <= 0 || len(normalized) == 0 {
		return nil, nil
	}

	parsed, err := ParseWAV(normalized)
	if err != nil {
		if errors.Is(err, ErrNotWAV) {
			return bytes.Clone(normalized[:min(window, len(normalized))]), nil
		}

		return nil, err
	}

	pcm := parsed.PCM
	if len(pcm) > window {
		pcm = pcm[:window]
	}

	if align := parsed.Format.BlockAlign(); align > 0 {
		pcm = pcm[:len(pcm)-len(pcm)%align]
	}

	if len(pcm) == 0 {
		return nil, nil
	}

	return EncodeWAV(pcm, parsed.Format)
}
