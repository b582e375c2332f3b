// Package pipeline turns a voice recording into a stored voice model bundle:
// normalize, embed, assemble, put.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-bundle-service/internal/audio"
	"github.com/book-expert/voice-bundle-service/internal/core"
)

// DefaultFFmpegBinary is looked up on PATH when no binary is configured.
const DefaultFFmpegBinary = "ffmpeg"

var (
	// ErrEmptyAudio indicates a recording with no bytes.
	ErrEmptyAudio = errors.New("audio input is empty")
	// ErrEmptyTranscode indicates that the transcoder exited cleanly without output.
	ErrEmptyTranscode = errors.New("transcoder produced no output")
)

// FFmpegNormalizer pipes audio through ffmpeg into 16 kHz mono PCM_S16LE WAV.
type FFmpegNormalizer struct {
	binary string
	log    *logger.Logger
}

// NewFFmpegNormalizer creates a normalizer that runs binary.
func NewFFmpegNormalizer(binary string, log *logger.Logger) *FFmpegNormalizer {
	if binary == "" {
		binary = DefaultFFmpegBinary
	}

	return &FFmpegNormalizer{binary: binary, log: log}
}

// Available reports whether the binary exists and answers -version.
func (n *FFmpegNormalizer) Available(ctx context.Context) bool {
	path, err := exec.LookPath(n.binary)
	if err != nil {
		return false
	}

	// #nosec G204 -- the binary comes from configuration
	cmd := exec.CommandContext(ctx, path, "-version")

	return cmd.Run() == nil
}

// Normalize transcodes audio. mimeType is advisory; ffmpeg probes the input.
func (n *FFmpegNormalizer) Normalize(ctx context.Context, input []byte, mimeType string) ([]byte, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, ErrEmptyAudio)
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-ar", strconv.Itoa(audio.TargetSampleRate),
		"-ac", strconv.Itoa(audio.TargetChannels),
		"-f", audio.TargetContainer,
		"-acodec", audio.TargetCodec,
		"pipe:1",
	}

	// #nosec G204 -- arguments are fixed; audio is passed on stdin
	cmd := exec.CommandContext(ctx, n.binary, args...)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return nil, core.NewDiagnosticError(core.ErrNormalization, strings.TrimSpace(stderr.String()), err)
	}

	if stdout.Len() == 0 {
		return nil, core.NewDiagnosticError(core.ErrNormalization, strings.TrimSpace(stderr.String()), ErrEmptyTranscode)
	}

	n.log.Info("Normalized %d bytes of %s into %d bytes of WAV", len(input), mimeType, stdout.Len())

	return stdout.Bytes(), nil
}

// PassthroughNormalizer returns its input unchanged. It stands in when no
// transcoder is installed and as the one-time retry after a transcoder failure.
type PassthroughNormalizer struct{}

// Normalize returns a copy of input.
func (PassthroughNormalizer) Normalize(_ context.Context, input []byte, _ string) ([]byte, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, ErrEmptyAudio)
	}

	return bytes.Clone(input), nil
}

// DetectNormalizer returns an FFmpegNormalizer when binary is usable and a
// PassthroughNormalizer otherwise.
func DetectNormalizer(ctx context.Context, binary string, log *logger.Logger) core.Normalizer {
	ffmpeg := NewFFmpegNormalizer(binary, log)
	if ffmpeg.Available(ctx) {
		log.Info("Audio normalization uses %s", ffmpeg.binary)

		return ffmpeg
	}

	log.Warn("%s not available, audio will be stored without transcoding", ffmpeg.binary)

	return PassthroughNormalizer{}
}
