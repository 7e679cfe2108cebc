package transcoder

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mahirjain10/go-transcoder/internal/types"
)

const (
	videoCodec   = "libx264"
	audioCodec   = "aac"
	outputFormat = "mp4"
)

// Encoder is the black box that turns the source into one rendition.
type Encoder interface {
	Encode(ctx context.Context, input, output string, resolution types.Resolution) error
	ExtractFrame(ctx context.Context, input, output string, at time.Duration) error
}

// FFmpeg shells out to the ffmpeg binary. The process is killed when ctx ends.
type FFmpeg struct {
	Path string
	// WaitDelay bounds how long Wait blocks on the process's pipes after a kill.
	WaitDelay time.Duration
}

func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{Path: path, WaitDelay: 10 * time.Second}
}

func (f *FFmpeg) Encode(ctx context.Context, input, output string, resolution types.Resolution) error {
	if err := f.run(ctx, getFFmpegArgs(input, output, resolution)); err != nil {
		return fmt.Errorf("ffmpeg failed for %s: %w", resolution.Name, err)
	}
	return nil
}

func (f *FFmpeg) ExtractFrame(ctx context.Context, input, output string, at time.Duration) error {
	if err := f.run(ctx, getFrameArgs(input, output, at)); err != nil {
		return fmt.Errorf("ffmpeg frame extraction failed: %w", err)
	}
	return nil
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, f.Path, args...)
	cmd.WaitDelay = f.WaitDelay

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w (%v)", ctx.Err(), err)
		}
		return fmt.Errorf("%v: %s", err, tail(stderr.String(), 5))
	}
	return nil
}

func getFFmpegArgs(input, output string, resolution types.Resolution) []string {
	return []string{
		"-hide_banner",
		"-y",
		"-i", input,
		"-codec:v", videoCodec,
		"-codec:a", audioCodec,
		"-s", resolution.Size(),
		"-movflags", "+faststart",
		"-f", outputFormat,
		output,
	}
}

func getFrameArgs(input, output string, at time.Duration) []string {
	return []string{
		"-hide_banner",
		"-y",
		"-ss", strconv.FormatFloat(at.Seconds(), 'f', 3, 64),
		"-i", input,
		"-frames:v", "1",
		output,
	}
}

// tail keeps the last n non-empty lines of ffmpeg's stderr, where the actual error is.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
