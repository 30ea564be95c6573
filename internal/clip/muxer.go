// Package clip turns finished broadcast sessions into deliverable MP4 files.
package clip

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Muxer produces a single MP4 clip file from a recorded stream location.
type Muxer interface {
	Extract(ctx context.Context, sourceURL, outputPath string) error
}

// FFmpegMuxer shells out to ffmpeg. A container remux is attempted first;
// when the recording cannot be copied bit-for-bit the muxer falls back to a
// full re-encode pass.
type FFmpegMuxer struct {
	// Binary overrides the ffmpeg executable path.
	Binary string
	// MaxDuration caps the clip length. Zero means the whole recording.
	MaxDuration time.Duration
	Logger      *slog.Logger
}

const stderrTailLimit = 2048

func (m *FFmpegMuxer) remuxArgs(sourceURL, outputPath string) []string {
	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", sourceURL,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
	}
	args = m.appendDurationCap(args)
	return append(args, outputPath)
}

func (m *FFmpegMuxer) reencodeArgs(sourceURL, outputPath string) []string {
	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", sourceURL,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-c:a", "aac",
	}
	args = m.appendDurationCap(args)
	return append(args, outputPath)
}

func (m *FFmpegMuxer) appendDurationCap(args []string) []string {
	if m.MaxDuration <= 0 {
		return args
	}
	return append(args, "-t", strconv.FormatFloat(m.MaxDuration.Seconds(), 'f', -1, 64))
}

func (m *FFmpegMuxer) Extract(ctx context.Context, sourceURL, outputPath string) error {
	if strings.TrimSpace(sourceURL) == "" {
		return fmt.Errorf("source url is required")
	}
	if err := m.run(ctx, m.remuxArgs(sourceURL, outputPath)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			m.removePartial(outputPath)
			return ctxErr
		}
		if m.Logger != nil {
			m.Logger.Warn("remux failed, falling back to re-encode", "source", sourceURL, "error", err)
		}
		m.removePartial(outputPath)
		if err := m.run(ctx, m.reencodeArgs(sourceURL, outputPath)); err != nil {
			m.removePartial(outputPath)
			return err
		}
	}
	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("clip output missing: %w", err)
	}
	if info.Size() == 0 {
		m.removePartial(outputPath)
		return fmt.Errorf("clip output is empty")
	}
	return nil
}

func (m *FFmpegMuxer) run(ctx context.Context, args []string) error {
	binary := m.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, stderrTail(stderr.String()))
	}
	return nil
}

func (m *FFmpegMuxer) removePartial(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) && m.Logger != nil {
		m.Logger.Warn("failed to remove partial clip", "path", path, "error", err)
	}
}

func stderrTail(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= stderrTailLimit {
		return trimmed
	}
	return trimmed[len(trimmed)-stderrTailLimit:]
}

// PlaylistURL builds the recorded HLS playlist location for a stream key.
func PlaylistURL(base, streamKey string) string {
	return fmt.Sprintf("%s/%s/index.m3u8", strings.TrimRight(base, "/"), streamKey)
}

// OutputFileName names a clip file for a session. The random suffix keeps
// retried jobs from clobbering a file a previous attempt may still own.
func OutputFileName(sessionID string) string {
	return fmt.Sprintf("clip_%s_%s.mp4", sessionID, uuid.NewString())
}

var _ Muxer = (*FFmpegMuxer)(nil)
