package clip

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRemuxArgsCopyWithoutReencode(t *testing.T) {
	muxer := &FFmpegMuxer{}
	args := muxer.remuxArgs("http://media.local/hls/abc/index.m3u8", "/tmp/out.mp4")
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-c copy") {
		t.Fatalf("expected stream copy, got %q", joined)
	}
	if !strings.Contains(joined, "-bsf:a aac_adtstoasc") {
		t.Fatalf("expected ADTS to ASC bitstream filter, got %q", joined)
	}
	if strings.Contains(joined, "libx264") {
		t.Fatalf("remux must not re-encode, got %q", joined)
	}
	if strings.Contains(joined, "-t ") {
		t.Fatalf("no duration cap configured, got %q", joined)
	}
	if args[len(args)-1] != "/tmp/out.mp4" {
		t.Fatalf("expected output path last, got %q", args[len(args)-1])
	}
}

func TestReencodeArgsFallbackCodecs(t *testing.T) {
	muxer := &FFmpegMuxer{}
	args := muxer.reencodeArgs("http://media.local/hls/abc/index.m3u8", "/tmp/out.mp4")
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-c:v libx264") {
		t.Fatalf("expected libx264 video codec, got %q", joined)
	}
	if !strings.Contains(joined, "-c:a aac") {
		t.Fatalf("expected aac audio codec, got %q", joined)
	}
}

func TestArgsApplyDurationCap(t *testing.T) {
	muxer := &FFmpegMuxer{MaxDuration: 90 * time.Second}
	for _, args := range [][]string{
		muxer.remuxArgs("http://media.local/hls/abc/index.m3u8", "/tmp/out.mp4"),
		muxer.reencodeArgs("http://media.local/hls/abc/index.m3u8", "/tmp/out.mp4"),
	} {
		joined := strings.Join(args, " ")
		if !strings.Contains(joined, "-t 90 /tmp/out.mp4") {
			t.Fatalf("expected duration cap before the output path, got %q", joined)
		}
	}
}

func TestExtractRequiresSourceURL(t *testing.T) {
	muxer := &FFmpegMuxer{}
	if err := muxer.Extract(context.Background(), "   ", "/tmp/out.mp4"); err == nil {
		t.Fatalf("expected error for blank source url")
	}
}

func TestExtractRejectsEmptyOutput(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "clip.mp4")

	// The stub "ffmpeg" exits cleanly without writing anything, so the size
	// check is the only thing standing between a broken recording and a
	// zero-byte delivery.
	stub := filepath.Join(dir, "ffmpeg-stub.sh")
	if err := os.WriteFile(stub, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}

	muxer := &FFmpegMuxer{Binary: stub}
	err := muxer.Extract(context.Background(), "http://media.local/hls/abc/index.m3u8", output)
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected missing-output error, got %v", err)
	}
}

func TestExtractRemovesZeroByteOutput(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "clip.mp4")

	stub := filepath.Join(dir, "ffmpeg-stub.sh")
	script := "#!/bin/sh\nfor arg; do last=$arg; done\n: > \"$last\"\nexit 0\n"
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}

	muxer := &FFmpegMuxer{Binary: stub}
	err := muxer.Extract(context.Background(), "http://media.local/hls/abc/index.m3u8", output)
	if err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("expected empty-output error, got %v", err)
	}
	if _, statErr := os.Stat(output); !os.IsNotExist(statErr) {
		t.Fatalf("expected zero-byte output removed, stat err %v", statErr)
	}
}

func TestExtractSurfacesStderrTail(t *testing.T) {
	dir := t.TempDir()
	stub := filepath.Join(dir, "ffmpeg-stub.sh")
	script := "#!/bin/sh\necho 'No such file or directory' >&2\nexit 1\n"
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}

	muxer := &FFmpegMuxer{Binary: stub}
	err := muxer.Extract(context.Background(), "http://media.local/hls/abc/index.m3u8", filepath.Join(dir, "clip.mp4"))
	if err == nil || !strings.Contains(err.Error(), "No such file or directory") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestStderrTailTruncatesLongOutput(t *testing.T) {
	long := strings.Repeat("x", stderrTailLimit) + "TAIL"
	tail := stderrTail(long)
	if len(tail) != stderrTailLimit {
		t.Fatalf("expected tail bounded at %d, got %d", stderrTailLimit, len(tail))
	}
	if !strings.HasSuffix(tail, "TAIL") {
		t.Fatalf("expected the most recent output kept, got suffix %q", tail[len(tail)-8:])
	}
}

func TestPlaylistURL(t *testing.T) {
	got := PlaylistURL("http://media.local/hls/", "abc123")
	want := "http://media.local/hls/abc123/index.m3u8"
	if got != want {
		t.Fatalf("PlaylistURL = %q, want %q", got, want)
	}
}

func TestOutputFileNameIsUniquePerCall(t *testing.T) {
	first := OutputFileName("sess-1")
	second := OutputFileName("sess-1")
	if !strings.HasPrefix(first, "clip_sess-1_") || !strings.HasSuffix(first, ".mp4") {
		t.Fatalf("unexpected file name %q", first)
	}
	if first == second {
		t.Fatalf("expected distinct names for retried jobs, got %q twice", first)
	}
}
