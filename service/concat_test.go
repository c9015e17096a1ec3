package service

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"proctoring-recorder/constant"
)

func writeFiles(t *testing.T, dir string, contents ...string) []string {
	t.Helper()
	paths := make([]string, 0, len(contents))
	for i, content := range contents {
		path := filepath.Join(dir, string(rune('a'+i))+".webm")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		paths = append(paths, path)
	}
	return paths
}

func TestByteConcatenator(t *testing.T) {
	dir := t.TempDir()
	inputs := writeFiles(t, dir, "one|", "two|", "three")
	output := filepath.Join(dir, "merged.webm")

	require.NoError(t, ByteConcatenator{}.Concat(context.Background(), inputs, output))
	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "one|two|three", string(data))

	_, ok := ByteConcatenator{}.Duration(context.Background(), output)
	assert.False(t, ok)
}

func TestByteConcatenatorFailsWithoutPartialOutput(t *testing.T) {
	dir := t.TempDir()
	inputs := writeFiles(t, dir, "one", "two")
	inputs = []string{inputs[0], filepath.Join(dir, "missing.webm"), inputs[1]}
	output := filepath.Join(dir, "merged.webm")

	err := ByteConcatenator{}.Concat(context.Background(), inputs, output)
	assert.ErrorIs(t, err, ErrIncompatibleSegments)
	_, statErr := os.Stat(output)
	assert.True(t, os.IsNotExist(statErr))

	err = ByteConcatenator{}.Concat(context.Background(), nil, output)
	assert.ErrorIs(t, err, ErrNoValidInput)
}

func TestNewConcatenator(t *testing.T) {
	c, err := NewConcatenator(constant.MergeStrategyBytes, "", "")
	require.NoError(t, err)
	assert.IsType(t, ByteConcatenator{}, c)

	c, err = NewConcatenator(constant.MergeStrategyFFmpeg, "ffmpeg", "ffprobe")
	require.NoError(t, err)
	assert.IsType(t, &FFmpegConcatenator{}, c)

	_, err = NewConcatenator("reencode", "", "")
	assert.Error(t, err)
}

func TestStreamSignature(t *testing.T) {
	a := streamSignature([]probeStream{{CodecType: "video", CodecName: "vp8", Width: 640, Height: 480}})
	b := streamSignature([]probeStream{{CodecType: "video", CodecName: "vp8", Width: 640, Height: 480}})
	c := streamSignature([]probeStream{{CodecType: "video", CodecName: "vp8", Width: 1280, Height: 720}})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

// generateClip renders a one second test pattern with ffmpeg.
func generateClip(t *testing.T, ffmpeg, path, size string) {
	t.Helper()
	cmd := exec.Command(ffmpeg, "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=duration=1:size="+size+":rate=10",
		"-c:v", "mpeg4", "-y", path)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}

func TestFFmpegConcatenator(t *testing.T) {
	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	ffprobe, err := exec.LookPath("ffprobe")
	if err != nil {
		t.Skip("ffprobe not installed")
	}

	dir := t.TempDir()
	first := filepath.Join(dir, "0.mkv")
	second := filepath.Join(dir, "1.mkv")
	odd := filepath.Join(dir, "odd.mkv")
	generateClip(t, ffmpeg, first, "320x240")
	generateClip(t, ffmpeg, second, "320x240")
	generateClip(t, ffmpeg, odd, "160x120")

	concat := &FFmpegConcatenator{FFmpegPath: ffmpeg, FFprobePath: ffprobe}
	ctx := context.Background()

	output := filepath.Join(dir, "merged.mkv")
	require.NoError(t, concat.Concat(ctx, []string{first, second}, output))
	duration, ok := concat.Duration(ctx, output)
	require.True(t, ok)
	assert.InDelta(t, (2 * time.Second).Seconds(), duration.Seconds(), 0.3)

	err = concat.Concat(ctx, []string{first, odd}, filepath.Join(dir, "mixed.mkv"))
	assert.ErrorIs(t, err, ErrIncompatibleSegments)
}
