package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/rs/zerolog"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"proctoring-recorder/constant"
	"strconv"
	"strings"
	"time"
)

// Concatenator joins staged segment files, in the given order, into one file
// without re-encoding. It must fail rather than produce a partial output.
type Concatenator interface {
	Concat(ctx context.Context, inputs []string, output string) error
	// Duration reports the playable length of a file when the strategy can measure it.
	Duration(ctx context.Context, path string) (time.Duration, bool)
}

func NewConcatenator(strategy constant.MergeStrategy, ffmpegPath, ffprobePath string) (Concatenator, error) {
	switch strategy {
	case constant.MergeStrategyFFmpeg:
		return &FFmpegConcatenator{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}, nil
	case constant.MergeStrategyBytes:
		return ByteConcatenator{}, nil
	}
	return nil, fmt.Errorf("unknown merge strategy %q", strategy)
}

// ByteConcatenator appends files byte for byte. It fits continuation chunks of
// a single MediaRecorder stream, where only the first chunk carries the header.
type ByteConcatenator struct{}

func (ByteConcatenator) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("%w: nothing to concatenate", ErrNoValidInput)
	}

	out, err := os.OpenFile(output, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create merged file: %w", err)
	}

	for i, input := range inputs {
		if err := ctx.Err(); err != nil {
			out.Close()
			os.Remove(output)
			return err
		}
		if err := appendFile(out, input); err != nil {
			out.Close()
			os.Remove(output)
			return errors.Join(ErrIncompatibleSegments, fmt.Errorf("segment %d (%s): %w", i, filepath.Base(input), err))
		}
	}

	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(output)
		return fmt.Errorf("sync merged file: %w", err)
	}
	return out.Close()
}

func (ByteConcatenator) Duration(context.Context, string) (time.Duration, bool) {
	return 0, false
}

func appendFile(dst io.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(dst, in)
	return err
}

// FFmpegConcatenator uses the ffmpeg concat demuxer with stream copy. Inputs are
// probed first and rejected when their codec parameters differ.
type FFmpegConcatenator struct {
	FFmpegPath  string
	FFprobePath string
}

type probeStream struct {
	CodecType     string `json:"codec_type"`
	CodecName     string `json:"codec_name"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	SampleRate    string `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	ChannelLayout string `json:"channel_layout,omitempty"`
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (f *FFmpegConcatenator) probe(ctx context.Context, path string) (*probeOutput, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "stream=codec_type,codec_name,width,height,sample_rate,channels,channel_layout:format=duration",
		"-of", "json",
		path,
	}
	cmd := exec.CommandContext(ctx, f.FFprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("ffprobe %s: %w: %s", filepath.Base(path), err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("ffprobe %s: %w", filepath.Base(path), err)
	}

	var probe probeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("parse ffprobe output for %s: %w", filepath.Base(path), err)
	}
	if len(probe.Streams) == 0 {
		return nil, fmt.Errorf("%s has no media streams", filepath.Base(path))
	}
	return &probe, nil
}

func streamSignature(streams []probeStream) string {
	parts := make([]string, 0, len(streams))
	for _, s := range streams {
		parts = append(parts, fmt.Sprintf("%s:%s:%dx%d:%s:%d:%s",
			s.CodecType, s.CodecName, s.Width, s.Height, s.SampleRate, s.Channels, s.ChannelLayout))
	}
	return strings.Join(parts, "|")
}

func (f *FFmpegConcatenator) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("%w: nothing to concatenate", ErrNoValidInput)
	}

	var reference string
	for i, input := range inputs {
		probe, err := f.probe(ctx, input)
		if err != nil {
			return errors.Join(ErrIncompatibleSegments, fmt.Errorf("segment %d unreadable: %w", i, err))
		}
		signature := streamSignature(probe.Streams)
		if i == 0 {
			reference = signature
			continue
		}
		if signature != reference {
			return errors.Join(ErrIncompatibleSegments,
				fmt.Errorf("segment %d codec parameters %q differ from %q", i, signature, reference))
		}
	}

	concatFilePath := filepath.Join(filepath.Dir(output), "concat_list.txt")
	defer os.Remove(concatFilePath)

	var concatContent strings.Builder
	for _, input := range inputs {
		absPath, err := filepath.Abs(input)
		if err != nil {
			return fmt.Errorf("failed to get absolute path: %w", err)
		}
		escapedPath := strings.ReplaceAll(absPath, "'", "'\\''")
		concatContent.WriteString(fmt.Sprintf("file '%s'\n", escapedPath))
	}
	if err := os.WriteFile(concatFilePath, []byte(concatContent.String()), 0o644); err != nil {
		return fmt.Errorf("failed to create concat file: %w", err)
	}

	ffmpegArgs := []string{
		"-hide_banner",
		"-f", "concat",
		"-safe", "0",
		"-i", concatFilePath,
		"-c", "copy",
	}
	if strings.EqualFold(filepath.Ext(output), ".mp4") {
		ffmpegArgs = append(ffmpegArgs, "-movflags", "+faststart")
	}
	ffmpegArgs = append(ffmpegArgs, "-y", output)

	zerolog.Ctx(ctx).Debug().
		Strs("ffmpeg_args", ffmpegArgs).
		Int("chunk_count", len(inputs)).
		Msg("executing ffmpeg concat")

	cmd := exec.CommandContext(ctx, f.FFmpegPath, ffmpegArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(output)
		return errors.Join(ErrIncompatibleSegments, fmt.Errorf("ffmpeg concat failed: %w\nOutput: %s", err, string(out)))
	}
	return nil
}

func (f *FFmpegConcatenator) Duration(ctx context.Context, path string) (time.Duration, bool) {
	probe, err := f.probe(ctx, path)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("failed to probe merged recording duration")
		return 0, false
	}
	seconds, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil || seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}
