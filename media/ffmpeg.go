package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/K3das/diction/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNoInput = fmt.Errorf("no input audio")
var ErrConversionFailed = fmt.Errorf("audio conversion failed")
var ErrNoOutput = fmt.Errorf("converter produced no output")

const (
	defaultSampleRate = 16000
	defaultChannels   = 1

	// bytes of converter stderr kept in memory for the failure log line
	stderrTailSize = 4096
)

// Convert transcodes data from src to dst. Matching formats are returned
// untouched. Everything else goes through an ffmpeg process, streamed over
// stdin/stdout unless file mode is on.
//
// Any failure is returned wrapping ErrConversionFailed; callers treat it as
// "no usable audio".
func (f *FFmpeg) Convert(ctx context.Context, data []byte, src, dst Format) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrNoInput
	}

	if src.Matches(dst) {
		return data, nil
	}

	if dst.SampleRate <= 0 {
		dst.SampleRate = defaultSampleRate
	}
	if dst.Channels <= 0 {
		dst.Channels = defaultChannels
	}

	if strings.EqualFold(src.Type, "pcm") && strings.EqualFold(dst.Type, "wav") && (src.SampleRate == 0 || src.SampleRate == dst.SampleRate) {
		return wrapPCM(data, dst.SampleRate, dst.Channels), nil
	}

	output, err := f.runConversion(ctx, data, src, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}
	return output, nil
}

func (f *FFmpeg) runConversion(ctx context.Context, data []byte, src, dst Format) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.commandTimeout)
	defer cancel()

	invocationID := uuid.NewString()
	log := utils.GetLogFromContext(ctx, f.log).With(
		zap.String("invocation_id", invocationID),
		zap.String("src_format", src.Type),
		zap.String("dst_format", dst.Type),
	)

	var garbage []string
	succeeded := false
	defer func() {
		if succeeded && f.recycleGarbage {
			f.collectGarbage(log, garbage)
		}
	}()

	input, output := "-", "-"
	if f.useFiles {
		input = filepath.Join(f.logFolder, invocationID+"-in."+strings.ToLower(src.Type))
		output = filepath.Join(f.logFolder, invocationID+"-out."+strings.ToLower(dst.Type))
		garbage = append(garbage, input, output)

		if err := os.WriteFile(input, data, 0o644); err != nil {
			return nil, fmt.Errorf("writing intermediate input: %w", err)
		}
	}

	logPath := filepath.Join(f.logFolder, invocationID+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("creating invocation log: %w", err)
	}
	defer logFile.Close()
	garbage = append(garbage, logPath)

	cmd := exec.CommandContext(ctx, f.ffmpegBinary, f.conversionArgs(input, output, src, dst)...)

	var stdin io.WriteCloser
	if !f.useFiles {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("creating stdin pipe: %w", err)
		}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	start := time.Now()
	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	var converted []byte
	tail := &headBuffer{max: stderrTailSize}

	// stdout and stderr must be drained while stdin is written, otherwise
	// both sides can block on full pipe buffers.
	g := errgroup.Group{}
	g.Go(func() error {
		var err error
		converted, err = utils.ReadAllLimit(stdout, f.maxOutputSize)
		if err != nil {
			return fmt.Errorf("reading output: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := io.Copy(io.MultiWriter(logFile, tail), stderr); err != nil {
			return fmt.Errorf("capturing stderr: %w", err)
		}
		return nil
	})

	var writeErr error
	if stdin != nil {
		_, writeErr = stdin.Write(data)
		if closeErr := stdin.Close(); writeErr == nil {
			writeErr = closeErr
		}
	}

	drainErr := g.Wait()
	waitErr := cmd.Wait()

	log = log.With(
		zap.Duration("elapsed", time.Since(start)),
		zap.String("invocation_log", logPath),
	)

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		log.Warn("conversion timed out", zap.String("stderr", tail.String()))
		return nil, fmt.Errorf("running ffmpeg: %w", ctx.Err())
	case waitErr != nil:
		log.Warn("conversion process failed", zap.Error(waitErr), zap.String("stderr", tail.String()))
		return nil, fmt.Errorf("running ffmpeg: %w", waitErr)
	case drainErr != nil:
		log.Warn("conversion output unusable", zap.Error(drainErr))
		return nil, drainErr
	case writeErr != nil:
		log.Warn("writing conversion input failed", zap.Error(writeErr), zap.String("stderr", tail.String()))
		return nil, fmt.Errorf("writing input: %w", writeErr)
	}

	if f.useFiles {
		converted, err = os.ReadFile(output)
		if err != nil {
			return nil, fmt.Errorf("reading output file: %w", err)
		}
	}

	if len(converted) == 0 {
		log.Warn("conversion produced no output", zap.String("stderr", tail.String()))
		return nil, ErrNoOutput
	}

	if strings.EqualFold(dst.Type, "wav") {
		if err := FixWAVHeader(converted); err != nil {
			return nil, fmt.Errorf("fixing wav header: %w", err)
		}
	}

	succeeded = true
	log.Debug("conversion done", zap.Int("input_size", len(data)), zap.Int("output_size", len(converted)))

	return converted, nil
}

func (f *FFmpeg) conversionArgs(input, output string, src, dst Format) []string {
	args := []string{"-hide_banner", "-y"}
	if input != "-" {
		args = append(args, "-nostdin")
	}

	// raw samples carry no header for ffmpeg to probe
	if strings.EqualFold(src.Type, "pcm") {
		sampleRate, channels := src.SampleRate, src.Channels
		if sampleRate <= 0 {
			sampleRate = defaultSampleRate
		}
		if channels <= 0 {
			channels = defaultChannels
		}
		args = append(args, "-f", "s16le", "-ar", strconv.Itoa(sampleRate), "-ac", strconv.Itoa(channels))
	}

	args = append(args, "-i", input)
	if strings.EqualFold(dst.Type, "wav") {
		args = append(args, "-c:a", "pcm_s16le")
	}
	args = append(args,
		"-ar", strconv.Itoa(dst.SampleRate),
		"-ac", strconv.Itoa(dst.Channels),
		"-f", strings.ToLower(dst.Type),
		output,
	)
	return args
}

func (f *FFmpeg) collectGarbage(log *zap.Logger, paths []string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove conversion garbage", zap.String("path", path), zap.Error(err))
		}
	}
}

// headBuffer keeps the first max bytes written to it and discards the rest.
type headBuffer struct {
	bytes.Buffer
	max int
}

func (b *headBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}
