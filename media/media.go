package media

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultFFmpegBinary = "ffmpeg"
const DefaultFFprobeBinary = "ffprobe"

const DefaultCommandTimeout = time.Second * 30

// max converted output size in bytes
const DefaultMaxOutputSize = 1024 * 1024 * 10

// Options is the environment-facing configuration of the pipeline.
type Options struct {
	FFmpegBinary      string        `env:"FFMPEG_BINARY" envDefault:"ffmpeg"`
	FFprobeBinary     string        `env:"FFPROBE_BINARY" envDefault:"ffprobe"`
	ConversionTimeout time.Duration `env:"CONVERSION_TIMEOUT" envDefault:"30s"`
	LogFolder         string        `env:"LOG_FOLDER"`
	MaxOutputSize     int           `env:"MAX_OUTPUT_SIZE" envDefault:"10485760"`
	UseFiles          bool          `env:"USE_FILES"`
}

func (o Options) FFmpegOptions() []FFmpegOptions {
	options := []FFmpegOptions{
		WithFFmpegBinary(o.FFmpegBinary),
		WithFFprobeBinary(o.FFprobeBinary),
		WithCommandTimeout(o.ConversionTimeout),
		WithMaxOutputSize(o.MaxOutputSize),
		WithFileMode(o.UseFiles),
	}
	if o.LogFolder != "" {
		options = append(options, WithLogFolder(o.LogFolder))
	}
	return options
}

// Format describes an audio encoding. Type is the container/format name as
// understood by ffmpeg's -f flag (wav, webm, ogg, ...).
type Format struct {
	Type       string
	SampleRate int
	Channels   int
}

func (f Format) Matches(other Format) bool {
	return strings.EqualFold(f.Type, other.Type)
}

type FFmpegOptions func(*FFmpeg)

type FFmpeg struct {
	log *zap.Logger

	ffmpegBinary   string
	ffprobeBinary  string
	commandTimeout time.Duration

	logFolder      string
	maxOutputSize  int
	recycleGarbage bool
	useFiles       bool
}

func WithLogger(log *zap.Logger) FFmpegOptions {
	return func(f *FFmpeg) {
		f.log = log.Named("ffmpeg")
	}
}

func WithFFmpegBinary(ffmpegBinary string) FFmpegOptions {
	return func(f *FFmpeg) {
		f.ffmpegBinary = ffmpegBinary
	}
}

func WithFFprobeBinary(ffprobeBinary string) FFmpegOptions {
	return func(f *FFmpeg) {
		f.ffprobeBinary = ffprobeBinary
	}
}

func WithCommandTimeout(timeout time.Duration) FFmpegOptions {
	return func(f *FFmpeg) {
		f.commandTimeout = timeout
	}
}

// WithLogFolder sets where per-invocation stderr logs and intermediate files go.
func WithLogFolder(folder string) FFmpegOptions {
	return func(f *FFmpeg) {
		f.logFolder = folder
	}
}

func WithMaxOutputSize(size int) FFmpegOptions {
	return func(f *FFmpeg) {
		f.maxOutputSize = size
	}
}

// WithRecycleGarbage deletes intermediate files and invocation logs once a
// conversion succeeds. Without it they are kept for diagnostics.
func WithRecycleGarbage(recycle bool) FFmpegOptions {
	return func(f *FFmpeg) {
		f.recycleGarbage = recycle
	}
}

// WithFileMode passes input and output to ffmpeg as files instead of
// streaming them through stdin/stdout.
func WithFileMode(useFiles bool) FFmpegOptions {
	return func(f *FFmpeg) {
		f.useFiles = useFiles
	}
}

func NewFFmpeg(options ...FFmpegOptions) *FFmpeg {
	ffmpeg := &FFmpeg{
		log:            zap.NewNop(),
		ffmpegBinary:   DefaultFFmpegBinary,
		ffprobeBinary:  DefaultFFprobeBinary,
		commandTimeout: DefaultCommandTimeout,
		logFolder:      os.TempDir(),
		maxOutputSize:  DefaultMaxOutputSize,
	}

	for _, option := range options {
		option(ffmpeg)
	}

	if ffmpeg.commandTimeout <= 0 {
		ffmpeg.commandTimeout = DefaultCommandTimeout
	}
	if ffmpeg.maxOutputSize <= 0 {
		ffmpeg.maxOutputSize = DefaultMaxOutputSize
	}

	return ffmpeg
}
