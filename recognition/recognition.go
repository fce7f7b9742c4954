// Package recognition runs one recognition session per request: register,
// prepare audio, recognize, analyze, persist and release.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/K3das/diction/analysis"
	"github.com/K3das/diction/asr"
	"github.com/K3das/diction/media"
	"github.com/K3das/diction/metrics"
	"github.com/K3das/diction/persist"
	"github.com/K3das/diction/session"
	"github.com/K3das/diction/utils"
	"go.uber.org/zap"
)

var ErrAudioTooLong = fmt.Errorf("audio exceeds max duration")

type Options struct {
	AudioFolder       string `env:"AUDIO_FOLDER"`
	StandardAudioType string `env:"STANDARD_AUDIO_TYPE" envDefault:"wav"`
	SampleRate        int    `env:"SAMPLE_RATE" envDefault:"16000"`
	Channels          int    `env:"CHANNELS" envDefault:"1"`

	// delete sample files once nothing needs them
	RecycleGarbage          bool `env:"RECYCLE_GARBAGE" envDefault:"true"`
	SaveHistoryAsync        bool `env:"SAVE_HISTORY_ASYNC" envDefault:"true"`
	BlobAudioUploadRequired bool `env:"BLOB_AUDIO_UPLOAD_REQUIRED"`

	// 0 disables the check
	MaxAudioDuration time.Duration `env:"MAX_AUDIO_DURATION" envDefault:"0s"`
	SessionMaxAge    time.Duration `env:"SESSION_MAX_AGE" envDefault:"10m"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
}

type Converter interface {
	Convert(ctx context.Context, data []byte, src, dst media.Format) ([]byte, error)
}

type Prober interface {
	FFprobeDurationFromFile(ctx context.Context, filePath string) (float64, error)
}

type ServiceOptions struct {
	ParentLogger *zap.Logger
	Options      Options
	Metrics      *metrics.Metrics

	Registry    *session.Registry
	Converter   Converter
	Recognizer  asr.Recognizer
	Dispatcher  *analysis.Dispatcher
	Coordinator *persist.Coordinator
	// optional, needed for MaxAudioDuration
	Prober Prober
}

type Service struct {
	log     *zap.Logger
	options Options
	metrics *metrics.Metrics

	standard media.Format

	registry    *session.Registry
	converter   Converter
	prober      Prober
	recognizer  asr.Recognizer
	dispatcher  *analysis.Dispatcher
	coordinator *persist.Coordinator
}

func NewService(options ServiceOptions) (*Service, error) {
	o := options.Options
	if o.AudioFolder == "" {
		o.AudioFolder = filepath.Join(os.TempDir(), "diction-audio")
	}
	if err := os.MkdirAll(o.AudioFolder, 0o755); err != nil {
		return nil, fmt.Errorf("creating audio folder: %w", err)
	}

	return &Service{
		log:     options.ParentLogger.Named("recognition"),
		options: o,
		metrics: options.Metrics,
		standard: media.Format{
			Type:       o.StandardAudioType,
			SampleRate: o.SampleRate,
			Channels:   o.Channels,
		},
		registry:    options.Registry,
		converter:   options.Converter,
		prober:      options.Prober,
		recognizer:  options.Recognizer,
		dispatcher:  options.Dispatcher,
		coordinator: options.Coordinator,
	}, nil
}

type SampleRequest struct {
	// generated when empty
	ClientID string
	Request  asr.RecognitionRequest
	Audio    []byte
}

// RecognizeSample runs a full session for the sample. It always returns a
// result; failures surface as its Type, never as an error or a panic.
func (s *Service) RecognizeSample(ctx context.Context, req SampleRequest) (result *asr.RecognitionResult) {
	start := time.Now()

	sess := session.New(req.ClientID, req.Request)
	ctx, log := utils.LogContextWith(ctx, s.log, utils.SessionFields(sess.Request.UserID, sess.ClientID)...)
	// writes that outlive the request
	persistCtx := utils.DetachedContext(ctx)

	if analyst, err := s.dispatcher.Select(sess.Request.RecognitionType); err == nil {
		sess.Analyst = analyst
	}
	sess.AudioFileName = sess.ClientID
	sess.AudioFilePath = filepath.Join(s.options.AudioFolder, sess.ClientID+"."+s.standard.Type)

	if err := s.registry.Register(sess); err != nil {
		log.Warn("rejecting session", zap.Error(err))
		result = asr.NewErrorResult(asr.ResultError, err.Error())
		s.finish(log, result, start)
		return result
	}
	s.metrics.SessionsRegistered.Inc()
	s.advance(log, sess, session.StateRegistered, start)

	// cleared once release is handed to the archive callback
	ownsRelease := true
	defer func() {
		if r := recover(); r != nil {
			err := utils.RecoverError(r)
			log.With(zap.String("stack", string(debug.Stack()))).Error("recovered panic in session", zap.Error(err))
			result = asr.NewErrorResult(asr.ResultError, err.Error())
		}
		if ownsRelease {
			s.release(log, sess)
		}
		s.finish(log, result, start)
	}()

	if len(req.Audio) == 0 {
		log.Info("no audio in request")
		return asr.NewErrorResult(asr.ResultMissingFile, "no audio provided")
	}

	audio, duration, err := s.prepareAudio(ctx, log, sess, req.Audio)
	if errors.Is(err, ErrAudioTooLong) {
		log.Info("audio rejected", zap.Error(err))
		return asr.NewErrorResult(asr.ResultError, err.Error())
	}
	if err != nil {
		log.Warn("no usable audio", zap.Error(err))
		return asr.NewErrorResult(asr.ResultMissingFile, err.Error())
	}
	s.advance(log, sess, session.StateAudioReady, start)

	sess.Result = s.recognize(ctx, log, sess, audio)
	sess.Result.RecordedFileName = sess.AudioFileName
	sess.Result.RecordedFileType = s.standard.Type
	if duration > 0 && sess.Result.Type == asr.ResultSucceeded {
		if sess.Result.AudioQuality == nil {
			sess.Result.AudioQuality = &asr.AudioQuality{SampleRate: s.standard.SampleRate, Channels: s.standard.Channels}
		}
		if sess.Result.AudioQuality.DurationSeconds == 0 {
			sess.Result.AudioQuality.DurationSeconds = duration
		}
	}
	s.advance(log, sess, session.StateRecognized, start, zap.String("result_type", string(sess.Result.Type)))

	if err := s.dispatcher.Dispatch(ctx, sess); err != nil {
		log.Error("analysis failed", zap.Error(err))
		sess.Result = asr.NewErrorResult(asr.ResultError, err.Error())
	}
	s.advance(log, sess, session.StateAnalyzed, start)

	if sess.Result.NeedsSave() {
		if err := s.coordinator.SaveAttempt(persistCtx, sess); err != nil {
			log.Error("failed to save attempt, response unaffected", zap.Error(err))
		}
		s.coordinator.SaveHistory(persistCtx, sess, s.options.SaveHistoryAsync, nil)
	}
	s.advance(log, sess, session.StatePersisted, start)

	if s.options.BlobAudioUploadRequired {
		if !s.registry.HoldForUpload(sess) {
			log.Warn("session swept before upload, skipping archive")
			return sess.Result
		}
		ownsRelease = false
		s.coordinator.Archive(persistCtx, sess, sess.AudioFilePath, func(err error) {
			s.release(log, sess)
		})
	}

	return sess.Result
}

func (s *Service) finish(log *zap.Logger, result *asr.RecognitionResult, start time.Time) {
	s.metrics.Recognitions.WithLabelValues(string(result.Type)).Inc()
	s.metrics.SessionDuration.Observe(time.Since(start).Seconds())
	log.Info("recognition done",
		zap.String("result_type", string(result.Type)),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (s *Service) advance(log *zap.Logger, sess *session.Session, next session.State, start time.Time, fields ...zap.Field) {
	if err := sess.Advance(next); err != nil {
		log.Error("invalid session transition", zap.Error(err))
		return
	}
	log.Debug("session "+next.String(), append(fields, zap.Duration("elapsed", time.Since(start)))...)
}

// prepareAudio converts the sample to the standard format when needed and
// writes it to the session's sample file. It returns the probed duration in
// seconds when the duration limit is on.
func (s *Service) prepareAudio(ctx context.Context, log *zap.Logger, sess *session.Session, audio []byte) ([]byte, float64, error) {
	src := media.Format{
		Type:       sess.Request.AudioFormat,
		SampleRate: s.standard.SampleRate,
		Channels:   s.standard.Channels,
	}
	if src.Type == "" {
		src.Type = s.standard.Type
	}

	if !src.Matches(s.standard) {
		start := time.Now()
		converted, err := s.converter.Convert(ctx, audio, src, s.standard)
		s.metrics.ConversionLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, 0, fmt.Errorf("converting %s to %s: %w", src.Type, s.standard.Type, err)
		}
		log.Debug("audio converted",
			zap.String("from", src.Type),
			zap.Int("size", len(converted)),
			zap.Duration("elapsed", time.Since(start)),
		)
		audio = converted
	}

	if err := os.WriteFile(sess.AudioFilePath, audio, 0o644); err != nil {
		return nil, 0, fmt.Errorf("writing sample file: %w", err)
	}

	if s.prober == nil || s.options.MaxAudioDuration <= 0 {
		return audio, 0, nil
	}

	duration, err := s.prober.FFprobeDurationFromFile(ctx, sess.AudioFilePath)
	if err != nil {
		log.Warn("failed to probe sample duration", zap.Error(err))
		return audio, 0, nil
	}
	if duration > s.options.MaxAudioDuration.Seconds() {
		return nil, duration, fmt.Errorf("%w: %.2fs > %s", ErrAudioTooLong, duration, s.options.MaxAudioDuration)
	}

	return audio, duration, nil
}

func (s *Service) recognize(ctx context.Context, log *zap.Logger, sess *session.Session, audio []byte) (result *asr.RecognitionResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := utils.RecoverError(r)
			log.With(zap.String("stack", string(debug.Stack()))).Error("recognizer panicked", zap.Error(err))
			result = asr.NewErrorResult(asr.ResultError, err.Error())
		}
		s.metrics.RecognitionLatency.Observe(time.Since(start).Seconds())
	}()

	result, err := s.recognizer.RecognizeSpeech(ctx, sess.Request.Grammar, sess.AudioFilePath, audio)
	if err != nil {
		log.Error("recognizer failed", zap.Error(err))
		return asr.NewErrorResult(asr.ResultError, err.Error())
	}
	if result == nil {
		return asr.NewErrorResult(asr.ResultError, "recognizer returned no result")
	}
	return result
}

// release deregisters the session and deletes its sample file. Only the
// caller that actually removes this session does the cleanup; a newer
// session reusing the client id is left alone.
func (s *Service) release(log *zap.Logger, sess *session.Session) {
	if !s.registry.RemoveSession(sess) {
		return
	}
	s.metrics.SessionsRegistered.Dec()

	if s.options.RecycleGarbage {
		s.removeSample(log, sess.AudioFilePath)
	}
	s.advance(log, sess, session.StateDeregistered, sess.CreatedAt)
}

func (s *Service) removeSample(log *zap.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove sample file", zap.String("path", path), zap.Error(err))
	}
}

func (s *Service) RegisteredSessionCount() int {
	return s.registry.Count()
}

// SessionInfo is the read-only view of a live session.
type SessionInfo struct {
	ClientID        string              `json:"client_id"`
	UserID          string              `json:"user_id"`
	RecognitionType asr.RecognitionType `json:"recognition_type"`
	Analyst         string              `json:"analyst,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
}

func (s *Service) Sessions() []SessionInfo {
	return describe(s.registry.Sessions())
}

// SessionsOf lists the live sessions scored by an analyst of type T.
func SessionsOf[T analysis.Analyst](s *Service) []SessionInfo {
	return describe(session.SessionsOf[T](s.registry))
}

func describe(sessions []*session.Session) []SessionInfo {
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		info := SessionInfo{
			ClientID:        sess.ClientID,
			UserID:          sess.Request.UserID,
			RecognitionType: sess.Request.RecognitionType,
			CreatedAt:       sess.CreatedAt,
		}
		if analyst, ok := sess.Analyst.(analysis.Analyst); ok {
			info.Analyst = analyst.Name()
		}
		out = append(out, info)
	}
	return out
}
