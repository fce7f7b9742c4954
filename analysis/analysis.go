// Package analysis scores successful recognition results. Each
// [asr.RecognitionType] maps to exactly one [Analyst]; the [Dispatcher] picks
// it and runs it over the session's result in place.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/K3das/diction/asr"
	"github.com/K3das/diction/session"
	"github.com/K3das/diction/utils"
	"go.uber.org/zap"
)

var ErrUnknownRecognitionType = fmt.Errorf("no analyst for recognition type")

// Analyst scores a successful result, mutating s.Result in place.
type Analyst interface {
	Name() string
	Analyze(ctx context.Context, s *session.Session) error
}

// historyConsumer is implemented by analysts that read the user's phoneme
// history snapshot.
type historyConsumer interface {
	needsHistory() bool
}

// PhonemeHistorySource returns a user's recent per-phoneme average scores.
type PhonemeHistorySource interface {
	GetRecentPhonemes(ctx context.Context, userID string, experienceWindow, qualifiedThreshold int) ([]asr.PhonemeQuality, error)
}

type Options struct {
	// number of most recent samples per phoneme averaged into the history
	PhonemeExperienceWindow int `env:"PHONEME_EXPERIENCE_WINDOW" envDefault:"20"`
	// minimum samples before a phoneme's history counts
	PhonemeQualifiedThreshold int     `env:"PHONEME_QUALIFIED_THRESHOLD" envDefault:"3"`
	LowPhonemeScore           float64 `env:"LOW_PHONEME_SCORE" envDefault:"60"`
}

type Dispatcher struct {
	log     *zap.Logger
	history PhonemeHistorySource
	options Options

	analysts map[asr.RecognitionType]Analyst
}

func NewDispatcher(parentLogger *zap.Logger, history PhonemeHistorySource, options Options) *Dispatcher {
	return &Dispatcher{
		log:     parentLogger.Named("analysis"),
		history: history,
		options: options,
		analysts: map[asr.RecognitionType]Analyst{
			asr.RecognitionCommunication: NewCommunicationAnalyst(),
			asr.RecognitionPronunciation: NewPronunciationAnalyst(options.LowPhonemeScore),
		},
	}
}

// Select returns the analyst for t.
func (d *Dispatcher) Select(t asr.RecognitionType) (Analyst, error) {
	analyst, ok := d.analysts[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRecognitionType, t)
	}
	return analyst, nil
}

// Dispatch runs the session's analyst over its result. Nothing happens
// unless the result is a success carrying a sentence match.
func (d *Dispatcher) Dispatch(ctx context.Context, s *session.Session) error {
	if s.Result == nil || s.Result.Type != asr.ResultSucceeded || s.Result.SentenceMatch == nil {
		return nil
	}

	analyst, ok := s.Analyst.(Analyst)
	if !ok {
		var err error
		analyst, err = d.Select(s.Request.RecognitionType)
		if err != nil {
			return err
		}
	}

	log := utils.GetLogFromContext(ctx, d.log).With(zap.String("analyst", analyst.Name()))

	if consumer, ok := analyst.(historyConsumer); ok && consumer.needsHistory() && s.PhonemeHistory == nil {
		s.PhonemeHistory = d.snapshotHistory(ctx, log, s.Request.UserID)
	}

	start := time.Now()
	if err := analyst.Analyze(ctx, s); err != nil {
		return fmt.Errorf("running %s analyst: %w", analyst.Name(), err)
	}
	log.Debug("analysis done", zap.Duration("elapsed", time.Since(start)))

	return nil
}

// snapshotHistory reads the history once. A failed read degrades to an
// empty snapshot; scoring still happens without the historical annotation.
func (d *Dispatcher) snapshotHistory(ctx context.Context, log *zap.Logger, userID string) []asr.PhonemeQuality {
	if d.history == nil {
		return []asr.PhonemeQuality{}
	}

	history, err := d.history.GetRecentPhonemes(ctx, userID, d.options.PhonemeExperienceWindow, d.options.PhonemeQualifiedThreshold)
	if err != nil {
		log.Warn("failed to read phoneme history, scoring without it", zap.Error(err))
		return []asr.PhonemeQuality{}
	}
	if history == nil {
		history = []asr.PhonemeQuality{}
	}
	return history
}
