// Package history keeps the durable, append-only record of every completed
// recognition attempt, partitioned by user.
package history

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/K3das/diction/asr"
	"github.com/K3das/diction/session"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Attempt is the projection of a completed attempt written to the history
// store. It is created once and never updated.
type Attempt struct {
	PartitionKey string `json:"partition_key"`
	RowKey       string `json:"row_key"`

	ClientID        string `json:"client_id"`
	EngineID        string `json:"engine_id"`
	RecognitionType string `json:"recognition_type"`
	Grammar         string `json:"grammar"`
	RecognizedText  string `json:"recognized_text"`

	SentenceConfidence float64   `json:"sentence_confidence"`
	SentenceScore      float64   `json:"sentence_score"`
	WordConfidenceList []float64 `json:"word_confidence_list"`
	WordScoreList      []float64 `json:"word_score_list"`

	PhonemeTrackingDetailJSON string `json:"phoneme_tracking_detail_json"`

	RecordedFileName string    `json:"recorded_file_name,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store is a durable history backend.
type Store interface {
	SaveAttemptHistory(ctx context.Context, attempt Attempt) error
}

// RowKey orders a partition newest first: an inverted nanosecond timestamp
// followed by a uuid to keep keys unique.
func RowKey(createdAt time.Time) string {
	return fmt.Sprintf("%019d-%s", math.MaxInt64-createdAt.UnixNano(), uuid.NewString())
}

// NewAttempt projects a session carrying a saveable result.
func NewAttempt(s *session.Session, createdAt time.Time) (Attempt, error) {
	if s.Result == nil || !s.Result.NeedsSave() {
		return Attempt{}, fmt.Errorf("session %s has no saveable result", s.ClientID)
	}
	match := s.Result.SentenceMatch

	confidences := make([]float64, 0, len(match.Quality.Words))
	scores := make([]float64, 0, len(match.Quality.Words))
	for _, w := range match.Quality.Words {
		confidences = append(confidences, w.Confidence)
		scores = append(scores, w.Score)
	}

	phonemes := match.Quality.Phonemes
	if phonemes == nil {
		phonemes = []asr.PhonemeQuality{}
	}
	detail, err := json.Marshal(phonemes)
	if err != nil {
		return Attempt{}, fmt.Errorf("encoding phoneme detail: %w", err)
	}

	createdAt = createdAt.UTC()
	return Attempt{
		PartitionKey:              s.Request.UserID,
		RowKey:                    RowKey(createdAt),
		ClientID:                  s.ClientID,
		EngineID:                  s.Result.EngineID,
		RecognitionType:           string(s.Request.RecognitionType),
		Grammar:                   s.Request.Grammar,
		RecognizedText:            match.RecognizedText,
		SentenceConfidence:        match.Quality.Confidence,
		SentenceScore:             match.Quality.Score,
		WordConfidenceList:        confidences,
		WordScoreList:             scores,
		PhonemeTrackingDetailJSON: string(detail),
		RecordedFileName:          s.Result.RecordedFileName,
		CreatedAt:                 createdAt,
	}, nil
}
