package asr

import (
	"context"
	"slices"
	"time"
)

// Recognizer is the external speech recognition capability. Implementations
// are treated as unreliable: any error (or panic) is turned into an Error
// result by the caller.
type Recognizer interface {
	RecognizeSpeech(ctx context.Context, grammar string, filePath string, audio []byte) (*RecognitionResult, error)
}

type ResultType string

const (
	ResultSucceeded   = ResultType("succeeded")
	ResultError       = ResultType("error")
	ResultUnavailable = ResultType("unavailable")
	ResultMissingFile = ResultType("missing_file")
)

type RecognitionType string

const (
	RecognitionCommunication = RecognitionType("communication")
	RecognitionPronunciation = RecognitionType("pronunciation")
)

type ExpectedResult struct {
	Text    string `json:"text"`
	Grammar string `json:"grammar,omitempty"`
}

type RecognitionRequest struct {
	UserID          string           `json:"user_id"`
	Grammar         string           `json:"grammar"`
	RecognitionType RecognitionType  `json:"recognition_type"`
	AudioFormat     string           `json:"audio_format"`
	ExpectedResults []ExpectedResult `json:"expected_results,omitempty"`
}

// Clone returns a copy that shares no slices with r.
func (r RecognitionRequest) Clone() RecognitionRequest {
	r.ExpectedResults = slices.Clone(r.ExpectedResults)
	return r
}

type RecognitionResult struct {
	Type             ResultType     `json:"type"`
	SentenceMatch    *SentenceMatch `json:"sentence_match,omitempty"`
	AudioQuality     *AudioQuality  `json:"audio_quality,omitempty"`
	RecordedFileName string         `json:"recorded_file_name,omitempty"`
	RecordedFileType string         `json:"recorded_file_type,omitempty"`
	EngineID         string         `json:"engine_id,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
}

// NeedsSave reports whether the result came from a genuine recognition
// attempt worth persisting, as opposed to an infrastructure failure.
func (r *RecognitionResult) NeedsSave() bool {
	return r != nil && r.Type == ResultSucceeded && r.SentenceMatch != nil
}

func NewErrorResult(t ResultType, message string) *RecognitionResult {
	return &RecognitionResult{
		Type:         t,
		ErrorMessage: message,
	}
}

type SentenceMatch struct {
	RecognizedText string          `json:"recognized_text"`
	MatchedIndex   int             `json:"matched_index"`
	Quality        SentenceQuality `json:"quality"`
}

type SentenceQuality struct {
	Confidence float64          `json:"confidence"`
	Score      float64          `json:"score"`
	Words      []WordQuality    `json:"words,omitempty"`
	Phonemes   []PhonemeQuality `json:"phonemes,omitempty"`
	Problems   []Problem        `json:"problems,omitempty"`
}

type WordQuality struct {
	Word       string  `json:"word"`
	Confidence float64 `json:"confidence"`
	Score      float64 `json:"score"`
}

// PhonemeQuality is the atomic pronunciation scoring unit.
type PhonemeQuality struct {
	PhoneName   string    `json:"phone_name"`
	Grapheme    string    `json:"grapheme"`
	Score       float64   `json:"score"`
	CreatedDate time.Time `json:"created_date"`
}

// Problem is a weakly pronounced phoneme found in a single attempt.
type Problem struct {
	PhoneName       string  `json:"phone_name"`
	Grapheme        string  `json:"grapheme"`
	Score           float64 `json:"score"`
	HistoricalScore float64 `json:"historical_score,omitempty"`
	// Recurring is set when the user's recent history also has this phoneme
	// below the low score threshold.
	Recurring bool `json:"recurring,omitempty"`
}

type AudioQuality struct {
	DurationSeconds float64 `json:"duration_seconds"`
	SampleRate      int     `json:"sample_rate,omitempty"`
	Channels        int     `json:"channels,omitempty"`
	Clipped         bool    `json:"clipped,omitempty"`
}
