package analysis

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/K3das/diction/asr"
	"github.com/K3das/diction/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeHistory struct {
	calls    atomic.Int32
	phonemes []asr.PhonemeQuality
	err      error
}

func (f *fakeHistory) GetRecentPhonemes(ctx context.Context, userID string, experienceWindow, qualifiedThreshold int) ([]asr.PhonemeQuality, error) {
	f.calls.Add(1)
	return f.phonemes, f.err
}

type spyAnalyst struct {
	calls atomic.Int32
}

func (s *spyAnalyst) Name() string { return "spy" }

func (s *spyAnalyst) Analyze(ctx context.Context, sess *session.Session) error {
	s.calls.Add(1)
	return nil
}

var testOptions = Options{
	PhonemeExperienceWindow:   20,
	PhonemeQualifiedThreshold: 3,
	LowPhonemeScore:           60,
}

func succeeded(text string, phonemes ...asr.PhonemeQuality) *asr.RecognitionResult {
	return &asr.RecognitionResult{
		Type: asr.ResultSucceeded,
		SentenceMatch: &asr.SentenceMatch{
			RecognizedText: text,
			MatchedIndex:   -1,
			Quality: asr.SentenceQuality{
				Confidence: 0.9,
				Score:      80,
				Phonemes:   phonemes,
			},
		},
	}
}

func TestDispatchSkipsUnsuccessfulResults(t *testing.T) {
	spy := &spyAnalyst{}
	d := NewDispatcher(zaptest.NewLogger(t), nil, testOptions)
	d.analysts[asr.RecognitionCommunication] = spy

	for _, result := range []*asr.RecognitionResult{
		nil,
		asr.NewErrorResult(asr.ResultError, "engine exploded"),
		asr.NewErrorResult(asr.ResultUnavailable, ""),
		asr.NewErrorResult(asr.ResultMissingFile, ""),
		{Type: asr.ResultSucceeded},
	} {
		s := session.New("", asr.RecognitionRequest{RecognitionType: asr.RecognitionCommunication})
		s.Result = result
		require.NoError(t, d.Dispatch(context.Background(), s))
	}

	assert.Equal(t, int32(0), spy.calls.Load())
}

func TestDispatchUnknownType(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t), nil, testOptions)
	s := session.New("", asr.RecognitionRequest{RecognitionType: "dictation"})
	s.Result = succeeded("hello")

	assert.ErrorIs(t, d.Dispatch(context.Background(), s), ErrUnknownRecognitionType)
}

func TestDispatchUsesSessionAnalyst(t *testing.T) {
	spy := &spyAnalyst{}
	d := NewDispatcher(zaptest.NewLogger(t), nil, testOptions)

	s := session.New("", asr.RecognitionRequest{RecognitionType: asr.RecognitionPronunciation})
	s.Analyst = spy
	s.Result = succeeded("hello")

	require.NoError(t, d.Dispatch(context.Background(), s))
	assert.Equal(t, int32(1), spy.calls.Load())
}

func TestPronunciationProblemsOrderedByScore(t *testing.T) {
	history := &fakeHistory{phonemes: []asr.PhonemeQuality{
		{PhoneName: "th", Score: 41},
		{PhoneName: "r", Score: 88},
	}}
	d := NewDispatcher(zaptest.NewLogger(t), history, testOptions)

	s := session.New("", asr.RecognitionRequest{UserID: "u1", RecognitionType: asr.RecognitionPronunciation})
	s.Result = succeeded("three rabbits",
		asr.PhonemeQuality{PhoneName: "th", Grapheme: "th", Score: 35},
		asr.PhonemeQuality{PhoneName: "r", Grapheme: "r", Score: 52},
		asr.PhonemeQuality{PhoneName: "iy", Grapheme: "ee", Score: 91},
		asr.PhonemeQuality{PhoneName: "b", Grapheme: "bb", Score: 12},
		asr.PhonemeQuality{PhoneName: "ih", Grapheme: "i", Score: 60},
	)

	require.NoError(t, d.Dispatch(context.Background(), s))

	problems := s.Result.SentenceMatch.Quality.Problems
	require.Len(t, problems, 3)
	assert.Equal(t, "b", problems[0].PhoneName)
	assert.Equal(t, "th", problems[1].PhoneName)
	assert.Equal(t, "r", problems[2].PhoneName)

	assert.True(t, problems[1].Recurring)
	assert.Equal(t, 41.0, problems[1].HistoricalScore)
	assert.False(t, problems[2].Recurring)
	assert.Equal(t, 88.0, problems[2].HistoricalScore)

	assert.Equal(t, int32(1), history.calls.Load())
	assert.NotNil(t, s.PhonemeHistory)

	// the snapshot is reused by later passes over the same session
	require.NoError(t, d.Dispatch(context.Background(), s))
	assert.Equal(t, int32(1), history.calls.Load())
}

func TestPronunciationWithoutHistory(t *testing.T) {
	history := &fakeHistory{err: errors.New("connection refused")}
	d := NewDispatcher(zaptest.NewLogger(t), history, testOptions)

	s := session.New("", asr.RecognitionRequest{UserID: "u1", RecognitionType: asr.RecognitionPronunciation})
	s.Result = succeeded("sheep", asr.PhonemeQuality{PhoneName: "sh", Score: 20})

	require.NoError(t, d.Dispatch(context.Background(), s))

	problems := s.Result.SentenceMatch.Quality.Problems
	require.Len(t, problems, 1)
	assert.False(t, problems[0].Recurring)
	assert.Empty(t, s.PhonemeHistory)
}

func TestPronunciationNoProblems(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t), &fakeHistory{}, testOptions)

	s := session.New("", asr.RecognitionRequest{RecognitionType: asr.RecognitionPronunciation})
	s.Result = succeeded("cat", asr.PhonemeQuality{PhoneName: "k", Score: 95})

	require.NoError(t, d.Dispatch(context.Background(), s))
	assert.Empty(t, s.Result.SentenceMatch.Quality.Problems)
}

func TestCommunicationPicksBestPhrase(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t), nil, testOptions)

	s := session.New("", asr.RecognitionRequest{
		RecognitionType: asr.RecognitionCommunication,
		ExpectedResults: []asr.ExpectedResult{
			{Text: "Where is the station?"},
			{Text: "I would like a coffee, please."},
			{Text: "Good morning"},
		},
	})
	s.Result = succeeded("i would like a coffee please")

	require.NoError(t, d.Dispatch(context.Background(), s))

	match := s.Result.SentenceMatch
	assert.Equal(t, 1, match.MatchedIndex)
	assert.Equal(t, 1.0, match.Quality.Confidence)
	assert.Equal(t, 100.0, match.Quality.Score)
}

func TestCommunicationScoresAgainstGrammar(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t), nil, testOptions)

	s := session.New("", asr.RecognitionRequest{
		RecognitionType: asr.RecognitionCommunication,
		ExpectedResults: []asr.ExpectedResult{
			{Text: "I would like a coffee", Grammar: "i would like a coffee"},
		},
	})
	s.Result = succeeded("I like coffee")

	require.NoError(t, d.Dispatch(context.Background(), s))

	match := s.Result.SentenceMatch
	assert.Equal(t, 0, match.MatchedIndex)
	assert.Equal(t, 60.0, match.Quality.Score)
	assert.Greater(t, match.Quality.Confidence, 0.0)
	assert.Less(t, match.Quality.Confidence, 1.0)
}

func TestCommunicationWithoutRecognizedText(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t), nil, testOptions)

	s := session.New("", asr.RecognitionRequest{
		RecognitionType: asr.RecognitionCommunication,
		ExpectedResults: []asr.ExpectedResult{{Text: "hello"}},
	})
	s.Result = succeeded("  ...  ")

	require.NoError(t, d.Dispatch(context.Background(), s))
	assert.Equal(t, -1, s.Result.SentenceMatch.MatchedIndex)
	assert.Equal(t, 0.0, s.Result.SentenceMatch.Quality.Score)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"i'd", "like", "2", "coffees"}, tokenize("I'd like 2 coffees!"))
	assert.Empty(t, tokenize("?!"))
}
