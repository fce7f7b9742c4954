package analysis

import (
	"cmp"
	"context"
	"slices"

	"github.com/K3das/diction/asr"
	"github.com/K3das/diction/session"
)

// PronunciationAnalyst flags the phonemes of an attempt scoring under the
// low score threshold as the user's weak points.
type PronunciationAnalyst struct {
	lowScore float64
}

func NewPronunciationAnalyst(lowScore float64) *PronunciationAnalyst {
	return &PronunciationAnalyst{
		lowScore: lowScore,
	}
}

func (a *PronunciationAnalyst) Name() string {
	return "pronunciation"
}

func (a *PronunciationAnalyst) needsHistory() bool {
	return true
}

func (a *PronunciationAnalyst) Analyze(ctx context.Context, s *session.Session) error {
	quality := &s.Result.SentenceMatch.Quality

	history := make(map[string]asr.PhonemeQuality, len(s.PhonemeHistory))
	for _, p := range s.PhonemeHistory {
		history[p.PhoneName] = p
	}

	problems := make([]asr.Problem, 0)
	for _, phoneme := range quality.Phonemes {
		if phoneme.Score >= a.lowScore {
			continue
		}

		problem := asr.Problem{
			PhoneName: phoneme.PhoneName,
			Grapheme:  phoneme.Grapheme,
			Score:     phoneme.Score,
		}
		if past, ok := history[phoneme.PhoneName]; ok {
			problem.HistoricalScore = past.Score
			problem.Recurring = past.Score < a.lowScore
		}
		problems = append(problems, problem)
	}

	slices.SortStableFunc(problems, func(x, y asr.Problem) int {
		return cmp.Compare(x.Score, y.Score)
	})
	quality.Problems = problems

	return nil
}
