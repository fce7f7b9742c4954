package analysis

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/K3das/diction/session"
	"github.com/antzucaro/matchr"
)

// CommunicationAnalyst matches the recognized text against the request's
// expected phrases and rescores it against the best one.
type CommunicationAnalyst struct{}

func NewCommunicationAnalyst() *CommunicationAnalyst {
	return &CommunicationAnalyst{}
}

func (a *CommunicationAnalyst) Name() string {
	return "communication"
}

func (a *CommunicationAnalyst) Analyze(ctx context.Context, s *session.Session) error {
	match := s.Result.SentenceMatch
	match.MatchedIndex = -1

	recognizedTokens := tokenize(match.RecognizedText)
	recognized := strings.Join(recognizedTokens, " ")
	if recognized == "" {
		match.Quality.Confidence = 0
		match.Quality.Score = 0
		return nil
	}

	bestScore := 0.0
	for i, expected := range s.Request.ExpectedResults {
		candidate := strings.Join(tokenize(expected.Text), " ")
		if candidate == "" {
			continue
		}

		similarity := matchr.JaroWinkler(recognized, candidate, true)
		if similarity > bestScore {
			bestScore = similarity
			match.MatchedIndex = i
		}
	}

	if match.MatchedIndex < 0 {
		match.Quality.Confidence = 0
		match.Quality.Score = 0
		return nil
	}

	expected := s.Request.ExpectedResults[match.MatchedIndex]
	grammar := expected.Grammar
	if grammar == "" {
		grammar = expected.Text
	}

	match.Quality.Confidence = round(bestScore, 4)
	match.Quality.Score = round(coverage(tokenize(grammar), recognizedTokens)*100, 2)

	return nil
}

// coverage is the share of want tokens present in got.
func coverage(want, got []string) float64 {
	if len(want) == 0 {
		return 0
	}

	present := make(map[string]int, len(got))
	for _, token := range got {
		present[token]++
	}

	hits := 0
	for _, token := range want {
		if present[token] > 0 {
			present[token]--
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
