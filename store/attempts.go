package store

import (
	"context"
	"fmt"
	"time"

	"github.com/K3das/diction/asr"
	"github.com/jackc/pgx/v5"
)

const insertAttempt = `
INSERT INTO asr_attempts (
    client_id, user_id, engine_id, recognition_type, grammar,
    recognized_text, matched_index, sentence_confidence, sentence_score, recorded_file_name
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id, created_at`

const insertPhonemeQuality = `
INSERT INTO phoneme_qualities (attempt_id, user_id, phone_name, grapheme, score, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

// upsertPhonemeScore folds one sample into the user's running average.
const upsertPhonemeScore = `
INSERT INTO phoneme_scores (user_id, phone_name, grapheme, sample_count, average_score, updated_at)
VALUES ($1, $2, $3, 1, $4, $5)
ON CONFLICT (user_id, phone_name) DO UPDATE SET
    average_score = phoneme_scores.average_score
        + (EXCLUDED.average_score - phoneme_scores.average_score) / (phoneme_scores.sample_count + 1),
    sample_count  = phoneme_scores.sample_count + 1,
    grapheme      = EXCLUDED.grapheme,
    updated_at    = EXCLUDED.updated_at`

// selectRecentPhonemes averages the latest $2 samples of every phoneme the
// user has practiced at least $3 times.
const selectRecentPhonemes = `
WITH ranked AS (
    SELECT phone_name, grapheme, score, created_at,
           row_number() OVER (PARTITION BY phone_name ORDER BY created_at DESC, id DESC) AS rn
    FROM phoneme_qualities
    WHERE user_id = $1
)
SELECT r.phone_name, max(r.grapheme), avg(r.score), max(r.created_at)
FROM ranked r
JOIN phoneme_scores s ON s.user_id = $1 AND s.phone_name = r.phone_name
WHERE r.rn <= $2 AND s.sample_count >= $3
GROUP BY r.phone_name
ORDER BY avg(r.score) ASC, r.phone_name ASC`

// SaveAsrAttempt writes the attempt, its phoneme samples and the updated
// running averages in one transaction.
func (s *Store) SaveAsrAttempt(ctx context.Context, clientID string, req asr.RecognitionRequest, res *asr.RecognitionResult) error {
	if res == nil || res.SentenceMatch == nil {
		return fmt.Errorf("attempt %s has no sentence match", clientID)
	}
	match := res.SentenceMatch

	return pgx.BeginFunc(ctx, s.conn, func(tx pgx.Tx) error {
		var (
			attemptID int64
			createdAt time.Time
		)
		err := tx.QueryRow(ctx, insertAttempt,
			clientID, req.UserID, res.EngineID, string(req.RecognitionType), req.Grammar,
			match.RecognizedText, match.MatchedIndex, match.Quality.Confidence, match.Quality.Score, res.RecordedFileName,
		).Scan(&attemptID, &createdAt)
		if err != nil {
			return fmt.Errorf("inserting attempt: %w", err)
		}

		if len(match.Quality.Phonemes) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, p := range match.Quality.Phonemes {
			batch.Queue(insertPhonemeQuality, attemptID, req.UserID, p.PhoneName, p.Grapheme, p.Score, createdAt)
			batch.Queue(upsertPhonemeScore, req.UserID, p.PhoneName, p.Grapheme, p.Score, createdAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("saving phoneme samples: %w", err)
		}

		return nil
	})
}

// GetRecentPhonemes returns the user's recent per-phoneme averages, weakest
// first.
func (s *Store) GetRecentPhonemes(ctx context.Context, userID string, experienceWindow, qualifiedThreshold int) ([]asr.PhonemeQuality, error) {
	rows, err := s.conn.Query(ctx, selectRecentPhonemes, userID, experienceWindow, qualifiedThreshold)
	if err != nil {
		return nil, fmt.Errorf("querying phoneme history: %w", err)
	}

	phonemes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (asr.PhonemeQuality, error) {
		var p asr.PhonemeQuality
		err := row.Scan(&p.PhoneName, &p.Grapheme, &p.Score, &p.CreatedDate)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("reading phoneme history: %w", err)
	}

	return phonemes, nil
}
