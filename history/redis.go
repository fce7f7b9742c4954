package history

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisPrefix       = "diction:"
	redisAttemptKey   = redisPrefix + "attempt:%s:%s"
	redisPartitionKey = redisPrefix + "attempts:%s"
)

// saveAttemptScript claims the attempt key and writes the hash and the
// partition index in one step. It returns 0 when the key already exists.
var saveAttemptScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 3))
redis.call("ZADD", KEYS[2], ARGV[1], ARGV[2])
return 1
`)

type RedisOptions struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// RedisStore writes each attempt as a hash, indexed per partition by a
// sorted set scored on creation time.
type RedisStore struct {
	log *zap.Logger
	rc  *redis.Client
}

func NewRedisStore(parentLogger *zap.Logger, rc *redis.Client) *RedisStore {
	return &RedisStore{
		log: parentLogger.Named("history_redis"),
		rc:  rc,
	}
}

func redisFields(a Attempt) (map[string]any, error) {
	confidences, err := json.Marshal(a.WordConfidenceList)
	if err != nil {
		return nil, err
	}
	scores, err := json.Marshal(a.WordScoreList)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"partition_key":                a.PartitionKey,
		"row_key":                      a.RowKey,
		"client_id":                    a.ClientID,
		"engine_id":                    a.EngineID,
		"recognition_type":             a.RecognitionType,
		"grammar":                      a.Grammar,
		"recognized_text":              a.RecognizedText,
		"sentence_confidence":          strconv.FormatFloat(a.SentenceConfidence, 'f', -1, 64),
		"sentence_score":               strconv.FormatFloat(a.SentenceScore, 'f', -1, 64),
		"word_confidence_list":         string(confidences),
		"word_score_list":              string(scores),
		"phoneme_tracking_detail_json": a.PhonemeTrackingDetailJSON,
		"recorded_file_name":           a.RecordedFileName,
		"created_at":                   a.CreatedAt.UnixMilli(),
	}, nil
}

// redisScriptArgs lays out the script's ARGV: score, member, then the hash
// fields in name order.
func redisScriptArgs(a Attempt) ([]any, error) {
	fields, err := redisFields(a)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]any, 0, 2+2*len(names))
	args = append(args, a.CreatedAt.UnixMilli(), a.RowKey)
	for _, name := range names {
		args = append(args, name, fields[name])
	}
	return args, nil
}

func (s *RedisStore) SaveAttemptHistory(ctx context.Context, attempt Attempt) error {
	args, err := redisScriptArgs(attempt)
	if err != nil {
		return fmt.Errorf("encoding attempt: %w", err)
	}

	key := fmt.Sprintf(redisAttemptKey, attempt.PartitionKey, attempt.RowKey)
	partition := fmt.Sprintf(redisPartitionKey, attempt.PartitionKey)

	created, err := saveAttemptScript.Run(ctx, s.rc, []string{key, partition}, args...).Int()
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if created == 0 {
		return fmt.Errorf("attempt %s already exists", key)
	}

	s.log.Debug("attempt written", zap.String("key", key))
	return nil
}
