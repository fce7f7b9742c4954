package history

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const NatsBucket = "ASR_ATTEMPT_HISTORY"

var validKeyToken = regexp.MustCompile(`^[-_=a-zA-Z0-9]+$`)

type NatsOptions struct {
	Replicas int `env:"REPLICAS" envDefault:"1"`
}

// NatsStore writes attempts to a JetStream key-value bucket, one key per
// attempt.
type NatsStore struct {
	log *zap.Logger
	kv  jetstream.KeyValue
}

func NewNatsStore(ctx context.Context, parentLogger *zap.Logger, js jetstream.JetStream, options NatsOptions) (*NatsStore, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      NatsBucket,
		Description: "completed recognition attempts",
		Replicas:    options.Replicas,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("creating %s bucket: %w", NatsBucket, err)
	}

	return &NatsStore{
		log: parentLogger.Named("history_nats"),
		kv:  kv,
	}, nil
}

// natsKey builds "<partition>.<row>". Partitions with characters a key
// token can't hold are base64 encoded.
func natsKey(a Attempt) string {
	partition := a.PartitionKey
	if !validKeyToken.MatchString(partition) {
		partition = "b64_" + base64.RawURLEncoding.EncodeToString([]byte(partition))
	}
	return partition + "." + a.RowKey
}

func (s *NatsStore) SaveAttemptHistory(ctx context.Context, attempt Attempt) error {
	value, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("encoding attempt: %w", err)
	}

	key := natsKey(attempt)
	if _, err := s.kv.Create(ctx, key, value); err != nil {
		return fmt.Errorf("creating key %s: %w", key, err)
	}

	s.log.Debug("attempt written", zap.String("key", key))
	return nil
}
