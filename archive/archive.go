// Package archive uploads recorded samples to blob storage.
package archive

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const NatsBucket = "ASR_AUDIO"

// Archiver stores a blob under key, reading it from r until EOF.
type Archiver interface {
	Upload(ctx context.Context, key string, r io.Reader) error
}

// BlobKey is "{userId}/{yyyyMMdd}/{fileName}.{ext}".
func BlobKey(userID string, createdAt time.Time, fileName, ext string) string {
	return path.Join(userID, createdAt.UTC().Format("20060102"), fileName+"."+strings.TrimPrefix(ext, "."))
}

type objectPutter interface {
	Put(ctx context.Context, obj jetstream.ObjectMeta, reader io.Reader) (*jetstream.ObjectInfo, error)
}

type NatsOptions struct {
	Replicas int `env:"REPLICAS" envDefault:"1"`
}

type NatsArchiver struct {
	log   *zap.Logger
	store objectPutter
}

func NewNatsArchiver(ctx context.Context, parentLogger *zap.Logger, js jetstream.JetStream, options NatsOptions) (*NatsArchiver, error) {
	store, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      NatsBucket,
		Description: "recorded recognition samples",
		Replicas:    options.Replicas,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("creating %s object store: %w", NatsBucket, err)
	}

	return &NatsArchiver{
		log:   parentLogger.Named("archive"),
		store: store,
	}, nil
}

func (a *NatsArchiver) Upload(ctx context.Context, key string, r io.Reader) error {
	info, err := a.store.Put(ctx, jetstream.ObjectMeta{Name: key}, r)
	if err != nil {
		return fmt.Errorf("putting object %s: %w", key, err)
	}

	a.log.Debug("sample archived", zap.String("key", key), zap.Uint64("size", info.Size))
	return nil
}
