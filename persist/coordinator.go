// Package persist writes completed attempts to the relational store, the
// history store and, when required, archives the recorded sample.
package persist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/K3das/diction/archive"
	"github.com/K3das/diction/asr"
	"github.com/K3das/diction/history"
	"github.com/K3das/diction/metrics"
	"github.com/K3das/diction/session"
	"github.com/K3das/diction/utils"
	"github.com/gammazero/workerpool"
	"go.uber.org/zap"
)

type Options struct {
	RetryCount int           `env:"RETRY_COUNT" envDefault:"3"`
	RetryDelay time.Duration `env:"RETRY_DELAY" envDefault:"7s"`
	Workers    int           `env:"WORKERS" envDefault:"8"`
	// 0 means no limit
	UploadTimeout time.Duration `env:"UPLOAD_TIMEOUT" envDefault:"5m"`
}

// AttemptRepository is the relational store's write side.
type AttemptRepository interface {
	SaveAsrAttempt(ctx context.Context, clientID string, req asr.RecognitionRequest, res *asr.RecognitionResult) error
}

type CoordinatorOptions struct {
	ParentLogger *zap.Logger
	Options      Options
	Metrics      *metrics.Metrics

	Repository  AttemptRepository
	IsTransient func(error) bool
	// optional
	History  history.Store
	Archiver archive.Archiver
}

type Coordinator struct {
	log     *zap.Logger
	metrics *metrics.Metrics

	repository AttemptRepository
	history    history.Store
	archiver   archive.Archiver

	retry         *RetryPolicy
	pool          *workerpool.WorkerPool
	uploadTimeout time.Duration
}

func NewCoordinator(options CoordinatorOptions) *Coordinator {
	workers := options.Options.Workers
	if workers <= 0 {
		workers = 1
	}

	c := &Coordinator{
		log:        options.ParentLogger.Named("persist"),
		metrics:    options.Metrics,
		repository: options.Repository,
		history:    options.History,
		archiver:   options.Archiver,
		pool:       workerpool.New(workers),

		uploadTimeout: options.Options.UploadTimeout,
	}
	c.retry = NewRetryPolicy(c.log, options.Options.RetryCount, options.Options.RetryDelay, options.IsTransient)
	c.retry.onRetry = c.metrics.StoreRetries.Inc

	return c
}

// SaveAttempt writes the attempt to the relational store, retrying
// transient faults. The session's client id is the correlation id.
func (c *Coordinator) SaveAttempt(ctx context.Context, s *session.Session) error {
	if s.Result == nil || !s.Result.NeedsSave() {
		return nil
	}

	err := c.retry.Do(ctx, s.ClientID, func(ctx context.Context) error {
		return c.repository.SaveAsrAttempt(ctx, s.ClientID, s.Request, s.Result)
	})
	if err != nil {
		c.metrics.StoreFailures.Inc()
		return fmt.Errorf("saving attempt: %w", err)
	}
	return nil
}

// SaveHistory writes the attempt's history record, on the worker pool when
// async is set. done, if not nil, gets the outcome.
func (c *Coordinator) SaveHistory(ctx context.Context, s *session.Session, async bool, done func(error)) {
	log := utils.GetLogFromContext(ctx, c.log)

	if c.history == nil || s.Result == nil || !s.Result.NeedsSave() {
		if done != nil {
			done(nil)
		}
		return
	}

	attempt, err := history.NewAttempt(s, time.Now())
	if err != nil {
		log.Error("failed to build history record", zap.Error(err))
		if done != nil {
			done(err)
		}
		return
	}

	task := func() {
		start := time.Now()
		err := c.history.SaveAttemptHistory(ctx, attempt)
		c.metrics.HistoryWrites.WithLabelValues(metrics.Outcome(err)).Inc()

		log := log.With(zap.String("row_key", attempt.RowKey), zap.Duration("elapsed", time.Since(start)))
		if err != nil {
			log.Error("failed to save attempt history", zap.Error(err))
		} else {
			log.Info("attempt history saved")
		}

		if done != nil {
			done(err)
		}
	}

	if async {
		c.submit(log, task)
		return
	}
	task()
}

// Archive uploads the sample at path on the worker pool. done always fires,
// upload failure or not.
func (c *Coordinator) Archive(ctx context.Context, s *session.Session, path string, done func(error)) {
	log := utils.GetLogFromContext(ctx, c.log)

	if c.archiver == nil {
		done(fmt.Errorf("no archiver configured"))
		return
	}

	key := archive.BlobKey(s.Request.UserID, s.CreatedAt, s.AudioFileName, filepath.Ext(path))

	c.submit(log, func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = utils.RecoverError(r)
				log.Error("recovered panic while archiving", zap.Error(err))
			}
			done(err)
		}()

		start := time.Now()
		err = c.upload(ctx, key, path)
		c.metrics.Uploads.WithLabelValues(metrics.Outcome(err)).Inc()

		log := log.With(zap.String("key", key), zap.Duration("elapsed", time.Since(start)))
		if err != nil {
			log.Error("failed to archive sample", zap.Error(err))
		} else {
			log.Info("sample archived")
		}
	})
}

func (c *Coordinator) upload(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening sample: %w", err)
	}
	defer f.Close()

	if c.uploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.uploadTimeout)
		defer cancel()
	}

	return c.archiver.Upload(ctx, key, f)
}

// submit queues task, recovering panics so a failed write never takes a
// worker down.
func (c *Coordinator) submit(log *zap.Logger, task func()) {
	c.pool.Submit(func() {
		defer utils.PanicRecovery(log)
		task()
	})
}

// Close waits for queued writes and uploads to finish.
func (c *Coordinator) Close() {
	c.pool.StopWait()
}
