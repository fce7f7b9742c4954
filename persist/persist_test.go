package persist

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/K3das/diction/asr"
	"github.com/K3das/diction/history"
	"github.com/K3das/diction/metrics"
	"github.com/K3das/diction/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var errTransient = errors.New("connection reset by peer")

type flakyRepository struct {
	failures int
	err      error
	calls    atomic.Int32
}

func (r *flakyRepository) SaveAsrAttempt(ctx context.Context, clientID string, req asr.RecognitionRequest, res *asr.RecognitionResult) error {
	if int(r.calls.Add(1)) <= r.failures {
		return r.err
	}
	return nil
}

type recordingHistory struct {
	mu       sync.Mutex
	attempts []history.Attempt
	err      error
}

func (h *recordingHistory) SaveAttemptHistory(ctx context.Context, attempt history.Attempt) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = append(h.attempts, attempt)
	return h.err
}

type recordingArchiver struct {
	mu   sync.Mutex
	keys map[string][]byte
	err  error
}

func (a *recordingArchiver) Upload(ctx context.Context, key string, r io.Reader) error {
	if a.err != nil {
		return a.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[key] = data
	return nil
}

func isTestTransient(err error) bool {
	return errors.Is(err, errTransient)
}

func saveableSession() *session.Session {
	s := session.New("client-1", asr.RecognitionRequest{
		UserID:          "user-1",
		RecognitionType: asr.RecognitionPronunciation,
	})
	s.AudioFileName = "client-1"
	s.Result = &asr.RecognitionResult{
		Type:     asr.ResultSucceeded,
		EngineID: "test",
		SentenceMatch: &asr.SentenceMatch{
			RecognizedText: "hello",
			MatchedIndex:   -1,
		},
	}
	return s
}

func newTestCoordinator(t *testing.T, log *zap.Logger, options CoordinatorOptions) *Coordinator {
	options.ParentLogger = log
	options.Metrics = metrics.New(prometheus.NewRegistry())
	if options.Options.Workers == 0 {
		options.Options = Options{RetryCount: 3, RetryDelay: time.Millisecond, Workers: 2}
	}
	if options.IsTransient == nil {
		options.IsTransient = isTestTransient
	}
	c := NewCoordinator(options)
	t.Cleanup(c.Close)
	return c
}

func retryLogs(logs *observer.ObservedLogs) int {
	return logs.FilterMessage("retrying transient store fault").Len()
}

func TestSaveAttemptRecoversFromTransientFaults(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	repo := &flakyRepository{failures: 2, err: errTransient}
	c := newTestCoordinator(t, zap.New(core), CoordinatorOptions{Repository: repo})

	require.NoError(t, c.SaveAttempt(context.Background(), saveableSession()))

	assert.Equal(t, int32(3), repo.calls.Load())
	assert.Equal(t, 2, retryLogs(logs))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.metrics.StoreRetries))

	for _, entry := range logs.FilterMessage("retrying transient store fault").All() {
		assert.Equal(t, "client-1", entry.ContextMap()["correlation_id"])
	}
}

func TestSaveAttemptGivesUpAfterThreeRetries(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	repo := &flakyRepository{failures: 4, err: errTransient}
	c := newTestCoordinator(t, zap.New(core), CoordinatorOptions{Repository: repo})

	err := c.SaveAttempt(context.Background(), saveableSession())

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, int32(4), repo.calls.Load())
	assert.Equal(t, 3, retryLogs(logs))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.StoreFailures))
}

func TestSaveAttemptPermanentFaultIsNotRetried(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	repo := &flakyRepository{failures: 1, err: errors.New("unique violation")}
	c := newTestCoordinator(t, zap.New(core), CoordinatorOptions{Repository: repo})

	assert.Error(t, c.SaveAttempt(context.Background(), saveableSession()))
	assert.Equal(t, int32(1), repo.calls.Load())
	assert.Equal(t, 0, retryLogs(logs))
}

func TestSaveAttemptSkipsUnsaveableResults(t *testing.T) {
	repo := &flakyRepository{}
	c := newTestCoordinator(t, zap.NewNop(), CoordinatorOptions{Repository: repo})

	s := saveableSession()
	s.Result = asr.NewErrorResult(asr.ResultError, "engine exploded")

	require.NoError(t, c.SaveAttempt(context.Background(), s))
	assert.Equal(t, int32(0), repo.calls.Load())
}

func TestRetryStopsOnCancel(t *testing.T) {
	p := NewRetryPolicy(zap.NewNop(), 3, time.Hour, isTestTransient)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, "c", func(ctx context.Context) error {
		calls++
		cancel()
		return errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestSaveHistoryAsync(t *testing.T) {
	hist := &recordingHistory{}
	c := newTestCoordinator(t, zap.NewNop(), CoordinatorOptions{Repository: &flakyRepository{}, History: hist})

	done := make(chan error, 1)
	c.SaveHistory(context.Background(), saveableSession(), true, func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("history write never completed")
	}

	hist.mu.Lock()
	defer hist.mu.Unlock()
	require.Len(t, hist.attempts, 1)
	assert.Equal(t, "user-1", hist.attempts[0].PartitionKey)
}

func TestSaveHistoryFailureIsReported(t *testing.T) {
	boom := errors.New("bucket not found")
	c := newTestCoordinator(t, zap.NewNop(), CoordinatorOptions{Repository: &flakyRepository{}, History: &recordingHistory{err: boom}})

	var got error
	c.SaveHistory(context.Background(), saveableSession(), false, func(err error) { got = err })
	assert.ErrorIs(t, got, boom)
}

func TestArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client-1.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o644))

	archiver := &recordingArchiver{keys: map[string][]byte{}}
	c := newTestCoordinator(t, zap.NewNop(), CoordinatorOptions{Repository: &flakyRepository{}, Archiver: archiver})

	s := saveableSession()
	done := make(chan error, 1)
	c.Archive(context.Background(), s, path, func(err error) { done <- err })
	require.NoError(t, <-done)

	key := "user-1/" + s.CreatedAt.UTC().Format("20060102") + "/client-1.wav"
	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	assert.Equal(t, []byte("RIFF"), archiver.keys[key])
}

func TestArchiveFailureStillCompletes(t *testing.T) {
	c := newTestCoordinator(t, zap.NewNop(), CoordinatorOptions{
		Repository: &flakyRepository{},
		Archiver:   &recordingArchiver{err: errors.New("no responders")},
	})

	done := make(chan error, 1)
	c.Archive(context.Background(), saveableSession(), filepath.Join(t.TempDir(), "missing.wav"), func(err error) { done <- err })
	assert.Error(t, <-done)
}

type stalledArchiver struct{}

func (stalledArchiver) Upload(ctx context.Context, key string, r io.Reader) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestArchiveUploadTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client-1.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o644))

	c := newTestCoordinator(t, zap.NewNop(), CoordinatorOptions{
		Options:    Options{RetryCount: 3, RetryDelay: time.Millisecond, Workers: 1, UploadTimeout: 20 * time.Millisecond},
		Repository: &flakyRepository{},
		Archiver:   stalledArchiver{},
	})

	done := make(chan error, 1)
	c.Archive(context.Background(), saveableSession(), path, func(err error) { done <- err })

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("upload was not bounded by the timeout")
	}
}
