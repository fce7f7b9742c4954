package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/K3das/diction/analysis"
	"github.com/K3das/diction/archive"
	"github.com/K3das/diction/asr/remote"
	"github.com/K3das/diction/history"
	"github.com/K3das/diction/media"
	"github.com/K3das/diction/metrics"
	"github.com/K3das/diction/persist"
	"github.com/K3das/diction/recognition"
	"github.com/K3das/diction/server"
	"github.com/K3das/diction/session"
	"github.com/K3das/diction/store"
	"github.com/caarlos0/env/v9"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var CommitHash = ""

type config struct {
	PostgresDSN string `env:"POSTGRES_DSN,required"`
	NatsURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	// nats or redis
	HistoryBackend string               `env:"HISTORY_BACKEND" envDefault:"nats"`
	NatsHistory    history.NatsOptions  `envPrefix:"HISTORY_NATS_"`
	Redis          history.RedisOptions `envPrefix:"REDIS_"`
	Archive        archive.NatsOptions  `envPrefix:"ARCHIVE_"`

	HTTP        server.Options      `envPrefix:"HTTP_"`
	ASR         remote.Options      `envPrefix:"ASR_"`
	Media       media.Options       `envPrefix:"MEDIA_"`
	Recognition recognition.Options `envPrefix:"RECOGNITION_"`
	Analysis    analysis.Options    `envPrefix:"ANALYSIS_"`
	Persist     persist.Options     `envPrefix:"PERSIST_"`
}

const environmentPrefix = "DICTION_"
const logLevelEnvKey = environmentPrefix + "LOG_LEVEL"

func createLog() *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = ""

	logLevelValue := os.Getenv(logLevelEnvKey)
	logLevel, logLevelErr := zapcore.ParseLevel(logLevelValue)

	if logLevelErr != nil {
		logLevel = zapcore.InfoLevel
	}

	rawLog := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		logLevel,
	)).Named("diction")

	if CommitHash != "" {
		rawLog = rawLog.With(zap.String("commit", CommitHash))
	}

	if logLevelErr != nil && logLevelValue != "" {
		rawLog.With(zap.String(logLevelEnvKey, logLevelValue)).Warn("unable to parse log level, using INFO")
	}

	return rawLog
}

func createHistoryStore(ctx context.Context, parentLogger *zap.Logger, cfg config, js jetstream.JetStream) (history.Store, func(), error) {
	switch cfg.HistoryBackend {
	case "nats":
		s, err := history.NewNatsStore(ctx, parentLogger, js, cfg.NatsHistory)
		return s, func() {}, err
	case "redis":
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = rc.Close()
			return nil, nil, fmt.Errorf("pinging redis: %w", err)
		}
		return history.NewRedisStore(parentLogger, rc), func() { _ = rc.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown history backend %q", cfg.HistoryBackend)
	}
}

func main() {
	parentLogger := createLog()
	defer parentLogger.Sync()

	log := parentLogger.Named("main")
	log.With(zap.String("min_log_level", parentLogger.Level().String())).Info("starting")

	cfg := config{}
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix: environmentPrefix,
	}); err != nil {
		log.Fatal("failed to parse config", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	s := store.NewStore(context.Background(), parentLogger)
	err := s.Connect(context.Background(), cfg.PostgresDSN)
	if err != nil {
		log.Fatal("failed to connect store", zap.Error(err))
	}
	defer s.Close()

	nc, err := nats.Connect(cfg.NatsURL, nats.Name("diction"))
	if err != nil {
		log.Fatal("failed to connect to nats", zap.Error(err))
	}
	defer nc.Drain()

	js, err := jetstream.New(nc)
	if err != nil {
		log.Fatal("failed to create jetstream context", zap.Error(err))
	}

	historyStore, closeHistory, err := createHistoryStore(context.Background(), parentLogger, cfg, js)
	if err != nil {
		log.Fatal("failed to create history store", zap.Error(err))
	}
	defer closeHistory()

	var archiver archive.Archiver
	if cfg.Recognition.BlobAudioUploadRequired {
		archiver, err = archive.NewNatsArchiver(context.Background(), parentLogger, js, cfg.Archive)
		if err != nil {
			log.Fatal("failed to create archiver", zap.Error(err))
		}
	}

	coordinator := persist.NewCoordinator(persist.CoordinatorOptions{
		ParentLogger: parentLogger,
		Options:      cfg.Persist,
		Metrics:      m,
		Repository:   s,
		IsTransient:  store.IsTransient,
		History:      historyStore,
		Archiver:     archiver,
	})

	ffmpeg := media.NewFFmpeg(append(cfg.Media.FFmpegOptions(),
		media.WithLogger(parentLogger),
		media.WithRecycleGarbage(cfg.Recognition.RecycleGarbage),
	)...)

	svc, err := recognition.NewService(recognition.ServiceOptions{
		ParentLogger: parentLogger,
		Options:      cfg.Recognition,
		Metrics:      m,
		Registry:     session.NewRegistry(),
		Converter:    ffmpeg,
		Prober:       ffmpeg,
		Recognizer:   remote.NewClient(cfg.ASR),
		Dispatcher:   analysis.NewDispatcher(parentLogger, s, cfg.Analysis),
		Coordinator:  coordinator,
	})
	if err != nil {
		log.Fatal("failed to create recognition service", zap.Error(err))
	}

	httpServer := server.New(parentLogger, cfg.HTTP, svc, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := errgroup.Group{}

	// HTTP server
	g.Go(func() error {
		defer cancel()

		return httpServer.Run(ctx)
	})

	// Orphaned session sweeper
	g.Go(func() error {
		return svc.RunSweeper(ctx)
	})

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-shutdownSignal:
		cancel()
		log.Info("received signal, shutting down")
	case <-ctx.Done():
		log.Info("context done, shutting down")
	}

	err = g.Wait()

	// flush pending history writes and uploads
	coordinator.Close()

	if err != nil {
		log.Fatal("error group error", zap.Error(err))
	}
}
