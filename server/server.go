// Package server exposes the recognition service over HTTP.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/K3das/diction/asr"
	"github.com/K3das/diction/recognition"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type Options struct {
	Addr      string `env:"ADDR" envDefault:":8080"`
	BodyLimit int    `env:"BODY_LIMIT" envDefault:"16777216"`
}

type Recognition interface {
	RecognizeSample(ctx context.Context, req recognition.SampleRequest) *asr.RecognitionResult
	RegisteredSessionCount() int
	Sessions() []recognition.SessionInfo
}

type Server struct {
	log  *zap.Logger
	addr string

	app         *fiber.App
	recognition Recognition
}

type recognizeRequest struct {
	ClientID string                 `json:"client_id"`
	Request  asr.RecognitionRequest `json:"request"`
	// base64 in JSON
	Audio []byte `json:"audio"`
}

type sessionsResponse struct {
	Count    int                       `json:"count"`
	Sessions []recognition.SessionInfo `json:"sessions"`
}

func New(parentLogger *zap.Logger, options Options, svc Recognition, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		log:         parentLogger.Named("server"),
		addr:        options.Addr,
		recognition: svc,
	}

	app := fiber.New(fiber.Config{
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             options.BodyLimit,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := app.Group("/v1")
	v1.Post("/recognize", s.handleRecognize)
	v1.Get("/sessions", s.handleSessions)

	s.app = app
	return s
}

func (s *Server) handleRecognize(c *fiber.Ctx) error {
	var req recognizeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	result := s.recognition.RecognizeSample(c.UserContext(), recognition.SampleRequest{
		ClientID: req.ClientID,
		Request:  req.Request,
		Audio:    req.Audio,
	})

	return c.JSON(result)
}

func (s *Server) handleSessions(c *fiber.Ctx) error {
	return c.JSON(sessionsResponse{
		Count:    s.recognition.RegisteredSessionCount(),
		Sessions: s.recognition.Sessions(),
	})
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.addr))
		errs <- s.app.Listen(s.addr)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return <-errs
}
