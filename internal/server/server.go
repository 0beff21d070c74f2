package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/payrail/payrail/internal/routes"
)

// Server wraps the Fiber application and the settlement background loops.
type Server struct {
	app      *fiber.App
	deps     routes.Deps
	runtime  *routes.Runtime
	logger   *slog.Logger
	cancelBG context.CancelFunc
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(d routes.Deps) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:      d.Cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	runtime, err := routes.Setup(app, d)
	if err != nil {
		return nil, err
	}

	return &Server{app: app, deps: d, runtime: runtime, logger: d.Logger}, nil
}

// Listen resumes stranded withdrawals, starts the reconciliation poller and
// serves HTTP until shutdown.
func (s *Server) Listen() error {
	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancelBG = cancel

	resumeCtx, resumeCancel := context.WithTimeout(bgCtx, time.Minute)
	if err := s.runtime.Engine.Resume(resumeCtx); err != nil {
		s.logger.Error("resume stranded withdrawals", "error", err)
	}
	resumeCancel()

	go s.runtime.Poller.Run(bgCtx)

	return s.app.Listen(s.deps.Cfg.Address())
}

// Shutdown stops the background loops and gracefully drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBG != nil {
		s.cancelBG()
	}
	return s.app.ShutdownWithContext(ctx)
}
