// Package web serves the feeder status API and a live event stream.
package web

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/itohio/gofeeder/internal/log"
	"github.com/itohio/gofeeder/pkg/feeder"
)

// Feeder is the part of the driver the API exposes.
type Feeder interface {
	Status() feeder.Status
	Tare(ctx context.Context) error
}

// Server is the status API server.
type Server struct {
	app    *fiber.App
	addr   string
	feeder Feeder
	events *broadcaster
	log    *slog.Logger

	tareTimeout time.Duration
}

// NewServer creates a server for f listening on addr.
func NewServer(addr string, f Feeder, logger *slog.Logger) *Server {
	s := &Server{
		addr:        addr,
		feeder:      f,
		events:      newBroadcaster(),
		log:         log.OrDefault(logger).With("component", "web"),
		tareTimeout: 5 * time.Second,
	}

	app := fiber.New(fiber.Config{
		AppName:               "gofeeder",
		DisableStartupMessage: true,
	})

	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/tare", s.handleTare)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	s.app = app
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("status api listening", "addr", s.addr)
	return s.app.Listen(s.addr)
}

// Publish forwards a record to event stream subscribers. It never blocks.
func (s *Server) Publish(r feeder.Record) {
	s.events.publish(newEventResponse(r))
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.events.close()
	return s.app.Shutdown()
}
