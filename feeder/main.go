package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itohio/gofeeder/internal/log"
	"github.com/itohio/gofeeder/pkg/camera"
	"github.com/itohio/gofeeder/pkg/capture"
	"github.com/itohio/gofeeder/pkg/config"
	"github.com/itohio/gofeeder/pkg/emitter"
	"github.com/itohio/gofeeder/pkg/feeder"
	"github.com/itohio/gofeeder/pkg/motion"
	"github.com/itohio/gofeeder/pkg/scale"
	"github.com/itohio/gofeeder/pkg/web"
)

const pingPeriod = 30 * time.Second

func main() {
	var (
		portFlag     = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
		configFlag   = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag     = flag.Bool("mock", false, "Use a simulated scale instead of the serial device")
		logLevelFlag = flag.String("log-level", "", "Log level override (debug, info, warn, error)")
		portsFlag    = flag.Bool("ports", false, "List serial ports and exit")
	)
	flag.Parse()

	if *portsFlag {
		if err := listPorts(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}
	if *logLevelFlag != "" {
		cfg.Log.Level = *logLevelFlag
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *mockFlag, logger); err != nil {
		logger.Error("feeder failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, mock bool, logger *slog.Logger) error {
	// The camera serves both motion sampling and photos.
	cam, err := camera.Open(cfg.Motion.Camera)
	if err != nil {
		return err
	}
	defer cam.Close()
	logger.Info("camera opened", "device", cam.ID())

	deps := feeder.Deps{}

	if cfg.Motion.Enabled {
		sampler := motion.NewSampler(cam, cfg.Motion.PixelDelta)
		defer sampler.Close()
		deps.Motion = sampler
	}

	if cfg.Scale.Enabled {
		dev, err := openScale(ctx, cfg, mock, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := dev.Close(); err != nil {
				logger.Warn("failed to close scale", "error", err)
			}
		}()
		deps.Scale = dev

		if serial, ok := dev.(*scale.Serial); ok {
			go keepAlive(ctx, serial, logger)
		}
	}

	photos, err := capture.NewPhotoWriter(cam, cfg.Photo.Dir, cfg.Photo.WarmupFrames, logger)
	if err != nil {
		return err
	}
	deps.Photo = photos

	f, err := feeder.New(cfg, deps, logger)
	if err != nil {
		return err
	}
	f.OnEvent(newConsole(os.Stdout).handle)

	if cfg.MQTT.Enabled {
		mq := emitter.NewMQTT(cfg.MQTT, logger)
		if err := mq.Connect(ctx); err != nil {
			return err
		}
		defer mq.Disconnect()
		f.OnEvent(mq.Handler())
	}

	if cfg.Web.Enabled {
		srv := web.NewServer(cfg.Web.Addr, f, logger)
		f.OnEvent(srv.Publish)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("status api stopped", "error", err)
			}
		}()
		defer srv.Shutdown()
	}

	logger.Info("waiting for birds",
		"motion", cfg.Motion.Enabled,
		"scale", cfg.Scale.Enabled,
		"photo_dir", cfg.Photo.Dir)

	return f.Run(ctx)
}

func openScale(ctx context.Context, cfg *config.Config, mock bool, logger *slog.Logger) (scale.Device, error) {
	var dev scale.Device
	if mock {
		logger.Info("using simulated scale")
		dev = scale.NewMock(&cfg.Mock)
	} else {
		dev = scale.New(cfg.Serial, scale.WithLogger(logger))
	}

	if err := dev.Connect(ctx); err != nil {
		if errors.Is(err, scale.ErrNotReady) {
			logger.Error("weight sensor did not become ready; check the port or run with -mock",
				"port", cfg.Serial.Port)
		}
		return nil, fmt.Errorf("failed to connect scale: %w", err)
	}
	return dev, nil
}

// keepAlive pings the weight sensor so its status reports a recent reply.
func keepAlive(ctx context.Context, dev *scale.Serial, logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := dev.Ping(); err != nil {
				logger.Debug("ping failed", "error", err)
			}
		}
	}
}

func listPorts() error {
	ports, err := scale.Ports()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Println(p.Description)
	}
	return nil
}
