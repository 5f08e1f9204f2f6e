package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/backend"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/config"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/logger"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/metrics"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/monitor"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/overlay"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/playback"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/player"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/recorder"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/session"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/viewer"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/pkg/types"
)

var (
	// Command-line flags. Explicitly set flags override the config file and
	// the environment.
	configPath  = flag.String("config", "", "YAML config file")
	envFile     = flag.String("env", ".env", "dotenv file (missing file is ignored)")
	videoPath   = flag.String("video", "", "Video file to upload and process")
	attachID    = flag.Int64("session", 0, "Attach to an already running session instead of uploading")
	clipLength  = flag.Duration("duration", 0, "Clip length for the headless player (0 = unbounded)")
	backendURL  = flag.String("backend", "", "Backend base URL")
	socketURL   = flag.String("socket", "", "Annotation socket URL")
	latePolicy  = flag.String("late-policy", "", "Late frame policy (accept, drop)")
	monitorOn   = flag.Bool("monitor", true, "Serve the local monitor")
	monitorAddr = flag.String("http", "", "Monitor HTTP address")
	record      = flag.Bool("record", false, "Write rendered overlays to disk")
	recordPath  = flag.String("record-path", "", "Rendered overlay output path")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
	logFile     = flag.String("log-file", "", "Rotated log file")
)

func main() {
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("Failed to load %s: %v", *envFile, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.Log.Color, cfg.LogFile())
	defer logger.Close()

	logger.Info("Main", "Overlay client starting...")
	logger.Info("Main", "Backend: %s, socket: %s", cfg.Backend.BaseURL, cfg.Backend.SocketURL)
	logger.Info("Main", "Sync: default fps %.2f, drift tolerance %.2fs, late policy %s",
		cfg.Sync.DefaultFPS, cfg.Sync.DriftTolerance, cfg.Sync.LatePolicy)
	logger.Info("Main", "Log level: %s", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("Main", "%v", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Info("Main", "Overlay client stopped")
}

func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Backend.BaseURL = *backendURL
		case "socket":
			cfg.Backend.SocketURL = *socketURL
		case "late-policy":
			cfg.Sync.LatePolicy = *latePolicy
		case "monitor":
			cfg.Monitor.Enabled = *monitorOn
		case "http":
			cfg.Monitor.Addr = *monitorAddr
		case "record":
			cfg.Recorder.Enabled = *record
		case "record-path":
			cfg.Recorder.OutputDir = *recordPath
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-color":
			cfg.Log.Color = *logColor
		case "log-file":
			cfg.Log.File = *logFile
		}
	})
}

func run(ctx context.Context, cfg config.Config) error {
	m := metrics.New()
	clock := player.NewClockPlayer(*clipLength)
	synchronizer := playback.NewSynchronizer(clock, cfg.PlaybackConfig())
	renderer := overlay.NewRenderer(cfg.RendererConfig())

	frames := monitor.NewFrameBroadcaster(cfg.Monitor.JPEGQuality)
	events := monitor.NewEventBroadcaster()
	rec := recorder.NewRecorder(cfg.Recorder.OutputDir, cfg.Recorder.Quality)
	defer func() {
		if err := rec.Close(); err != nil {
			logger.Warn("Main", "Recorder close: %v", err)
		}
	}()
	if cfg.Recorder.Enabled {
		if err := rec.Start(); err != nil {
			return err
		}
	}

	mgr := session.NewManager(session.Options{
		URL:        cfg.Backend.SocketURL,
		Dialer:     session.NewWebsocketDialer(cfg.Backend.HandshakeTimeout),
		Classifier: overlay.NewVocabulary(cfg.Overlay.ViolationLabels),
		Sync:       synchronizer,
		Renderer:   renderer,
		Sinks:      []types.FrameSink{frames, events, rec},
		Metrics:    m,
		OnState: func(change session.StateChange) {
			if change.State == session.StateClosed || change.State == session.StateError {
				clock.Pause()
			}
		},
	})
	defer mgr.Close()

	if cfg.Monitor.Enabled {
		srv := monitor.NewServer(monitor.Config{
			Addr:           cfg.Monitor.Addr,
			JPEGQuality:    cfg.Monitor.JPEGQuality,
			StatusInterval: cfg.Monitor.StatusInterval,
			EnableMetrics:  cfg.Monitor.Metrics,
		}, monitor.Deps{
			Session:  mgr,
			Frames:   frames,
			Events:   events,
			Recorder: rec,
			Metrics:  m.Handler(),
		})
		srv.Start()
		defer srv.Close()

		httpServer := &http.Server{
			Addr:    cfg.Monitor.Addr,
			Handler: srv.Handler(),
		}
		go func() {
			logger.Info("Main", "Monitor listening on %s", cfg.Monitor.Addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Main", "Monitor server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Main", "Monitor shutdown: %v", err)
			}
		}()
	}

	switch {
	case *attachID > 0:
		if err := mgr.Open(ctx, *attachID); err != nil {
			return err
		}
	case *videoPath != "":
		client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.RequestTimeout)
		coord := viewer.NewCoordinator(backend.PathSelector{Path: *videoPath}, client, mgr, viewer.LogNotifier{})
		if _, err := coord.Run(ctx); err != nil && !cfg.Monitor.Enabled {
			return err
		}
	case !cfg.Monitor.Enabled:
		return errors.New("nothing to do: pass -video, -session or enable the monitor")
	default:
		logger.Info("Main", "Waiting for POST /api/session/{id} on %s", cfg.Monitor.Addr)
	}

	<-ctx.Done()
	logger.Info("Main", "Shutting down...")
	return nil
}
