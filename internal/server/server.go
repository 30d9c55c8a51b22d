// Package server provides the HTTP poll API for go-parking
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-parking/internal/config"
	"github.com/teslashibe/go-parking/internal/detect"
	"github.com/teslashibe/go-parking/internal/health"
	"github.com/teslashibe/go-parking/internal/monitor"
	"github.com/teslashibe/go-parking/internal/radar"
)

// Server is the HTTP server for go-parking
type Server struct {
	app       *fiber.App
	cfg       config.ServerConfig
	detector  *detect.Detector
	checker   *health.Checker
	monitor   *monitor.Monitor
	logger    *slog.Logger
	startTime time.Time
	version   string

	// ctx bounds in-flight detections; Shutdown cancels it
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new HTTP server. checker may be nil, in which case the
// sensor is registered on a fresh one.
func New(cfg config.ServerConfig, detector *detect.Detector, checker *health.Checker, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if checker == nil {
		checker = health.NewChecker(version)
		if detector != nil {
			checker.Register("sensor", true, func() (bool, string) {
				stats := detector.Stats()
				return stats.SourceHealthy, stats.SourceName
			})
		}
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-parking",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger))

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		app:       app,
		cfg:       cfg,
		detector:  detector,
		checker:   checker,
		logger:    logger,
		startTime: time.Now(),
		version:   version,
		ctx:       ctx,
		cancel:    cancel,
	}

	// Register routes
	s.registerRoutes()

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	// Health check
	s.app.Get("/health", s.healthHandler)

	// Metrics endpoint
	s.app.Get("/metrics", s.metricsHandler)

	api := s.app.Group("/api")

	// Detection API
	api.Get("/detect", s.detectHandler)
	api.Get("/detect/last", s.lastHandler)
	api.Get("/calibration", s.calibrationHandler)

	// Monitor API
	api.Get("/occupancy", s.occupancyHandler)
	api.Get("/history", s.historyHandler)

	// Config endpoint
	api.Get("/config", s.configHandler)

	// Stats endpoint
	api.Get("/stats", s.statsHandler)
}

// AttachMonitor exposes m through the occupancy and history endpoints.
// Call before Start.
func (s *Server) AttachMonitor(m *monitor.Monitor) {
	s.monitor = m
}

// healthHandler returns service health
func (s *Server) healthHandler(c *fiber.Ctx) error {
	status := s.checker.GetStatus()

	code := fiber.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(status)
}

// detectHandler runs one detection and returns its report
func (s *Server) detectHandler(c *fiber.Ctx) error {
	if s.detector == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "detector not available",
		})
	}

	// fasthttp never cancels the request context, so detections run under
	// the server's own context and stop on Shutdown
	report, err := s.detector.Detect(s.ctx)
	if err != nil {
		return c.Status(detectStatus(err)).JSON(fiber.Map{
			"error":  err.Error(),
			"run_id": report.RunID,
		})
	}

	return c.JSON(report)
}

// detectStatus maps a detection failure onto an HTTP status code
func detectStatus(err error) int {
	switch {
	case errors.Is(err, radar.ErrAcquisition):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, detect.ErrUnstable):
		return fiber.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusRequestTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

// lastHandler returns the most recent successful detection
func (s *Server) lastHandler(c *fiber.Ctx) error {
	if s.detector == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "detector not available",
		})
	}

	report, ok := s.detector.Last()
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no detection yet",
		})
	}

	return c.JSON(report)
}

// calibrationHandler returns the threshold model and the range it applies to
func (s *Server) calibrationHandler(c *fiber.Ctx) error {
	if s.detector == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "detector not available",
		})
	}

	threshold := s.detector.Threshold()

	return c.JSON(fiber.Map{
		"threshold":       threshold,
		"threshold_level": threshold.Level(),
		"margin":          detect.SensitivityMargin,
		"range":           s.detector.Range(),
	})
}

// occupancyHandler returns the monitored occupancy of the space
func (s *Server) occupancyHandler(c *fiber.Ctx) error {
	if s.monitor == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "monitor not running",
		})
	}

	latest, ok := s.monitor.Latest()
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no detection yet",
			"stats": s.monitor.Stats(),
		})
	}

	return c.JSON(fiber.Map{
		"latest": latest,
		"stats":  s.monitor.Stats(),
	})
}

// historyHandler returns recent monitored detections, oldest first
func (s *Server) historyHandler(c *fiber.Ctx) error {
	if s.monitor == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "monitor not running",
		})
	}

	return c.JSON(s.monitor.History())
}

// configHandler returns current configuration
func (s *Server) configHandler(c *fiber.Ctx) error {
	resp := fiber.Map{
		"server": fiber.Map{
			"port":             s.cfg.Port,
			"read_timeout_ms":  s.cfg.ReadTimeout.Milliseconds(),
			"write_timeout_ms": s.cfg.WriteTimeout.Milliseconds(),
		},
	}

	if s.detector != nil {
		opts := s.detector.Options()
		resp["range"] = s.detector.Range()
		resp["detection"] = fiber.Map{
			"debounce":       opts.Debounce,
			"delay_ms":       opts.Delay.Milliseconds(),
			"max_iterations": opts.MaxIterations,
		}
	}

	return c.JSON(resp)
}

// statsHandler returns detector statistics
func (s *Server) statsHandler(c *fiber.Ctx) error {
	if s.detector == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "detector not available",
		})
	}

	return c.JSON(s.detector.Stats())
}

// metricsHandler returns Prometheus-format metrics
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	if s.detector == nil {
		return c.Status(fiber.StatusServiceUnavailable).SendString("# no detector available\n")
	}

	stats := s.detector.Stats()

	occupied := -1
	if report, ok := s.detector.Last(); ok {
		occupied = int(report.Result)
	}

	metrics := fmt.Sprintf(`# HELP go_parking_occupied Last detection result (1=occupied, 0=empty, -1=none)
# TYPE go_parking_occupied gauge
go_parking_occupied %d

# HELP go_parking_last_peak_amplitude Peak amplitude of the last classified sweep
# TYPE go_parking_last_peak_amplitude gauge
go_parking_last_peak_amplitude %f

# HELP go_parking_threshold_level Peak amplitude above which the space is occupied
# TYPE go_parking_threshold_level gauge
go_parking_threshold_level %f

# HELP go_parking_detections_total Total detection runs
# TYPE go_parking_detections_total counter
go_parking_detections_total %d

# HELP go_parking_sweeps_total Total sweeps requested from the sensor
# TYPE go_parking_sweeps_total counter
go_parking_sweeps_total %d

# HELP go_parking_detection_errors_total Total failed detection runs
# TYPE go_parking_detection_errors_total counter
go_parking_detection_errors_total %d

# HELP go_parking_source_healthy Sensor health (1=healthy, 0=unhealthy)
# TYPE go_parking_source_healthy gauge
go_parking_source_healthy %d

# HELP go_parking_uptime_seconds Server uptime in seconds
# TYPE go_parking_uptime_seconds gauge
go_parking_uptime_seconds %d
`,
		occupied,
		stats.LastPeak,
		s.detector.Threshold().Level(),
		stats.Detections,
		stats.Sweeps,
		stats.ErrorCount,
		boolToInt(stats.SourceHealthy),
		int64(time.Since(s.startTime).Seconds()),
	)

	if s.monitor != nil {
		mstats := s.monitor.Stats()
		metrics += fmt.Sprintf(`
# HELP go_parking_occupancy_changes_total Occupancy changes seen by the monitor
# TYPE go_parking_occupancy_changes_total counter
go_parking_occupancy_changes_total %d

# HELP go_parking_monitor_polls_total Total monitor detection runs
# TYPE go_parking_monitor_polls_total counter
go_parking_monitor_polls_total %d
`,
			mstats.Changes,
			mstats.PollCount,
		)
	}

	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.SendString(metrics)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Port,
	)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Port))
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Abort running detections so their requests can complete
	s.cancel()

	// Shutdown Fiber with timeout from context
	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
