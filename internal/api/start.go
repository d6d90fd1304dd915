package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/masa-finance/ledger-relay/api/types"
	"github.com/masa-finance/ledger-relay/internal/config"
)

const shutdownTimeout = 5 * time.Second

// Pipeline is the part of the delivery pipeline the API exposes.
type Pipeline interface {
	SubmitMessage(target, text, sender string) (string, error)
	SendReply(target, message string) (string, error)
	Result(taskID string) (types.DeliveryResult, bool)
	QueueStatus() types.QueueStatus
	Info() types.ServiceInfo
	Status() types.ServiceStatus
	SetAutoReply(enabled bool)
	SetReplyTemplate(template string)
}

// Supervisor is the part of the health supervisor the API exposes.
type Supervisor interface {
	Records() map[string]types.ServiceRecord
	Record(name string) (types.ServiceRecord, bool)
	ForceCheck(name string) (types.HealthResult, error)
	ForceRecover(name string) error
	ResetStats(name string) error
	Stats() types.SupervisorStats
	IsMonitoring() bool
	CheckHealth() types.HealthResult
}

// Server is the HTTP front of the relay.
type Server struct {
	echo          *echo.Echo
	listenAddress string
}

// NewServer wires middleware and routes. Nothing listens until Serve.
func NewServer(cfg config.Configuration, pipeline Pipeline, sup Supervisor) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(echoLogLevel(cfg.GetString("log_level", "info")))

	healthMetrics := NewHealthMetrics()

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(APIKeyAuthMiddleware(cfg))
	e.Use(HealthMetricsMiddleware(healthMetrics))

	// Probes and metrics (no auth required)
	e.GET(HealthCheckPath, Healthz())
	e.GET(ReadinessCheckPath, Readyz(pipeline, sup, healthMetrics))
	e.GET(MetricsPath, echo.WrapHandler(promhttp.Handler()))

	if cfg.ProfilingEnabled() {
		enableProfiling(e)
	}

	/*
		- POST /messages: queue an inbound chat message for recording
		- POST /replies: queue a reply to a chat
		- GET /tasks/:id: result of a finished task
		- GET /queue: queue depth and processing counts
		- PUT /settings: toggle auto reply, change the reply template
	*/
	e.POST("/messages", submitMessage(pipeline))
	e.POST("/replies", submitReply(pipeline))
	e.GET("/tasks/:id", taskResult(pipeline))
	e.GET("/queue", queueStatus(pipeline))
	e.PUT("/settings", updateSettings(pipeline))

	services := e.Group("/services")
	services.GET("", listServices(sup))
	services.GET("/:name", getService(sup))
	services.POST("/:name/check", checkService(sup))
	services.POST("/:name/recover", recoverService(sup))
	services.POST("/:name/reset", resetService(sup))

	e.GET("/supervisor/stats", supervisorStats(sup))

	return &Server{echo: e, listenAddress: cfg.ListenAddress()}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			s.echo.Logger.Error("Failed to shut down Echo server: ", err)
		}
	}()

	s.echo.Logger.Info(fmt.Sprintf("Starting server on %s", s.listenAddress))
	if err := s.echo.Start(s.listenAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) String() string {
	return "api"
}

func echoLogLevel(level string) log.Lvl {
	switch strings.ToLower(level) {
	case "debug":
		return log.DEBUG
	case "warn", "warning":
		return log.WARN
	case "error":
		return log.ERROR
	default:
		return log.INFO
	}
}

// enableProfiling registers the pprof endpoints and turns on block and
// mutex sampling.
func enableProfiling(e *echo.Echo) {
	e.Logger.Info("Enabling profiling - this may impact performance")

	// Sample time in nanoseconds, see https://github.com/DataDog/go-profiler-notes/blob/main/block.md#usage
	runtime.SetBlockProfileRate(500)
	runtime.SetMutexProfileFraction(1)

	pprof.Register(e)
}
