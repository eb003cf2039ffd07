package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nholik/skyward/internal/certs"
	"github.com/nholik/skyward/internal/healthcheck"
	"github.com/nholik/skyward/internal/metrics"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Config selects the ports of each surface. A zero port disables it; surfaces
// configured on the same port share one listener. A zero ChallengePort mounts
// the ACME challenge next to the API instead.
type Config struct {
	HealthPort    int
	MetricsPort   int
	APIPort       int
	ChallengePort int
	ProbeInterval time.Duration
}

// Deps are the components the servers expose.
type Deps struct {
	Tracker *healthcheck.Tracker
	Metrics *metrics.Metrics
	API     *Handlers
	// Challenge serves ACME HTTP-01 tokens; mounted next to the API.
	Challenge http.Handler
}

type surface struct {
	label    string
	register func(r *gin.Engine)
}

// Run serves every configured surface until ctx is done, then shuts the
// listeners down gracefully. It returns the first listener failure.
func Run(ctx context.Context, logger zerolog.Logger, cfg Config, deps Deps) error {
	l, err := Listen(logger, cfg, deps)
	if err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Listeners are bound sockets waiting for Serve.
type Listeners struct {
	logger  zerolog.Logger
	engines []Engine
	sockets []net.Listener
}

// Listen binds every configured surface without serving yet, so callers can
// start work that needs the ports open (an HTTP-01 challenge) right away.
func Listen(logger zerolog.Logger, cfg Config, deps Deps) (*Listeners, error) {
	l := &Listeners{logger: logger, engines: Engines(logger, cfg, deps)}
	for _, e := range l.engines {
		sock, err := net.Listen("tcp", fmt.Sprintf(":%d", e.Port))
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("%s server on port %d: %w", e.Label, e.Port, err)
		}
		l.sockets = append(l.sockets, sock)
	}
	return l, nil
}

// Addrs returns the bound addresses in port order.
func (l *Listeners) Addrs() []net.Addr {
	out := make([]net.Addr, 0, len(l.sockets))
	for _, sock := range l.sockets {
		out = append(out, sock.Addr())
	}
	return out
}

// Close releases sockets that were never served.
func (l *Listeners) Close() {
	for _, sock := range l.sockets {
		_ = sock.Close()
	}
}

// Serve handles requests until ctx is done. With no surfaces it just waits.
func (l *Listeners) Serve(ctx context.Context) error {
	if len(l.engines) == 0 {
		<-ctx.Done()
		return nil
	}

	errCh := make(chan error, len(l.engines))
	for i, e := range l.engines {
		go func(e Engine, sock net.Listener) {
			errCh <- serve(ctx, l.logger, e, sock)
		}(e, l.sockets[i])
	}

	var errs []error
	for range l.engines {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Engine is one listener with the surfaces mounted on it.
type Engine struct {
	Port    int
	Label   string
	Handler http.Handler
}

// Engines groups the configured surfaces by port.
func Engines(logger zerolog.Logger, cfg Config, deps Deps) []Engine {
	byPort := map[int][]surface{}
	add := func(port int, s surface) {
		if port > 0 {
			byPort[port] = append(byPort[port], s)
		}
	}

	add(cfg.HealthPort, surface{label: "health", register: func(r *gin.Engine) {
		r.GET("/healthz", healthcheck.HealthHandler(deps.Tracker, cfg.ProbeInterval))
		r.GET("/readyz", healthcheck.ReadyHandler(deps.Tracker))
	}})
	if deps.Metrics != nil {
		add(cfg.MetricsPort, surface{label: "metrics", register: func(r *gin.Engine) {
			r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
		}})
	}
	if deps.API != nil {
		add(cfg.APIPort, surface{label: "api", register: func(r *gin.Engine) {
			RegisterRoutes(&r.RouterGroup, deps.API)
		}})
	}
	if deps.Challenge != nil {
		port := cfg.ChallengePort
		if port == 0 && deps.API != nil {
			port = cfg.APIPort
		}
		add(port, surface{label: "acme", register: func(r *gin.Engine) {
			r.GET(certs.ChallengePathPrefix+":token", gin.WrapH(deps.Challenge))
		}})
	}

	ports := make([]int, 0, len(byPort))
	for port := range byPort {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	out := make([]Engine, 0, len(ports))
	for _, port := range ports {
		r := NewRouter(logger)
		labels := make([]string, 0, len(byPort[port]))
		for _, s := range byPort[port] {
			s.register(r)
			labels = append(labels, s.label)
		}
		out = append(out, Engine{Port: port, Label: strings.Join(labels, "/"), Handler: r})
	}
	return out
}

// NewRouter returns a gin engine with panic recovery and request logging.
func NewRouter(logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	return r
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Debug()
		if status >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}

func serve(ctx context.Context, logger zerolog.Logger, e Engine, sock net.Listener) error {
	server := &http.Server{
		Handler:           e.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("server", e.Label).Int("port", e.Port).Msg("http server starting")
		if err := server.Serve(sock); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("server", e.Label).Int("port", e.Port).Msg("http server failed")
			errCh <- fmt.Errorf("%s server on port %d: %w", e.Label, e.Port, err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Str("server", e.Label).Int("port", e.Port).Msg("http server shutdown failed")
		return err
	}
	return <-errCh
}
