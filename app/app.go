package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coocood/freecache"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/javking07/toadrunner/conf"
	"github.com/javking07/toadrunner/engine"
	"github.com/javking07/toadrunner/runs"
)

// App ...
type App struct {
	AppServer     *http.Server
	AppRouter     *chi.Mux
	AppCache      *freecache.Cache
	AppLogger     *zerolog.Logger
	AppConfig     *conf.Config
	AppMetrics    *Metrics
	AppRegistry   *runs.Registry
	AppController *runs.Controller
	// AppEngine drives the load. Bootstrap uses vegeta when it is nil.
	AppEngine  engine.Engine
	AppLimiter *rate.Limiter

	// upgrader admits websocket log subscribers from the CORS origins.
	upgrader websocket.Upgrader

	// ctx outlives requests: runs are started on it and it is cancelled on shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Bootstrap(config *conf.Config) {
	a.AppConfig = config

	a.InitLogger()
	a.AppLogger.Info().Msg("bootstrapping app")

	a.InitCache()
	a.InitMetrics()
	a.InitRuns()
	a.InitServer()
}

// RunApp serves until the server fails or the process is told to stop.
func (a *App) RunApp() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	failed := make(chan error, 1)
	go func() {
		a.AppLogger.Info().Str("addr", a.AppServer.Addr).Bool("tls", a.AppConfig.Server.TLS).Msg("server listening")
		var err error
		if a.AppConfig.Server.TLS {
			err = a.AppServer.ListenAndServeTLS("", "")
		} else {
			err = a.AppServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			failed <- err
		}
	}()

	select {
	case sig := <-stop:
		a.AppLogger.Info().Msgf("caught sig: %+v", sig)
		return a.Shutdown()
	case err := <-failed:
		_ = a.Shutdown()
		return err
	}
}

// Shutdown aborts in-flight runs, which ends their streams, then drains
// the server within server.shutdownTimeout.
func (a *App) Shutdown() error {
	a.AppLogger.Info().Msg("shutting down runs")
	a.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), a.AppConfig.Server.ShutdownTimeout)
	defer cancel()
	a.AppLogger.Info().Msg("shutting down server")
	return a.AppServer.Shutdown(ctx)
}

func (a *App) InitLogger() {
	var out io.Writer = os.Stderr
	if a.AppConfig.Logging.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	logger := zerolog.New(out).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(a.AppConfig.Logging.Level)
	if err != nil {
		// if error parsing error log level, default to warn
		logger.Warn().Msgf("error creating logger: %s", err.Error())
		level = zerolog.WarnLevel
	}
	logger = logger.Level(level)

	log.Logger = logger
	a.AppLogger = &logger
	a.AppLogger.Info().Msgf("initializing logger to level `%s`", level)
}

// InitCache bootstraps the encoded result cache
func (a *App) InitCache() {
	cacheSize := a.AppConfig.Cache.Size
	a.AppLogger.Info().Msgf("initializing cache with size of `%d` bytes", cacheSize)
	a.AppCache = freecache.NewCache(cacheSize)
}

func (a *App) InitMetrics() {
	a.AppMetrics = NewMetrics()
}

// InitRuns wires the registry, the engine and the controller that joins them.
func (a *App) InitRuns() {
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if a.AppEngine == nil {
		a.AppEngine = engine.NewVegeta(a.AppConfig.Engine, a.AppLogger.With().Str("component", "engine").Logger())
	}
	a.AppRegistry = runs.NewRegistry(a.AppConfig.Runs)
	a.AppController = runs.NewController(a.AppRegistry, a.AppEngine, a.AppLogger.With().Str("component", "runs").Logger())
	a.AppController.Observer = a.AppMetrics

	if limit := a.AppConfig.Server.RunRateLimit; limit > 0 {
		a.AppLimiter = rate.NewLimiter(rate.Limit(limit), a.AppConfig.Server.RunBurst)
		a.AppLogger.Info().Float64("perSecond", limit).Int("burst", a.AppConfig.Server.RunBurst).Msg("run submissions are throttled")
	}
}

// InitServer bootstraps app server with handlers
func (a *App) InitServer() {
	a.AppRouter = chi.NewRouter()

	a.AppRouter.Use(middleware.RequestID)
	a.AppRouter.Use(middleware.RealIP)
	a.AppRouter.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  accessLogger{logger: a.AppLogger},
		NoColor: true,
	}))
	a.AppRouter.Use(middleware.Recoverer)
	a.AppRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.AppConfig.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))

	a.upgrader = newUpgrader(a.AppConfig.Server.AllowedOrigins)

	a.AppRouter.Group(func(r chi.Router) {
		// Set a timeout value on the request context (ctx), that will signal
		// through ctx.Done() that the request has timed out and further
		// processing should be stopped. Streams are long lived and stay outside.
		if timeout := a.AppConfig.Server.RequestTimeout; timeout > 0 {
			r.Use(middleware.Timeout(timeout))
		}

		r.Handle("/metrics", a.AppMetrics.Handler())
		r.Get("/health", a.Health)
		r.Post("/run", a.PostRun)
		r.Get("/status/{runID}", a.GetStatus)
		r.Get("/result/{runID}", a.GetResult)
		r.Get("/logs/{runID}", a.GetLogs)
		r.Get("/history", a.GetHistory)
	})
	a.AppRouter.Get("/logs/stream/{runID}", a.StreamLogs)
	a.AppRouter.Get("/logs/ws/{runID}", a.StreamLogsWS)

	// Create server
	addr := fmt.Sprintf(":%s", a.AppConfig.Server.Port)
	a.AppServer = &http.Server{
		Addr:    addr,
		Handler: a.AppRouter,
	}

	if a.AppConfig.Server.TLS {
		cert, err := tls.LoadX509KeyPair(
			a.AppConfig.Server.Cert,
			a.AppConfig.Server.Key)

		if err != nil {
			log.Fatal().Msgf("Unable to load cert/key: %s", err)
		}

		a.AppServer.TLSConfig = &tls.Config{
			MinVersion:       tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{tls.CurveP521, tls.CurveP384, tls.CurveP256},
			CipherSuites: []uint16{
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			},
			Certificates: []tls.Certificate{cert},
		}
	}

	a.AppLogger.Info().Msgf("initialized routes and server on port %v", a.AppServer.Addr)
}

// accessLogger sends chi access log lines to zerolog at info level.
type accessLogger struct {
	logger *zerolog.Logger
}

func (l accessLogger) Print(v ...interface{}) {
	l.logger.Info().Str("component", "http").Msg(fmt.Sprint(v...))
}
