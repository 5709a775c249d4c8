package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/Strel-k/calmconnect-live/internal/dispatch"
	"github.com/Strel-k/calmconnect-live/internal/group"
	"github.com/Strel-k/calmconnect-live/internal/metrics"
	"github.com/Strel-k/calmconnect-live/internal/notify"
	"github.com/Strel-k/calmconnect-live/internal/presence"
	"github.com/Strel-k/calmconnect-live/internal/registry"
	"github.com/Strel-k/calmconnect-live/internal/server/middleware"
	"github.com/Strel-k/calmconnect-live/internal/storage"
	"github.com/Strel-k/calmconnect-live/pkg/config"
	"github.com/Strel-k/calmconnect-live/pkg/transport"
)

type App struct {
	logger     *slog.Logger
	config     *config.Config
	registry   *registry.Registry
	groups     *group.Router
	rooms      *presence.Tracker
	notifier   *notify.Service
	dispatcher *dispatch.Dispatcher
	limiter    *middleware.RateLimiter

	wg   sync.WaitGroup
	http *http.Server
	ctx  context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, store storage.Store) *App {
	reg := registry.New(logger)
	groups := group.NewRouter(reg, logger)
	rooms := presence.NewTracker(groups, cfg.Rooms.RequiredRoles, logger)
	rooms.Attach(reg)
	notifier := notify.NewService(store, groups, logger)
	dispatcher := dispatch.NewDispatcher(reg, groups, rooms, notifier, store, logger)

	app := &App{
		logger:     logger,
		config:     cfg,
		registry:   reg,
		groups:     groups,
		rooms:      rooms,
		notifier:   notifier,
		dispatcher: dispatcher,
		ctx:        rootCtx,
	}

	app.limiter = middleware.NewRateLimiter(
		rate.Limit(cfg.Server.RateLimit.PerSecond),
		cfg.Server.RateLimit.Burst,
		2*time.Minute,
	)

	cycler := func(identityID string) {
		if oldest, found := reg.OldestFor(identityID); found {
			logger.Info("cycling connection: closing oldest", slog.String("identity", identityID), slog.String("connID", oldest.ID.String()))
			reg.Close(oldest.ID)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAcceptRateLimit(logger, app.limiter),
			middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret),
			middleware.NewConnectionLimiter(logger, reg.CountFor, cycler, cfg.Server.ConnectionLimit),
		),
	)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return rootCtx
	}}

	return app
}

// Engine accessors for upstream domain actions (appointment created, report
// ready, session scheduling). These are the engine's programmatic surface.
func (a *App) Notifier() *notify.Service    { return a.notifier }
func (a *App) Rooms() *presence.Tracker     { return a.rooms }
func (a *App) Registry() *registry.Registry { return a.registry }

func (a *App) Run() error {
	go func() {
		a.logger.Info("server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("identity", reqMeta.Identity.ID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{
			ReadTimeout:   a.config.Transport.ReadTimeout,
			SendQueueSize: a.config.Transport.SendQueueSize,
			OnOverflow:    metrics.QueueOverflowTotal.Inc,
		},
		nil,
		nil,
		a.logger,
	)

	regConn, err := a.registry.Register(reqMeta.Identity, conn)
	if err != nil {
		connLogger.Error("failed to register connection", slog.Any("error", err))
		conn.Close(err)
		return
	}

	conn.SetOnMessageHandler(a.dispatcher.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("deregistering connection due to closure", slog.String("connID", id.String()))
		a.registry.Close(id)
	})

	conn.Run()
	a.dispatcher.HandleConnect(r.Context(), regConn)

	connLogger.Info("user connection fully established")
	<-conn.Done()
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("closing all active connections...")
	a.registry.CloseAll()
	a.limiter.Stop()

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("server shut down gracefully.")
	return nil
}
