package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/appetiteclub/kds/internal/bus"
	"github.com/appetiteclub/kds/internal/config"
	"github.com/appetiteclub/kds/internal/httpx"
	"github.com/appetiteclub/kds/internal/kds"
	"github.com/appetiteclub/kds/internal/logging"
	"github.com/appetiteclub/kds/internal/mongo"
	"github.com/appetiteclub/kds/internal/redislock"
	"github.com/appetiteclub/kds/internal/sambapos"
	"github.com/appetiteclub/kds/internal/signalr"
	"github.com/appetiteclub/kds/pkg"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/appetiteclub/kds/pkg/events"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	AppName    = "kds"
	AppVersion = "0.1.0"

	shutdownTimeout = 10 * time.Second
)

// Lifecycle is implemented by every component the app starts and stops.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// LifecycleHooks adapts plain functions to Lifecycle. Nil hooks are no-ops.
type LifecycleHooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func(ctx context.Context) error
}

func (h LifecycleHooks) Start(ctx context.Context) error {
	if h.OnStart == nil {
		return nil
	}
	return h.OnStart(ctx)
}

func (h LifecycleHooks) Stop(ctx context.Context) error {
	if h.OnStop == nil {
		return nil
	}
	return h.OnStop(ctx)
}

// App encapsulates the KDS service application
type App struct {
	config *config.Config
	logger *slog.Logger

	lifecycles []Lifecycle
	router     chi.Router
	server     *http.Server
	ready      atomic.Bool
}

// New creates a new KDS service application
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	return &App{
		config: cfg,
		logger: logging.OrDiscard(logger),
	}, nil
}

// Initialize sets up all dependencies and components
func (a *App) Initialize(ctx context.Context) error {
	a.router = chi.NewRouter()
	a.router.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger(a.logger),
		middleware.Recoverer,
	)
	a.router.Get("/healthz", a.healthz)
	a.router.Get("/readyz", a.readyz)

	port, _ := a.config.GetString("web.port")
	if port == "" {
		port = ":8090"
	}
	a.server = &http.Server{
		Addr:              port,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if enabled, ok := a.config.GetBool("kds.enabled"); ok && !enabled {
		a.logger.Info("kds disabled, serving health checks only")
		return nil
	}

	return a.initKDS(ctx)
}

func (a *App) initKDS(ctx context.Context) error {
	kitchenID := a.stringOr("kds.kitchen_id", "default")
	courses, _ := a.config.GetStrings("kds.courses")

	// Display sessions, the scheduler and the relay all hang off the bus.
	signals := bus.New(a.logger)
	a.add(LifecycleHooks{OnStop: signals.Stop})
	a.server.RegisterOnShutdown(signals.Close)

	publisher, err := a.newPublisher(ctx)
	if err != nil {
		return err
	}

	var (
		tickets kds.TicketRepository
		bumps   kds.BumpRepository
	)
	if url, _ := a.config.GetString("db.mongo.url"); url != "" {
		client := mongo.NewClient(a.config, a.logger)
		ticketRepo := mongo.NewTicketRepo(client)
		bumpRepo := mongo.NewBumpRepo(client)
		a.add(client, ticketRepo, bumpRepo)
		tickets, bumps = ticketRepo, bumpRepo
	} else {
		a.logger.Warn("db.mongo.url not set, tickets are kept in memory only")
	}

	store := kds.NewStore(courses, tickets, bumps, a.logger,
		kds.WithNotifier(signals),
		kds.WithBumpPublisher(publisher),
	)
	a.add(LifecycleHooks{OnStart: store.Warm})

	var (
		reconciler *kds.Reconciler
		trigger    kds.Triggerer
		listener   kds.ListenerStatus
	)

	if baseURL, _ := a.config.GetString("sambapos.url"); baseURL != "" {
		source, err := sambapos.NewClient(sambapos.Config{
			BaseURL:         baseURL,
			ClientID:        a.stringOr("sambapos.client_id", ""),
			Username:        a.stringOr("sambapos.username", ""),
			Password:        a.stringOr("sambapos.password", ""),
			TableEntityType: a.stringOr("sambapos.table_entity_type", sambapos.DefaultTableEntityType),
			CoversTag:       a.stringOr("sambapos.covers_tag", sambapos.DefaultCoversTag),
		}, a.logger)
		if err != nil {
			return fmt.Errorf("cannot create sambapos client: %w", err)
		}

		reconciler = kds.NewReconciler(store, source, signals, kitchenID, a.logger)

		var opts []kds.SchedulerOption
		if addr, _ := a.config.GetString("redis.addr"); addr != "" {
			password, _ := a.config.GetString("redis.password")
			db, _ := a.config.GetInt("redis.db")
			locker := redislock.NewFromAddr(addr, password, db)
			opts = append(opts, kds.WithLocker(locker))
			a.add(LifecycleHooks{OnStop: func(context.Context) error { return locker.Close() }})
		}

		pollInterval, _ := a.config.GetSeconds("kds.poll_interval_seconds")
		debounceMillis, _ := a.config.GetInt("kds.debounce_millis")
		scheduler := kds.NewScheduler(reconciler, signals, kds.SchedulerConfig{
			PollInterval: pollInterval,
			Debounce:     time.Duration(debounceMillis) * time.Millisecond,
		}, a.logger, opts...)
		a.add(scheduler)
		trigger = scheduler
	} else {
		a.logger.Warn("sambapos.url not set, reconciliation disabled")
	}

	if msURL, _ := a.config.GetString("sambapos.message_server.url"); msURL != "" {
		readTimeout, _ := a.config.GetSeconds("sambapos.message_server.read_timeout_seconds")
		client, err := signalr.New(signalr.Config{
			BaseURL:     msURL,
			Hub:         a.stringOr("sambapos.message_server.hub", signalr.DefaultHub),
			Token:       a.stringOr("sambapos.message_server.token", ""),
			KitchenID:   kitchenID,
			ReadTimeout: readTimeout,
		}, signals, a.logger)
		if err != nil {
			return fmt.Errorf("cannot create message server client: %w", err)
		}
		a.add(client)
		listener = client
	} else {
		a.logger.Warn("sambapos.message_server.url not set, relying on polling only")
	}

	if _, noop := publisher.(events.NoopPublisher); !noop {
		a.add(kds.NewRelay(signals, publisher, a.logger))
	}

	handler := kds.NewHandler(kds.HandlerDeps{
		Store:      store,
		Reconciler: reconciler,
		Trigger:    trigger,
		Listener:   listener,
		Events:     signals,
		Board:      a.board(),
		KitchenID:  kitchenID,
		Logger:     a.logger,
	})
	handler.RegisterRoutes(a.router)
	return nil
}

// newPublisher picks the broker used to mirror KDS events. Without a NATS
// URL events stay in process.
func (a *App) newPublisher(ctx context.Context) (events.Publisher, error) {
	natsURL, _ := a.config.GetString("nats.url")
	if natsURL == "" {
		return events.NoopPublisher{}, nil
	}

	if streamEnabled, _ := a.config.GetBool("nats.stream.enabled"); streamEnabled {
		stream, err := pkg.NewNATSStream(ctx, pkg.NATSStreamConfig{
			URL:        natsURL,
			StreamName: "KDS_EVENTS",
			Subjects:   []string{event.KDSTicketsTopic, event.KDSBumpsTopic},
			MaxAge:     24 * time.Hour,
		})
		if err != nil {
			return nil, err
		}
		a.logger.Info("NATS stream initialized for persistent events")
		a.add(LifecycleHooks{OnStop: func(context.Context) error { return stream.Close() }})
		return stream, nil
	}

	publisher, err := pkg.NewNATSPublisher(natsURL)
	if err != nil {
		return nil, err
	}
	a.add(LifecycleHooks{OnStop: func(context.Context) error { return publisher.Close() }})
	return publisher, nil
}

func (a *App) board() kds.Board {
	b := kds.DefaultBoard()
	if th, ok := a.thresholds("kds.away_thresholds"); ok {
		b.Away = th
	}
	if th, ok := a.thresholds("kds.received_thresholds"); ok {
		b.Received = th
	}
	if grace, ok := a.config.GetSeconds("kds.completed_grace_seconds"); ok && grace >= 0 {
		b.Grace = grace
	}
	return b
}

func (a *App) thresholds(prefix string) (kds.Thresholds, bool) {
	green, ok1 := a.config.GetSeconds(prefix + ".green")
	amber, ok2 := a.config.GetSeconds(prefix + ".amber")
	red, ok3 := a.config.GetSeconds(prefix + ".red")
	if !ok1 || !ok2 || !ok3 {
		return kds.Thresholds{}, false
	}
	th := kds.Thresholds{Green: green, Amber: amber, Red: red}
	if !th.Valid() {
		a.logger.Warn("ignoring invalid thresholds", "prefix", prefix)
		return kds.Thresholds{}, false
	}
	return th, true
}

func (a *App) stringOr(key, fallback string) string {
	if v, ok := a.config.GetString(key); ok && v != "" {
		return v
	}
	return fallback
}

func (a *App) add(l ...Lifecycle) {
	a.lifecycles = append(a.lifecycles, l...)
}

// Handler exposes the router, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.router
}

// Run starts every component, serves HTTP until ctx is done and then shuts
// down in reverse order.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting", "app", AppName, "version", AppVersion)

	started := 0
	for _, l := range a.lifecycles {
		if err := l.Start(ctx); err != nil {
			a.stop(context.WithoutCancel(ctx), a.lifecycles[:started])
			return fmt.Errorf("cannot start %s: %w", AppName, err)
		}
		started++
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	a.ready.Store(true)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}
	a.ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown", "error", err)
	}
	a.stop(shutdownCtx, a.lifecycles)

	a.logger.Info("stopped", "app", AppName, "version", AppVersion)
	return runErr
}

func (a *App) stop(ctx context.Context, lifecycles []Lifecycle) {
	for i := len(lifecycles) - 1; i >= 0; i-- {
		if err := lifecycles[i].Stop(ctx); err != nil {
			a.logger.Error("component stop failed", "error", err)
		}
	}
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	httpx.Respond(w, http.StatusOK, map[string]string{"status": "ok", "app": AppName, "version": AppVersion}, nil)
}

func (a *App) readyz(w http.ResponseWriter, r *http.Request) {
	if !a.ready.Load() {
		httpx.RespondError(w, http.StatusServiceUnavailable, "Not ready")
		return
	}
	httpx.Respond(w, http.StatusOK, map[string]string{"status": "ready"}, nil)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		})
	}
}
