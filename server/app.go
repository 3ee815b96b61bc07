package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wattgate/config"
	"wattgate/internal/command"
	"wattgate/internal/db"
	"wattgate/internal/fleet"
	"wattgate/internal/gateway"
	"wattgate/internal/health"
	"wattgate/internal/logs"
	"wattgate/internal/middleware"
	"wattgate/internal/models"
	"wattgate/internal/telemetry"
	"wattgate/internal/threshold"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	db         *gorm.DB
	registry   *gateway.Registry
	dispatcher *command.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	// 1) Logging
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	// 2) DB
	if drv := a.cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, a.cfg.Database.DSN)
		if err != nil {
			log.Fatalf("db open failed: %v", err)
		}
		a.db = d
	}

	// ---- DB migrations (only if DB is connected) ----
	if a.db != nil {
		// 1) One-off renames from earlier deployments
		if err := db.MigrateLegacyColumns(a.db); err != nil {
			logs.Logger.Warnf("legacy columns migration: %v", err)
		}

		// 2) AutoMigrate all domain models
		if err := a.db.AutoMigrate(
			&models.Device{},
			&models.Appliance{},
			&models.SensorReading{},
			&models.Command{},
		); err != nil {
			logs.Logger.Errorf("automigrate: %v", err)
		}

		// 3) Relay uniqueness over live rows only
		if err := db.MigrateApplianceRelayIndex(a.db); err != nil {
			logs.Logger.Warnf("relay index migration: %v", err)
		}
	}

	// 3) Router + middleware
	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)

	a.RegisterWebUI("/ui/")

	// 4) Health routes
	if a.db != nil {
		health.RegisterRoutesWithDB(a.Router, a.db)
	} else {
		health.RegisterRoutes(a.Router)
	}

	// 5) Gateway core: registry, observer hub, threshold monitor
	a.registry = gateway.NewRegistry()
	hub := gateway.NewHub()
	limits := threshold.New(a.cfg.Gateway.PowerLimitWatts)

	// 6) Domain services + HTTP (need the DB)
	if a.db != nil {
		telRepo := telemetry.NewRepo(a.db)
		cmdRepo := command.NewRepo(a.db)
		fleetRepo := fleet.NewRepo(a.db)

		if err := fleetRepo.EnsureReservedAppliances(); err != nil {
			logs.Logger.Errorf("seed reserved appliances: %v", err)
		}

		ingest := telemetry.NewService(telRepo, limits, hub, a.cfg.Gateway.DefaultVoltage)
		a.dispatcher = command.NewDispatcher(cmdRepo, a.registry, hub, a.cfg.Gateway.CommandTTL)
		ingest.SetAutoOffIssuer(a.dispatcher)

		if err := a.dispatcher.RearmPersisted(); err != nil {
			logs.Logger.Warnf("rearm schedules: %v", err)
		}

		telemetry.NewHTTP(ingest, telRepo).RegisterRoutes(a.Router)
		command.NewHTTP(a.dispatcher, cmdRepo).RegisterRoutes(a.Router)
		fleet.NewHTTP(fleetRepo, a.registry, limits).RegisterRoutes(a.Router)

		// 7) Duplex channels: devices on /ws, observers on /ws/ui
		a.Router.Handle("/ws", gateway.NewDeviceSocket(a.registry, ingest)).Methods(http.MethodGet)
		a.Router.Handle("/ws/ui", hub).Methods(http.MethodGet)
	}

	a.registry.StartSweep(a.cfg.Gateway.PingInterval)

	a.Router.Walk(func(rt *mux.Route, r *mux.Router, ancestors []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigs; a.cancel() }()

	a.httpServer = &http.Server{
		Addr:         bind,
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()

	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	a.registry.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.httpServer.Shutdown(ctx)
	return nil
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
