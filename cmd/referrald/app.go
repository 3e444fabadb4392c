package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/carenet/referrals/internal/adapters/health"
	"github.com/carenet/referrals/internal/adapters/health/heliant"
	"github.com/carenet/referrals/internal/coordination"
	"github.com/carenet/referrals/internal/notification"
	"github.com/carenet/referrals/internal/referral/api"
	"github.com/carenet/referrals/internal/referral/domain"
	"github.com/carenet/referrals/internal/referral/infrastructure"
	"github.com/carenet/referrals/internal/referral/ledger"
	"github.com/carenet/referrals/internal/shared/auth"
	"github.com/carenet/referrals/internal/shared/config"
	"github.com/carenet/referrals/internal/shared/database"
	"github.com/carenet/referrals/internal/shared/events"
	"github.com/carenet/referrals/internal/shared/metrics"
	secmiddleware "github.com/carenet/referrals/internal/shared/middleware"
	"github.com/carenet/referrals/internal/shared/types"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// App holds all application dependencies
type App struct {
	cfg *config.Config
	log *zap.Logger

	db      *database.DB
	bus     events.EventBus
	heliant *heliant.Directory
	redis   *redis.Client
	mqtt    mqtt.Client

	hospitals   health.HospitalDirectory
	hub         *notification.Hub
	relay       *notification.RedisRelay
	coordinator *coordination.Coordinator
	service     *coordination.Service
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, log: log}
	if err := app.wire(ctx); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg, log := a.cfg, a.log

	repo, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	var patients health.PatientDirectory = health.AnyPatient{}
	switch cfg.Directory.Source {
	case "heliant":
		hc := heliant.DefaultConfig()
		hc.Host = cfg.Directory.Heliant.Host
		hc.User = cfg.Directory.Heliant.User
		hc.Password = cfg.Directory.Heliant.Password
		if cfg.Directory.Heliant.Port != 0 {
			hc.Port = cfg.Directory.Heliant.Port
		}
		if cfg.Directory.Heliant.Database != "" {
			hc.Database = cfg.Directory.Heliant.Database
		}
		a.heliant = heliant.New(hc, log)
		if err := a.heliant.Start(ctx); err != nil {
			return fmt.Errorf("heliant directory: %w", err)
		}
		a.hospitals = a.heliant
		patients = a.heliant
	default:
		a.hospitals = health.StaticDirectoryFromConfig(cfg.Directory.Hospitals)
	}

	if err := a.openNotifications(ctx); err != nil {
		return err
	}

	l := ledger.New(repo, a.hospitals, log,
		ledger.WithDefaultTimeout(cfg.Referral.DefaultTimeout),
		ledger.WithPatientDirectory(patients),
	)
	a.coordinator = coordination.NewCoordinator(l, a.hospitals, a.hub, coordination.Config{
		SweepInterval:  cfg.Referral.SweepInterval,
		ReconcileGrace: cfg.Referral.ReconcileGrace,
	}, log)

	journal := notification.NewJournalSink(a.bus, "referrald")
	a.hub.AddSink(journal)
	a.service = coordination.NewService(l, a.coordinator, a.hub, journal, log)

	return nil
}

func (a *App) openStore(ctx context.Context) (domain.Repository, error) {
	if a.cfg.Store != "postgres" {
		a.log.Warn("using in-memory referral store; referrals are lost on restart")
		return infrastructure.NewMemoryRepository(), nil
	}

	db, err := database.New(ctx, a.cfg.Database)
	if err != nil {
		return nil, err
	}
	a.db = db
	if _, err := database.Migrate(ctx, db.Pool, a.log); err != nil {
		return nil, err
	}
	return infrastructure.NewPostgresRepository(db.Pool), nil
}

func (a *App) openNotifications(ctx context.Context) error {
	a.hub = notification.NewHub(a.cfg.Referral.SubscriberBuffer, a.log)

	if a.cfg.KurrentDB.Enabled {
		bus, err := events.NewBus(ctx, a.cfg.KurrentDB)
		if err != nil {
			return fmt.Errorf("kurrentdb: %w", err)
		}
		a.bus = bus
	} else {
		a.bus = events.NewMemoryBus()
	}

	if a.cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.relay = notification.NewRedisRelay(a.redis, a.cfg.Redis.Prefix, types.NewID().String(), a.hub, a.log)
		a.hub.AddSink(a.relay)
	}

	if a.cfg.MQTT.Enabled {
		client, err := notification.NewMQTTClient(notification.MQTTOptions{
			Broker:   a.cfg.MQTT.Broker,
			ClientID: a.cfg.MQTT.ClientID,
			Username: a.cfg.MQTT.Username,
			Password: a.cfg.MQTT.Password,
		})
		if err != nil {
			return err
		}
		a.mqtt = client
		a.hub.AddSink(notification.NewMQTTSink(client, a.cfg.MQTT.TopicPrefix))
	}
	return nil
}

func (a *App) router() http.Handler {
	cfg := a.cfg
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(a.log.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig()))
	r.Use(metrics.Middleware)
	if cfg.RateLimit.Enabled {
		r.Use(secmiddleware.NewIPRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst).Middleware)
	}

	r.Get("/health", a.healthHandler)
	r.Get("/ready", a.readyHandler)
	r.Handle("/metrics", metrics.Handler())

	resolve := notification.QueryHospital
	if cfg.Auth.Enabled {
		resolve = func(r *http.Request) (domain.HospitalID, bool) {
			if user := auth.GetUser(r.Context()); user != nil && user.HospitalID != "" {
				return domain.HospitalID(user.HospitalID), true
			}
			return notification.QueryHospital(r)
		}
	}
	ws := notification.NewWebSocketHandler(a.hub, resolve, a.log)
	handler := api.NewHandler(a.service, a.hospitals, a.log)

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(auth.Middleware(cfg.Auth))
		}
		r.Group(func(r chi.Router) {
			// Long-lived websocket connections are exempt from the request timeout.
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(secmiddleware.InputSanitizer)
			r.Mount("/referrals", handler.Routes())
		})
		r.Handle("/notifications/ws", ws)
	})

	return r
}

func (a *App) serve(ctx context.Context) error {
	defer a.close()

	if err := a.coordinator.Start(ctx); err != nil {
		return err
	}
	if a.relay != nil {
		ready := make(chan struct{})
		go func() {
			if err := a.relay.Run(ctx, ready); err != nil {
				a.log.Error("redis relay stopped", zap.Error(err))
			}
		}()
		select {
		case <-ready:
		case <-time.After(5 * time.Second):
			a.log.Warn("redis relay not ready, continuing without cross-instance delivery yet")
		}
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      a.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket streams
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("referral service listening",
			zap.Int("port", a.cfg.Server.Port),
			zap.String("env", a.cfg.Server.Env),
			zap.String("store", a.cfg.Store),
			zap.String("directory", a.cfg.Directory.Source),
			zap.Bool("auth", a.cfg.Auth.Enabled),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server shutdown", zap.Error(err))
	}
	return nil
}

// close releases resources in reverse dependency order. Safe on a partially built App.
func (a *App) close() {
	if a.coordinator != nil {
		a.coordinator.Stop()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.mqtt != nil {
		a.mqtt.Disconnect(250)
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.heliant != nil {
		a.heliant.Stop()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (a *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"server": "ready"}

	check := func(name string, configured bool, fn func() error) {
		if !configured {
			checks[name] = "not configured"
			return
		}
		if err := fn(); err != nil {
			checks[name] = "not ready: " + err.Error()
			return
		}
		checks[name] = "ready"
	}
	check("database", a.db != nil, func() error { return a.db.Health(r.Context()) })
	check("kurrentdb", a.cfg.KurrentDB.Enabled, a.bus.Health)
	check("heliant", a.heliant != nil, func() error { return a.heliant.Health(r.Context()) })
	check("redis", a.redis != nil, func() error { return a.redis.Ping(r.Context()).Err() })
	check("mqtt", a.mqtt != nil, func() error {
		if !a.mqtt.IsConnectionOpen() {
			return errors.New("broker connection lost")
		}
		return nil
	})

	allReady := true
	for _, status := range checks {
		if status != "ready" && status != "not configured" {
			allReady = false
			break
		}
	}

	status := http.StatusOK
	if !allReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
		"checks": checks,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
