package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sparkgap/foxctl/internal/api"
	"github.com/sparkgap/foxctl/internal/assign"
	"github.com/sparkgap/foxctl/internal/auth"
	"github.com/sparkgap/foxctl/internal/batch"
	"github.com/sparkgap/foxctl/internal/challenge"
	"github.com/sparkgap/foxctl/internal/config"
	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/enroll"
	"github.com/sparkgap/foxctl/internal/events"
	"github.com/sparkgap/foxctl/internal/filestore"
	"github.com/sparkgap/foxctl/internal/metrics"
	"github.com/sparkgap/foxctl/internal/mqttbridge"
	"github.com/sparkgap/foxctl/internal/registry"
	"github.com/sparkgap/foxctl/internal/scheduler"
	"github.com/sparkgap/foxctl/internal/vault"
	"github.com/sparkgap/foxctl/internal/ws"
)

var version = "dev"

// Janitor cadences. Agent reaping runs tighter than the rest because the
// 90s heartbeat timeout deserves prompt edges.
const (
	agentReapInterval   = 30 * time.Second
	maintenanceInterval = 60 * time.Second
	agentHeartbeatGrace = 90 * time.Second
)

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "http-addr", "", "listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "db-url", "", "postgres connection string (overrides DATABASE_URL)")
	flag.StringVar(&overrides.EventConfig, "event-config", "", "event config path (overrides EVENT_CONFIG)")
	flag.StringVar(&overrides.DataDir, "data-dir", "", "data directory (overrides DATA_DIR)")
	flag.Parse()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("foxctl starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.Connect(ctx, cfg.DatabaseURL, log.With().Str("component", "database").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	if err := db.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}

	// Key material for TOTP secrets and credential hashing
	v, err := vault.Open(cfg.KeyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open vault key")
	}

	// Event config: conference metadata, frequency ranges, challenge seeds
	ef, err := config.LoadEventFile(cfg.EventConfig)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.EventConfig).Msg("failed to load event config")
	}
	live := config.NewLive(ef)

	// Core services
	bus := events.NewBus()
	hub := ws.NewHub(bus, cfg.CORSOrigins, log)
	go hub.Run(ctx)

	if cfg.MetricsEnabled {
		prometheus.MustRegister(metrics.NewCollector(db.Pool, bus, hub))
	}

	gateway := auth.New(db, v, "", log)
	reg := registry.New(db, v, bus, log)
	sched := scheduler.New(db, bus, log)
	coord := assign.New(db, sched, bus, hub, live, log)
	enrollSvc := enroll.New(db, v, bus, cfg.PublicURL, log)

	// Blob store, optionally mirrored to S3
	var mirror *filestore.Mirror
	if cfg.S3Bucket != "" {
		mirror, err = filestore.NewMirror(filestore.MirrorConfig{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure s3 mirror")
		}
		if err := mirror.HeadBucket(ctx); err != nil {
			log.Warn().Err(err).Str("bucket", cfg.S3Bucket).Msg("s3 mirror unreachable, continuing local-only")
		}
	}
	store, err := filestore.New(filepath.Join(cfg.DataDir, "files"), mirror, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open file store")
	}

	// Agent log lines arrive one request at a time; batch the inserts.
	agentLogs := batch.NewBatcher(500, 2*time.Second, func(lines []database.AgentLog) {
		wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.InsertAgentLogs(wctx, lines); err != nil {
			log.Error().Err(err).Int("lines", len(lines)).Msg("agent log flush failed")
		}
	})

	// First boot: seed account, schedule defaults, challenge import
	password, err := gateway.Bootstrap(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("bootstrap failed")
	}
	if password != "" {
		log.Info().
			Str("username", auth.BootstrapUsername).
			Str("password", password).
			Msg("initial setup: log in with this one-time credential")
	}
	seedSchedule(ctx, db, ef, log)
	if created, updated, err := challenge.SyncFromEventFile(ctx, db, ef, log); err != nil {
		log.Error().Err(err).Msg("challenge import failed")
	} else if created+updated > 0 {
		log.Info().Int("created", created).Int("updated", updated).Msg("challenges imported from event config")
	}

	go sched.Run(ctx)

	// Hot reload on event config edits
	watcher := config.NewWatcher(cfg.EventConfig, func() {
		nef, lerr := config.LoadEventFile(cfg.EventConfig)
		if lerr != nil {
			log.Error().Err(lerr).Msg("event config rejected, keeping previous")
			return
		}
		live.Swap(nef)
		if _, _, serr := challenge.SyncFromEventFile(ctx, db, nef, log); serr != nil {
			log.Error().Err(serr).Msg("challenge sync failed")
			return
		}
		coord.PublishChallengesUpdate(ctx)
	}, log)
	if err := watcher.Start(ctx); err != nil {
		log.Error().Err(err).Msg("event config watch failed, reload endpoint still works")
	}
	defer watcher.Stop()

	// Optional MQTT bridge for venue tooling
	var mqttStatus api.MQTTStatus
	if cfg.MQTTBrokerURL != "" {
		bridge, berr := mqttbridge.Connect(mqttbridge.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Log:       log,
		})
		if berr != nil {
			log.Fatal().Err(berr).Msg("failed to connect to mqtt broker")
		}
		go bridge.Run(ctx, bus)
		mqttStatus = bridge
	}

	// Janitors
	go func() {
		ticker := time.NewTicker(agentReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := reg.ReapStale(ctx, agentHeartbeatGrace); err != nil {
					log.Error().Err(err).Msg("agent reap failed")
				}
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := db.RunMaintenance(ctx); err != nil {
					log.Error().Err(err).Msg("maintenance pass failed")
				}
				gateway.Sweep(time.Now())
			}
		}
	}()

	// HTTP server
	srv := api.NewServer(api.ServerOptions{
		Config:    cfg,
		DB:        db,
		Gateway:   gateway,
		Registry:  reg,
		Enroll:    enrollSvc,
		Scheduler: sched,
		Coord:     coord,
		Bus:       bus,
		Hub:       hub,
		Live:      live,
		Store:     store,
		AgentLogs: agentLogs,
		MQTT:      mqttStatus,
		Version:   version,
		StartTime: startTime,
		Log:       log.With().Str("component", "http").Logger(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	agentLogs.Stop()

	log.Info().Msg("foxctl stopped")
}

// seedSchedule writes the event file's transmit-window defaults into the
// store on first boot without clobbering later runtime changes.
func seedSchedule(ctx context.Context, db *database.DB, ef *config.EventFile, log zerolog.Logger) {
	seed := func(key, value string) {
		if value == "" {
			return
		}
		if err := db.SetStateIfAbsent(ctx, key, value); err != nil {
			log.Error().Err(err).Str("key", key).Msg("schedule seed failed")
		}
	}
	seed(database.StateDayStart, ef.Schedule.DayStart)
	seed(database.StateEndOfDay, ef.Schedule.EndOfDay)
	if ef.Schedule.AutoPauseDaily {
		seed(database.StateAutoPauseDaily, "true")
	}
}
