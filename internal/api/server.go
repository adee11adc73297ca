package api

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sparkgap/foxctl/internal/assign"
	"github.com/sparkgap/foxctl/internal/auth"
	"github.com/sparkgap/foxctl/internal/batch"
	"github.com/sparkgap/foxctl/internal/config"
	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/enroll"
	"github.com/sparkgap/foxctl/internal/events"
	"github.com/sparkgap/foxctl/internal/filestore"
	"github.com/sparkgap/foxctl/internal/metrics"
	"github.com/sparkgap/foxctl/internal/registry"
	"github.com/sparkgap/foxctl/internal/scheduler"
	"github.com/sparkgap/foxctl/internal/ws"
)

// Body caps. JSON endpoints never need more than a megabyte; the two
// multipart routes carry waveforms and waterfall images.
const (
	jsonBodyCap   = 1 << 20
	uploadBodyCap = 100 << 20
)

// ServerOptions carries the assembled services into the router. Everything
// is required except MQTT, which is nil when no broker is configured.
type ServerOptions struct {
	Config    *config.Config
	DB        *database.DB
	Gateway   *auth.Gateway
	Registry  *registry.Registry
	Enroll    *enroll.Service
	Scheduler *scheduler.Scheduler
	Coord     *assign.Coordinator
	Bus       *events.Bus
	Hub       *ws.Hub
	Live      *config.Live
	Store     *filestore.Store
	AgentLogs *batch.Batcher[database.AgentLog]
	MQTT      MQTTStatus
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// NewServer builds the full route table. Auth tiers, body caps, and rate
// budgets are decided here; handlers assume their gate has already run.
func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	log := opts.Log

	public := NewPublicHandler(opts.DB, opts.Coord, opts.Live, opts.MQTT, opts.Version, opts.StartTime, log)
	authH := NewAuthHandler(opts.Gateway, opts.DB, log)
	users := NewUsersHandler(opts.DB, opts.Gateway, log)
	agents := NewAgentsHandler(opts.Registry, opts.Coord, opts.Bus, opts.AgentLogs, log)
	recordings := NewRecordingsHandler(opts.DB, opts.Store, opts.Bus, log)
	challenges := NewChallengesHandler(opts.DB, opts.Scheduler, opts.Coord, opts.Live, cfg.EventConfig, log)
	control := NewControlHandler(opts.DB, opts.Scheduler, opts.Bus, log)
	enrollment := NewEnrollmentHandler(opts.Enroll, opts.DB, log)
	provisioning := NewProvisioningHandler(opts.Enroll, opts.DB, log)
	files := NewFilesHandler(opts.DB, opts.Store, log)
	sockets := NewWSHandler(opts.Hub, log)

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(CORSWithOrigins(cfg.CORSOrigins))
	r.Use(Recoverer)
	r.Use(Logger(log))
	if cfg.MetricsEnabled {
		r.Use(metrics.InstrumentHandler)
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(SessionLoad(opts.Gateway))

		// Public reads. No auth, no cookies required.
		r.Group(func(r chi.Router) {
			r.Use(MaxBody(jsonBodyCap))
			public.Routes(r)
			r.Get("/ws/public", sockets.Public)
			if cfg.WebDir != "" {
				r.Get("/pages", PagesHandler(os.DirFS(cfg.WebDir)))
			}
		})

		// Session establishment and lifecycle. Login and the TOTP check take
		// the strictest budget in the system.
		r.Group(func(r chi.Router) {
			r.Use(MaxBody(jsonBodyCap))
			r.With(RateLimit(5, 15*time.Minute)).Post("/auth/login", authH.Login)
			r.Get("/auth/session", authH.Session)
			r.Group(func(r chi.Router) {
				r.Use(RequireSession)
				r.Use(CSRF)
				r.With(RateLimit(5, 15*time.Minute)).Post("/auth/verify-totp", authH.VerifyTOTP)
				r.Post("/auth/logout", authH.Logout)
				r.Post("/auth/complete-setup", authH.CompleteSetup)
				r.Post("/auth/verify-setup", authH.VerifySetup)
			})
			r.Group(func(r chi.Router) {
				r.Use(RequireVerified)
				r.Use(CSRF)
				r.Post("/auth/change-password", authH.ChangePassword)
			})
		})

		// Admin surface: verified session, CSRF, stacked mutation budgets.
		r.Group(func(r chi.Router) {
			r.Use(MaxBody(jsonBodyCap))
			r.Use(RequireVerified)
			r.Use(CSRF)
			r.Use(RateLimitMutations(100, time.Minute))
			r.Use(RateLimitMutations(1000, time.Hour))
			users.Routes(r)
			challenges.Routes(r)
			control.Routes(r)
			enrollment.AdminRoutes(r)
			r.Group(func(r chi.Router) {
				r.Use(RequirePermission(opts.DB, database.PermCreateProvisioningKey))
				provisioning.AdminRoutes(r)
			})
			r.Get("/files", files.List)
			r.Get("/ws", sockets.Admin)
		})

		// Credential doors. The token or key inside the request is the whole
		// handshake; no session is involved.
		r.Group(func(r chi.Router) {
			r.Use(MaxBody(jsonBodyCap))
			r.With(RateLimit(10, time.Hour)).Post("/enrollment/enroll", enrollment.Enroll)
			r.With(RateLimit(100, time.Hour)).Post("/provisioning/provision", provisioning.Provision)
		})

		// Agent surface: bearer key plus host binding on every request.
		r.Group(func(r chi.Router) {
			r.Use(AgentAuth(opts.Registry))
			r.Group(func(r chi.Router) {
				r.Use(MaxBody(jsonBodyCap))
				r.With(RateLimit(1000, time.Minute)).Post("/agents/register", agents.Register)
				r.With(RateLimit(1000, time.Minute)).Post("/runners/register", agents.Register)
			})
			r.Get("/agents/ws", sockets.Agent)
			r.Route("/agents/{id}", func(r chi.Router) {
				r.Group(func(r chi.Router) {
					r.Use(MaxBody(jsonBodyCap))
					agents.Routes(r)
					recordings.Routes(r)
				})
				r.With(RateLimit(100, time.Minute), MaxBody(uploadBodyCap)).
					Post("/recording/{rid}/upload", recordings.Upload)
			})
		})

		// File exchange: verified session or agent key, CSRF only for the
		// session path.
		r.Group(func(r chi.Router) {
			r.Use(SessionOrAgent(opts.Registry))
			r.With(RateLimit(500, time.Minute)).Get("/files/{sha256}", files.Download)
			r.With(RateLimit(100, time.Minute), MaxBody(uploadBodyCap), CSRFIfSession).
				Post("/files/upload", files.Upload)
		})
	})

	// Admin console assets, when a web root is configured. API routes above
	// always win; everything else falls through to the file server.
	if cfg.WebDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(cfg.WebDir)))
	}

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
