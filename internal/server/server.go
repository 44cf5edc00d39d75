package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/taskpact/internal/auth"
	"github.com/dukerupert/taskpact/internal/backup"
	"github.com/dukerupert/taskpact/internal/database"
	"github.com/dukerupert/taskpact/internal/handler"
	"github.com/dukerupert/taskpact/internal/lifecycle"
	"github.com/dukerupert/taskpact/internal/middleware"
	"github.com/dukerupert/taskpact/internal/negotiation"
	"github.com/dukerupert/taskpact/internal/notify"
	"github.com/dukerupert/taskpact/internal/push"
	"github.com/dukerupert/taskpact/internal/scheduler"
	"github.com/dukerupert/taskpact/internal/store"
	"github.com/dukerupert/taskpact/internal/sweep"
	ws "github.com/dukerupert/taskpact/internal/websocket"
)

// Config carries what the server needs beyond the database.
type Config struct {
	Push             push.Config
	DefaultLocation  *time.Location
	SweepInterval    time.Duration
	ExpiryInterval   time.Duration
	ScheduleInterval time.Duration
	Backup           backup.Config
	BackupInterval   time.Duration
}

// Services is the wired domain core, shared by the HTTP server and the CLI.
type Services struct {
	Tasks        *store.TaskStore
	Families     *store.FamilyStore
	Members      *store.MemberStore
	Negotiations *store.NegotiationStore
	Push         *store.PushStore

	Lifecycle   *lifecycle.Service
	Scheduler   *scheduler.Scheduler
	Engine      *negotiation.Engine
	Penalty     *sweep.Penalty
	Expiry      *sweep.Expiry
	PINs        *auth.PINVerifier
	PushService *push.Service
	// Backup is nil unless snapshot storage is configured.
	Backup *backup.Manager
}

// NewServices wires stores and services. Events go to the given sinks, plus
// Web Push when VAPID keys are configured.
func NewServices(db *sql.DB, cfg Config, logger *slog.Logger, sinks ...notify.Sink) *Services {
	s := &Services{
		Tasks:        store.NewTaskStore(db),
		Families:     store.NewFamilyStore(db),
		Members:      store.NewMemberStore(db),
		Negotiations: store.NewNegotiationStore(db),
		Push:         store.NewPushStore(db),
	}
	if cfg.DefaultLocation == nil {
		cfg.DefaultLocation = time.UTC
	}
	if cfg.Push.Enabled() {
		s.PushService = push.NewService(cfg.Push)
		sinks = append(sinks, push.NewSink(s.PushService, s.Push, logger.With("component", "push")))
	}
	sink := notify.NewFanout(logger.With("component", "notify"), sinks...)

	s.Scheduler = scheduler.New(s.Tasks, s.Families, s.Members,
		scheduler.WithSink(sink),
		scheduler.WithLogger(logger.With("component", "scheduler")),
		scheduler.WithDefaultLocation(cfg.DefaultLocation),
	)
	s.Lifecycle = lifecycle.NewService(s.Tasks, s.Members,
		lifecycle.WithSink(sink),
		lifecycle.WithLogger(logger.With("component", "lifecycle")),
		lifecycle.WithLocator(s.Scheduler),
	)
	s.Engine = negotiation.NewEngine(s.Negotiations, s.Tasks, s.Members,
		negotiation.WithSink(sink),
		negotiation.WithLogger(logger.With("component", "negotiation")),
		negotiation.WithLocator(s.Scheduler),
	)
	s.Penalty = sweep.NewPenalty(s.Tasks, s.Scheduler,
		sweep.WithSink(sink),
		sweep.WithLogger(logger.With("component", "sweep")),
	)
	s.Expiry = sweep.NewExpiry(s.Engine)
	s.PINs = auth.NewPINVerifier(s.Members)
	if cfg.Backup.Enabled() {
		s.Backup = backup.NewManager(db, backup.NewS3Client(cfg.Backup.S3), cfg.Backup, logger.With("component", "backup"))
	}
	return s
}

// Jobs returns the background jobs at the configured intervals.
func (s *Services) Jobs(cfg Config) []sweep.Job {
	jobs := []sweep.Job{
		sweep.PenaltyJob(s.Penalty, cfg.SweepInterval),
		sweep.ExpiryJob(s.Expiry, cfg.ExpiryInterval),
		{
			Name:     "scheduler",
			Interval: cfg.ScheduleInterval,
			Run: func(ctx context.Context) error {
				_, err := s.Scheduler.RunOnce(ctx)
				return err
			},
		},
	}
	if s.Backup != nil {
		jobs = append(jobs, sweep.Job{
			Name:     "backup",
			Interval: cfg.BackupInterval,
			Run: func(ctx context.Context) error {
				_, err := s.Backup.Run(ctx)
				return err
			},
		})
	}
	return jobs
}

type Server struct {
	db          *sql.DB
	svc         *Services
	hub         *ws.Hub
	taskH       *handler.TaskHandler
	templateH   *handler.TemplateHandler
	negotiateH  *handler.NegotiationHandler
	memberH     *handler.MemberHandler
	pushH       *handler.PushHandler
	runner      *sweep.Runner
	rateLimiter *middleware.Limiter
	pinLockout  *middleware.Limiter
	logger      *slog.Logger
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	svc := NewServices(db, cfg, logger, hub)

	s := &Server{
		db:          db,
		svc:         svc,
		hub:         hub,
		taskH:       handler.NewTaskHandler(svc.Tasks, svc.Lifecycle, logger.With("component", "task")),
		templateH:   handler.NewTemplateHandler(svc.Scheduler, logger.With("component", "template")),
		negotiateH:  handler.NewNegotiationHandler(svc.Engine, logger.With("component", "negotiation_handler")),
		memberH:     handler.NewMemberHandler(svc.Members, svc.PINs, logger.With("component", "member")),
		rateLimiter: middleware.NewLimiter(120, time.Minute),
		pinLockout:  middleware.NewLimiter(5, 15*time.Minute),
		logger:      logger,
	}
	jobs := append(svc.Jobs(cfg), sweep.Job{
		Name:     "rate_limit_cleanup",
		Interval: 5 * time.Minute,
		Run: func(context.Context) error {
			s.rateLimiter.Cleanup()
			s.pinLockout.Cleanup()
			return nil
		},
	})
	s.runner = sweep.NewRunner(logger.With("component", "runner"), jobs...)
	if svc.PushService != nil {
		s.pushH = handler.NewPushHandler(svc.Push, svc.PushService, logger.With("component", "push_handler"))
	}
	return s
}

func (s *Server) Services() *Services {
	return s.svc
}

// Start launches the background jobs.
func (s *Server) Start(ctx context.Context) {
	s.runner.Start(ctx)
}

// Stop waits for background jobs to finish.
func (s *Server) Stop() {
	s.runner.Stop()
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()
	outerMux.HandleFunc("GET /health", s.healthHandler)

	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	// Requests are limited per client address; failed PINs lock out an
	// address and member pair.
	limited := middleware.RateLimit(s.rateLimiter, middleware.RealIP)
	authMiddleware := middleware.RequireMember(s.svc.PINs, s.pinLockout, s.logger.With("component", "auth"))
	outerMux.Handle("/", limited(authMiddleware(protectedMux)))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	version, err := database.SchemaVersion(r.Context(), s.db)
	if err != nil {
		s.logger.Error("health check", "error", err)
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"schema":  version,
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	parent := func(h http.HandlerFunc) http.Handler {
		return middleware.RequireParent(h)
	}

	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket")))

	// Members
	mux.HandleFunc("GET /api/members", s.memberH.List)
	mux.HandleFunc("GET /api/members/{id}/ledger", s.memberH.Ledger)
	mux.HandleFunc("PUT /api/members/{id}/pin", s.memberH.SetPIN)

	// Tasks
	mux.HandleFunc("GET /api/tasks", s.taskH.List)
	mux.Handle("POST /api/tasks", parent(s.taskH.Create))
	mux.HandleFunc("GET /api/tasks/{id}", s.taskH.Get)
	mux.Handle("PATCH /api/tasks/{id}", parent(s.taskH.Update))
	mux.Handle("DELETE /api/tasks/{id}", parent(s.taskH.Delete))
	mux.Handle("POST /api/tasks/{id}/reject", parent(s.taskH.Reject))
	mux.HandleFunc("POST /api/tasks/{id}/{action}", s.taskH.Action)

	// Negotiations
	mux.HandleFunc("POST /api/tasks/{id}/transfer", s.negotiateH.OfferTransfer)
	mux.HandleFunc("POST /api/tasks/{id}/change-request", s.negotiateH.RequestChange)
	mux.HandleFunc("GET /api/tasks/{id}/negotiations", s.negotiateH.ListForTask)
	mux.HandleFunc("POST /api/negotiations/{id}/respond", s.negotiateH.Respond)
	mux.HandleFunc("POST /api/negotiations/{id}/withdraw", s.negotiateH.Withdraw)

	// Recurring templates
	mux.Handle("POST /api/templates", parent(s.templateH.Create))
	mux.Handle("POST /api/templates/{id}/pause", parent(s.templateH.Pause))
	mux.Handle("POST /api/templates/{id}/resume", parent(s.templateH.Resume))
	mux.Handle("PUT /api/templates/{id}/recurrence", parent(s.templateH.UpdateRule))

	if s.pushH != nil {
		mux.HandleFunc("GET /api/push/vapid-key", s.pushH.VAPIDKey)
		mux.HandleFunc("GET /api/push/subscriptions", s.pushH.List)
		mux.HandleFunc("POST /api/push/subscriptions", s.pushH.Subscribe)
		mux.HandleFunc("DELETE /api/push/subscriptions/{id}", s.pushH.Unsubscribe)
		mux.HandleFunc("POST /api/push/test", s.pushH.Test)
	}
}
