package sidecar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/walkley/myagents/internal/logging"
	"github.com/walkley/myagents/internal/permission"
	"github.com/walkley/myagents/pkg/types"
)

// ErrNoSession is returned when a cron task has no session a worker could host.
var ErrNoSession = errors.New("no session to run in")

// Config holds server configuration.
type Config struct {
	Addr       string
	TokenDelay time.Duration
	Heartbeat  time.Duration
	EnableCORS bool
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:       "127.0.0.1:4319",
		TokenDelay: 20 * time.Millisecond,
		Heartbeat:  15 * time.Second,
		EnableCORS: true,
	}
}

// Server is the reference chat backend. Every tab talks to exactly one
// worker at a time; several tabs may share a worker when they show the
// same session.
type Server struct {
	config  Config
	router  *chi.Mux
	httpSrv *http.Server
	archive *Archive
	checker *permission.Checker
	agent   *Agent
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	streams   map[string]*tabStream
	bindings  map[string]*Worker
	workers   map[string]*Worker
	scheduler *Scheduler
}

// New creates a server storing finished turns in archive.
func New(cfg Config, archive *Archive) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultConfig().Heartbeat
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		archive:  archive,
		checker:  permission.NewChecker(),
		agent:    &Agent{TokenDelay: cfg.TokenDelay},
		log:      logging.For("sidecar"),
		ctx:      ctx,
		cancel:   cancel,
		streams:  make(map[string]*tabStream),
		bindings: make(map[string]*Worker),
		workers:  make(map[string]*Worker),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(requestLogger(s.log))
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "Last-Event-ID", "X-Request-ID", tabHeader},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// requestLogger logs each request through zerolog instead of the chi
// default logger.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("tabId", r.Header.Get(tabHeader)).
				Str("requestId", middleware.GetReqID(r.Context())).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// Handler returns the HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.httpSrv = &http.Server{
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
	}
	srv := s.httpSrv
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("sidecar listening")
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops every turn and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	srv := s.httpSrv
	workers := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.stopAndWait()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// UseScheduler exposes sched through the cron routes.
func (s *Server) UseScheduler(sched *Scheduler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduler = sched
}

// Checker returns the permission checker shared by all workers.
func (s *Server) Checker() *permission.Checker { return s.checker }

// WorkerFor returns the worker bound to a tab, or nil.
func (s *Server) WorkerFor(tabID string) *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindings[tabID]
}

// WorkerCount returns the number of live workers.
func (s *Server) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *Server) spawnLocked() *Worker {
	w := newWorker(s.ctx, s.archive, s.checker, s.agent)
	s.workers[w.id] = w
	s.log.Debug().Str("worker", w.id).Int("workers", len(s.workers)).Msg("worker spawned")
	return w
}

// bind returns the tab's stream and worker, creating both on first use.
func (s *Server) bind(tabID string) (*tabStream, *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindLocked(tabID)
}

func (s *Server) bindLocked(tabID string) (*tabStream, *Worker) {
	st, ok := s.streams[tabID]
	if !ok {
		st = newTabStream(tabID)
		s.streams[tabID] = st
	}
	w, ok := s.bindings[tabID]
	if !ok {
		w = s.spawnLocked()
		w.attach(st, false)
		s.bindings[tabID] = w
	}
	return st, w
}

// subscribe binds the tab and subscribes to its stream in one step, so a
// concurrent rebind cannot slip in between.
func (s *Server) subscribe(tabID string, lastSeq uint64) (*tabStream, []types.Envelope, <-chan types.Envelope, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, w := s.bindLocked(tabID)
	initial, ch, cancel := w.subscribe(st, lastSeq)
	return st, initial, ch, cancel
}

// rebindLocked moves a tab to another worker. The old worker is retired
// once nothing is attached and no turn runs in it.
func (s *Server) rebindLocked(tabID string, st *tabStream, to *Worker) {
	if from, ok := s.bindings[tabID]; ok && from != to {
		if from.detach(tabID) == 0 && !from.Running() {
			delete(s.workers, from.id)
			s.log.Debug().Str("worker", from.id).Msg("worker retired")
		}
	}
	s.bindings[tabID] = to
	to.attach(st, true)
	s.log.Info().Str("tabId", tabID).Str("worker", to.id).Str("sessionId", to.SessionID().String()).Msg("tab bound")
}

func (s *Server) hostingLocked(id types.SessionID) *Worker {
	for _, w := range s.workers {
		if w.SessionID() == id {
			return w
		}
	}
	return nil
}

// loadSession shows session id in a tab. A session already live in
// another worker is handed over without starting a new one.
func (s *Server) loadSession(ctx context.Context, tabID string, id types.SessionID) error {
	s.mu.Lock()
	st, current := s.bindLocked(tabID)
	if host := s.hostingLocked(id); host != nil {
		if host == current {
			current.attach(st, true)
		} else {
			s.rebindLocked(tabID, st, host)
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if !id.IsReal() {
		return ErrSessionNotFound
	}
	stored, err := s.archive.Load(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if host := s.hostingLocked(id); host != nil {
		s.rebindLocked(tabID, st, host)
		return nil
	}
	current = s.bindings[tabID]
	if current.listenerCount() <= 1 && !current.Running() {
		return current.Load(id, stored.Messages)
	}
	w := s.spawnLocked()
	if err := w.Load(id, stored.Messages); err != nil {
		return err
	}
	s.rebindLocked(tabID, st, w)
	return nil
}

// resetSession gives the tab a fresh session. A worker shared with other
// tabs keeps running for them.
func (s *Server) resetSession(tabID string) {
	s.mu.Lock()
	st, current := s.bindLocked(tabID)
	if current.listenerCount() > 1 {
		s.rebindLocked(tabID, st, s.spawnLocked())
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	current.Reset()
}

// RunCron starts a cron turn for task. It prefers the worker of the
// owning tab, then any worker hosting the session, and finally loads the
// session into a new worker.
func (s *Server) RunCron(ctx context.Context, task types.CronTask) error {
	w, err := s.cronWorker(ctx, task)
	if err != nil {
		return err
	}
	mode := types.PermissionMode(task.Config.PermissionMode)
	if mode == "" {
		mode = types.PermissionBypass
	}
	return w.Send(types.SendMessageRequest{
		Text:           task.Config.Prompt,
		PermissionMode: mode,
		Model:          task.Config.Model,
		IsCron:         true,
	})
}

func (s *Server) cronWorker(ctx context.Context, task types.CronTask) (*Worker, error) {
	s.mu.Lock()
	if w, ok := s.bindings[task.TabID]; ok {
		id := w.SessionID()
		if id == task.SessionID || (task.SessionID.IsPending() && !id.IsReal()) {
			s.mu.Unlock()
			return w, nil
		}
	}
	if w := s.hostingLocked(task.SessionID); w != nil {
		s.mu.Unlock()
		return w, nil
	}
	s.mu.Unlock()

	if !task.SessionID.IsReal() {
		return nil, fmt.Errorf("%w: task %s", ErrNoSession, task.ID)
	}
	stored, err := s.archive.Load(ctx, task.SessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w := s.hostingLocked(task.SessionID); w != nil {
		return w, nil
	}
	w := s.spawnLocked()
	if err := w.Load(task.SessionID, stored.Messages); err != nil {
		return nil, err
	}
	return w, nil
}

// NotifyCron tells the owning tab that the scheduler changed a task.
func (s *Server) NotifyCron(task types.CronTask) {
	s.mu.Lock()
	st, ok := s.streams[task.TabID]
	s.mu.Unlock()
	if !ok {
		return
	}
	st.publish(types.EventStatus, types.StatusPayload{
		Cron: &types.CronStatusPayload{TaskID: task.ID, Status: task.Status},
	})
}
