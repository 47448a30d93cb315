// Package opsserver exposes the engine's diagnostics surface: liveness and
// readiness probes, a Prometheus scrape endpoint, a point-in-time pool
// stats endpoint, a websocket that live-pushes metrics snapshots, and a
// per-task websocket that forwards a generator task's Stream Engine YIELD
// events as they're produced.
package opsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	taskengine "github.com/aipilotbyjd/taskengine"
	"github.com/aipilotbyjd/taskengine/internal/engine/queue"
	"github.com/aipilotbyjd/taskengine/internal/engine/task"
	"github.com/aipilotbyjd/taskengine/internal/platform/health"
	platmetrics "github.com/aipilotbyjd/taskengine/internal/platform/metrics"
	"github.com/aipilotbyjd/taskengine/internal/platform/response"
	"github.com/aipilotbyjd/taskengine/internal/worker"
	"github.com/aipilotbyjd/taskengine/pkg/middleware"
)

// zapMiddlewareLogger adapts *zap.SugaredLogger to pkg/middleware.Logger so
// the recovery and access-log middleware can log through the same sink as
// the rest of the process.
type zapMiddlewareLogger struct{ z *zap.SugaredLogger }

func (l zapMiddlewareLogger) Info(msg string, kv ...interface{})  { l.z.Infow(msg, kv...) }
func (l zapMiddlewareLogger) Error(msg string, kv ...interface{}) { l.z.Errorw(msg, kv...) }
func (l zapMiddlewareLogger) Debug(msg string, kv ...interface{}) { l.z.Debugw(msg, kv...) }

// Server is the HTTP surface a host process runs alongside the Engine.
type Server struct {
	engine     *taskengine.Engine
	router     *mux.Router
	httpServer *http.Server
	health     *health.Handler
	metrics    *platmetrics.Metrics
	logger     *zap.SugaredLogger
	upgrader   websocket.Upgrader

	registryMu  sync.RWMutex
	registry    map[string]worker.Callable
	genRegistry map[string]worker.GeneratorCallable
}

// RegisterTask exposes a server-side Callable under name so remote clients
// (pkg/sdk) can invoke it over HTTP without needing to ship Go code. Tasks
// not registered here are unreachable from the HTTP surface — the engine
// embedding API (Engine.Submit) remains the only way to run an ad hoc
// Callable.
func (s *Server) RegisterTask(name string, fn worker.Callable) {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()
	s.registry[name] = fn
}

// RegisterGeneratorTask exposes a server-side GeneratorCallable under name so
// /v1/tasks/{name}/stream can dispatch it through the Stream Engine and push
// its YIELD values out over a websocket as they arrive.
func (s *Server) RegisterGeneratorTask(name string, fn worker.GeneratorCallable) {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()
	s.genRegistry[name] = fn
}

func (s *Server) lookupTask(name string) (worker.Callable, bool) {
	s.registryMu.RLock()
	defer s.registryMu.RUnlock()
	fn, ok := s.registry[name]
	return fn, ok
}

func (s *Server) lookupGeneratorTask(name string) (worker.GeneratorCallable, bool) {
	s.registryMu.RLock()
	defer s.registryMu.RUnlock()
	fn, ok := s.genRegistry[name]
	return fn, ok
}

// AddRedisCheck wires the readiness probe to the leader-election backing
// store's ping, once cmd/taskengine has successfully connected to Redis.
func (s *Server) AddRedisCheck(ping func(ctx context.Context) error) {
	s.health.AddCheck("redis", health.RedisChecker(ping))
}

// AddDatabaseCheck wires the readiness probe to the metrics-snapshot
// store's ping, once cmd/taskengine has successfully opened it.
func (s *Server) AddDatabaseCheck(ping func(ctx context.Context) error) {
	s.health.AddCheck("database", health.DatabaseChecker(ping))
}

// Config configures the ops server's HTTP listener.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// APIKeyHash gates /v1/tasks/* behind middleware.APIKeyAuth. Empty
	// leaves those routes open, for local/dev use.
	APIKeyHash string
}

// New builds an ops server over an assembled Engine.
func New(cfg Config, engine *taskengine.Engine, serviceName, version string, metrics *platmetrics.Metrics, logger *zap.SugaredLogger) *Server {
	s := &Server{
		engine:      engine,
		router:      mux.NewRouter(),
		health:      health.NewHandler(serviceName, version),
		metrics:     metrics,
		logger:      logger,
		registry:    make(map[string]worker.Callable),
		genRegistry: make(map[string]worker.GeneratorCallable),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.health.AddCheck("normal_pool", health.PoolChecker(func() (int, int) {
		stats := engine.Stats().Normal
		return stats.QueueLength, stats.MaxQueueSize
	}))
	s.health.AddCheck("generator_pool", health.PoolChecker(func() (int, int) {
		stats := engine.Stats().Generator
		return stats.QueueLength, stats.MaxQueueSize
	}))

	s.routes(cfg.APIKeyHash)
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes(apiKeyHash string) {
	mwLogger := zapMiddlewareLogger{z: s.logger}
	s.router.Use(middleware.CORS(nil))
	s.router.Use(middleware.RecoveryWithLogger(mwLogger))
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RateLimit(nil))
	s.router.Use(middleware.AccessLog(mwLogger))
	s.router.Use(s.metrics.HTTPMetricsMiddleware())
	s.router.HandleFunc("/healthz", s.health.LivenessHandler()).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.health.ReadinessHandler()).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/pools/stats", s.handlePoolStats).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/metrics", s.handleMetricsStream)

	tasks := s.router.PathPrefix("/v1/tasks").Subrouter()
	tasks.Use(middleware.APIKeyAuth(apiKeyHash))
	tasks.HandleFunc("/{name}/execute", s.handleExecuteTask).Methods(http.MethodPost)
	tasks.HandleFunc("/{name}/map", s.handleTurboMap).Methods(http.MethodPost)
	tasks.HandleFunc("/{name}/stream", s.handleTaskStream)
}

// executeRequest is the wire shape accepted by /v1/tasks/{name}/execute;
// it mirrors pkg/sdk.ExecuteRequest.
type executeRequest struct {
	Args       []interface{}          `json:"args"`
	Env        map[string]interface{} `json:"env"`
	Priority   string                 `json:"priority"`
	TimeoutMS  int64                  `json:"timeoutMs"`
	NoCoalesce bool                   `json:"noCoalesce"`
}

// executeResult is the wire shape returned by /v1/tasks/{name}/execute; it
// mirrors pkg/sdk.ExecuteResult and always resolves (Safe mode), so HTTP
// clients get a 200 with a rejected status rather than needing to parse
// engine-internal error types off a non-2xx body.
type executeResult struct {
	Status     string      `json:"status"`
	Value      interface{} `json:"value,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMS int64       `json:"durationMs"`
}

func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	fn, ok := s.lookupTask(name)
	if !ok {
		response.Error(w, response.ErrNotFound)
		return
	}

	var req executeRequest
	if r.Body != nil {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			response.Error(w, response.ErrBadRequest)
			return
		}
	}

	d := &task.Descriptor{
		Fn:       fn,
		Source:   name,
		Args:     req.Args,
		Env:      req.Env,
		Priority: queue.Normalize(queue.Priority(req.Priority)),
		PoolType: worker.Normal,
		Safe:     true,
		NoCoalesce: req.NoCoalesce,
	}
	if req.TimeoutMS > 0 {
		d.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	start := time.Now()
	out, err := s.engine.Submit(r.Context(), d)
	elapsed := time.Since(start)
	if err != nil {
		response.Error(w, response.ErrInternal)
		return
	}

	result, ok := out.(task.Result)
	if !ok {
		response.Error(w, response.ErrInternal)
		return
	}

	wire := executeResult{Status: string(result.Status), DurationMS: elapsed.Milliseconds()}
	if result.Error != nil {
		wire.Error = result.Error.Error()
	} else {
		wire.Value = result.Value
	}
	response.OK(w, wire)
}

// turboRequest is the wire shape accepted by /v1/tasks/{name}/map; it
// mirrors pkg/sdk.TurboRequest.
type turboRequest struct {
	Items []interface{} `json:"items"`
}

// turboResult is the wire shape returned by /v1/tasks/{name}/map; it
// mirrors pkg/sdk.TurboResult.
type turboResult struct {
	Items []interface{} `json:"items,omitempty"`
	Error string        `json:"error,omitempty"`
}

func (s *Server) handleTurboMap(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	fn, ok := s.lookupTask(name)
	if !ok {
		response.Error(w, response.ErrNotFound)
		return
	}

	var req turboRequest
	if r.Body != nil {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, response.ErrBadRequest)
			return
		}
	}

	items, err := s.engine.Map(r.Context(), name, fn, req.Items)
	if err != nil {
		response.OK(w, turboResult{Error: err.Error()})
		return
	}
	response.OK(w, turboResult{Items: items})
}

// streamMessage is one frame pushed over /v1/tasks/{name}/stream: a "yield"
// frame carries Value; the terminal frame is either "return", with the
// generator's return value in Value, or "error", with Error set.
type streamMessage struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value,omitempty"`
	Error string      `json:"error,omitempty"`
}

// handleTaskStream dispatches a registered GeneratorCallable through the
// Stream Engine and forwards each YIELD as its own websocket frame as soon
// as the worker emits it, rather than polling a snapshot — the generator
// pool's Reader.Next blocks until the next wire message, so the forwarding
// loop below is exactly the client-side pull stream.Reader is built for.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	fn, ok := s.lookupGeneratorTask(name)
	if !ok {
		response.Error(w, response.ErrNotFound)
		return
	}

	var args []interface{}
	if raw := r.URL.Query().Get("args"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			response.Error(w, response.ErrBadRequest)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warnw("opsserver: websocket upgrade failed", "error", err)
		}
		return
	}
	defer conn.Close()

	d := &task.Descriptor{
		GenFn:    fn,
		Source:   name,
		Args:     args,
		Priority: queue.Normal,
		PoolType: worker.Generator,
		Cancel:   r.Context(),
	}
	reader, err := s.engine.Stream(r.Context(), d)
	if err != nil {
		_ = conn.WriteJSON(streamMessage{Type: "error", Error: err.Error()})
		return
	}

	for {
		value, ok, err := reader.Next()
		if err != nil {
			_ = conn.WriteJSON(streamMessage{Type: "error", Error: err.Error()})
			return
		}
		if !ok {
			_ = conn.WriteJSON(streamMessage{Type: "return", Value: reader.Return()})
			return
		}
		if writeErr := conn.WriteJSON(streamMessage{Type: "yield", Value: value}); writeErr != nil {
			reader.Close()
			return
		}
	}
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	s.metrics.ObservePoolStats("normal", stats.Normal.PoolSize, stats.Normal.BusyCount, stats.Normal.IdleCount, stats.Normal.QueueLength, stats.Normal.ActiveTemporary)
	s.metrics.ObservePoolStats("generator", stats.Generator.PoolSize, stats.Generator.BusyCount, stats.Generator.IdleCount, stats.Generator.QueueLength, stats.Generator.ActiveTemporary)
	response.OK(w, stats)
}

// handleMetricsStream live-pushes a counter-bag snapshot once a second over
// a websocket, for dashboards that want a push feed rather than polling
// /metrics.
func (s *Server) handleMetricsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warnw("opsserver: websocket upgrade failed", "error", err)
		}
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			snap := s.engine.Metrics().Snapshot()
			data, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// Start begins serving in the background. Call Shutdown to stop.
func (s *Server) Start() error {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Errorw("opsserver: listen failed", "error", err)
			}
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
