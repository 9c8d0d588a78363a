package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stagerun-org/stagerun/internal/cache"
	"github.com/stagerun-org/stagerun/internal/cacheserver"
	"github.com/stagerun-org/stagerun/internal/invocation"
	"github.com/stagerun-org/stagerun/internal/invoker"
	"github.com/stagerun-org/stagerun/internal/logger"
	"github.com/stagerun-org/stagerun/internal/store"
)

const (
	defaultParallelism = 1
	taskQueueSize      = 1024
	shutdownTimeout    = 5 * time.Second
)

// StageHandler is the user function hosted by this worker. It receives the
// invocation record with its storage handles already bound.
type StageHandler func(ctx context.Context, md *invocation.Metadata) (any, error)

// Config wires a worker process for one stage.
type Config struct {
	Stage   string
	Handler StageHandler
	Store   store.Store
	Cache   *cache.Cache

	Host string
	Port int
	// CachePort, when non-zero, additionally serves the raw TCP cache
	// protocol for same-node reads.
	CachePort int

	// Parallelism bounds how many handler invocations run at once.
	Parallelism int
}

// Worker hosts one stage's handler behind an HTTP server, with a
// deduplicating request buffer in front of a bounded executor pool. Results
// are written to the Store, never replied inline.
type Worker struct {
	cfg     Config
	buffer  *requestBuffer
	tasks   chan string
	invoker *invoker.Invoker

	httpServer  *http.Server
	cacheServer *cacheserver.Server
	listener    net.Listener
}

// New builds a worker from its config.
func New(cfg Config) (*Worker, error) {
	if cfg.Handler == nil {
		return nil, errors.New("worker: handler is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("worker: store is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	w := &Worker{
		cfg:     cfg,
		buffer:  newRequestBuffer(),
		tasks:   make(chan string, taskQueueSize),
		invoker: invoker.New(),
	}
	w.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return w, nil
}

// Handler returns the worker's HTTP routes.
func (w *Worker) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/", w.handlePost)
	r.Get("/health", w.handleHealth)
	return r
}

// StartExecutors launches the bounded handler pool without the HTTP
// server. Tests drive requests through Handler directly.
func (w *Worker) StartExecutors(ctx context.Context) {
	for range w.cfg.Parallelism {
		go w.executor(ctx)
	}
}

// Start serves HTTP (and the TCP cache server when configured) until the
// context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.StartExecutors(ctx)

	if w.cfg.CachePort > 0 {
		w.cacheServer = cacheserver.NewServer(w.cfg.Cache, net.JoinHostPort(w.cfg.Host, strconv.Itoa(w.cfg.CachePort)))
		if err := w.cacheServer.Start(ctx); err != nil {
			return fmt.Errorf("worker: cache server: %w", err)
		}
	}

	ln, err := net.Listen("tcp", w.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("worker: listen %s: %w", w.httpServer.Addr, err)
	}
	w.listener = ln

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = w.httpServer.Shutdown(shutdownCtx)
		if w.cacheServer != nil {
			w.cacheServer.Stop()
		}
	}()

	logger.Info(ctx, "Worker is starting", "stage", w.cfg.Stage, "addr", ln.Addr().String())
	if err := w.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound HTTP address, valid after Start.
func (w *Worker) Addr() string {
	if w.listener == nil {
		return w.httpServer.Addr
	}
	return w.listener.Addr().String()
}

func (w *Worker) handlePost(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(rw, "failed to read body", http.StatusBadRequest)
		return
	}
	req, err := invocation.DecodeRequest(body)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	switch req.Type {
	case invocation.TypeLambdaCall:
		if req.Metadata == nil {
			http.Error(rw, "metadata not provided", http.StatusBadRequest)
			return
		}
		md := req.Metadata
		md.Bind(w.cfg.Store, w.cfg.Cache, w.invoker)
		accepted, schedule := w.buffer.tryPush(md)
		if accepted {
			logger.Info(ctx, "Lambda call queued", "uid", md.UID, "queued", w.buffer.len())
		} else {
			logger.Info(ctx, "Older lambda call ignored", "uid", md.UID)
		}
		if schedule {
			select {
			case w.tasks <- md.ID:
			default:
				w.buffer.pop(md.ID)
				http.Error(rw, "worker queue is full", http.StatusServiceUnavailable)
				return
			}
		}
		w.ok(rw)

	case invocation.TypeCachePut:
		if req.Key == "" || req.Value == nil {
			http.Error(rw, "key or value not provided", http.StatusBadRequest)
			return
		}
		w.cfg.Cache.Put(req.Key, req.Value)
		w.ok(rw)

	case invocation.TypeCacheGet:
		if req.Key == "" {
			http.Error(rw, "key not provided", http.StatusBadRequest)
			return
		}
		value, err := w.cfg.Cache.Get(req.Key)
		if err != nil {
			http.Error(rw, "key not found in the cache", http.StatusNotFound)
			return
		}
		rw.Header().Set("Content-Type", "application/octet-stream")
		_, _ = rw.Write(value)

	case invocation.TypeCacheClear:
		if req.Prefix == "" {
			http.Error(rw, "prefix not provided", http.StatusBadRequest)
			return
		}
		cleared := w.cfg.Cache.ClearPrefix(req.Prefix)
		logger.Debug(ctx, "Cache cleared", "prefix", req.Prefix, "removed", cleared)
		w.ok(rw)

	default:
		http.Error(rw, fmt.Sprintf("invalid request type: %s", req.Type), http.StatusBadRequest)
	}
}

func (w *Worker) ok(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "application/octet-stream")
	rw.WriteHeader(http.StatusOK)
}

func (w *Worker) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]any{
		"status": "UP",
		"data": map[string]any{
			"stage":  w.cfg.Stage,
			"queued": w.buffer.len(),
			"cached": w.cfg.Cache.Len(),
		},
	})
}

// executor drains the task queue. Each task reads the latest buffered
// record for its id at start, so a replaced try is executed at most once
// and always with the highest CallCnt seen.
func (w *Worker) executor(ctx context.Context) {
	for {
		select {
		case id := <-w.tasks:
			if md := w.buffer.pop(id); md != nil {
				w.run(ctx, md)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) run(ctx context.Context, md *invocation.Metadata) {
	retval, err := w.safeInvoke(ctx, md)
	if err != nil {
		logger.Error(ctx, "Lambda execution failed", "uid", md.UID, "err", err)
		if statusErr := md.UpdateStatus(ctx, invocation.ErrResult(err, string(debug.Stack()))); statusErr != nil {
			logger.Error(ctx, "Result write failed", "uid", md.UID, "err", statusErr)
		}
		return
	}
	result, err := invocation.OkResult(retval)
	if err != nil {
		result = invocation.ErrResult(err, "")
	}
	if err := md.UpdateStatus(ctx, result); err != nil {
		logger.Error(ctx, "Result write failed", "uid", md.UID, "err", err)
		return
	}
	logger.Info(ctx, "Lambda executed", "id", md.ID, "uid", md.UID)
}

// safeInvoke converts a handler panic into a stage failure instead of
// taking the worker down.
func (w *Worker) safeInvoke(ctx context.Context, md *invocation.Metadata) (retval any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: handler panic: %v", r)
		}
	}()
	return w.cfg.Handler(ctx, md)
}
