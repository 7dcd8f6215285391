// Command server is the eval-server entrypoint. Invoked normally it starts
// the primary process: the HTTP/WebSocket front ends, the Submission
// Pipeline, and a Worker Pool that forks this same binary, re-executed with
// --sandbox-worker, for each worker slot. Invoked with --sandbox-worker it
// instead becomes a Worker Process: it reads eval frames from stdin and
// writes result frames to stdout until stdin closes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/Potat-Industries/eval-server/internal/adapter/httpserver"
	"github.com/Potat-Industries/eval-server/internal/adapter/observability"
	"github.com/Potat-Industries/eval-server/internal/app"
	"github.com/Potat-Industries/eval-server/internal/config"
	"github.com/Potat-Industries/eval-server/internal/domain"
	"github.com/Potat-Industries/eval-server/internal/fetchguard"
	"github.com/Potat-Industries/eval-server/internal/kvstore"
	"github.com/Potat-Industries/eval-server/internal/pipeline"
	"github.com/Potat-Industries/eval-server/internal/reversecall"
	"github.com/Potat-Industries/eval-server/internal/sandbox"
	"github.com/Potat-Industries/eval-server/internal/worker"
	"github.com/Potat-Industries/eval-server/internal/wsserver"
)

const sandboxWorkerFlag = "--sandbox-worker"

func main() {
	isWorker := flag.Bool("sandbox-worker", false, "run as a Worker Process child instead of the primary")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	rdb := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
	})
	defer rdb.Close()

	if *isWorker {
		runWorker(cfg, rdb)
		return
	}

	runPrimary(cfg, rdb)
}

// runWorker is the Worker Process entrypoint: it builds its own capability
// collaborators (a dedicated Redis connection and fetch concurrency gate,
// since both caps are process-scoped) and serves eval frames over stdio
// until the parent closes stdin.
func runWorker(cfg config.Config, rdb *redis.Client) {
	deps := worker.ChildDeps{
		Store:  kvstore.New(rdb),
		Fetch:  fetchguard.New(cfg.MaxFetchConcurrency, time.Duration(cfg.FetchTimeoutMS)*time.Millisecond),
		Kernel: sandbox.New(time.Duration(cfg.VMTimeoutMS)*time.Millisecond, cfg.FetchMaxResponseLength),
	}
	if err := worker.RunChild(deps); err != nil {
		slog.Error("worker process exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

// runPrimary starts the primary process: Worker Pool, Submission Pipeline,
// Reverse-Call Router, and the HTTP/WebSocket front ends.
func runPrimary(cfg config.Config, rdb *redis.Client) {
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	self, err := os.Executable()
	if err != nil {
		slog.Error("failed to resolve own executable path", slog.Any("error", err))
		os.Exit(1)
	}

	evalSrv := &httpserver.Server{AuthToken: cfg.Auth}
	wsSrv := wsserver.New(cfg.Auth, nil, nil)
	router := reversecall.New(wsSrv)
	wsSrv.SetRouter(router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := worker.NewPool(ctx, cfg.MaxChildProcessCount, self, []string{sandboxWorkerFlag}, router, worker.Settings{
		MaxQueueSizePerWorker:  int64(cfg.QueueSize),
		WorkerExecutionTimeout: time.Duration(cfg.VMTimeoutMS+1000) * time.Millisecond,
	})

	pl := pipeline.New(pool, cfg.FetchMaxResponseLength)
	evalSrv.Submitter = httpRequestSubmitter{pl}
	wsSrv.Submitter = pl

	handler := app.BuildRouter(cfg, evalSrv, wsSrv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("eval-server starting",
			slog.Int("port", cfg.Port),
			slog.Int("workers", cfg.MaxChildProcessCount))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", slog.Any("error", err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// httpRequestSubmitter adapts the Submission Pipeline (ctx-based) to the
// HTTP transport's request-based Submitter contract.
type httpRequestSubmitter struct {
	pipeline *pipeline.Pipeline
}

func (s httpRequestSubmitter) Submit(r *http.Request, sub domain.Submission) domain.Response {
	return s.pipeline.Submit(r.Context(), sub)
}
