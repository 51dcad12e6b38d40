package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"batchengine/config"
	"batchengine/executor"
	"batchengine/logger"
	"batchengine/natshandler"
	"batchengine/pkg"
	"batchengine/routes"
	"batchengine/service"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	log, err := logger.New(cfg.Environment)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	cm, err := executor.NewContainerManager(logrus.StandardLogger(), 0)
	if err != nil {
		log.Fatal("Failed to create docker client", zap.Error(err))
	}
	defer cm.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Check if the worker image exists
	exists, err := cm.ImageExists(ctx, cfg.WorkerImage)
	if err != nil {
		log.Fatal("Failed to inspect worker image", zap.String("image", cfg.WorkerImage), zap.Error(err))
	}
	if !exists {
		log.Fatal("Worker Docker image not found. Exiting...", zap.String("image", cfg.WorkerImage))
	}

	if n, err := cm.PruneStale(ctx); err != nil {
		log.Warn("Failed to prune stale workers", zap.Error(err))
	} else if n > 0 {
		log.Info("Pruned stale workers", zap.Int("count", n))
	}

	spec, err := cfg.LaunchSpec()
	if err != nil {
		log.Fatal("Invalid worker mounts", zap.Error(err))
	}
	for _, dir := range []string{cfg.InputDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatal("Failed to create job directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Initialize worker pool
	workerPool, err := executor.NewWorkerPool(cm, spec, cfg.PoolConfig(), logrus.StandardLogger(), executor.NewMetrics(reg))
	if err != nil {
		log.Fatal("Failed to start worker pool", zap.Error(err))
	}

	streamer := logger.NewJobLogStreamer(cfg.LogSourceToken, cfg.Environment, cfg.LogUploadURL, log)
	svc := service.NewBatchService(workerPool, cfg.TransformConfig(), streamer, log)

	// Connect to NATS
	nc, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		workerPool.Shutdown(cfg.DrainTimeout)
		log.Fatal("Failed to connect to NATS",
			zap.String("url", cfg.NatsURL),
			zap.Error(err))
	}

	handler := natshandler.NewHandler(svc, nc, log)
	// in-flight jobs outlive the signal and end with the pool
	if _, err := handler.Subscribe(context.WithoutCancel(ctx), nc); err != nil {
		workerPool.Shutdown(cfg.DrainTimeout)
		log.Fatal("Failed to subscribe", zap.Error(err))
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: routes.SetupRouter(svc, reg, pkg.NewRateLimiter(0)),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	log.Info("batchengine started",
		zap.String("http", cfg.HTTPAddr),
		zap.String("nats", cfg.NatsURL),
		zap.String("image", cfg.WorkerImage),
		zap.Int("max_workers", cfg.MaxWorkers))

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	// pending acquires fail with ErrPoolClosed and are answered before NATS goes away
	workerPool.Shutdown(cfg.DrainTimeout)
	handler.Wait()
	if err := nc.Drain(); err != nil {
		log.Warn("NATS drain failed", zap.Error(err))
		nc.Close()
	}
	streamer.Flush()
}
