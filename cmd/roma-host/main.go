package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"roma/internal/codeentry"
	"roma/internal/dispatcher"
	"roma/internal/sideband"
	"roma/internal/workerpool"
	"roma/internal/workerruntime"
	"roma/pkg/config"
	"roma/pkg/logger"
)

const defaultConfigPath = "configs/roma-host.yaml"
const defaultShutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.OutputPath,
		ErrorPath:  cfg.Log.ErrorPath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	sb := sideband.New()
	disp := dispatcher.New(dispatcher.Config{
		WorkerQueueCap:   cfg.Pool.WorkerQueueCap,
		DefaultTimeout:   cfg.Pool.DefaultTimeout,
		MaxMetadataBytes: cfg.Pool.MaxMetadataBytes,
	}, sb)

	mounts := make([]workerruntime.MountSpec, 0, len(cfg.Pool.Mounts))
	for _, m := range cfg.Pool.Mounts {
		mounts = append(mounts, workerruntime.MountSpec{Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	pool := workerpool.New(workerpool.Config{
		RendezvousDir:      cfg.Pool.RendezvousDir,
		ScratchRoot:        cfg.Pool.ScratchRoot,
		WorkerInitPath:     cfg.Pool.WorkerInitPath,
		Mounts:             mounts,
		SeccompProfilePath: cfg.Pool.SeccompProfilePath,
		StartupRetryCap:    cfg.Pool.StartupRetryCap,
		CgroupRoot:         cfg.Pool.CgroupRoot,
		CgroupMemoryMB:     cfg.Pool.WorkerMemoryLimitMB,
		CgroupPIDsLimit:    cfg.Pool.WorkerPIDsLimit,
	}, disp.EntryProvider())
	defer pool.Close()
	disp.AttachPool(pool)

	httpServer := buildHTTPServer(cfg.Server, disp)
	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "roma host http server started", zap.String("addr", cfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
}

func buildHTTPServer(cfg config.ServerConfig, disp *dispatcher.Dispatcher) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	admin := router.Group("/admin/v1")
	admin.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	admin.GET("/workers", func(c *gin.Context) {
		c.JSON(http.StatusOK, disp.Snapshot())
	})
	admin.POST("/execute/:token", handleExecute(disp))

	return &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}
}

type executeRequestBody struct {
	HandlerName string            `json:"handler_name"`
	Inputs      []string          `json:"inputs"`
	Metadata    map[string]string `json:"metadata"`
}

// handleExecute is a curl-friendly convenience wrapper over
// Dispatcher.Execute for local testing; it is not part of the core
// dispatch algorithm and is not meant for production traffic. A caller
// wanting a non-default deadline sets the roma.timeout metadata tag
// (e.g. "1s") rather than a separate JSON field, so there is exactly one
// channel for the override, per protocol.TagTimeout.
func handleExecute(disp *dispatcher.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body executeRequestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		token := codeentry.Token(c.Param("token"))
		req := dispatcher.ExecuteRequest{
			HandlerName: body.HandlerName,
			Inputs:      body.Inputs,
			RequestID:   uuid.NewString(),
		}

		done := make(chan dispatcher.Outcome, 1)
		err := disp.Execute(c.Request.Context(), token, req, body.Metadata, func(o dispatcher.Outcome) {
			done <- o
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		select {
		case outcome := <-done:
			if outcome.Err != nil {
				c.JSON(http.StatusOK, gin.H{"error": outcome.Err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"output": string(outcome.Output), "metrics": outcome.Metrics})
		case <-c.Request.Context().Done():
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "client disconnected"})
		}
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
