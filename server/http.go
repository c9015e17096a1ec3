package server

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"net/http"
	"os/signal"
	"proctoring-recorder/config"
	"proctoring-recorder/constant"
	"proctoring-recorder/handler"
	"proctoring-recorder/pkg/metrics"
	"proctoring-recorder/pkg/rabbitmq"
	"proctoring-recorder/pkg/tracing"
	"proctoring-recorder/service"
	"syscall"
	"time"
)

const shutdownTimeout = 15 * time.Second

func RunHttp(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(SetupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	logger := zerolog.Ctx(ctx)

	isProduction := cfg.App.Environment == constant.EnvironmentProduction.String()
	logger.Info().Str("env", cfg.App.Environment).Bool("isProduction", isProduction).Send()
	if isProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			logger.Error().Err(err).Msg("failed to flush traces")
		}
	}()

	m := metrics.Init(prometheus.DefaultRegisterer)

	backends, err := NewBackends(ctx, cfg)
	if err != nil {
		return err
	}
	repo, err := NewRepository(cfg)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}

	conn, err := rabbitmq.NewConn(ctx, cfg.Queue)
	if err != nil {
		return fmt.Errorf("connect rabbitmq: %w", err)
	}
	topology := rabbitmq.MergeTopology(cfg.Queue.ExchangeName, cfg.Queue.Kind)
	publisher, err := rabbitmq.NewPublisher(conn, topology)
	if err != nil {
		return fmt.Errorf("create merge publisher: %w", err)
	}
	defer publisher.Close()

	concat, err := service.NewConcatenator(cfg.Merge.Strategy, cfg.Merge.FFmpegPath, cfg.Merge.FFprobePath)
	if err != nil {
		return err
	}

	retry := RetryPolicy(cfg)
	ingestionService := service.NewIngestionService(repo, backends, retry, m)
	mergeService := service.NewMergeService(repo, backends, concat, publisher, service.MergeOptions{
		StagingDir:    cfg.Merge.StagingDir,
		Retry:         retry,
		PublicBaseURL: publicBaseURL(cfg),
	}, m)
	mediaService := service.NewMediaService(repo, backends, retry)
	sweepService := service.NewSweepService(repo, backends, service.SweepOptions{
		BatchSize:   cfg.Sweep.BatchSize,
		VerifyBytes: cfg.Sweep.VerifyBytes,
	}, m)

	mergeConsumer := rabbitmq.NewConsumer(conn, topology, cfg.Server.Workers, rabbitmq.RetryConfig{
		MaxTries:    cfg.Merge.MaxTries,
		MaxInterval: cfg.Merge.MaxInterval,
	}, handler.MergeJobHandler)
	go func() {
		err := mergeConsumer.Consume(ctx, handler.ServiceDependencies{MergeService: mergeService})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("merge consumer stopped")
			cancel()
		}
	}()

	go runMaintenance(ctx, cfg, sweepService, mergeService)

	r := gin.New()
	r.Use(gin.Recovery(), handler.RequestLogger(*logger))
	addHealth(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	httpHandler := &handler.HTTPHandler{
		Ingestion:      ingestionService,
		Merge:          mergeService,
		Media:          mediaService,
		Metrics:        m,
		BufferSize:     cfg.Media.BufferSize,
		MaxUploadBytes: cfg.Upload.MaxSizeBytes,
	}
	httpHandler.RegisterRoutes(r)

	srv := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("env", cfg.App.Environment).Str("addr", srv.Addr).Msg("start http server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server stopped")
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}

	logger.Info().Str("env", cfg.App.Environment).Msg("server shutdown")
	return nil
}

// runMaintenance periodically repairs segment locations and reclaims merge
// jobs whose worker disappeared.
func runMaintenance(ctx context.Context, cfg *config.Config, sweep service.SweepService, merge service.MergeService) {
	interval := cfg.Sweep.Interval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cfg.Merge.ReclaimAfter > 0 {
				if n, err := merge.Reclaim(ctx, cfg.Merge.ReclaimAfter); err != nil {
					zerolog.Ctx(ctx).Error().Err(err).Int("reclaimed", n).Msg("merge reclaim failed")
				}
			}
			sweep.Run(ctx)
		}
	}
}

func publicBaseURL(cfg *config.Config) string {
	if cfg.App.Host == "" {
		return ""
	}
	protocol := cfg.App.Protocol
	if protocol == "" {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s", protocol, cfg.App.Host)
}

func addHealth(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})
}
