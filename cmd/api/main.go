package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/minWang916/kms-api/internal/handler"
	"github.com/minWang916/kms-api/internal/middleware"
	"github.com/minWang916/kms-api/internal/repository"
	"github.com/minWang916/kms-api/internal/service"
	"github.com/minWang916/kms-api/pkg/cache"
	"github.com/minWang916/kms-api/pkg/config"
	"github.com/minWang916/kms-api/pkg/database"
	"github.com/minWang916/kms-api/pkg/logger"
	"github.com/minWang916/kms-api/pkg/mail"
	corsmiddleware "github.com/minWang916/kms-api/pkg/middleware/cors"
	reqidmiddleware "github.com/minWang916/kms-api/pkg/middleware/requestid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	users := repository.NewUserRepository(db)
	sessions := repository.NewRefreshTokenRepository(db)
	blacklist := repository.NewBlacklistRepository(redisClient, cfg.JWT.BlacklistKeyPrefix)

	dispatcher := mail.NewDispatcher(mail.NewSMTPSender(cfg.Mail), cfg.Mail, logr)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	tokenSvc := service.NewTokenService(cfg.JWT)
	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(users, sessions, blacklist, dispatcher, tokenSvc, validator.New(), metricsSvc, logr)

	authHandler := handler.NewAuthHandler(authSvc, cfg.PublicURL)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(middleware.Authenticate(tokenSvc, blacklist, metricsSvc))

	auth := r.Group("/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.GET("/verify", authHandler.Verify)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh-token", authHandler.Refresh)
		auth.POST("/logout", authHandler.Logout)
		auth.GET("/me", middleware.RequireUser(), authHandler.Me)
	}

	r.GET("/health", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
