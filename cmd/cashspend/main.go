package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Aidin1998/cashspend/internal/spend"
	"github.com/Aidin1998/cashspend/internal/spend/config"
	"github.com/Aidin1998/cashspend/internal/spend/handlers/rest"
	"github.com/Aidin1998/cashspend/pkg/logger"
	"github.com/Aidin1998/cashspend/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	bootstrap, err := logger.NewLogger("info", "json")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}
	cfg, err := config.Load(bootstrap, paths...)
	if err != nil {
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}

	zapLogger, err := logger.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		bootstrap.Fatal("Failed to create logger", zap.Error(err))
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Tracing:     cfg.Tracing.Enabled,
		Metrics:     cfg.Tracing.Metrics,
	})
	if err != nil {
		zapLogger.Fatal("Failed to set up telemetry", zap.Error(err))
	}

	db, err := spend.InitializeDatabase(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	redisClient := spend.InitializeRedis(cfg.Redis)

	module, err := spend.NewModule(spend.ModuleOptions{
		Config:   cfg,
		Logger:   zapLogger,
		Database: db,
		Redis:    redisClient,
	})
	if err != nil {
		zapLogger.Fatal("Failed to create spend module", zap.Error(err))
	}
	if err := module.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start spend module", zap.Error(err))
	}

	// HTTP server
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(ginzap.Ginzap(zapLogger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(zapLogger, true))
	if cfg.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	if len(cfg.HTTP.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.HTTP.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authenticate := rest.CallerAuth([]byte(cfg.HTTP.JWTSecret), cfg.HTTP.JWTIssuer)
	if cfg.HTTP.JWTSecret == "" {
		if cfg.Environment != "development" {
			zapLogger.Fatal("http.jwt_secret is required outside development")
		}
		zapLogger.Warn("No JWT secret configured, trusting X-Caller-Address")
		authenticate = rest.HeaderCaller()
	}
	module.RESTHandler().RegisterRoutes(router, authenticate)

	srv := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	// gRPC health server
	var grpcServer *grpc.Server
	if cfg.GRPC.Address != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Address)
		if err != nil {
			zapLogger.Fatal("Failed to listen for gRPC", zap.Error(err))
		}
		grpcServer = grpc.NewServer()
		healthServer := health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("cashspend", healthpb.HealthCheckResponse_SERVING)
		go func() {
			zapLogger.Info("Starting gRPC health server", zap.String("addr", cfg.GRPC.Address))
			if err := grpcServer.Serve(lis); err != nil {
				zapLogger.Error("gRPC server stopped", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	zapLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to shut down API server", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := module.Stop(shutdownCtx); err != nil {
		zapLogger.Error("Failed to stop spend module", zap.Error(err))
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			zapLogger.Error("Failed to close redis", zap.Error(err))
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			zapLogger.Error("Failed to close database", zap.Error(err))
		}
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		zapLogger.Error("Failed to shut down telemetry", zap.Error(err))
	}

	zapLogger.Info("Server exited properly")
	os.Exit(0)
}
