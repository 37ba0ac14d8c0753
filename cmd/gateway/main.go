package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tikslop/videogen-gateway/internal/chat"
	"github.com/tikslop/videogen-gateway/internal/config"
	"github.com/tikslop/videogen-gateway/internal/endpointpool"
	"github.com/tikslop/videogen-gateway/internal/gateway"
	"github.com/tikslop/videogen-gateway/internal/identity"
	"github.com/tikslop/videogen-gateway/internal/logging"
	"github.com/tikslop/videogen-gateway/internal/metrics"
	"github.com/tikslop/videogen-gateway/internal/middleware"
	"github.com/tikslop/videogen-gateway/internal/roleconfig"
	"github.com/tikslop/videogen-gateway/internal/session"
	"github.com/tikslop/videogen-gateway/internal/textgen"
	"github.com/tikslop/videogen-gateway/internal/tracing"
	"github.com/tikslop/videogen-gateway/internal/videoworker"
)

const productVersion = "1.0.0"

func main() {
	for _, path := range []string{".env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}
	ctx := context.Background()
	logging.Info(ctx, "starting videogen gateway", zap.String("product", cfg.ProductName))

	var idValidator identity.Validator
	if cfg.SkipAuth {
		logging.Warn(ctx, "SKIP_AUTH is set; using the development token validator, do not use in production")
		idValidator = &identity.MockValidator{AdminAccounts: adminSet(cfg.AdminAccounts)}
	} else {
		v, err := identity.NewJWKSValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience, cfg.AdminAccounts)
		if err != nil {
			logging.Fatal(ctx, "failed to build identity validator", zap.Error(err))
		}
		idValidator = v
	}
	idResolver := identity.NewCachingResolver(idValidator)

	if cfg.OtelCollectorAddr != "" {
		if _, err := tracing.InitTracer(ctx, cfg.ProductName, cfg.OtelCollectorAddr, cfg.GoEnv != "production"); err != nil {
			logging.Warn(ctx, "failed to initialize tracing, continuing without it", zap.Error(err))
		}
	}

	pool := endpointpool.New(cfg.VideoEndpoints)
	videoClient := videoworker.New(cfg.HFToken)
	textGen := textgen.NewOpenAIGenerator("", cfg.HFToken, cfg.TextModel)
	chatRegistry := chat.NewRegistry()
	roles := roleconfig.NewResolver()
	metricsState := metrics.NewState(cfg.SecretToken)
	connLimiter, err := metrics.NewConnLimiter(cfg.RateLimitWsIp, cfg.RateLimitWsUser)
	if err != nil {
		logging.Fatal(ctx, "failed to build connection limiter", zap.Error(err))
	}

	sessionDeps := session.Deps{
		Pool:        pool,
		VideoClient: videoClient,
		TextGen:     textGen,
		Chat:        chatRegistry,
		Roles:       roles,
	}

	gw := gateway.New(gateway.Config{
		ProductName:     cfg.ProductName,
		ProductVersion:  productVersion,
		MaintenanceMode: cfg.MaintenanceMode,
		AllowedOrigins:  cfg.AllowedOriginsList(),
		StaticDir:       cfg.StaticDir,
	}, idResolver, metricsState, connLimiter, sessionDeps)

	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = cfg.AllowedOriginsList()
	router.Use(cors.New(corsCfg))

	gw.RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "gateway listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
}

func adminSet(accounts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		set[a] = struct{}{}
	}
	return set
}
