package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-paper-trader/internal/api/handlers"
	"github.com/irfndi/celebrum-paper-trader/internal/metrics"
	"github.com/irfndi/celebrum-paper-trader/internal/middleware"
	"github.com/irfndi/celebrum-paper-trader/internal/services"
)

// Dependencies carries everything the HTTP surface needs. History and Setups
// may be nil; their routes are then not registered.
type Dependencies struct {
	Engine         handlers.TradingEngine
	History        handlers.PositionHistory
	Strategy       handlers.StrategyService
	Signals        services.SignalStore
	Halts          handlers.HaltManager
	Setups         handlers.SetupFeed
	Health         *handlers.HealthHandler
	Gatherer       prometheus.Gatherer
	AdminKey       string
	Metrics        *metrics.Collector
	Logger         *logrus.Logger
	AllowedOrigins []string
}

// SetupRoutes registers the query and command API on router.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.Use(
		middleware.CORSMiddleware(deps.AllowedOrigins),
		middleware.TracingMiddleware(),
		middleware.TelemetryMiddleware(deps.Metrics, deps.Logger),
	)

	admin := middleware.NewAdminMiddleware(deps.AdminKey)
	requireAdmin := admin.RequireAdminAuth()

	router.GET("/health", deps.Health.HealthCheck)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	portfolioHandler := handlers.NewPortfolioHandler(deps.Engine, deps.History)
	strategyHandler := handlers.NewStrategyHandler(deps.Strategy)
	signalHandler := handlers.NewSignalHandler(deps.Signals)
	haltHandler := handlers.NewHaltHandler(deps.Halts)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/portfolio", portfolioHandler.GetPortfolio)

		positions := v1.Group("/positions")
		{
			positions.GET("", portfolioHandler.GetPositions)
			positions.GET("/:id", portfolioHandler.GetPosition)
			positions.POST("/:id/close", requireAdmin, portfolioHandler.ClosePosition)
		}

		strategy := v1.Group("/strategy")
		{
			strategy.GET("", strategyHandler.GetStrategy)
			strategy.GET("/history", strategyHandler.GetHistory)
			strategy.POST("/override", requireAdmin, strategyHandler.Override)
		}

		signals := v1.Group("/signals")
		{
			signals.GET("", signalHandler.GetSignals)
			signals.GET("/:symbol", signalHandler.GetSignal)
		}

		halts := v1.Group("/halts")
		{
			halts.GET("", haltHandler.ListHalts)
			halts.POST("", requireAdmin, haltHandler.AddHalt)
			halts.DELETE("/:symbol", requireAdmin, haltHandler.RemoveHalt)
		}

		if deps.Setups != nil {
			setupHandler := handlers.NewSetupHandler(deps.Setups)
			setups := v1.Group("/setups", requireAdmin)
			{
				setups.POST("", setupHandler.PushSetup)
				setups.DELETE("/:symbol", setupHandler.ClearSetup)
			}
		}
	}
}
