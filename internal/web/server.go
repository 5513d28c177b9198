// Package web exposes the admin and trigger API over HTTP.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/camuig/mt5-bonus/internal/config"
	"github.com/camuig/mt5-bonus/internal/engine"
	"github.com/camuig/mt5-bonus/internal/logger"
	"github.com/camuig/mt5-bonus/internal/storage"
	"github.com/camuig/mt5-bonus/internal/trigger"
)

type Server struct {
	httpServer *http.Server
	engine     *engine.Engine
	dispatcher *trigger.Dispatcher
	repo       *storage.Repository
	config     *config.Config
	logger     *logger.Logger
}

func NewServer(eng *engine.Engine, dispatcher *trigger.Dispatcher, repo *storage.Repository, cfg *config.Config, log *logger.Logger) *Server {
	s := &Server{
		engine:     eng,
		dispatcher: dispatcher,
		repo:       repo,
		config:     cfg,
		logger:     log,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)

	api := router.Group("/api")
	{
		triggers := api.Group("/triggers")
		{
			triggers.POST("/deposit", s.handleDepositTrigger)
			triggers.POST("/registration", s.handleRegistrationTrigger)
			triggers.POST("/promo-code", s.handlePromoCodeTrigger)
		}

		bonuses := api.Group("/bonuses")
		{
			bonuses.GET("", s.handleListBonuses)
			bonuses.POST("/assign", s.handleAssignBonus)
			bonuses.POST("/check-eligibility", s.handleCheckEligibility)
			bonuses.POST("/:id/cancel", s.handleCancelBonus)
			bonuses.POST("/:id/leverage", s.handleOverrideLeverage)
		}

		campaigns := api.Group("/campaigns")
		{
			campaigns.GET("", s.handleListCampaigns)
			campaigns.POST("", s.handleCreateCampaign)
		}

		api.GET("/monitoring/accounts", s.handleListMonitoredAccounts)
		api.GET("/groups", s.handleListGroups)
		api.GET("/audit", s.handleListAuditLogs)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Web.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	s.logger.Info("web server starting", "port", s.config.Web.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
