package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cgfm/cert-manager-sub002/internal/api/handlers"
	"github.com/cgfm/cert-manager-sub002/internal/api/middleware"
	"github.com/cgfm/cert-manager-sub002/internal/certs"
	"github.com/cgfm/cert-manager-sub002/internal/scheduler"
	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

type Server struct {
	config      *utils.Config
	logger      *utils.Logger
	store       *certs.Store
	scheduler   *scheduler.Scheduler
	engine      *gin.Engine
	server      *http.Server
	rateLimiter *middleware.RateLimiter
}

func NewServer(config *utils.Config, logger *utils.Logger, store *certs.Store, sched *scheduler.Scheduler) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	server := &Server{
		config:      config,
		logger:      logger,
		store:       store,
		scheduler:   sched,
		engine:      engine,
		rateLimiter: middleware.NewRateLimiter(config.APIRateLimit),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

func (s *Server) setupMiddleware() {
	s.engine.Use(gin.Recovery())
	s.engine.Use(middleware.Logger(s.logger))
	s.engine.Use(middleware.CORS())
}

func (s *Server) setupRoutes() {
	healthHandler := handlers.NewHealthHandler(s.config, s.logger, s.store)
	s.engine.GET("/health", healthHandler.Check)

	api := s.engine.Group("/api/v1")
	api.Use(s.rateLimiter.Middleware())
	api.Use(middleware.JWTAuth(s.config.JWTSecret, s.logger))
	{
		certHandler := handlers.NewCertificateHandler(s.config, s.logger, s.store)
		api.GET("/certificates", certHandler.List)
		api.POST("/certificates", certHandler.Create)
		api.GET("/certificates/:fp", certHandler.Get)
		api.PATCH("/certificates/:fp", certHandler.Update)
		api.DELETE("/certificates/:fp", certHandler.Delete)
		api.POST("/certificates/:fp/renew", certHandler.Renew)
		api.POST("/certificates/:fp/sans", certHandler.AddSAN)
		api.DELETE("/certificates/:fp/sans", certHandler.RemoveSAN)
		api.POST("/certificates/:fp/apply-idle", certHandler.ApplyIdle)
		api.POST("/certificates/:fp/convert", certHandler.Convert)
		api.GET("/certificates/:fp/files", certHandler.Files)
		api.GET("/certificates/:fp/history", certHandler.History)
		api.PUT("/certificates/:fp/passphrase", certHandler.StorePassphrase)
		api.GET("/certificates/:fp/passphrase", certHandler.HasPassphrase)
		api.DELETE("/certificates/:fp/passphrase", certHandler.DeletePassphrase)
		api.PUT("/certificates/:fp/deploy-actions/order", certHandler.ReorderDeployActions)
		api.POST("/certificates/:fp/deploy-actions/run", certHandler.RunDeployActions)

		schedulerHandler := handlers.NewSchedulerHandler(s.config, s.logger, s.scheduler)
		api.GET("/scheduler/status", schedulerHandler.Status)
		api.POST("/scheduler/check", schedulerHandler.ForceCheck)
	}
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.APIPort),
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.rateLimiter.Stop()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
