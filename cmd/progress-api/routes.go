package main

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/noah-isme/assignment-progress-api/internal/handler"
	"github.com/noah-isme/assignment-progress-api/internal/middleware"
	"github.com/noah-isme/assignment-progress-api/internal/models"
	"github.com/noah-isme/assignment-progress-api/pkg/config"
)

type routeDeps struct {
	tokens interface {
		ValidateToken(token string) (*models.JWTClaims, error)
	}
	progress *handler.ProgressHandler
	metrics  *handler.MetricsHandler
}

func registerRoutes(r *gin.Engine, cfg *config.Config, deps routeDeps) {
	r.GET("/health", deps.metrics.Health)
	r.GET("/ready", deps.metrics.Ready)
	r.GET("/metrics", deps.metrics.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	admins := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin)
	graders := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleFreelancer)

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(deps.tokens))

	api.GET("/metrics/summary", admins, deps.metrics.Snapshot)

	assignments := api.Group("/assignments/:id")
	assignments.GET("/progress", middleware.RequireRoles(), deps.progress.Get)
	assignments.GET("/progress/export", middleware.RequireRoles(), deps.progress.Export)
	assignments.GET("/progress/history", admins, deps.progress.History)
	assignments.POST("/progress", admins, deps.progress.Create)
	assignments.POST("/progress/advance", admins, deps.progress.Advance)
	assignments.POST("/progress/resit", admins, deps.progress.DeclareResit)
	assignments.POST("/progress/lost", admins, deps.progress.DeclareLost)
	assignments.POST("/progress/reset", admins, deps.progress.Reset)
	assignments.POST("/progress/under-process", admins, deps.progress.MarkUnderProcess)
	assignments.POST("/progress/project-manager", admins, deps.progress.AssignProjectManager)
	assignments.POST("/progress/freelancers", admins, deps.progress.AssignFreelancer)
	assignments.POST("/marks", graders, deps.progress.RecordMarks)
}
