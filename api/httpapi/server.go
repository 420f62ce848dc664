package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/notify"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/observability"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/orchestrator"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	svc        *orchestrator.Service
	queue      *notify.Queue
}

type Config struct {
	Port string
}

func NewServer(cfg Config, logger *zap.Logger, svc *orchestrator.Service, queue *notify.Queue) *Server {
	r := mux.NewRouter()

	routeName := func(r *http.Request) string {
		if rt := mux.CurrentRoute(r); rt != nil {
			if tpl, err := rt.GetPathTemplate(); err == nil && tpl != "" {
				return tpl
			}
		}
		return r.URL.Path
	}

	// Middlewares (order matters)
	r.Use(observability.RequestIDMiddleware)
	r.Use(observability.TracingMiddleware(routeName))
	r.Use(observability.HTTPMetricsMiddleware(routeName))
	r.Use(observability.AccessLogMiddleware(logger, routeName))

	srv := &Server{
		logger: logger,
		svc:    svc,
		queue:  queue,
	}

	// Metrics
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Health
	r.HandleFunc("/api/v1/health", srv.handleHealth).Methods(http.MethodGet)

	// Tasks
	s := r.PathPrefix("/api/v1/sites/{siteID}").Subrouter()
	s.HandleFunc("/tasks", srv.handleCreateTask).Methods(http.MethodPost)
	s.HandleFunc("/tasks", srv.handleListTasks).Methods(http.MethodGet)
	s.HandleFunc("/tasks/overdue", srv.handleListOverdueTasks).Methods(http.MethodGet)
	s.HandleFunc("/tasks/{id}", srv.handleGetTask).Methods(http.MethodGet)
	s.HandleFunc("/tasks/{id}", srv.handleUpdateTask).Methods(http.MethodPatch)
	s.HandleFunc("/tasks/{id}/assign", srv.handleAssignTask).Methods(http.MethodPost)
	s.HandleFunc("/tasks/{id}/start", srv.handleStartTask).Methods(http.MethodPost)
	s.HandleFunc("/tasks/{id}/complete", srv.handleCompleteTask).Methods(http.MethodPost)
	s.HandleFunc("/tasks/{id}/cancel", srv.handleCancelTask).Methods(http.MethodPost)
	s.HandleFunc("/tasks/{id}/unblock", srv.handleUnblockTask).Methods(http.MethodPost)
	s.HandleFunc("/tasks/{id}/dependencies", srv.handleAddDependency).Methods(http.MethodPost)
	s.HandleFunc("/tasks/{id}/watchers/{userID}", srv.handleAddWatcher).Methods(http.MethodPut)
	s.HandleFunc("/tasks/{id}/watchers/{userID}", srv.handleRemoveWatcher).Methods(http.MethodDelete)
	s.HandleFunc("/tasks/{id}/history", srv.handleGetHistory).Methods(http.MethodGet)
	s.HandleFunc("/tasks/{id}/gating", srv.handleEvaluateGating).Methods(http.MethodGet)

	// Notifications
	s.HandleFunc("/notifications", srv.handleSendNotification).Methods(http.MethodPost)
	s.HandleFunc("/notifications/failed", srv.handleListFailedNotifications).Methods(http.MethodGet)
	s.HandleFunc("/notifications/{id}/retry", srv.handleRetryNotification).Methods(http.MethodPost)

	hs := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv.httpServer = hs
	return srv
}

func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}
