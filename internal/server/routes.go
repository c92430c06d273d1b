package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route (event stream + data_update triggers)
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Training pipeline
	mux.HandleFunc("/api/training/trigger", s.app.TrainingHandler.TriggerHandler) // POST - trigger a pipeline run
	mux.HandleFunc("/api/training/runs", s.app.TrainingHandler.RunsHandler)       // GET - current and last run

	// API routes - Status
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler) // GET - application status

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/shutdown", s.ShutdownHandler) // Graceful shutdown endpoint (dev mode)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}
