package server

import (
	"net/http"
)

// apiPrefixes lists the mount points of the API; every route is served under
// /api and at the root
var apiPrefixes = []string{"/api", ""}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	for _, prefix := range apiPrefixes {
		// Templates: CRUD plus run, test, history and jobs sub-resources
		mux.HandleFunc(prefix+"/templates", s.handleTemplatesRoute)                // GET (list), POST (create)
		mux.HandleFunc(prefix+"/templates/", s.app.TemplateHandler.HandleTemplate) // /{id}[/run|/test|/history|/jobs], /batch/run

		// Jobs: listing, status polling, cancellation and records
		mux.HandleFunc(prefix+"/jobs", s.app.JobHandler.ListJobsHandler)
		mux.HandleFunc(prefix+"/jobs/", s.app.JobHandler.HandleJob)
		mux.HandleFunc(prefix+"/batches/", s.app.JobHandler.HandleBatch)

		// Scheduler
		mux.HandleFunc(prefix+"/schedules", s.app.SchedulerHandler.ListSchedulesHandler)

		// System
		mux.HandleFunc(prefix+"/version", s.app.APIHandler.VersionHandler)
		mux.HandleFunc(prefix+"/health", s.handleHealthRoute)
	}

	// 404 handler for unmatched routes
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleTemplatesRoute routes /templates requests (list and create)
func (s *Server) handleTemplatesRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r,
		s.app.TemplateHandler.ListTemplatesHandler,
		s.app.TemplateHandler.CreateTemplateHandler,
	)
}

// handleHealthRoute answers GET and HEAD health checks
func (s *Server) handleHealthRoute(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"GET": s.app.APIHandler.HealthHandler,
		"HEAD": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	})
}
