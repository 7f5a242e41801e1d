package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/datawell/conduit/internal/authz"
	"github.com/datawell/conduit/internal/handlers"
)

// NewRouter sets up the API routes
func NewRouter(
	jwtSecret string,
	conn *handlers.ConnectionHandler,
	job *handlers.JobHandler,
	audit *handlers.AuditHandler,
	cp *handlers.CheckpointHandler,
	archive *handlers.ArchiveHandler,
	notif *handlers.NotificationHandler,
) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(authz.JWTMiddleware(jwtSecret))

	// Connections and their streams
	api.HandleFunc("/connections", conn.Create).Methods(http.MethodPost)
	api.HandleFunc("/connections", conn.List).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}", conn.Get).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}", conn.Delete).Methods(http.MethodDelete)
	api.HandleFunc("/connections/{id}/streams", conn.UpsertStream).Methods(http.MethodPut)
	api.HandleFunc("/connections/{id}/streams", conn.ListStreams).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}/streams/{stream}/sync", job.TriggerSync).Methods(http.MethodPost)

	// Jobs
	api.HandleFunc("/jobs", job.List).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", job.Get).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/cancel", job.Cancel).Methods(http.MethodPost)

	// Audit log
	api.HandleFunc("/audit", audit.List).Methods(http.MethodGet)

	// Transform checkpoints
	api.HandleFunc("/connections/{id}/streams/{stream}/checkpoints/{transform}", cp.Get).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}/streams/{stream}/checkpoints/{transform}", cp.Reset).Methods(http.MethodDelete)

	// Archival
	api.HandleFunc("/archive/exhausted", archive.ListExhausted).Methods(http.MethodGet)

	// Notifications
	api.HandleFunc("/notifications", notif.List).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{notificationID}/read", notif.MarkRead).Methods(http.MethodPost)

	return router
}
