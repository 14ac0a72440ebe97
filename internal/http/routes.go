package httpx

import (
	"log/slog"
	"net/http"
	"time"
)

// RouterServices holds the dependencies for building the HTTP router.
type RouterServices struct {
	Executor Executor
	Runs     RunLister
	Breakers BreakerLister
	Logger   *slog.Logger

	// TriggerSecret gates the trigger endpoint. Empty refuses all
	// trigger requests.
	TriggerSecret string

	// Now may be nil for the system clock.
	Now func() time.Time
}

// NewRouter builds the HTTP handler with all routes and middleware.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", healthHandler)
	mux.HandleFunc("HEAD /healthz", healthHandler)

	trigger := NewTriggerHandlers(services.Executor, logger, services.Now)
	requireSecret := RequireSecret(services.TriggerSecret)
	mux.Handle("GET /jobs/{name}/run", requireSecret(http.HandlerFunc(trigger.Run)))

	monitor := NewMonitorHandlers(services.Runs, services.Breakers, services.Now)
	mux.HandleFunc("GET /api/runs", monitor.ListRuns)
	mux.HandleFunc("GET /api/breakers", monitor.ListBreakers)

	var handler http.Handler = mux
	handler = Logging(logger)(handler)
	handler = Recover(logger)(handler)
	return handler
}
