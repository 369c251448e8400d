/*Package health exposes the bridge's liveness over HTTP

The supervisor and the HTTP handler share an explicit Status value, there
is no global bridge instance.
*/
package health

import (
	"net/http"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// Status is the shared running flag of the bridge.
type Status struct {
	running atomic.Bool
}

// SetRunning sets the running flag.
func (s *Status) SetRunning(running bool) {
	s.running.Store(running)
}

// Running reports whether the bridge is running.
func (s *Status) Running() bool {
	return s.running.Load()
}

type response struct {
	Status string `json:"status"`
}

// AddRoutes adds the health endpoint to the router.
func AddRoutes(router *mux.Router, status *Status) {
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if status.Running() {
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(response{Status: "healthy"})
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(response{Status: "unhealthy"})
	}).Methods(http.MethodGet)
}
