/*Package platformtest provides an in-memory platform api for unit tests

The server speaks just enough of the platform's REST api for the bridge:
identity lookup and registration, device creation, measurement ingestion
and the microservice subscription endpoint. All calls are counted, so
tests can assert exactly how often the platform was hit.
*/
package platformtest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/pulsarbridge/bridge/platform"
)

// Stats counts the platform api calls the server has received.
type Stats struct {
	LookupCalls      int
	CreateCalls      int
	RegisterCalls    int
	MeasurementCalls int
}

// Server is an in-memory stand-in for the platform api.
type Server struct {
	*httptest.Server

	mutex        sync.Mutex
	stats        Stats
	identity     map[string]string // "{type}/{externalID}" -> device id
	devices      map[string]platform.Device
	measurements []platform.Measurement
	nextID       int

	// Tenants is returned by the subscription endpoint.
	Tenants []platform.Credentials
	// FailCreateDevice makes device creation return a server error.
	FailCreateDevice bool
	// FailRegister makes identity registration return a server error.
	FailRegister bool
	// FailMeasurements makes measurement creation return a server error.
	FailMeasurements bool
}

// New starts an in-memory platform api server. Close it after the test.
func New() *Server {
	s := &Server{
		identity: make(map[string]string),
		devices:  make(map[string]platform.Device),
		nextID:   100,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Stats returns a snapshot of the call counters.
func (s *Server) Stats() Stats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.stats
}

// Measurements returns all measurements created so far.
func (s *Server) Measurements() []platform.Measurement {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]platform.Measurement{}, s.measurements...)
}

// Seed registers a device for an external id, as if it had been created
// before.
func (s *Server) Seed(externalID, externalIDType string, device platform.Device) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.devices[device.ID] = device
	s.identity[externalIDType+"/"+externalID] = device.ID
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	parts := strings.Split(path, "/")
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "identity" && parts[1] == "externalIds":
		s.stats.LookupCalls++
		deviceID, ok := s.identity[parts[2]+"/"+parts[3]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "identity/Not Found"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"managedObject": s.devices[deviceID]})

	case r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "identity" && parts[1] == "globalIds":
		s.stats.RegisterCalls++
		if s.FailRegister {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var body struct {
			ExternalID string `json:"externalId"`
			Type       string `json:"type"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		s.identity[body.Type+"/"+body.ExternalID] = parts[2]
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(body)

	case r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "inventory":
		s.stats.CreateCalls++
		if s.FailCreateDevice {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var device platform.Device
		json.NewDecoder(r.Body).Decode(&device)
		s.nextID++
		device.ID = fmt.Sprintf("%d", s.nextID)
		s.devices[device.ID] = device
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(device)

	case r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "measurement":
		s.stats.MeasurementCalls++
		if s.FailMeasurements {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var m platform.Measurement
		json.NewDecoder(r.Body).Decode(&m)
		s.measurements = append(s.measurements, m)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(m)

	case r.Method == http.MethodGet && path == "application/currentApplication/subscriptions":
		json.NewEncoder(w).Encode(map[string]interface{}{"users": s.Tenants})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
