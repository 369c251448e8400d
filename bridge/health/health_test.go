package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoint(t *testing.T) {
	status := &Status{}
	router := mux.NewRouter()
	AddRoutes(router, status)

	get := func() (int, string) {
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/health", nil)
		router.ServeHTTP(recorder, request)
		return recorder.Code, recorder.Body.String()
	}

	code, body := get()
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.JSONEq(t, `{"status":"unhealthy"}`, body)

	status.SetRunning(true)
	code, body = get()
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status":"healthy"}`, body)

	status.SetRunning(false)
	code, _ = get()
	require.Equal(t, http.StatusServiceUnavailable, code)
}
