package resolver

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/pulsarbridge/bridge/platform"
	"github.com/relabs-tech/pulsarbridge/bridge/platform/platformtest"
)

func testClient(server *platformtest.Server) *platform.Client {
	return platform.New(server.URL, platform.Credentials{
		Tenant:   "t100",
		Username: "service",
		Password: "secret",
	})
}

func TestResolveCreatesOnFirstSight(t *testing.T) {
	server := platformtest.New()
	defer server.Close()
	r := New(testClient(server))

	device, err := r.Resolve(context.Background(), "dev-1")
	require.NoError(t, err)
	require.NotEmpty(t, device.ID)

	stats := server.Stats()
	require.Equal(t, 1, stats.CreateCalls)
	require.Equal(t, 1, stats.RegisterCalls)

	// second resolve is served from the cache
	again, err := r.Resolve(context.Background(), "dev-1")
	require.NoError(t, err)
	require.Equal(t, device.ID, again.ID)

	stats = server.Stats()
	require.Equal(t, 1, stats.CreateCalls)
	require.Equal(t, 1, stats.RegisterCalls)
}

func TestResolveExistingDevice(t *testing.T) {
	server := platformtest.New()
	defer server.Close()
	server.Seed("dev-2", ExternalIDType, platform.Device{ID: "4711", Name: "MyDevice-dev-2"})

	// a fresh resolver with an empty cache must find the device through
	// the identity index, not create a second one
	r := New(testClient(server))
	device, err := r.Resolve(context.Background(), "dev-2")
	require.NoError(t, err)
	require.Equal(t, "4711", device.ID)

	stats := server.Stats()
	require.Equal(t, 1, stats.LookupCalls)
	require.Equal(t, 0, stats.CreateCalls)
}

func TestResolveConcurrent(t *testing.T) {
	server := platformtest.New()
	defer server.Close()
	r := New(testClient(server))

	const flights = 20
	devices := make([]platform.Device, flights)
	errs := make([]error, flights)
	var wg sync.WaitGroup
	for i := 0; i < flights; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			devices[i], errs[i] = r.Resolve(context.Background(), "dev-3")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// racing resolves must collapse into a single creation
	stats := server.Stats()
	require.Equal(t, 1, stats.CreateCalls)
	require.Equal(t, 1, stats.RegisterCalls)
	for _, device := range devices {
		require.Equal(t, devices[0].ID, device.ID)
	}
}

func TestResolveCreateFailure(t *testing.T) {
	server := platformtest.New()
	defer server.Close()
	server.FailCreateDevice = true

	r := New(testClient(server))
	_, err := r.Resolve(context.Background(), "dev-4")
	require.Error(t, err)

	// the failure is per attempt, a later resolve tries again
	server.FailCreateDevice = false
	device, err := r.Resolve(context.Background(), "dev-4")
	require.NoError(t, err)
	require.NotEmpty(t, device.ID)
}

func TestResolveRegisterFailure(t *testing.T) {
	server := platformtest.New()
	defer server.Close()
	server.FailRegister = true

	r := New(testClient(server))
	_, err := r.Resolve(context.Background(), "dev-5")
	require.Error(t, err)

	// the created device is orphaned, a retry creates a duplicate; this
	// is the documented open issue, the test only pins the error path
	stats := server.Stats()
	require.Equal(t, 1, stats.CreateCalls)
}
