package platform_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/pulsarbridge/bridge/platform"
	"github.com/relabs-tech/pulsarbridge/bridge/platform/platformtest"
)

func TestIdentityLookupNotFound(t *testing.T) {
	server := platformtest.New()
	defer server.Close()

	client := platform.New(server.URL, platform.Credentials{Tenant: "t100", Username: "u", Password: "p"})
	_, err := client.Identity.Lookup(context.Background(), "unknown", "c8y_Serial")
	require.True(t, errors.Is(err, platform.ErrNotFound))
}

func TestIdentityRoundTrip(t *testing.T) {
	server := platformtest.New()
	defer server.Close()

	client := platform.New(server.URL, platform.Credentials{Tenant: "t100", Username: "u", Password: "p"})
	ctx := context.Background()

	device, err := client.Inventory.CreateDevice(ctx, "mqtt_pulsar_Device", "MyDevice-dev-1")
	require.NoError(t, err)
	require.NotEmpty(t, device.ID)

	require.NoError(t, client.Identity.Register(ctx, "dev-1", "c8y_Serial", device.ID))

	found, err := client.Identity.Lookup(ctx, "dev-1", "c8y_Serial")
	require.NoError(t, err)
	require.Equal(t, device.ID, found.ID)
}

func TestBasicAuthHeader(t *testing.T) {
	var username, password string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, _ = r.BasicAuth()
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := platform.New(server.URL, platform.Credentials{Tenant: "t100", Username: "service", Password: "secret"})
	_, err := client.Identity.Lookup(context.Background(), "dev-1", "c8y_Serial")
	require.NoError(t, err)

	// platform basic auth is "tenant/user"
	require.Equal(t, "t100/service", username)
	require.Equal(t, "secret", password)
}

func TestSubscriptionSource(t *testing.T) {
	server := platformtest.New()
	defer server.Close()
	server.Tenants = []platform.Credentials{
		{Tenant: "t100", Username: "svc100", Password: "s100"},
		{Tenant: "t200", Username: "svc200", Password: "s200"},
	}

	source := platform.NewSubscriptionSource(server.URL, platform.Credentials{
		Tenant: "management", Username: "bootstrap", Password: "boot",
	})

	tenants, err := source.ActiveTenants(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"t100", "t200"}, tenants)

	creds, err := source.TenantCredentials(context.Background(), "t200")
	require.NoError(t, err)
	require.Equal(t, "svc200", creds.Username)

	_, err = source.TenantCredentials(context.Background(), "t999")
	require.Error(t, err)
}

func TestStaticSource(t *testing.T) {
	source := platform.StaticSource{Creds: platform.Credentials{Tenant: "t100", Username: "u", Password: "p"}}

	tenants, err := source.ActiveTenants(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"t100"}, tenants)

	creds, err := source.TenantCredentials(context.Background(), "t100")
	require.NoError(t, err)
	require.Equal(t, "u", creds.Username)

	_, err = source.TenantCredentials(context.Background(), "t200")
	require.Error(t, err)
}
