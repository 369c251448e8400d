/*Package platform is a client for the device-management platform

The client is tenant-scoped and speaks the platform's REST api with basic
authentication. It covers the three apis the bridge needs: the identity
index, the device inventory and measurement ingestion. Tenant discovery
against the platform's control api lives in discovery.go.
*/
package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// Credentials is the credential bundle for one tenant.
type Credentials struct {
	Tenant   string `json:"tenant"`
	Username string `json:"name"`
	Password string `json:"password"`
}

// Client provides access to the platform apis for a single tenant.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client

	// Identity is the identity index api
	Identity IdentityAPI
	// Inventory is the device inventory api
	Inventory InventoryAPI
	// Measurements is the measurement ingestion api
	Measurements MeasurementsAPI
}

// New creates a tenant-scoped platform client.
func New(baseURL string, creds Credentials) *Client {
	c := &Client{
		baseURL:    baseURL,
		creds:      creds,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
	c.Identity = IdentityAPI{c}
	c.Inventory = InventoryAPI{c}
	c.Measurements = MeasurementsAPI{c}
	return c
}

// Tenant returns the tenant id this client is scoped to.
func (c *Client) Tenant() string {
	return c.creds.Tenant
}

// do performs one request against the platform. A non-nil body is
// marshalled as JSON, a non-nil result is unmarshalled from the response.
// The HTTP status is returned alongside any error, so that callers can
// distinguish a 404 from a transport failure.
func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	username := c.creds.Username
	if c.creds.Tenant != "" {
		username = c.creds.Tenant + "/" + c.creds.Username
	}
	req.SetBasicAuth(username, c.creds.Password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	data, _ := io.ReadAll(res.Body)
	if res.StatusCode >= http.StatusMultipleChoices {
		return res.StatusCode, fmt.Errorf("%s %s: status %d: %s", method, path, res.StatusCode, string(data))
	}
	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return res.StatusCode, fmt.Errorf("%s %s: cannot parse response: %s", method, path, err.Error())
		}
	}
	return res.StatusCode, nil
}
