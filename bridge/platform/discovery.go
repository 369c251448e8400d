package platform

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// TenantSource lists the currently active tenants and provides their
// credentials. It is polled by the subscription manager, never pushed.
type TenantSource interface {
	ActiveTenants(ctx context.Context) ([]string, error)
	TenantCredentials(ctx context.Context, tenant string) (Credentials, error)
}

// SubscriptionSource discovers tenants through the platform's
// microservice subscription endpoint, authenticated with the service's
// bootstrap credentials. Every ActiveTenants call refreshes the cached
// per-tenant credentials.
type SubscriptionSource struct {
	client *Client

	mutex sync.Mutex
	creds map[string]Credentials
}

// NewSubscriptionSource creates a discovery source for the given platform
// and bootstrap credentials.
func NewSubscriptionSource(baseURL string, bootstrap Credentials) *SubscriptionSource {
	return &SubscriptionSource{
		client: New(baseURL, bootstrap),
		creds:  make(map[string]Credentials),
	}
}

// ActiveTenants returns the ids of all tenants currently subscribed to
// this service.
func (s *SubscriptionSource) ActiveTenants(ctx context.Context) ([]string, error) {
	var response struct {
		Users []Credentials `json:"users"`
	}
	_, err := s.client.do(ctx, http.MethodGet, "/application/currentApplication/subscriptions", nil, &response)
	if err != nil {
		return nil, fmt.Errorf("cannot list subscriptions: %w", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.creds = make(map[string]Credentials, len(response.Users))
	tenants := make([]string, 0, len(response.Users))
	for _, creds := range response.Users {
		s.creds[creds.Tenant] = creds
		tenants = append(tenants, creds.Tenant)
	}
	return tenants, nil
}

// TenantCredentials returns the credentials reported for the tenant by
// the most recent ActiveTenants call.
func (s *SubscriptionSource) TenantCredentials(ctx context.Context, tenant string) (Credentials, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	creds, ok := s.creds[tenant]
	if !ok {
		return Credentials{}, fmt.Errorf("no credentials for tenant '%s'", tenant)
	}
	return creds, nil
}

// StaticSource serves one fixed tenant with fixed credentials. It is the
// discovery source for single-tenant deployments, where tenant and
// credentials come directly from the environment.
type StaticSource struct {
	Creds Credentials
}

// ActiveTenants returns the single configured tenant.
func (s StaticSource) ActiveTenants(ctx context.Context) ([]string, error) {
	return []string{s.Creds.Tenant}, nil
}

// TenantCredentials returns the configured credentials.
func (s StaticSource) TenantCredentials(ctx context.Context, tenant string) (Credentials, error) {
	if tenant != s.Creds.Tenant {
		return Credentials{}, fmt.Errorf("unknown tenant '%s'", tenant)
	}
	return s.Creds, nil
}
