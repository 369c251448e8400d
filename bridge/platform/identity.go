package platform

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

// ErrNotFound is returned by Lookup when the identity index has no entry
// for the requested external id.
var ErrNotFound = errors.New("not found")

// Device is a device record in the platform's inventory.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// IdentityAPI is the identity index, mapping (external id, type tag) to
// platform-internal device ids.
type IdentityAPI struct {
	client *Client
}

// Lookup resolves an external id of the given type to the device it is
// registered for. Returns ErrNotFound if no such registration exists.
func (a IdentityAPI) Lookup(ctx context.Context, externalID, externalIDType string) (Device, error) {
	var response struct {
		ManagedObject Device `json:"managedObject"`
	}
	status, err := a.client.do(ctx, http.MethodGet,
		"/identity/externalIds/"+url.PathEscape(externalIDType)+"/"+url.PathEscape(externalID),
		nil, &response)
	if status == http.StatusNotFound {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, err
	}
	return response.ManagedObject, nil
}

// Register adds an identity index entry mapping the external id of the
// given type to the device.
func (a IdentityAPI) Register(ctx context.Context, externalID, externalIDType, deviceID string) error {
	body := struct {
		ExternalID string `json:"externalId"`
		Type       string `json:"type"`
	}{
		ExternalID: externalID,
		Type:       externalIDType,
	}
	_, err := a.client.do(ctx, http.MethodPost,
		"/identity/globalIds/"+url.PathEscape(deviceID)+"/externalIds",
		&body, nil)
	return err
}
