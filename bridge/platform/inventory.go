package platform

import (
	"context"
	"net/http"
)

// InventoryAPI is the device inventory.
type InventoryAPI struct {
	client *Client
}

// CreateDevice creates a new device record with the given type tag and
// display name. The identity index entry must be registered separately.
func (a InventoryAPI) CreateDevice(ctx context.Context, deviceType, name string) (Device, error) {
	body := struct {
		Name     string   `json:"name"`
		Type     string   `json:"type"`
		IsDevice struct{} `json:"c8y_IsDevice"`
	}{
		Name: name,
		Type: deviceType,
	}
	var device Device
	_, err := a.client.do(ctx, http.MethodPost, "/inventory/managedObjects", &body, &device)
	if err != nil {
		return Device{}, err
	}
	return device, nil
}
