/*Package resolver maps external device identifiers to platform devices

The external id is the broker client id of the sending device. On first
sight the resolver creates a device record and registers the external id
in the platform's identity index. Concurrent resolves of the same
external id are collapsed into a single flight, so that one device is
never created twice by racing messages.
*/
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/relabs-tech/pulsarbridge/bridge/platform"
	"github.com/relabs-tech/pulsarbridge/core/logger"
	"github.com/relabs-tech/pulsarbridge/core/registry"
)

const (
	// ExternalIDType is the identity index type tag for broker client ids.
	ExternalIDType = "c8y_Serial"
	// DeviceType is the type tag of devices created by the bridge.
	DeviceType = "mqtt_pulsar_Device"
	// DeviceNamePrefix prefixes the external id to form the display name.
	DeviceNamePrefix = "MyDevice-"
)

// Resolver resolves external device identifiers for a single tenant.
type Resolver struct {
	client *platform.Client

	group singleflight.Group
	mutex sync.RWMutex
	cache map[string]platform.Device
	store *registry.Accessor
}

// New creates a resolver for the tenant the client is scoped to.
func New(client *platform.Client) *Resolver {
	return &Resolver{
		client: client,
		cache:  make(map[string]platform.Device),
	}
}

// WithStore adds a persistent cache of resolved devices. Store failures
// are logged and degrade to the remote lookup, they never fail a resolve.
func (r *Resolver) WithStore(store registry.Accessor) *Resolver {
	r.store = &store
	return r
}

// Resolve returns the device for the external id, creating and
// registering it on first sight. A failed resolve means the message is
// undeliverable this attempt, not that the pipeline is broken.
func (r *Resolver) Resolve(ctx context.Context, externalID string) (platform.Device, error) {
	r.mutex.RLock()
	device, ok := r.cache[externalID]
	r.mutex.RUnlock()
	if ok {
		return device, nil
	}

	v, err, _ := r.group.Do(externalID, func() (interface{}, error) {
		return r.resolve(ctx, externalID)
	})
	if err != nil {
		return platform.Device{}, err
	}
	return v.(platform.Device), nil
}

func (r *Resolver) resolve(ctx context.Context, externalID string) (platform.Device, error) {
	// a racing flight may have resolved the id in the meantime
	r.mutex.RLock()
	device, ok := r.cache[externalID]
	r.mutex.RUnlock()
	if ok {
		return device, nil
	}

	rlog := logger.FromContext(ctx)

	if r.store != nil {
		var stored platform.Device
		createdAt, err := r.store.Read(externalID, &stored)
		if err != nil {
			rlog.WithError(err).Warn("device store read failed")
		} else if !createdAt.IsZero() {
			r.remember(ctx, externalID, stored, false)
			return stored, nil
		}
	}

	device, err := r.client.Identity.Lookup(ctx, externalID, ExternalIDType)
	if err == nil {
		r.remember(ctx, externalID, device, true)
		return device, nil
	}
	if !errors.Is(err, platform.ErrNotFound) {
		// the identity service cannot distinguish genuine absence from a
		// transient failure here, treat both as not found
		rlog.WithError(err).Warnf("identity lookup for '%s' failed, assuming not found", externalID)
	}

	device, err = r.client.Inventory.CreateDevice(ctx, DeviceType, DeviceNamePrefix+externalID)
	if err != nil {
		return platform.Device{}, fmt.Errorf("cannot create device for external id '%s': %w", externalID, err)
	}
	if err = r.client.Identity.Register(ctx, externalID, ExternalIDType, device.ID); err != nil {
		// the device record exists but is not indexed; a retry will create
		// a duplicate, orphaned device. Known open issue.
		return platform.Device{}, fmt.Errorf("device %s created but identity registration for '%s' failed: %w",
			device.ID, externalID, err)
	}
	rlog.Infof("created device %s for external id '%s'", device.ID, externalID)
	r.remember(ctx, externalID, device, true)
	return device, nil
}

func (r *Resolver) remember(ctx context.Context, externalID string, device platform.Device, persist bool) {
	r.mutex.Lock()
	r.cache[externalID] = device
	r.mutex.Unlock()

	if persist && r.store != nil {
		if err := r.store.Write(externalID, device); err != nil {
			logger.FromContext(ctx).WithError(err).Warn("device store write failed")
		}
	}
}
