/*Package bridge supervises the telemetry bridge process

The bridge connects a multi-tenant publish/subscribe broker to an IoT
device-management platform. Per active tenant it consumes telemetry from
the tenant's broker topic, creates device records on first sight and
forwards the telemetry as typed measurements.

The supervisor owns the process lifecycle: it starts the subscription
manager, reports liveness through the shared health status and performs
the ordered shutdown of every tenant pipeline.
*/
package bridge

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pulsarbridge/bridge/health"
	"github.com/relabs-tech/pulsarbridge/bridge/manager"
	"github.com/relabs-tech/pulsarbridge/core/logger"
)

// Bridge is the top-level supervisor.
type Bridge struct {
	manager         *manager.Manager
	status          *health.Status
	shutdownTimeout time.Duration
	log             *logrus.Entry
}

// New creates a bridge supervisor.
func New(mgr *manager.Manager, status *health.Status, shutdownTimeout time.Duration) *Bridge {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &Bridge{
		manager:         mgr,
		status:          status,
		shutdownTimeout: shutdownTimeout,
		log:             logger.Default(),
	}
}

// Run starts the subscription manager and blocks until the context is
// canceled, then shuts everything down in order. Only a failing start
// returns an error; everything after that is contained and logged.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.manager.Start(); err != nil {
		return err
	}
	b.status.SetRunning(true)
	b.log.Info("bridge is running")

	<-ctx.Done()

	b.log.Info("stopping bridge")
	b.status.SetRunning(false)
	b.manager.Stop(b.shutdownTimeout)
	b.log.Info("bridge stopped")
	return nil
}
