/*Package manager keeps one pipeline per active tenant

The manager polls tenant discovery at a fixed interval and diffs the
result against the set of known tenants. Newly discovered tenants get a
pipeline provisioned, tenants that disappeared get theirs torn down.
Provisioning and teardown run on their own goroutines so that a slow
broker connect or close never stalls discovery of other tenants; all
registry mutations are serialized under a single mutex.
*/
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pulsarbridge/bridge/platform"
	"github.com/relabs-tech/pulsarbridge/core/logger"
)

// Pipeline is the part of a tenant pipeline the manager drives.
type Pipeline interface {
	Open(ctx context.Context, creds platform.Credentials) error
	Close(timeout time.Duration)
}

// OpenFunc builds the pipeline for a tenant. The manager opens it.
type OpenFunc func(tenant string) Pipeline

// Config holds the manager timings.
type Config struct {
	// PollInterval is the discovery poll interval.
	PollInterval time.Duration
	// StartupDelay debounces newly seen tenants against discovery flaps.
	StartupDelay time.Duration
	// CloseTimeout bounds the close of a single pipeline.
	CloseTimeout time.Duration
}

// tenant lifecycle states
type state int

const (
	stateProvisioning state = iota
	stateActive
	stateDraining
)

type entry struct {
	state    state
	pipeline Pipeline
}

// Manager supervises the per-tenant pipelines.
type Manager struct {
	source platform.TenantSource
	open   OpenFunc
	cfg    Config

	// mutex serializes all mutations of known
	mutex sync.Mutex
	known map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	tasks  sync.WaitGroup

	log *logrus.Entry
}

// New creates a manager. Zero timings get sensible defaults.
func New(source platform.TenantSource, open OpenFunc, cfg Config) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		source: source,
		open:   open,
		cfg:    cfg,
		known:  make(map[string]*entry),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    logger.Default(),
	}
}

// Start performs one synchronous discovery poll and then begins the
// background poll loop. A failing first poll is an unrecoverable
// bootstrap error and is returned to the caller.
func (m *Manager) Start() error {
	tenants, err := m.source.ActiveTenants(m.ctx)
	if err != nil {
		return fmt.Errorf("tenant discovery unreachable: %w", err)
	}
	m.apply(tenants)
	go m.run()
	return nil
}

// Stop halts polling, waits up to timeout for in-flight lifecycle tasks,
// then forces all remaining pipelines closed. Pipelines that do not close
// within the timeout are abandoned.
func (m *Manager) Stop(timeout time.Duration) {
	m.cancel()
	<-m.done

	deadline := time.Now().Add(timeout)
	if !waitTimeout(&m.tasks, timeout) {
		m.log.Warn("lifecycle tasks still running, forcing shutdown")
	}

	m.mutex.Lock()
	remaining := m.known
	m.known = make(map[string]*entry)
	m.mutex.Unlock()

	var closing sync.WaitGroup
	for tenant, e := range remaining {
		if e.pipeline == nil {
			continue
		}
		closing.Add(1)
		go func(tenant string, p Pipeline) {
			defer closing.Done()
			p.Close(m.cfg.CloseTimeout)
			m.log.Infof("closed pipeline for tenant '%s'", tenant)
		}(tenant, e.pipeline)
	}
	if !waitTimeout(&closing, time.Until(deadline)) {
		m.log.Warn("shutdown timeout exceeded, abandoning remaining pipelines")
	}
}

// ActiveTenants returns the tenants that currently have an open pipeline.
func (m *Manager) ActiveTenants() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	tenants := make([]string, 0, len(m.known))
	for tenant, e := range m.known {
		if e.state == stateActive {
			tenants = append(tenants, tenant)
		}
	}
	return tenants
}

func (m *Manager) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
		tenants, err := m.source.ActiveTenants(m.ctx)
		if err != nil {
			if m.ctx.Err() == nil {
				m.log.WithError(err).Warn("tenant discovery poll failed")
			}
			continue
		}
		m.apply(tenants)
	}
}

// apply diffs the discovered tenant set against the known set and
// dispatches add and remove tasks.
func (m *Manager) apply(discovered []string) {
	discoveredSet := make(map[string]bool, len(discovered))
	for _, tenant := range discovered {
		discoveredSet[tenant] = true
	}

	var added, removed []string
	m.mutex.Lock()
	for tenant := range discoveredSet {
		if _, ok := m.known[tenant]; !ok {
			added = append(added, tenant)
		}
	}
	for tenant := range m.known {
		if !discoveredSet[tenant] {
			removed = append(removed, tenant)
		}
	}
	m.mutex.Unlock()

	for _, tenant := range added {
		m.addTenant(tenant)
	}
	for _, tenant := range removed {
		m.removeTenant(tenant)
	}
}

// addTenant registers the tenant and provisions its pipeline
// asynchronously. Adding a tenant that is already known is a no-op.
func (m *Manager) addTenant(tenant string) {
	m.mutex.Lock()
	if _, ok := m.known[tenant]; ok {
		m.mutex.Unlock()
		m.log.Warnf("tenant '%s' is already known, ignoring add", tenant)
		return
	}
	e := &entry{state: stateProvisioning}
	m.known[tenant] = e
	m.mutex.Unlock()

	m.log.Infof("tenant '%s' discovered", tenant)
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		m.provision(tenant, e)
	}()
}

func (m *Manager) provision(tenant string, e *entry) {
	ctx, rlog := logger.ContextWithLoggerTenant(m.ctx, tenant)

	// debounce against transient discovery flaps
	if m.cfg.StartupDelay > 0 {
		select {
		case <-ctx.Done():
			m.forget(tenant, e)
			return
		case <-time.After(m.cfg.StartupDelay):
		}
	}
	if m.removedWhileProvisioning(e) {
		rlog.Info("tenant removed before provisioning finished")
		return
	}

	creds, err := m.source.TenantCredentials(ctx, tenant)
	if err != nil {
		rlog.WithError(err).Error("cannot get tenant credentials, will retry on next poll")
		m.forget(tenant, e)
		return
	}

	pipeline := m.open(tenant)
	if err := pipeline.Open(ctx, creds); err != nil {
		rlog.WithError(err).Error("cannot open pipeline, will retry on next poll")
		m.forget(tenant, e)
		return
	}

	m.mutex.Lock()
	if e.state == stateDraining {
		m.mutex.Unlock()
		rlog.Info("tenant removed during provisioning, closing pipeline again")
		pipeline.Close(m.cfg.CloseTimeout)
		return
	}
	e.state = stateActive
	e.pipeline = pipeline
	m.mutex.Unlock()
	rlog.Info("tenant added")
}

// removeTenant deregisters the tenant and tears its pipeline down
// asynchronously. The tenant is removed from the registry regardless of
// close errors; stale state is hazard enough to force removal.
// Removing an unknown tenant is a no-op.
func (m *Manager) removeTenant(tenant string) {
	m.mutex.Lock()
	e, ok := m.known[tenant]
	if !ok {
		m.mutex.Unlock()
		m.log.Warnf("tenant '%s' is not known, ignoring remove", tenant)
		return
	}
	delete(m.known, tenant)
	pipeline := e.pipeline
	e.state = stateDraining
	e.pipeline = nil
	m.mutex.Unlock()

	if pipeline == nil {
		// still provisioning, the provision task observes the state
		m.log.Infof("tenant '%s' removed while still provisioning", tenant)
		return
	}

	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		pipeline.Close(m.cfg.CloseTimeout)
		m.log.Infof("tenant '%s' removed", tenant)
	}()
}

// forget drops a tenant that never finished provisioning, so that the
// next poll re-attempts the add. The entry is compared so that a
// concurrent remove-and-re-add of the same tenant is left untouched.
func (m *Manager) forget(tenant string, e *entry) {
	m.mutex.Lock()
	if current, ok := m.known[tenant]; ok && current == e {
		delete(m.known, tenant)
	}
	m.mutex.Unlock()
}

func (m *Manager) removedWhileProvisioning(e *entry) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return e.state == stateDraining
}

// waitTimeout waits for the wait group, bounded by timeout. Returns false
// if the timeout was exceeded.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
