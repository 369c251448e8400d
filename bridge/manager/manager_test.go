package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/pulsarbridge/bridge/platform"
)

type fakeSource struct {
	mutex   sync.Mutex
	tenants []string
	fail    bool
}

func (s *fakeSource) set(tenants ...string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.tenants = tenants
}

func (s *fakeSource) ActiveTenants(ctx context.Context) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.fail {
		return nil, errors.New("discovery down")
	}
	return append([]string{}, s.tenants...), nil
}

func (s *fakeSource) TenantCredentials(ctx context.Context, tenant string) (platform.Credentials, error) {
	return platform.Credentials{Tenant: tenant, Username: "service", Password: "secret"}, nil
}

type fakePipeline struct {
	mutex    sync.Mutex
	tenant   string
	opened   int
	closed   int
	failOpen bool
}

func (p *fakePipeline) Open(ctx context.Context, creds platform.Credentials) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.opened++
	if p.failOpen {
		return errors.New("broker unreachable")
	}
	return nil
}

func (p *fakePipeline) Close(timeout time.Duration) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.closed++
}

func (p *fakePipeline) openCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.opened
}

func (p *fakePipeline) closeCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.closed
}

// pipelineFactory records every pipeline it builds, per tenant.
type pipelineFactory struct {
	mutex     sync.Mutex
	pipelines map[string][]*fakePipeline
	failOpen  map[string]bool
}

func newPipelineFactory() *pipelineFactory {
	return &pipelineFactory{
		pipelines: make(map[string][]*fakePipeline),
		failOpen:  make(map[string]bool),
	}
}

func (f *pipelineFactory) open(tenant string) Pipeline {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	p := &fakePipeline{tenant: tenant, failOpen: f.failOpen[tenant]}
	f.pipelines[tenant] = append(f.pipelines[tenant], p)
	return p
}

func (f *pipelineFactory) forTenant(tenant string) []*fakePipeline {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]*fakePipeline{}, f.pipelines[tenant]...)
}

func testConfig() Config {
	return Config{
		PollInterval: 20 * time.Millisecond,
		StartupDelay: 0,
		CloseTimeout: 100 * time.Millisecond,
	}
}

func TestManagerAddRemove(t *testing.T) {
	source := &fakeSource{}
	source.set("A", "B")
	factory := newPipelineFactory()

	m := New(source, factory.open, testConfig())
	require.NoError(t, m.Start())
	defer m.Stop(time.Second)

	require.Eventually(t, func() bool {
		return len(m.ActiveTenants()) == 2
	}, time.Second, 10*time.Millisecond, "pipelines for A and B expected")

	// B stays, A disappears, C is new
	source.set("B", "C")

	require.Eventually(t, func() bool {
		pipelines := factory.forTenant("C")
		return len(pipelines) == 1 && pipelines[0].openCount() == 1
	}, time.Second, 10*time.Millisecond, "pipeline for C expected")

	require.Eventually(t, func() bool {
		pipelines := factory.forTenant("A")
		return len(pipelines) == 1 && pipelines[0].closeCount() == 1
	}, time.Second, 10*time.Millisecond, "pipeline for A closed exactly once expected")

	tenants := m.ActiveTenants()
	require.ElementsMatch(t, []string{"B", "C"}, tenants)
	require.Len(t, factory.forTenant("B"), 1)
	require.Equal(t, 0, factory.forTenant("B")[0].closeCount())
}

func TestManagerOpenFailureRetries(t *testing.T) {
	source := &fakeSource{}
	source.set("A")
	factory := newPipelineFactory()
	factory.failOpen["A"] = true

	m := New(source, factory.open, testConfig())
	require.NoError(t, m.Start())
	defer m.Stop(time.Second)

	// the failed add leaves A unknown, so every poll re-attempts it
	require.Eventually(t, func() bool {
		return len(factory.forTenant("A")) >= 2
	}, time.Second, 10*time.Millisecond, "add should be retried on next poll")

	factory.mutex.Lock()
	factory.failOpen["A"] = false
	factory.mutex.Unlock()

	require.Eventually(t, func() bool {
		return len(m.ActiveTenants()) == 1
	}, time.Second, 10*time.Millisecond, "pipeline for A expected after recovery")
}

func TestManagerStartFailsWhenDiscoveryUnreachable(t *testing.T) {
	source := &fakeSource{fail: true}
	m := New(source, newPipelineFactory().open, testConfig())
	require.Error(t, m.Start())
}

func TestManagerDiscoveryFlapDoesNotKillPipelines(t *testing.T) {
	source := &fakeSource{}
	source.set("A")
	factory := newPipelineFactory()

	m := New(source, factory.open, testConfig())
	require.NoError(t, m.Start())
	defer m.Stop(time.Second)

	require.Eventually(t, func() bool {
		return len(m.ActiveTenants()) == 1
	}, time.Second, 10*time.Millisecond)

	// a failing poll is logged and skipped, the registry stays untouched
	source.mutex.Lock()
	source.fail = true
	source.mutex.Unlock()
	time.Sleep(100 * time.Millisecond)

	require.Equal(t, []string{"A"}, m.ActiveTenants())
	require.Equal(t, 0, factory.forTenant("A")[0].closeCount())
}

func TestManagerStopClosesAllPipelines(t *testing.T) {
	source := &fakeSource{}
	source.set("A", "B")
	factory := newPipelineFactory()

	m := New(source, factory.open, testConfig())
	require.NoError(t, m.Start())

	require.Eventually(t, func() bool {
		return len(m.ActiveTenants()) == 2
	}, time.Second, 10*time.Millisecond)

	m.Stop(time.Second)

	require.Equal(t, 1, factory.forTenant("A")[0].closeCount())
	require.Equal(t, 1, factory.forTenant("B")[0].closeCount())
	require.Empty(t, m.ActiveTenants())
}

func TestManagerStartupDelayDebounce(t *testing.T) {
	source := &fakeSource{}
	source.set("A")
	factory := newPipelineFactory()

	cfg := testConfig()
	cfg.StartupDelay = 150 * time.Millisecond
	m := New(source, factory.open, cfg)
	require.NoError(t, m.Start())
	defer m.Stop(time.Second)

	// the tenant disappears again before the startup delay expires
	time.Sleep(30 * time.Millisecond)
	source.set()

	require.Eventually(t, func() bool {
		return len(m.ActiveTenants()) == 0
	}, time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	require.Empty(t, factory.forTenant("A"))
}
