package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/pulsarbridge/bridge/broker"
	"github.com/relabs-tech/pulsarbridge/bridge/platform"
	"github.com/relabs-tech/pulsarbridge/bridge/platform/platformtest"
)

type fakeMessage struct {
	payload    []byte
	properties map[string]string
}

func (m fakeMessage) Payload() []byte               { return m.payload }
func (m fakeMessage) Properties() map[string]string { return m.properties }
func (m fakeMessage) ID() string                    { return "fake-1" }

type fakeConsumer struct {
	mutex  sync.Mutex
	acked  int
	nacked int
	closed bool
}

func (c *fakeConsumer) Ack(m broker.Message) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.acked++
	return nil
}

func (c *fakeConsumer) Nack(m broker.Message) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.nacked++
}

func (c *fakeConsumer) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closed = true
	return nil
}

type fakeConnection struct {
	consumer     *fakeConsumer
	handler      broker.Handler
	topic        string
	subscription string
	closed       bool
}

func (c *fakeConnection) Subscribe(ctx context.Context, topic, subscription string, handler broker.Handler) (broker.Consumer, error) {
	c.topic = topic
	c.subscription = subscription
	c.handler = handler
	return c.consumer, nil
}

func (c *fakeConnection) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConnection) deliver(payload string, properties map[string]string) {
	c.handler(c.consumer, fakeMessage{payload: []byte(payload), properties: properties})
}

func testPipeline(t *testing.T, server *platformtest.Server, policy Policy) (*Pipeline, *fakeConnection) {
	conn := &fakeConnection{consumer: &fakeConsumer{}}
	p := New(Config{
		Tenant:          "t100",
		PlatformBaseURL: server.URL,
		BrokerURL:       "pulsar://broker:6650",
		BrokerDriver:    broker.DriverPulsar,
		TopicPattern:    "persistent://{tenant}/mqtt/from-device",
		TopicFilter:     "mytopic",
		FailurePolicy:   policy,
	}).WithConnect(func(ctx context.Context, driver string, cfg broker.Config) (broker.Connection, error) {
		return conn, nil
	})

	err := p.Open(context.Background(), platform.Credentials{
		Tenant:   "t100",
		Username: "service",
		Password: "secret",
	})
	require.NoError(t, err)
	return p, conn
}

func TestPipelineEndToEnd(t *testing.T) {
	server := platformtest.New()
	defer server.Close()
	_, conn := testPipeline(t, server, PolicyNack)

	require.Equal(t, "persistent://t100/mqtt/from-device", conn.topic)
	require.Equal(t, "t100_pulsar-bridge", conn.subscription)

	conn.deliver(`{"timestamp":"2026-01-14T12:00:00Z","temperature":23.5,"pressure":90}`,
		map[string]string{"topic": "mytopic", "clientID": "dev-1"})

	stats := server.Stats()
	require.Equal(t, 1, stats.CreateCalls)
	require.Equal(t, 1, stats.RegisterCalls)
	require.Equal(t, 1, stats.MeasurementCalls)
	require.Equal(t, 1, conn.consumer.acked)
	require.Equal(t, 0, conn.consumer.nacked)

	measurements := server.Measurements()
	require.Len(t, measurements, 1)
	m := measurements[0]
	require.Equal(t, "TempPress", m.Type)
	require.True(t, m.Time.Equal(time.Date(2026, 1, 14, 12, 0, 0, 0, time.UTC)))
	require.Equal(t, 23.5, m.TempPress.Temperature.Value)
	require.Equal(t, "°C", m.TempPress.Temperature.Unit)
	require.Equal(t, 90.0, m.TempPress.Pressure.Value)
	require.Equal(t, "kPa", m.TempPress.Pressure.Unit)

	// a second message from the same device creates no second device
	conn.deliver(`{"timestamp":"2026-01-14T12:01:00Z","temperature":24.0,"pressure":91}`,
		map[string]string{"topic": "mytopic", "clientID": "dev-1"})

	stats = server.Stats()
	require.Equal(t, 1, stats.CreateCalls)
	require.Equal(t, 2, stats.MeasurementCalls)
	require.Equal(t, 2, conn.consumer.acked)
}

func TestPipelineTopicFilter(t *testing.T) {
	server := platformtest.New()
	defer server.Close()
	_, conn := testPipeline(t, server, PolicyNack)

	// unmatched topic: consumed on purpose, no platform calls at all
	conn.deliver(`{"timestamp":"2026-01-14T12:00:00Z","temperature":23.5,"pressure":90}`,
		map[string]string{"topic": "other", "clientID": "dev-1"})

	require.Equal(t, platformtest.Stats{}, server.Stats())
	require.Equal(t, 1, conn.consumer.acked)
	require.Equal(t, 0, conn.consumer.nacked)
}

func TestPipelineMalformedPayload(t *testing.T) {
	server := platformtest.New()
	defer server.Close()
	_, conn := testPipeline(t, server, PolicyNack)

	// malformed messages are dropped regardless of the failure policy,
	// redelivering them would never converge
	conn.deliver(`not json at all`,
		map[string]string{"topic": "mytopic", "clientID": "dev-1"})

	require.Equal(t, platformtest.Stats{}, server.Stats())
	require.Equal(t, 1, conn.consumer.acked)
	require.Equal(t, 0, conn.consumer.nacked)
}

func TestPipelineMissingTimestamp(t *testing.T) {
	server := platformtest.New()
	defer server.Close()
	_, conn := testPipeline(t, server, PolicyNack)

	conn.deliver(`{"temperature":23.5,"pressure":90}`,
		map[string]string{"topic": "mytopic", "clientID": "dev-1"})

	require.Equal(t, platformtest.Stats{}, server.Stats())
	require.Equal(t, 1, conn.consumer.acked)
	require.Equal(t, 0, conn.consumer.nacked)
}

func TestPipelineMissingClientID(t *testing.T) {
	server := platformtest.New()
	defer server.Close()
	_, conn := testPipeline(t, server, PolicyNack)

	conn.deliver(`{"timestamp":"2026-01-14T12:00:00Z","temperature":23.5}`,
		map[string]string{"topic": "mytopic"})

	require.Equal(t, platformtest.Stats{}, server.Stats())
	require.Equal(t, 1, conn.consumer.acked)
	require.Equal(t, 0, conn.consumer.nacked)
}

func TestPipelineIngestFailure(t *testing.T) {
	server := platformtest.New()
	defer server.Close()
	server.FailMeasurements = true
	_, conn := testPipeline(t, server, PolicyNack)

	conn.deliver(`{"timestamp":"2026-01-14T12:00:00Z","temperature":23.5}`,
		map[string]string{"topic": "mytopic", "clientID": "dev-1"})

	require.Equal(t, 1, conn.consumer.nacked)
	require.Equal(t, 0, conn.consumer.acked)
}

func TestPipelineIngestFailureDropPolicy(t *testing.T) {
	server := platformtest.New()
	defer server.Close()
	server.FailMeasurements = true
	_, conn := testPipeline(t, server, PolicyDrop)

	conn.deliver(`{"timestamp":"2026-01-14T12:00:00Z","temperature":23.5}`,
		map[string]string{"topic": "mytopic", "clientID": "dev-1"})

	require.Equal(t, 1, conn.consumer.acked)
	require.Equal(t, 0, conn.consumer.nacked)
}

func TestPipelineClose(t *testing.T) {
	server := platformtest.New()
	defer server.Close()
	p, conn := testPipeline(t, server, PolicyNack)

	p.Close(time.Second)
	require.True(t, conn.consumer.closed)
	require.True(t, conn.closed)
}
