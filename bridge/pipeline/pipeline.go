/*Package pipeline processes one tenant's telemetry stream

A pipeline owns exactly one broker connection, one shared-type consumer
and one platform client, all scoped to a single tenant. Every delivered
message runs through decode, filter, device resolution, transform and
ingest. Per-message failures are contained: they terminate the message
with an acknowledgment or a negative acknowledgment, never the pipeline.
*/
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pulsarbridge/bridge/broker"
	"github.com/relabs-tech/pulsarbridge/bridge/deadletter"
	"github.com/relabs-tech/pulsarbridge/bridge/mapper"
	"github.com/relabs-tech/pulsarbridge/bridge/platform"
	"github.com/relabs-tech/pulsarbridge/bridge/resolver"
	"github.com/relabs-tech/pulsarbridge/core/logger"
	"github.com/relabs-tech/pulsarbridge/core/registry"
)

// Policy decides what happens to a message whose device resolution or
// measurement ingestion failed. Malformed messages are not subject to
// the policy, they are always dropped: redelivering a permanently
// malformed message never converges.
type Policy string

const (
	// PolicyNack negatively acknowledges the message so the broker
	// redelivers it.
	PolicyNack Policy = "nack"
	// PolicyDrop acknowledges the message and drops it, optionally
	// archiving the payload to the dead letter archive.
	PolicyDrop Policy = "drop"
)

const (
	// message properties set by the broker-side MQTT service
	topicProperty    = "topic"
	clientIDProperty = "clientID"

	messageTimeout = 30 * time.Second
)

// Config holds the per-tenant pipeline configuration.
type Config struct {
	Tenant string

	PlatformBaseURL string
	BrokerURL       string
	BrokerDriver    string

	// TopicPattern is the subscription topic, {tenant} is substituted.
	TopicPattern string
	// TopicFilter drops every message whose topic property differs.
	TopicFilter string

	FailurePolicy Policy
}

// Pipeline bridges one tenant's broker subscription to the platform.
type Pipeline struct {
	cfg Config

	connect    broker.ConnectFunc
	store      *registry.Registry
	deadLetter *deadletter.Archive

	client   *platform.Client
	resolver *resolver.Resolver
	conn     broker.Connection
	consumer broker.Consumer

	log *logrus.Entry
}

// New creates a pipeline for the tenant. The pipeline does not connect
// until Open is called.
func New(cfg Config) *Pipeline {
	_, rlog := logger.ContextWithLoggerTenant(context.Background(), cfg.Tenant)
	return &Pipeline{
		cfg:     cfg,
		connect: broker.Connect,
		log:     rlog,
	}
}

// WithConnect substitutes the broker connect function, for tests.
func (p *Pipeline) WithConnect(connect broker.ConnectFunc) *Pipeline {
	p.connect = connect
	return p
}

// WithStore adds a persistent device cache backing the resolver.
func (p *Pipeline) WithStore(store *registry.Registry) *Pipeline {
	p.store = store
	return p
}

// WithDeadLetter adds a dead letter archive for dropped payloads.
func (p *Pipeline) WithDeadLetter(archive *deadletter.Archive) *Pipeline {
	p.deadLetter = archive
	return p
}

// Open connects to the broker with the tenant's credentials and
// subscribes to the tenant's telemetry topic with a shared-type consumer.
func (p *Pipeline) Open(ctx context.Context, creds platform.Credentials) error {
	p.client = platform.New(p.cfg.PlatformBaseURL, creds)
	p.resolver = resolver.New(p.client)
	if p.store != nil {
		p.resolver.WithStore(p.store.Accessor(p.cfg.Tenant))
	}

	topic := strings.ReplaceAll(p.cfg.TopicPattern, "{tenant}", p.cfg.Tenant)
	subscription := p.cfg.Tenant + "_pulsar-bridge"

	conn, err := p.connect(ctx, p.cfg.BrokerDriver, broker.Config{
		URL:      p.cfg.BrokerURL,
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return err
	}
	consumer, err := conn.Subscribe(context.Background(), topic, subscription, p.handle)
	if err != nil {
		conn.Close()
		return err
	}
	p.conn = conn
	p.consumer = consumer
	p.log.Infof("subscribed to '%s' as '%s'", topic, subscription)
	return nil
}

// Close closes consumer and connection, in that order, bounded by the
// timeout. Close errors are logged, not propagated; a pipeline that did
// not close cleanly is abandoned.
func (p *Pipeline) Close(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if p.consumer != nil {
			if err := p.consumer.Close(); err != nil {
				p.log.WithError(err).Error("cannot close consumer")
			}
		}
		if p.conn != nil {
			if err := p.conn.Close(); err != nil {
				p.log.WithError(err).Error("cannot close connection")
			}
		}
	}()
	select {
	case <-done:
		p.log.Info("pipeline closed")
	case <-time.After(timeout):
		p.log.Warn("pipeline close timed out, abandoning")
	}
}

// handle processes one delivered message. It may be called concurrently
// by the broker driver.
func (p *Pipeline) handle(c broker.Consumer, m broker.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("panic while processing message %s: %v", m.ID(), r)
		}
	}()

	properties := m.Properties()
	topic := properties[topicProperty]
	if topic != p.cfg.TopicFilter {
		// consumed on purpose, not an error
		p.log.Debugf("ignoring message from topic '%s'", topic)
		p.ack(c, m)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()
	ctx, _ = logger.ContextWithLoggerTenant(ctx, p.cfg.Tenant)

	clientID := properties[clientIDProperty]
	if clientID == "" {
		p.drop(ctx, c, m, "no clientID property in message")
		return
	}

	telemetry, err := mapper.Decode(m.Payload())
	if err != nil {
		p.drop(ctx, c, m, err.Error())
		return
	}

	device, err := p.resolver.Resolve(ctx, clientID)
	if err != nil {
		p.fail(ctx, c, m, err.Error())
		return
	}

	if err = p.client.Measurements.Create(ctx, mapper.Measurement(telemetry, device.ID)); err != nil {
		p.fail(ctx, c, m, "cannot create measurement: "+err.Error())
		return
	}

	p.log.Debugf("sent measurement for device %s", device.ID)
	p.ack(c, m)
}

func (p *Pipeline) ack(c broker.Consumer, m broker.Message) {
	if err := c.Ack(m); err != nil {
		p.log.WithError(err).Errorf("cannot acknowledge message %s", m.ID())
	}
}

// fail terminates a message whose resolve or ingest failed, according to
// the configured failure policy.
func (p *Pipeline) fail(ctx context.Context, c broker.Consumer, m broker.Message, reason string) {
	if p.cfg.FailurePolicy == PolicyDrop {
		p.drop(ctx, c, m, reason)
		return
	}
	p.log.Errorf("cannot process message %s: %s", m.ID(), reason)
	c.Nack(m)
}

// drop acknowledges a message that must not be redelivered, archiving the
// payload first when an archive is configured.
func (p *Pipeline) drop(ctx context.Context, c broker.Consumer, m broker.Message, reason string) {
	p.log.Errorf("dropping message %s: %s", m.ID(), reason)
	if p.deadLetter != nil {
		if err := p.deadLetter.Store(ctx, p.cfg.Tenant, m.Payload()); err != nil {
			p.log.WithError(err).Warn("cannot archive dropped payload")
		}
	}
	p.ack(c, m)
}
