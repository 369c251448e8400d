package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"

	"github.com/relabs-tech/pulsarbridge/core/logger"
)

// connectPulsar connects to an Apache Pulsar cluster with basic
// authentication. This is the reference deployment: the platform exposes
// one Pulsar namespace per tenant and the tenant's platform credentials
// double as broker credentials.
func connectPulsar(ctx context.Context, cfg Config) (Connection, error) {
	auth, err := pulsar.NewAuthenticationBasic(cfg.Username, cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConnect, err.Error())
	}
	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:               cfg.URL,
		Authentication:    auth,
		ConnectionTimeout: 30 * time.Second,
		OperationTimeout:  30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConnect, err.Error())
	}
	return &pulsarConnection{client: client}, nil
}

type pulsarConnection struct {
	client pulsar.Client
}

func (c *pulsarConnection) Subscribe(ctx context.Context, topic, subscription string, handler Handler) (Consumer, error) {
	consumer, err := c.client.Subscribe(pulsar.ConsumerOptions{
		Topic:            topic,
		SubscriptionName: subscription,
		Type:             pulsar.Shared,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot subscribe to '%s': %w", topic, err)
	}
	pc := &pulsarConsumer{consumer: consumer}
	pc.ctx, pc.cancel = context.WithCancel(ctx)
	go pc.receive(handler)
	return pc, nil
}

func (c *pulsarConnection) Close() error {
	c.client.Close()
	return nil
}

type pulsarConsumer struct {
	consumer pulsar.Consumer
	ctx      context.Context
	cancel   context.CancelFunc
}

func (pc *pulsarConsumer) receive(handler Handler) {
	for {
		msg, err := pc.consumer.Receive(pc.ctx)
		if err != nil {
			if pc.ctx.Err() == nil {
				logger.Default().WithError(err).Error("pulsar receive loop terminated")
			}
			return
		}
		handler(pc, pulsarMessage{msg})
	}
}

func (pc *pulsarConsumer) Ack(m Message) error {
	pm, ok := m.(pulsarMessage)
	if !ok {
		return fmt.Errorf("not a pulsar message: %s", m.ID())
	}
	return pc.consumer.Ack(pm.msg)
}

func (pc *pulsarConsumer) Nack(m Message) {
	pm, ok := m.(pulsarMessage)
	if !ok {
		return
	}
	pc.consumer.Nack(pm.msg)
}

func (pc *pulsarConsumer) Close() error {
	pc.cancel()
	pc.consumer.Close()
	return nil
}

type pulsarMessage struct {
	msg pulsar.Message
}

func (m pulsarMessage) Payload() []byte {
	return m.msg.Payload()
}

func (m pulsarMessage) Properties() map[string]string {
	return m.msg.Properties()
}

func (m pulsarMessage) ID() string {
	return fmt.Sprintf("%v", m.msg.ID())
}
