package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/relabs-tech/pulsarbridge/core/logger"
)

// connectKafka connects to a Kafka cluster. The subscription name maps to
// a consumer group, which gives the same competing-consumers semantics as
// a shared Pulsar subscription. Nack is best effort only: the offset of a
// nacked message stays uncommitted, so redelivery happens after a group
// rebalance or restart, not immediately.
func connectKafka(ctx context.Context, cfg Config) (Connection, error) {
	addr := strings.TrimPrefix(cfg.URL, "kafka://")
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	if cfg.Username != "" {
		dialer.SASLMechanism = plain.Mechanism{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	// verify reachability up front, the reader itself dials lazily
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConnect, err.Error())
	}
	conn.Close()

	return &kafkaConnection{addr: addr, dialer: dialer}, nil
}

type kafkaConnection struct {
	addr   string
	dialer *kafka.Dialer
}

func (c *kafkaConnection) Subscribe(ctx context.Context, topic, subscription string, handler Handler) (Consumer, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{c.addr},
		GroupID: subscription,
		Topic:   kafkaTopicName(topic),
		Dialer:  c.dialer,
	})
	kc := &kafkaConsumer{reader: reader}
	kc.ctx, kc.cancel = context.WithCancel(ctx)
	go kc.receive(handler)
	return kc, nil
}

func (c *kafkaConnection) Close() error {
	return nil
}

// kafkaTopicName turns a pulsar-style topic name into a legal Kafka topic
// name, e.g. "persistent://t100/mqtt/from-device" becomes
// "t100.mqtt.from-device".
func kafkaTopicName(topic string) string {
	if i := strings.Index(topic, "://"); i >= 0 {
		topic = topic[i+3:]
	}
	return strings.ReplaceAll(topic, "/", ".")
}

type kafkaConsumer struct {
	reader *kafka.Reader
	ctx    context.Context
	cancel context.CancelFunc
}

func (kc *kafkaConsumer) receive(handler Handler) {
	for {
		msg, err := kc.reader.FetchMessage(kc.ctx)
		if err != nil {
			if kc.ctx.Err() == nil {
				logger.Default().WithError(err).Error("kafka receive loop terminated")
			}
			return
		}
		handler(kc, kafkaMessage{msg})
	}
}

func (kc *kafkaConsumer) Ack(m Message) error {
	km, ok := m.(kafkaMessage)
	if !ok {
		return fmt.Errorf("not a kafka message: %s", m.ID())
	}
	return kc.reader.CommitMessages(kc.ctx, km.msg)
}

func (kc *kafkaConsumer) Nack(m Message) {
	// leave the offset uncommitted, redelivery happens on rebalance
	logger.Default().WithField("message", m.ID()).Debug("kafka nack, offset left uncommitted")
}

func (kc *kafkaConsumer) Close() error {
	kc.cancel()
	return kc.reader.Close()
}

type kafkaMessage struct {
	msg kafka.Message
}

func (m kafkaMessage) Payload() []byte {
	return m.msg.Value
}

func (m kafkaMessage) Properties() map[string]string {
	properties := make(map[string]string, len(m.msg.Headers))
	for _, h := range m.msg.Headers {
		properties[h.Key] = string(h.Value)
	}
	return properties
}

func (m kafkaMessage) ID() string {
	return fmt.Sprintf("%s-%d-%d", m.msg.Topic, m.msg.Partition, m.msg.Offset)
}
