/*Package broker abstracts the message broker the bridge consumes from

The bridge talks to the broker through the Connection and Consumer
interfaces. Drivers exist for Apache Pulsar (the reference deployment),
Kafka and AWS SQS. All drivers deliver messages through a shared-type
subscription: multiple consumers compete for messages of one subscription
and no delivery order is guaranteed, not even within one tenant. Message
processing must therefore be idempotent-safe per message, never
sequence-dependent.
*/
package broker

import (
	"context"
	"errors"
	"fmt"
)

// Driver names accepted by Connect.
const (
	DriverPulsar = "pulsar"
	DriverKafka  = "kafka"
	DriverSQS    = "sqs"
)

// ErrConnect is wrapped by all drivers when the broker cannot be reached.
var ErrConnect = errors.New("cannot connect to broker")

// Config carries everything a driver needs to establish a connection.
type Config struct {
	URL      string
	Username string
	Password string
}

// Message is one delivered broker message.
type Message interface {
	// Payload returns the raw message bytes.
	Payload() []byte
	// Properties returns the message property bag.
	Properties() map[string]string
	// ID returns a broker-assigned message identifier for logging.
	ID() string
}

// Handler processes one message. It is invoked from the driver's receive
// loop and may be called concurrently, depending on the driver. The
// handler must terminate every message with Ack or Nack.
type Handler func(Consumer, Message)

// Consumer is one subscription on a connection. Ack marks a message as
// successfully processed, Nack requests redelivery. How strictly Nack is
// honored depends on the driver.
type Consumer interface {
	Ack(Message) error
	Nack(Message)
	Close() error
}

// Connection is one authenticated connection to the broker.
type Connection interface {
	// Subscribe creates a shared-type consumer and delivers messages to
	// handler until the consumer is closed.
	Subscribe(ctx context.Context, topic, subscription string, handler Handler) (Consumer, error)
	Close() error
}

// ConnectFunc is the signature of Connect, so that tests can substitute
// an in-memory broker.
type ConnectFunc func(ctx context.Context, driver string, cfg Config) (Connection, error)

// Connect establishes a broker connection with the named driver.
func Connect(ctx context.Context, driver string, cfg Config) (Connection, error) {
	switch driver {
	case DriverPulsar:
		return connectPulsar(ctx, cfg)
	case DriverKafka:
		return connectKafka(ctx, cfg)
	case DriverSQS:
		return connectSQS(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown broker driver '%s'", driver)
}
