package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/relabs-tech/pulsarbridge/core/logger"
)

// connectSQS connects to AWS SQS. Credentials come from the standard AWS
// environment, the broker Config credentials are ignored. Ack deletes the
// message, Nack resets its visibility timeout to zero for immediate
// redelivery, which is the closest match to a broker-level negative
// acknowledgment SQS offers.
func connectSQS(ctx context.Context, cfg Config) (Connection, error) {
	awscfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConnect, err.Error())
	}
	return &sqsConnection{client: sqs.NewFromConfig(awscfg)}, nil
}

type sqsConnection struct {
	client *sqs.Client
}

func (c *sqsConnection) Subscribe(ctx context.Context, topic, subscription string, handler Handler) (Consumer, error) {
	queueName := sqsQueueName(topic)
	out, err := c.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queueName),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot resolve queue '%s': %w", queueName, err)
	}
	sc := &sqsConsumer{client: c.client, queueURL: *out.QueueUrl}
	sc.ctx, sc.cancel = context.WithCancel(ctx)
	go sc.receive(handler)
	return sc, nil
}

func (c *sqsConnection) Close() error {
	return nil
}

// sqsQueueName turns a pulsar-style topic name into a legal SQS queue
// name, e.g. "persistent://t100/mqtt/from-device" becomes
// "t100-mqtt-from-device".
func sqsQueueName(topic string) string {
	if i := strings.Index(topic, "://"); i >= 0 {
		topic = topic[i+3:]
	}
	return strings.ReplaceAll(topic, "/", "-")
}

type sqsConsumer struct {
	client   *sqs.Client
	queueURL string
	ctx      context.Context
	cancel   context.CancelFunc
}

func (sc *sqsConsumer) receive(handler Handler) {
	for {
		out, err := sc.client.ReceiveMessage(sc.ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(sc.queueURL),
			MaxNumberOfMessages:   10,
			WaitTimeSeconds:       20,
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			if sc.ctx.Err() != nil {
				return
			}
			logger.Default().WithError(err).Error("sqs receive failed")
			continue
		}
		for _, msg := range out.Messages {
			handler(sc, sqsMessage{msg: msg})
		}
	}
}

func (sc *sqsConsumer) Ack(m Message) error {
	sm, ok := m.(sqsMessage)
	if !ok {
		return fmt.Errorf("not a sqs message: %s", m.ID())
	}
	_, err := sc.client.DeleteMessage(sc.ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(sc.queueURL),
		ReceiptHandle: sm.msg.ReceiptHandle,
	})
	return err
}

func (sc *sqsConsumer) Nack(m Message) {
	sm, ok := m.(sqsMessage)
	if !ok {
		return
	}
	_, err := sc.client.ChangeMessageVisibility(sc.ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(sc.queueURL),
		ReceiptHandle:     sm.msg.ReceiptHandle,
		VisibilityTimeout: 0,
	})
	if err != nil {
		logger.Default().WithError(err).Warn("sqs nack failed")
	}
}

func (sc *sqsConsumer) Close() error {
	sc.cancel()
	return nil
}

type sqsMessage struct {
	msg sqstypes.Message
}

func (m sqsMessage) Payload() []byte {
	if m.msg.Body == nil {
		return nil
	}
	return []byte(*m.msg.Body)
}

func (m sqsMessage) Properties() map[string]string {
	properties := make(map[string]string, len(m.msg.MessageAttributes))
	for key, attribute := range m.msg.MessageAttributes {
		if attribute.StringValue != nil {
			properties[key] = *attribute.StringValue
		}
	}
	return properties
}

func (m sqsMessage) ID() string {
	if m.msg.MessageId == nil {
		return ""
	}
	return *m.msg.MessageId
}
