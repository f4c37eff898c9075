package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/segmentio/kafka-go"
)

// kafka-backed messaging client. topics are worker types: the write worker
// consumes `write`, transport workers consume `<type>_transport`.
//
// broadcast versus queued semantics live in the consumer group: a queued
// topic is consumed by one shared group so each message reaches one worker
// of the pool, while a broadcast consumer passes a group id unique to the
// worker instance and sees every message.

func DefaultKafkaClientSettings() *KafkaClientSettings {
	return &KafkaClientSettings{
		Brokers:      []string{"localhost:9092"},
		MinBytes:     1,
		MaxBytes:     10 * 1024 * 1024,
		RequiredAcks: kafka.RequireOne,
	}
}

type KafkaClientSettings struct {
	Brokers      []string
	MinBytes     int
	MaxBytes     int
	RequiredAcks kafka.RequiredAcks
}

type KafkaClient struct {
	// shared consumer group name, `<clientName>-<workerType>`. every
	// worker of one pool constructs its client with the same name.
	name string
	// distinguishes this instance's group for broadcast consumption
	instanceId string

	settings *KafkaClientSettings

	mutex   sync.Mutex
	writers map[string]*kafka.Writer
	closed  bool
}

func NewKafkaClientWithDefaults(name string) *KafkaClient {
	return NewKafkaClient(name, DefaultKafkaClientSettings())
}

func NewKafkaClient(name string, settings *KafkaClientSettings) *KafkaClient {
	return &KafkaClient{
		name:       name,
		instanceId: NewGuid(),
		settings:   settings,
		writers:    map[string]*kafka.Writer{},
	}
}

func (self *KafkaClient) writer(topic string) (*kafka.Writer, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return nil, errors.New("messaging client closed")
	}
	if writer, ok := self.writers[topic]; ok {
		return writer, nil
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(self.settings.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           self.settings.RequiredAcks,
		AllowAutoTopicCreation: true,
	}
	self.writers[topic] = writer
	return writer, nil
}

func (self *KafkaClient) write(ctx context.Context, payloads [][]byte, topic string) error {
	writer, err := self.writer(topic)
	if err != nil {
		return err
	}

	messages := make([]kafka.Message, len(payloads))
	for i, payload := range payloads {
		messages[i] = kafka.Message{
			Value: payload,
		}
	}
	if err := writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("write to %s: %w", topic, err)
	}
	return nil
}

func (self *KafkaClient) Publish(ctx context.Context, payloads [][]byte, topic string) error {
	return self.write(ctx, payloads, topic)
}

func (self *KafkaClient) Send(ctx context.Context, payloads [][]byte, topic string) error {
	return self.write(ctx, payloads, topic)
}

// Consume fetches one message at a time through the pool's shared consumer
// group, so each message reaches exactly one worker of the pool. The offset
// is committed only after the handler returns, so a crashed worker replays
// its in-flight message.
func (self *KafkaClient) Consume(ctx context.Context, topic string, handler func(message []byte)) error {
	return self.consume(ctx, topic, self.name, handler)
}

// ConsumeBroadcast consumes through a group unique to this client instance,
// so every instance sees every message of the topic.
func (self *KafkaClient) ConsumeBroadcast(ctx context.Context, topic string, handler func(message []byte)) error {
	return self.consume(ctx, topic, self.name+"-"+self.instanceId, handler)
}

func (self *KafkaClient) consume(ctx context.Context, topic string, groupId string, handler func(message []byte)) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  self.settings.Brokers,
		Topic:    topic,
		GroupID:  groupId,
		MinBytes: self.settings.MinBytes,
		MaxBytes: self.settings.MaxBytes,
	})
	defer reader.Close()

	glog.Infof("[bus]consuming topic %s as group %s\n", topic, groupId)

	for {
		message, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("fetch from %s: %w", topic, err)
		}

		handler(message.Value)

		if err := reader.CommitMessages(ctx, message); err != nil {
			glog.Errorf("[bus]failed to commit offset on %s: %s\n", topic, err)
		}
	}
}

func (self *KafkaClient) Close() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return nil
	}
	self.closed = true

	var closeErr error
	for topic, writer := range self.writers {
		if err := writer.Close(); err != nil {
			glog.Errorf("[bus]failed to close writer for %s: %s\n", topic, err)
			closeErr = err
		}
	}
	return closeErr
}
