package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// producer is the subset of *kafka.Producer the publisher uses.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// KafkaPublisher writes notifications to a Kafka topic keyed by trade id, so
// every event for one trade lands on the same partition in order.
type KafkaPublisher struct {
	producer producer
	topic    string
	logger   *slog.Logger
}

// NewKafkaPublisher connects a producer to brokers.
func NewKafkaPublisher(brokers, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return newKafkaPublisher(p, topic, logger), nil
}

func newKafkaPublisher(p producer, topic string, logger *slog.Logger) *KafkaPublisher {
	kp := &KafkaPublisher{producer: p, topic: topic, logger: logger}
	go kp.deliveryReport()
	return kp
}

func (k *KafkaPublisher) Notify(_ context.Context, n Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	topic := k.topic
	return k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(n.TradeID),
		Value:          value,
		Headers:        []kafka.Header{{Key: "event_type", Value: []byte(n.EventType)}},
	}, nil)
}

// Close flushes outstanding messages and closes the producer.
func (k *KafkaPublisher) Close() {
	if remaining := k.producer.Flush(5000); remaining > 0 {
		k.logger.Warn("kafka flush timed out", "undelivered", remaining)
	}
	k.producer.Close()
}

func (k *KafkaPublisher) deliveryReport() {
	for e := range k.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			notificationsTotal.WithLabelValues("kafka", "delivery_error").Inc()
			k.logger.Warn("kafka delivery failed", "key", string(m.Key), "error", m.TopicPartition.Error)
		}
	}
}
