package client

import (
	"context"
	"fmt"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/util"

	"github.com/segmentio/kafka-go"
)

// KafkaClient publishes security events to the audit topic.
type KafkaClient struct {
	writer *kafka.Writer
	config *config.Config
}

func NewKafkaClient(cfg *config.Config) (*KafkaClient, error) {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.AuditTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		WriteTimeout: 10 * time.Second,
		BatchTimeout: 50 * time.Millisecond,
	}

	util.Info("Kafka producer configured",
		util.Any("brokers", cfg.Kafka.Brokers),
		util.String("topic", cfg.Kafka.AuditTopic))

	return &KafkaClient{writer: writer, config: cfg}, nil
}

// Publish writes a single keyed message to the audit topic.
func (k *KafkaClient) Publish(ctx context.Context, key, value []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now().UTC(),
	})
}

func (k *KafkaClient) HealthCheck(ctx context.Context) error {
	if len(k.config.Kafka.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", k.config.Kafka.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka broker: %w", err)
	}
	return conn.Close()
}

func (k *KafkaClient) Close() error {
	util.Info("Closing Kafka producer")
	return k.writer.Close()
}
