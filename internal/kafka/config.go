package kafka

import (
	"fmt"

	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/IBM/sarama"
)

// Config конфигурация Kafka
type Config struct {
	Brokers        []string
	AccessTopic    string
	LifecycleTopic string
	Producer       ProducerConfig
}

// ProducerConfig конфигурация для продюсера
type ProducerConfig struct {
	MaxMessageBytes int
	Compression     sarama.CompressionCodec
	RequiredAcks    sarama.RequiredAcks
	MaxRetries      int
}

// NewConfig создает конфигурацию Kafka
func NewConfig(brokers []string, accessTopic, lifecycleTopic string) *Config {
	return &Config{
		Brokers:        brokers,
		AccessTopic:    accessTopic,
		LifecycleTopic: lifecycleTopic,
		Producer: ProducerConfig{
			MaxMessageBytes: 1000000,
			Compression:     sarama.CompressionSnappy,
			RequiredAcks:    sarama.WaitForAll,
			MaxRetries:      3,
		},
	}
}

// NewSaramaConfig создает конфигурацию Sarama для синхронного продюсера.
// Идемпотентный продюсер не дублирует сообщения при внутренних повторах.
func NewSaramaConfig(cfg *Config) *sarama.Config {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_3_0_0
	saramaConfig.ClientID = "channel-subscriptions"

	saramaConfig.Producer.MaxMessageBytes = cfg.Producer.MaxMessageBytes
	saramaConfig.Producer.Compression = cfg.Producer.Compression
	saramaConfig.Producer.RequiredAcks = cfg.Producer.RequiredAcks
	saramaConfig.Producer.Retry.Max = cfg.Producer.MaxRetries
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	return saramaConfig
}

// NewSyncProducer подключает синхронный продюсер Sarama
func NewSyncProducer(cfg *Config, log *logger.Logger) (sarama.SyncProducer, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		log.Errorw("Failed to create Kafka sync producer", "error", err, "brokers", cfg.Brokers)
		return nil, fmt.Errorf("kafka: failed to create sync producer: %w", err)
	}
	log.Infow("Kafka sync producer connected", "brokers", cfg.Brokers)
	return producer, nil
}
