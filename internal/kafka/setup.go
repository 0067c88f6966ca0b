package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	kafkaGo "github.com/segmentio/kafka-go"
)

// EnsureTopics проверяет и создает топики команд доступа и событий жизненного цикла
func EnsureTopics(ctx context.Context, cfg *Config, log *logger.Logger) error {
	requiredTopics := map[string]kafkaGo.TopicConfig{
		cfg.AccessTopic: {
			Topic:             cfg.AccessTopic,
			NumPartitions:     3,
			ReplicationFactor: 1,
		},
		cfg.LifecycleTopic: {
			Topic:             cfg.LifecycleTopic,
			NumPartitions:     3,
			ReplicationFactor: 1,
		},
	}

	log.Infow("Ensuring Kafka topics exist", "topics", topicNames(requiredTopics))

	if len(cfg.Brokers) == 0 || cfg.Brokers[0] == "" {
		return errors.New("kafka broker address is empty")
	}
	broker := strings.TrimSpace(cfg.Brokers[0])
	_, portStr, err := net.SplitHostPort(broker)
	if err != nil {
		return fmt.Errorf("invalid broker address %s: %w", broker, err)
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return fmt.Errorf("invalid broker port %s: %w", broker, err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, err := kafkaGo.DialContext(connCtx, "tcp", broker)
	if err != nil {
		log.Errorw("Failed to connect to Kafka broker for topic creation", "broker", broker, "error", err)
		return fmt.Errorf("kafka connection failed: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("kafka read partitions failed: %w", err)
	}

	existing := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		existing[p.Topic] = true
	}

	var toCreate []kafkaGo.TopicConfig
	for name, tc := range requiredTopics {
		if !existing[name] {
			toCreate = append(toCreate, tc)
		}
	}
	if len(toCreate) == 0 {
		log.Infow("All required topics already exist")
		return nil
	}

	// создание топиков выполняет только контроллер
	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller lookup failed: %w", err)
	}
	ctrlAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	ctrlConn, err := kafkaGo.DialContext(connCtx, "tcp", ctrlAddr)
	if err != nil {
		return fmt.Errorf("kafka controller connection failed: %w", err)
	}
	defer ctrlConn.Close()

	if err := ctrlConn.CreateTopics(toCreate...); err != nil && !errors.Is(err, kafkaGo.TopicAlreadyExists) {
		log.Errorw("Failed to create topics", "error", err, "topics", configNames(toCreate))
		return fmt.Errorf("kafka create topics failed: %w", err)
	}

	log.Infow("Kafka topics created", "topics", configNames(toCreate))
	return nil
}

func topicNames(topics map[string]kafkaGo.TopicConfig) []string {
	names := make([]string, 0, len(topics))
	for name := range topics {
		names = append(names, name)
	}
	return names
}

func configNames(configs []kafkaGo.TopicConfig) []string {
	names := make([]string, 0, len(configs))
	for _, tc := range configs {
		names = append(names, tc.Topic)
	}
	return names
}
