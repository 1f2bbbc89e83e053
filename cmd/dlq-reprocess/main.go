// Команда dlq-reprocess читает dead letters из DLQ-топика и, с флагом -execute,
// возвращает исходные события в топики каталога и заказов. По умолчанию работает всухую.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/grocery/internal/messaging/kafka"
)

const envKafkaBrokers = "GROCERY_KAFKA_BROKERS"

type config struct {
	brokers     []string
	sourceTopic string
	// targetTopic переопределяет маршрутизацию; пусто: topic по типу агрегата.
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

// replayPublisher реализуется *kafka.Producer.
type replayPublisher interface {
	Send(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	Close() error
}

// consumerSource сужает sarama.PartitionConsumer до partitionConsumer.
type consumerSource struct {
	sarama.Consumer
}

func (c consumerSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return c.Consumer.ConsumePartition(topic, partition, offset)
}

// newReplayDependencies подменяется в тестах.
var newReplayDependencies = dialKafka

func dialKafka(cfg config) (offsetClient, partitionConsumerSource, replayPublisher, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to kafka: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("open dlq consumer: %w", err)
	}
	if !cfg.execute {
		return client, consumerSource{consumer}, nil, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers, log.WithField("component", "dlq-reprocess"))
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, err
	}
	return client, consumerSource{consumer}, producer, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := readConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}
	if err := run(context.Background(), cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readConfig(args []string, getenv func(string) string) (config, error) {
	cfg := config{
		sourceTopic: kafka.TopicDeadLetterQueue,
		limit:       100,
		idleTimeout: 2 * time.Second,
	}
	var brokers string

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokers, "brokers", "", "comma-separated kafka brokers (default $"+envKafkaBrokers+")")
	fs.StringVar(&cfg.sourceTopic, "source-topic", cfg.sourceTopic, "dead letter topic to read")
	fs.StringVar(&cfg.targetTopic, "target-topic", "", "send every event here instead of routing by aggregate type")
	fs.IntVar(&cfg.limit, "limit", cfg.limit, "max dead letters to read")
	fs.BoolVar(&cfg.execute, "execute", false, "publish events; without it only reports what would be sent")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "read the newest dead letters instead of the oldest")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", cfg.idleTimeout, "stop reading a partition after this long without messages")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = getenv(envKafkaBrokers)
	}
	cfg.brokers = parseBrokers(brokers)
	cfg.targetTopic = strings.TrimSpace(cfg.targetTopic)

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	switch {
	case len(c.brokers) == 0:
		return fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers)
	case strings.TrimSpace(c.sourceTopic) == "":
		return errors.New("source-topic is required")
	case c.limit <= 0:
		return errors.New("limit must be > 0")
	case c.idleTimeout <= 0:
		return errors.New("idle-timeout must be > 0")
	}
	return nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, part := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(part); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	logger := log.WithField("component", "dlq-reprocess")
	logger.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"limit":        cfg.limit,
		"execute":      cfg.execute,
		"from_newest":  cfg.fromNewest,
	}).Info("dlq replay started")

	client, consumer, producer, err := newReplayDependencies(cfg)
	if err != nil {
		return err
	}

	// Закрываем в обратном порядке: producer, consumer, client.
	var closers []io.Closer
	if producer != nil {
		closers = append(closers, producer)
	}
	if consumer != nil {
		closers = append(closers, consumer)
	}
	if client != nil {
		closers = append(closers, client)
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.WithError(err).Warn("close kafka resource")
			}
		}
	}()

	_, err = runReplay(ctx, cfg, client, consumer, producer)
	return err
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
