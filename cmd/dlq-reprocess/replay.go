package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/grocery/internal/domain"
	"github.com/vladislavdragonenkov/grocery/internal/messaging/kafka"
)

type replayMessage struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
	// ctx несёт trace context исходного сообщения.
	ctx context.Context
}

type replayStats struct {
	processed int
	replayed  int
	skipped   int
}

func (s *replayStats) add(other replayStats) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.skipped += other.skipped
}

func runReplay(ctx context.Context, cfg config, client offsetClient, consumer partitionConsumerSource, producer replayPublisher) (replayStats, error) {
	var total replayStats
	switch {
	case client == nil || consumer == nil:
		return total, errors.New("kafka client and consumer are required")
	case cfg.execute && producer == nil:
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("list partitions of %s: %w", cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.sourceTopic).Warn("dlq topic has no partitions")
		return total, nil
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		remaining := cfg.limit - total.processed
		if remaining <= 0 {
			break
		}
		stats, err := processPartition(ctx, consumer, client, producer, cfg, partition, remaining)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}

	log.WithFields(log.Fields{
		"execute":   cfg.execute,
		"processed": total.processed,
		"replayed":  total.replayed,
		"skipped":   total.skipped,
	}).Info("dlq replay finished")
	return total, nil
}

// window возвращает диапазон [from, end) смещений партиции, который нужно прочитать.
// Пустой диапазон: from >= end.
func window(client offsetClient, cfg config, partition int32, limit int) (from, end int64, err error) {
	oldest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	end, err = client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}

	from = oldest
	if cfg.fromNewest {
		from = max(end-int64(limit), oldest)
	}
	return from, end, nil
}

// processPartition читает не больше limit сообщений партиции, существовавших на момент старта.
// Чтение заканчивается на конце диапазона, после idleTimeout без сообщений или при закрытии канала.
func processPartition(
	ctx context.Context,
	consumer partitionConsumerSource,
	client offsetClient,
	producer replayPublisher,
	cfg config,
	partition int32,
	limit int,
) (replayStats, error) {
	var stats replayStats
	if limit <= 0 {
		return stats, nil
	}

	from, end, err := window(client, cfg, partition, limit)
	if err != nil || from >= end {
		return stats, err
	}

	pc, err := consumer.ConsumePartition(cfg.sourceTopic, partition, from)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(cfg.idleTimeout)
	defer idle.Stop()

	errs := pc.Errors()
	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()

		case <-idle.C:
			return stats, nil

		case cerr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if cerr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}

		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= end {
				return stats, nil
			}
			idle.Reset(cfg.idleTimeout)

			stats.processed++
			replayed, err := replayOne(ctx, msg, cfg, producer)
			if err != nil {
				return stats, err
			}
			if replayed {
				stats.replayed++
			} else {
				stats.skipped++
			}
			if msg.Offset+1 >= end {
				return stats, nil
			}
		}
	}
	return stats, nil
}

// replayOne восстанавливает событие и, в режиме execute, публикует его.
// Нераспознанное сообщение пропускается; ошибкой считается только сбой публикации.
func replayOne(ctx context.Context, msg *sarama.ConsumerMessage, cfg config, producer replayPublisher) (bool, error) {
	entry := log.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	replay, err := extractReplayMessage(ctx, msg, cfg.targetTopic)
	if err != nil {
		entry.WithError(err).Warn("skip unsupported dlq message")
		return false, nil
	}

	entry = entry.WithFields(log.Fields{
		"target_topic": replay.topic,
		"key":          replay.key,
		"event_type":   replay.headers[kafka.HeaderEventType],
	})
	if !cfg.execute {
		entry.Info("dlq replay candidate")
		return true, nil
	}
	if err := producer.Send(replay.ctx, replay.topic, replay.key, replay.value, replay.headers); err != nil {
		return false, fmt.Errorf("publish replay message: %w", err)
	}
	entry.Info("dlq message replayed")
	return true, nil
}

// extractReplayMessage восстанавливает исходное outbox-событие из DLQ-конверта.
// Topic берётся из targetTopic или выводится из типа агрегата.
func extractReplayMessage(ctx context.Context, msg *sarama.ConsumerMessage, targetTopic string) (replayMessage, error) {
	var envelope kafka.Envelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return replayMessage{}, fmt.Errorf("decode dlq envelope: %w", err)
	}
	if len(envelope.Payload) == 0 {
		return replayMessage{}, errors.New("dlq envelope has empty payload")
	}

	var letter domain.DeadLetter
	if err := json.Unmarshal(envelope.Payload, &letter); err != nil {
		return replayMessage{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if len(letter.Payload) == 0 || string(letter.Payload) == "null" {
		return replayMessage{}, errors.New("dead letter does not contain original event payload")
	}

	event := letter.Original()
	event.ID = firstNonEmpty(event.ID, envelope.ID)
	event.AggregateType = firstNonEmpty(event.AggregateType, envelope.AggregateType)
	event.AggregateID = firstNonEmpty(event.AggregateID, envelope.AggregateID)
	event.EventType = firstNonEmpty(event.EventType, envelope.EventType)
	original := kafka.NewEnvelope(event)
	value, err := json.Marshal(original)
	if err != nil {
		return replayMessage{}, fmt.Errorf("encode replay envelope: %w", err)
	}

	topic := targetTopic
	if topic == "" {
		topic = kafka.TopicFor(original.AggregateType)
	}

	return replayMessage{
		topic: topic,
		key:   original.Key(),
		value: value,
		headers: map[string]string{
			kafka.HeaderOutboxID:      original.ID,
			kafka.HeaderEventType:     original.EventType,
			kafka.HeaderAggregateType: original.AggregateType,
		},
		ctx: kafka.ExtractHeaders(ctx, msg.Headers),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
