package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/grocery/internal/domain"
	"github.com/vladislavdragonenkov/grocery/internal/messaging/kafka"
)

func dlqValue(t *testing.T, aggregateType, aggregateID, eventType string) []byte {
	t.Helper()

	dead, err := domain.NewDeadLetter(domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       []byte(`{"order_id":7}`),
	}, 3, errors.New("broker down"), time.Now())
	require.NoError(t, err)

	value, err := json.Marshal(kafka.NewEnvelope(dead))
	require.NoError(t, err)
	return value
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, parseBrokers(" a:9092, ,b:9092 "))
	assert.Empty(t, parseBrokers(""))
}

func TestReadConfig(t *testing.T) {
	env := func(values map[string]string) func(string) string {
		return func(k string) string { return values[k] }
	}

	cfg, err := readConfig(nil, env(map[string]string{envKafkaBrokers: "k1:9092,k2:9092"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.brokers)
	assert.Equal(t, kafka.TopicDeadLetterQueue, cfg.sourceTopic)
	assert.Empty(t, cfg.targetTopic)
	assert.False(t, cfg.execute)

	cfg, err = readConfig([]string{"-brokers", "x:1", "-target-topic", "custom", "-limit", "5", "-execute"}, env(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"x:1"}, cfg.brokers)
	assert.Equal(t, "custom", cfg.targetTopic)
	assert.Equal(t, 5, cfg.limit)
	assert.True(t, cfg.execute)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "no brokers", want: "kafka brokers are required"},
		{name: "empty source", args: []string{"-brokers", "x:1", "-source-topic", " "}, want: "source-topic"},
		{name: "zero limit", args: []string{"-brokers", "x:1", "-limit", "0"}, want: "limit"},
		{name: "zero idle", args: []string{"-brokers", "x:1", "-idle-timeout", "0s"}, want: "idle-timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readConfig(tt.args, env(nil))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExtractReplayMessage_RoutesByAggregate(t *testing.T) {
	tests := []struct {
		name          string
		aggregateType string
		targetTopic   string
		wantTopic     string
	}{
		{name: "order", aggregateType: domain.AggregateOrder, wantTopic: kafka.TopicOrderEvents},
		{name: "catalog", aggregateType: domain.AggregateGroceryItem, wantTopic: kafka.TopicCatalogEvents},
		{name: "override", aggregateType: domain.AggregateOrder, targetTopic: "custom", wantTopic: "custom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &sarama.ConsumerMessage{Value: dlqValue(t, tt.aggregateType, "7", "order.placed")}

			replay, err := extractReplayMessage(context.Background(), msg, tt.targetTopic)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTopic, replay.topic)
			assert.Equal(t, "7", replay.key)
			assert.Equal(t, "outbox-1", replay.headers[kafka.HeaderOutboxID])

			var envelope kafka.Envelope
			require.NoError(t, json.Unmarshal(replay.value, &envelope))
			assert.JSONEq(t, `{"order_id":7}`, string(envelope.Payload))
			assert.Equal(t, "order.placed", envelope.EventType)
		})
	}
}

func TestExtractReplayMessage_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{name: "not json", value: "garbage"},
		{name: "empty payload", value: `{"id":"x"}`},
		{name: "payload not object", value: `{"id":"x","payload":"nope"}`},
		{name: "no original payload", value: `{"id":"x","payload":{"outbox_id":"x"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := extractReplayMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte(tt.value)}, "")
			assert.Error(t, err)
		})
	}
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", " ", "b", "c"))
	assert.Empty(t, firstNonEmpty())
}

func TestProcessPartition_DryRun(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{
				{Partition: 0, Offset: 0, Value: dlqValue(t, domain.AggregateOrder, "1", domain.EventOrderPlaced)},
				{Partition: 0, Offset: 1, Value: []byte("garbage")},
			}),
		},
	}
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, idleTimeout: 20 * time.Millisecond}

	stats, err := processPartition(context.Background(), consumer, client, nil, cfg, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, replayStats{processed: 2, replayed: 1, skipped: 1}, stats)
	require.Len(t, consumer.calls, 1)
	assert.Equal(t, int64(0), consumer.calls[0].offset)
}

func TestProcessPartition_ExecuteSendsToRoutedTopic(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 1}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{
				{Partition: 0, Offset: 0, Value: dlqValue(t, domain.AggregateGroceryItem, "3", domain.EventGroceryItemCreated)},
			}),
		},
	}

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != kafka.TopicCatalogEvents {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "3" {
			return fmt.Errorf("unexpected key %s", key)
		}
		return nil
	})
	producer := kafka.NewProducerFromSync(mockProducer, log.WithField("test", "dlq"))
	defer producer.Close()

	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, execute: true, idleTimeout: 20 * time.Millisecond}
	stats, err := processPartition(context.Background(), consumer, client, producer, cfg, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.replayed)
}

func TestProcessPartition_ErrorBranches(t *testing.T) {
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, execute: true, idleTimeout: 20 * time.Millisecond}

	_, err := processPartition(context.Background(), &stubPartitionConsumerSource{},
		&stubOffsetClient{offsetErr: map[int32]error{0: errors.New("offset")}}, &stubPublisher{}, cfg, 0, 1)
	assert.Error(t, err)

	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	_, err = processPartition(context.Background(), &stubPartitionConsumerSource{consumeErr: errors.New("consume")}, client, &stubPublisher{}, cfg, 0, 1)
	assert.Error(t, err)

	pcWithErr := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError, 1),
	}
	pcWithErr.errors <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
	_, err = processPartition(context.Background(), &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: pcWithErr}}, client, &stubPublisher{}, cfg, 0, 1)
	assert.Error(t, err)

	pcOK := closedPartitionConsumer([]*sarama.ConsumerMessage{
		{Partition: 0, Offset: 0, Value: dlqValue(t, domain.AggregateOrder, "1", domain.EventOrderPlaced)},
	})
	_, err = processPartition(context.Background(), &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: pcOK}}, client,
		&stubPublisher{sendErr: errors.New("send fail")}, cfg, 0, 1)
	assert.ErrorContains(t, err, "publish replay message")
}

func TestProcessPartition_IdleTimeoutAndContext(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, idleTimeout: 10 * time.Millisecond}

	idle := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	stats, err := processPartition(context.Background(), &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: idle}}, client, nil, cfg, 0, 1)
	require.NoError(t, err)
	assert.Zero(t, stats.processed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	canceled := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	_, err = processPartition(ctx, &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: canceled}}, client, nil, cfg, 0, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunReplay(t *testing.T) {
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, limit: 1, idleTimeout: 20 * time.Millisecond}

	_, err := runReplay(context.Background(), cfg, nil, nil, nil)
	assert.Error(t, err)

	client := &stubOffsetClient{
		partitions: []int32{2, 0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 2},
			2: {oldest: 0, newest: 2},
		},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 0, Offset: 0, Value: dlqValue(t, domain.AggregateOrder, "1", domain.EventOrderPlaced)}}),
			2: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 2, Offset: 0, Value: dlqValue(t, domain.AggregateOrder, "2", domain.EventOrderPlaced)}}),
		},
	}

	stats, err := runReplay(context.Background(), cfg, client, consumer, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.processed)
	require.Len(t, consumer.calls, 1)
	assert.Equal(t, int32(0), consumer.calls[0].partition)

	executeCfg := cfg
	executeCfg.execute = true
	_, err = runReplay(context.Background(), executeCfg, client, consumer, nil)
	assert.ErrorContains(t, err, "producer is required")

	stats, err = runReplay(context.Background(), cfg, &stubOffsetClient{}, consumer, nil)
	require.NoError(t, err)
	assert.Zero(t, stats.processed)
}

func TestRun_UsesDependencies(t *testing.T) {
	oldDeps := newReplayDependencies
	defer func() { newReplayDependencies = oldDeps }()

	client := &stubOffsetClient{}
	consumer := &stubPartitionConsumerSource{}
	publisher := &stubPublisher{}
	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayPublisher, error) {
		return client, consumer, publisher, nil
	}

	require.NoError(t, run(context.Background(), config{sourceTopic: "dlq", limit: 1, idleTimeout: time.Millisecond}))
	assert.True(t, client.closed)
	assert.True(t, consumer.closed)
	assert.True(t, publisher.closed)

	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayPublisher, error) {
		return nil, nil, nil, errors.New("deps failed")
	}
	assert.Error(t, run(context.Background(), config{}))
}

func TestFailExits(t *testing.T) {
	if os.Getenv("DLQ_TEST_FAIL_EXIT") == "1" {
		fail("boom")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "DLQ_TEST_FAIL_EXIT=1")
	err := cmd.Run()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.NotZero(t, exitErr.ExitCode())
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions []int32
	offsets    map[int32]offsetRange
	offsetErr  map[int32]error
	closed     bool
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := s.offsetErr[partition]; ok {
		return 0, err
	}

	r := s.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	return append([]int32(nil), s.partitions...), nil
}

func (s *stubOffsetClient) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionConsumerSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (s *stubPartitionConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (s *stubPartitionConsumerSource) Close() error {
	s.closed = true
	return nil
}

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error                             { return nil }

func closedPartitionConsumer(messages []*sarama.ConsumerMessage) *stubPartitionConsumer {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	return &stubPartitionConsumer{messages: msgCh, errors: make(chan *sarama.ConsumerError)}
}

type stubPublisher struct {
	sendErr error
	calls   int
	closed  bool
}

func (s *stubPublisher) Send(context.Context, string, string, []byte, map[string]string) error {
	s.calls++
	return s.sendErr
}

func (s *stubPublisher) Close() error {
	s.closed = true
	return nil
}
