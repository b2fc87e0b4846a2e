package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"go.uber.org/zap"
)

// Message fields published by the chain watcher.
const (
	FieldUpToBlock = "up_to_block"
	FieldEvents    = "events"
)

// StreamConsumerConfig configures a StreamConsumer.
type StreamConsumerConfig struct {
	// Stream is the Redis stream name to consume from (required).
	Stream string

	// Group and Consumer identify this reader (required).
	Group    string
	Consumer string

	// Count is the max number of entries to read per batch. Default: 10.
	Count int64

	// Block is how long to wait for new entries. Default: 5 seconds.
	Block time.Duration

	// RetryInterval is the first wait after a failure; it doubles up to
	// MaxRetryInterval. Defaults: 1s and 30s.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	Logger *zap.Logger
}

// MessageHandler processes a stream message. A nil return acknowledges it.
type MessageHandler func(ctx context.Context, msg Message) error

// Message represents a single stream entry with parsed fields.
type Message struct {
	ID     string
	Stream string
	Values map[string]any
}

// StreamConsumer delivers batches to a handler strictly in stream order. A
// failed message stays pending and is redelivered before anything newer, so a
// later batch can never move the checkpoint past an unprocessed one.
type StreamConsumer struct {
	client *Client
	config StreamConsumerConfig
	logger *zap.Logger
}

// NewStreamConsumer creates a new stream consumer.
func NewStreamConsumer(client *Client, config StreamConsumerConfig) (*StreamConsumer, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	if config.Group == "" || config.Consumer == "" {
		return nil, errors.New("consumer group and consumer name are required")
	}

	if config.Count == 0 {
		config.Count = 10
	}
	if config.Block == 0 {
		config.Block = 5 * time.Second
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = 1 * time.Second
	}
	if config.MaxRetryInterval == 0 {
		config.MaxRetryInterval = 30 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StreamConsumer{
		client: client,
		config: config,
		logger: logger.With(zap.String("stream", config.Stream), zap.String("group", config.Group)),
	}, nil
}

// Run consumes until ctx is cancelled.
func (sc *StreamConsumer) Run(ctx context.Context, handler MessageHandler) error {
	if err := sc.client.XGroupCreateMkStream(ctx, sc.config.Stream, sc.config.Group, "0"); err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	sc.logger.Info("Consumer group ready", zap.String("consumer", sc.config.Consumer))

	retryInterval := sc.config.RetryInterval
	backoff := func(reason string, err error) error {
		sc.logger.Warn(reason, zap.Error(err), zap.Duration("retryIn", retryInterval))
		select {
		case <-time.After(retryInterval):
			retryInterval = min(retryInterval*2, sc.config.MaxRetryInterval)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		if ctx.Err() != nil {
			sc.logger.Info("Stream consumer shutting down")
			return ctx.Err()
		}

		messages, err := sc.next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if IsNil(err) {
				continue
			}
			if err := backoff("Error reading from stream, will retry", err); err != nil {
				return err
			}
			continue
		}

		failed := false
		for _, msg := range messages {
			if err := handler(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failed = true
				if err := backoff("Message handling failed, will redeliver", fmt.Errorf("message %s: %w", msg.ID, err)); err != nil {
					return err
				}
				break
			}
			if _, err := sc.client.XAck(ctx, sc.config.Stream, sc.config.Group, msg.ID); err != nil {
				// The batch is already recorded; a redelivery is a no-op.
				sc.logger.Warn("Failed to acknowledge message", zap.String("id", msg.ID), zap.Error(err))
			}
		}
		if !failed {
			retryInterval = sc.config.RetryInterval
		}
	}
}

// next returns this consumer's pending entries first and only then new ones.
func (sc *StreamConsumer) next(ctx context.Context) ([]Message, error) {
	pending, err := sc.read(ctx, "0", 0)
	if err != nil && !IsNil(err) {
		return nil, err
	}
	if len(pending) > 0 {
		return pending, nil
	}
	return sc.read(ctx, ">", sc.config.Block)
}

func (sc *StreamConsumer) read(ctx context.Context, lastID string, block time.Duration) ([]Message, error) {
	// A negative Block omits BLOCK, which keeps the pending read non-blocking.
	if block == 0 {
		block = -1
	}
	streams, err := sc.client.XReadGroup(ctx, sc.config.Group, sc.config.Consumer, sc.config.Stream, lastID, sc.config.Count, block)
	if err != nil {
		return nil, err
	}
	var messages []Message
	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			messages = append(messages, Message{ID: xmsg.ID, Stream: stream.Stream, Values: xmsg.Values})
		}
	}
	return messages, nil
}

// UpToBlock returns the highest block the watcher scanned for this batch.
func (m *Message) UpToBlock() (uint64, error) {
	v, ok := m.Values[FieldUpToBlock]
	if !ok {
		return 0, fmt.Errorf("message %s: missing %s", m.ID, FieldUpToBlock)
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("message %s: %s is %T", m.ID, FieldUpToBlock, v)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("message %s: %s: %w", m.ID, FieldUpToBlock, err)
	}
	return n, nil
}

// Events decodes the JSON event array. A missing field is an empty batch.
func (m *Message) Events() ([]ledger.RawEvent, error) {
	v, ok := m.Values[FieldEvents]
	if !ok {
		return nil, nil
	}
	var raw []byte
	switch data := v.(type) {
	case string:
		raw = []byte(data)
	case []byte:
		raw = data
	default:
		return nil, fmt.Errorf("message %s: %s is %T", m.ID, FieldEvents, v)
	}
	var events []ledger.RawEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("message %s: decode events: %w", m.ID, err)
	}
	return events, nil
}

// BatchValues builds the stream fields for a batch, the inverse of Events and UpToBlock.
func BatchValues(upToBlock uint64, events []ledger.RawEvent) (map[string]any, error) {
	raw, err := json.Marshal(events)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		FieldUpToBlock: strconv.FormatUint(upToBlock, 10),
		FieldEvents:    string(raw),
	}, nil
}
