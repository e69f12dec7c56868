package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var errMalformed = errors.New("malformed stream message")

// StreamReader is the subset of the redis client a consumer group needs.
type StreamReader interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

type BlockTally interface {
	RecordBlock(ctx context.Context, domain, mechanism, proxy string, seen time.Time) error
}

type ConsumerConfig struct {
	Stream string
	Group  string
	Name   string
	Count  int64
	Block  time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Stream: SessionStream,
		Group:  "probe-block-tally",
		Name:   "consumer-1",
		Count:  10,
		Block:  5 * time.Second,
	}
}

// BlockConsumer reads relayed BLOCK_DETECTED events from the session
// stream and folds them into a per-domain tally.
type BlockConsumer struct {
	redis  StreamReader
	tally  BlockTally
	config ConsumerConfig
	logger *slog.Logger
}

func NewBlockConsumer(redisClient StreamReader, tally BlockTally, logger *slog.Logger, config ConsumerConfig) *BlockConsumer {
	return &BlockConsumer{
		redis:  redisClient,
		tally:  tally,
		config: config,
		logger: logger.With("component", "block_consumer"),
	}
}

// Run blocks until ctx is cancelled.
func (c *BlockConsumer) Run(ctx context.Context) error {
	err := c.redis.XGroupCreateMkStream(ctx, c.config.Stream, c.config.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("starting consumer", "stream", c.config.Stream, "group", c.config.Group)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to read from stream", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

func (c *BlockConsumer) poll(ctx context.Context) error {
	streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.config.Group,
		Consumer: c.config.Name,
		Streams:  []string{c.config.Stream, ">"},
		Count:    c.config.Count,
		Block:    c.config.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if err := c.handle(ctx, msg); err != nil {
				if !errors.Is(err, errMalformed) {
					c.logger.Error("failed to process message", "id", msg.ID, "error", err)
					continue
				}
				c.logger.Warn("dropping message", "id", msg.ID, "error", err)
			}

			if err := c.redis.XAck(ctx, stream.Stream, c.config.Group, msg.ID).Err(); err != nil {
				c.logger.Error("failed to acknowledge message", "id", msg.ID, "error", err)
			}
		}
	}
	return nil
}

func (c *BlockConsumer) handle(ctx context.Context, msg redis.XMessage) error {
	eventType, _ := msg.Values["event_type"].(string)
	if eventType != string(EventTypeBlockDetected) {
		return nil
	}

	data, ok := msg.Values["data"].(string)
	if !ok {
		return fmt.Errorf("%w: missing data", errMalformed)
	}

	var envelope struct {
		Payload BlockDetectedPayload `json:"payload"`
	}
	if err := json.Unmarshal([]byte(data), &envelope); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}

	p := envelope.Payload
	if p.Domain == "" || p.Mechanism == "" {
		return fmt.Errorf("%w: block event without domain or mechanism", errMalformed)
	}
	seen := p.Timestamp
	if seen.IsZero() {
		seen = time.Now()
	}

	if err := c.tally.RecordBlock(ctx, p.Domain, string(p.Mechanism), p.Proxy, seen); err != nil {
		return err
	}

	c.logger.Debug("recorded block", "domain", p.Domain, "mechanism", p.Mechanism, "session_id", p.SessionID)
	return nil
}
