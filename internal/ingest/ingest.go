// Package ingest bridges external turn/task-completion signals into the
// Session Observer Queue (spec §4.1 data-flow's "enqueue trigger" arrow).
// Signals arrive as Redis Stream entries; this package decodes each entry
// and calls SessionObserverQueue.EnqueueWithTrigger. Grounded on the
// teacher's internal/queue/consumer.go consumer-group read/ack/DLQ shape.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"mindops.dev/sidecar/common/logger"
	"mindops.dev/sidecar/internal/model"
	"mindops.dev/sidecar/internal/queue"
)

// Config controls the Redis consumer group this ingester reads from.
type Config struct {
	Stream      string
	Group       string
	Consumer    string
	DLQStream   string
	BatchSize   int64
	Block       time.Duration
	MaxAttempts int
}

// entry is the decoded shape of one stream record.
type entry struct {
	id             string
	sessionID      string
	conversationID string
	trigger        model.Trigger
	attempt        int
	raw            redis.XMessage
}

// Consumer reads turn-signal entries from a Redis stream and feeds them into
// a SessionObserverQueue. One Consumer per process; Run blocks until ctx is
// cancelled.
type Consumer struct {
	client *redis.Client
	queue  *queue.SessionObserverQueue
	cfg    Config
}

func NewConsumer(client *redis.Client, q *queue.SessionObserverQueue, cfg Config) (*Consumer, error) {
	c := &Consumer{client: client, queue: q, cfg: cfg}
	if err := c.ensureGroup(context.Background()); err != nil { //nolint:contextcheck
		return nil, err
	}
	return c, nil
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	// Start from "0" rather than "$" so entries written to the stream before
	// the group was created are still delivered instead of silently skipped.
	if err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err(); err != nil &&
		err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

// Run polls the stream until ctx is cancelled, enqueueing each decoded entry
// and acknowledging it immediately (enqueue is synchronous and in-memory, so
// there is nothing to lose by acking before the run itself completes).
func (c *Consumer) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "ingest consumer started", "stream", c.cfg.Stream, "group", c.cfg.Group)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := c.pollOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "ingest poll error", "error", err)
				time.Sleep(time.Second)
			}
		}
	}
}

func (c *Consumer) pollOnce(ctx context.Context) error {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("reading from stream: %w", err)
	}

	now := time.Now()
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			e, parseErr := parseEntry(msg)
			if parseErr != nil {
				slog.ErrorContext(ctx, "discarding malformed ingest entry",
					"error", parseErr, "raw_message_id", msg.ID)
				c.ack(ctx, msg.ID)
				continue
			}
			c.handle(ctx, e, now)
		}
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, e entry, now time.Time) {
	entryCtx := logger.WithLogFields(ctx, logger.LogFields{
		SessionID:      &e.sessionID,
		ConversationID: &e.conversationID,
		Component:      "sidecar.ingest",
	})
	c.queue.EnqueueWithTrigger(e.sessionID, e.conversationID, e.trigger, now)
	slog.DebugContext(entryCtx, "enqueued trigger from ingest stream",
		"trigger_kind", e.trigger.Kind.String())
	c.ack(ctx, e.raw.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		slog.WarnContext(ctx, "failed to ack ingest entry", "error", err, "message_id", id)
	}
}

func parseEntry(msg redis.XMessage) (entry, error) {
	sessionID, _ := msg.Values["session_id"].(string)
	conversationID, _ := msg.Values["conversation_id"].(string)
	if sessionID == "" || conversationID == "" {
		return entry{}, fmt.Errorf("missing session_id or conversation_id")
	}

	triggerKind, _ := msg.Values["trigger"].(string)
	trigger, err := triggerFromString(triggerKind)
	if err != nil {
		return entry{}, err
	}

	return entry{
		id:             msg.ID,
		sessionID:      sessionID,
		conversationID: conversationID,
		trigger:        trigger,
		raw:            msg,
	}, nil
}

func triggerFromString(kind string) (model.Trigger, error) {
	switch kind {
	case "", "token_threshold":
		return model.TokenThresholdTrigger(), nil
	case "task_completed":
		return model.TaskCompletedTrigger(), nil
	case "manual_shortcut":
		return model.ManualShortcutTrigger(), nil
	default:
		return model.Trigger{}, fmt.Errorf("unknown trigger kind %q", kind)
	}
}
