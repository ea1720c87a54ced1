package notify

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kasirinaja/settlement/internal/domain"
)

const DefaultChannel = "settlement.returns"

// LogNotifier writes processed returns to the log only.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) ReturnProcessed(_ context.Context, msg domain.ReturnNotification) error {
	n.log.Info("return processed",
		zap.String("org_id", msg.OrgID),
		zap.String("branch_id", msg.BranchID),
		zap.String("sale_id", msg.SaleID),
		zap.String("return_id", msg.ReturnID),
		zap.String("kind", string(msg.Kind)),
		zap.String("refund_method", string(msg.RefundMethod)),
		zap.String("amount", msg.Amount.StringFixed(2)),
		zap.String("processed_by", msg.ProcessedBy),
	)
	return nil
}

// RedisNotifier publishes processed returns as JSON on a Pub/Sub channel.
// The caller keeps ownership of the client.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedisNotifier(client *redis.Client, channel string, log *zap.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisNotifier{client: client, channel: channel, log: log.Named("notify")}
}

func (n *RedisNotifier) ReturnProcessed(ctx context.Context, msg domain.ReturnNotification) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal return notification: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		return fmt.Errorf("publish return notification on %s: %w", n.channel, err)
	}
	n.log.Debug("published return notification", zap.String("channel", n.channel), zap.String("return_id", msg.ReturnID))
	return nil
}
