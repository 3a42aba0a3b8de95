package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Relay carries broadcasts and change events between hub nodes.
// Presence is not relayed and stays node-local.
type Relay interface {
	Publish(ctx context.Context, ev Event) error
	Run(ctx context.Context, deliver func(Event)) error
}

const relayChannelPrefix = "realtime:"

type relayEnvelope struct {
	Node  string `json:"node"`
	Frame Frame  `json:"frame"`
}

// RedisRelay implements Relay over Redis pub/sub
type RedisRelay struct {
	client *redis.Client
	nodeID string
	logger *zap.Logger
}

// NewRedisRelay creates a relay publishing as nodeID
func NewRedisRelay(client *redis.Client, nodeID string, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client: client,
		nodeID: nodeID,
		logger: logger,
	}
}

// RelayChannel returns the Redis channel used for a topic
func RelayChannel(topic string) string {
	return relayChannelPrefix + topic
}

func (r *RedisRelay) Publish(ctx context.Context, ev Event) error {
	if ev.Kind == EventSync || ev.Kind == EventJoin || ev.Kind == EventLeave {
		return nil
	}

	frame, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(relayEnvelope{Node: r.nodeID, Frame: frame})
	if err != nil {
		return fmt.Errorf("failed to marshal relay envelope: %w", err)
	}
	return r.client.Publish(ctx, RelayChannel(ev.Topic), data).Err()
}

func (r *RedisRelay) Run(ctx context.Context, deliver func(Event)) error {
	pubsub := r.client.PSubscribe(ctx, relayChannelPrefix+"*")
	defer pubsub.Close()

	// 구독이 실제로 성립했는지 확인
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe relay: %w", err)
	}

	r.logger.Info("Realtime relay subscribed", zap.String("node", r.nodeID))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg, deliver)
		}
	}
}

func (r *RedisRelay) handle(msg *redis.Message, deliver func(Event)) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.logger.Warn("Failed to parse relay message", zap.Error(err))
		return
	}
	if env.Node == r.nodeID {
		return
	}

	ev, err := DecodeEvent(env.Frame)
	if err != nil {
		r.logger.Warn("Dropping relay frame", zap.Error(err))
		return
	}
	if topic := strings.TrimPrefix(msg.Channel, relayChannelPrefix); ev.Topic == "" {
		ev.Topic = topic
	}
	deliver(ev)
}
