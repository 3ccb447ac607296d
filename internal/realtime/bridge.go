package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// recentEventLimit bounds how many relayed event ids a bridge remembers.
const recentEventLimit = 1024

// Bridge delivers events to the local hub and relays them to peer nodes over
// Redis pub/sub and NATS. Events published by this node are ignored on receipt,
// and a peer event arriving on both transports is delivered once.
type Bridge struct {
	hub          *Hub
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	nodeID       string
	logger       zerolog.Logger

	mu     sync.Mutex
	seen   map[string]struct{}
	recent []string
}

// NewBridge builds a bridge. Empty channelBase disables peer relaying.
func NewBridge(hub *Hub, redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) *Bridge {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":changes"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".changes"
	}

	return &Bridge{
		hub:          hub,
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		nodeID:       uuid.NewString(),
		seen:         make(map[string]struct{}, recentEventLimit),
		logger:       logger.With().Str("component", "realtime_bridge").Logger(),
	}
}

// NodeID identifies this process in relayed events.
func (b *Bridge) NodeID() string {
	return b.nodeID
}

// Broadcast implements Sink.
func (b *Bridge) Broadcast(ctx context.Context, event Event) {
	if event.SentAt.IsZero() {
		event.SentAt = time.Now().UTC()
	}
	event.Source = b.nodeID
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	if b.hub != nil {
		b.hub.Broadcast(ctx, event)
	}
	if err := b.publish(ctx, event); err != nil {
		b.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("failed to relay realtime event")
	}
}

func (b *Bridge) publish(ctx context.Context, event Event) error {
	if (b.redis == nil || b.redisChannel == "") && (b.nats == nil || b.natsSubject == "") {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if b.redis != nil && b.redisChannel != "" {
		if err := b.redis.Publish(ctx, b.redisChannel, payload).Err(); err != nil {
			return err
		}
	}

	if b.nats != nil && b.natsSubject != "" {
		if err := b.nats.Publish(b.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

// Start consumes peer events until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) {
	if b.redis != nil && b.redisChannel != "" {
		go b.consumeRedis(ctx)
	}
	if b.nats != nil && b.natsSubject != "" {
		go b.consumeNATS(ctx)
	}
}

func (b *Bridge) consumeRedis(ctx context.Context) {
	pubsub := b.redis.Subscribe(ctx, b.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			b.logger.Error().Err(err).Msg("realtime redis subscription closed")
			return
		}
		b.handle(ctx, []byte(msg.Payload))
	}
}

func (b *Bridge) consumeNATS(ctx context.Context) {
	sub, err := b.nats.Subscribe(b.natsSubject, func(msg *nats.Msg) {
		b.handle(ctx, msg.Data)
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to subscribe to nats change subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to drain realtime nats subscription")
		}
	}()
}

func (b *Bridge) handle(ctx context.Context, payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		b.logger.Warn().Err(err).Msg("invalid realtime event payload")
		return
	}
	if event.Source == b.nodeID {
		return
	}
	if event.ID != "" && !b.remember(event.ID) {
		return
	}
	if b.hub != nil {
		b.hub.Broadcast(ctx, event)
	}
}

// remember records id and reports whether it was new. The oldest id is
// evicted once the window is full.
func (b *Bridge) remember(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.seen[id]; ok {
		return false
	}
	if len(b.recent) >= recentEventLimit {
		delete(b.seen, b.recent[0])
		b.recent = b.recent[1:]
	}
	b.seen[id] = struct{}{}
	b.recent = append(b.recent, id)
	return true
}
