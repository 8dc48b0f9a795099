package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Message is one job as handed out by a Broker
type Message struct {
	ID      string
	Payload []byte
}

// Broker is a work queue with consumer groups: every message published to a
// queue is handed to one consumer of a group until it is acked.
type Broker interface {
	Publish(ctx context.Context, queue string, payload []byte) error
	// Receive blocks until a message is available. It returns (nil, nil)
	// when no message arrived in time; callers should simply retry.
	Receive(ctx context.Context, queue, group, consumer string) (*Message, error)
	Ack(ctx context.Context, queue, group, id string) error
}

// DeliveryJob is the payload of a queued delivery
type DeliveryJob struct {
	DeliveryId   uuid.UUID `json:"deliveryId"`
	ActivityId   string    `json:"activityId"`
	ActivityType string    `json:"activityType"`
	ActivityBody string    `json:"activityBody"`
	ActorURI     string    `json:"actorUri"`
	InboxURI     string    `json:"inboxUri"`
}

// QueueService publishes delivery jobs to the configured queue
type QueueService struct {
	broker Broker
	queue  string
}

func NewQueueService(broker Broker, queue string) *QueueService {
	return &QueueService{broker: broker, queue: queue}
}

// Enqueue publishes a job for an already persisted DeliveryRecord
func (q *QueueService) Enqueue(ctx context.Context, deliveryId uuid.UUID, activityId, activityType, activityBody, actorURI, inboxURI string) error {
	payload, err := json.Marshal(DeliveryJob{
		DeliveryId:   deliveryId,
		ActivityId:   activityId,
		ActivityType: activityType,
		ActivityBody: activityBody,
		ActorURI:     actorURI,
		InboxURI:     inboxURI,
	})
	if err != nil {
		return err
	}
	return q.broker.Publish(ctx, q.queue, payload)
}

// ------------------------------------------------------------------
// In-process broker

// MemoryBroker is a Broker backed by buffered channels. Messages do not
// survive a restart; the retry job re-enqueues anything left Failed or stale.
type MemoryBroker struct {
	mu       sync.Mutex
	queues   map[string]chan Message
	capacity int
	seq      uint64
}

// NewMemoryBroker creates a MemoryBroker holding up to capacity messages per queue
func NewMemoryBroker(capacity int) *MemoryBroker {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryBroker{queues: make(map[string]chan Message), capacity: capacity}
}

func (b *MemoryBroker) channel(queue string) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[queue]
	if !ok {
		ch = make(chan Message, b.capacity)
		b.queues[queue] = ch
	}
	return ch
}

func (b *MemoryBroker) Publish(ctx context.Context, queue string, payload []byte) error {
	b.mu.Lock()
	b.seq++
	id := strconv.FormatUint(b.seq, 10)
	b.mu.Unlock()

	select {
	case b.channel(queue) <- Message{ID: id, Payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) Receive(ctx context.Context, queue, group, consumer string) (*Message, error) {
	select {
	case msg := <-b.channel(queue):
		return &msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryBroker) Ack(ctx context.Context, queue, group, id string) error {
	return nil
}

// Len returns the number of messages waiting in queue
func (b *MemoryBroker) Len(queue string) int {
	return len(b.channel(queue))
}

// ------------------------------------------------------------------
// Redis streams broker

const (
	payloadField     = "payload"
	redisBlock       = 5 * time.Second
	defaultClaimIdle = 5 * time.Minute
)

// RedisBroker is a Broker on Redis streams and consumer groups. Messages
// left unacked by a crashed consumer are reclaimed after ClaimIdle.
type RedisBroker struct {
	client    *redis.Client
	ClaimIdle time.Duration

	groups sync.Map
}

// NewRedis creates a redis client
func NewRedis(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client, ClaimIdle: defaultClaimIdle}
}

func (b *RedisBroker) ensureGroup(ctx context.Context, stream, group string) error {
	key := stream + "\x00" + group
	if _, ok := b.groups.Load(key); ok {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(err, "RedisBroker.ensureGroup: %s/%s", stream, group)
	}
	b.groups.Store(key, true)
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, queue string, payload []byte) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		Values: map[string]any{payloadField: string(payload)},
	}).Err()
	if err != nil {
		return errors.Wrap(err, "RedisBroker.Publish: XADD failed")
	}
	return nil
}

func (b *RedisBroker) Receive(ctx context.Context, queue, group, consumer string) (*Message, error) {
	if err := b.ensureGroup(ctx, queue, group); err != nil {
		return nil, err
	}

	if b.ClaimIdle > 0 {
		claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   queue,
			Group:    group,
			Consumer: consumer,
			MinIdle:  b.ClaimIdle,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && err != redis.Nil {
			return nil, errors.Wrap(err, "RedisBroker.Receive: XAUTOCLAIM failed")
		}
		if len(claimed) > 0 {
			return toMessage(claimed[0])
		}
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{queue, ">"},
		Count:    1,
		Block:    redisBlock,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "RedisBroker.Receive: XREADGROUP failed")
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return toMessage(s.Messages[0])
		}
	}
	return nil, nil
}

func toMessage(m redis.XMessage) (*Message, error) {
	raw, ok := m.Values[payloadField].(string)
	if !ok {
		return &Message{ID: m.ID}, fmt.Errorf("stream entry %s has no %s field", m.ID, payloadField)
	}
	return &Message{ID: m.ID, Payload: []byte(raw)}, nil
}

// Ack acknowledges and removes the entry, so the stream only holds
// outstanding work
func (b *RedisBroker) Ack(ctx context.Context, queue, group, id string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, queue, group, id)
		pipe.XDel(ctx, queue, id)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "RedisBroker.Ack: XACK/XDEL %s failed", id)
	}
	return nil
}
