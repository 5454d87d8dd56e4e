package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Publisher publishes alert events. Implementations: Redis list, AMQP
// mirror, Multi and an in-memory stub for tests.
type Publisher interface {
	Publish(ctx context.Context, e AlertEvent) error
	Close() error
}

// ---------------------------------------------------------------------------
// Redis list
// ---------------------------------------------------------------------------

// RedisPublisher pushes events onto a capped list: LPUSH then LTRIM to the
// cap, in one transaction.
type RedisPublisher struct {
	client redis.UniversalClient
	key    string
	maxLen int64
}

// NewRedisPublisher creates a list publisher. Zero key and cap take the
// defaults.
func NewRedisPublisher(client redis.UniversalClient, key string, maxLen int64) *RedisPublisher {
	if key == "" {
		key = DefaultKey
	}
	if maxLen <= 0 {
		maxLen = DefaultCap
	}
	return &RedisPublisher{client: client, key: key, maxLen: maxLen}
}

func (p *RedisPublisher) Publish(ctx context.Context, e AlertEvent) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, p.key, data)
	pipe.LTrim(ctx, p.key, 0, p.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bus: push %s: %w", p.key, err)
	}
	log.Debug().Str("key", p.key).Str("token", e.CA).Msg("bus: event published")
	return nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (p *RedisPublisher) Close() error { return nil }

// ---------------------------------------------------------------------------
// AMQP mirror
// ---------------------------------------------------------------------------

// amqpChannel is the subset of *amqp.Channel the mirror uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher mirrors events to a durable queue as persistent JSON
// messages.
type AMQPPublisher struct {
	conn  *amqp.Connection
	ch    amqpChannel
	queue string
	mu    sync.Mutex
}

// DialAMQP connects with a few retries and declares the queue.
func DialAMQP(url, queue string, attempts int, delay time.Duration) (*AMQPPublisher, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var (
		conn *amqp.Connection
		err  error
	)
	for i := 0; i < attempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("bus: amqp dial failed")
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("bus: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: amqp channel: %w", err)
	}
	p, err := newAMQPPublisher(ch, queue)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, queue string) (*AMQPPublisher, error) {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bus: declare queue %s: %w", queue, err)
	}
	return &AMQPPublisher{ch: ch, queue: queue}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e AlertEvent) error {
	body, err := e.Encode()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    e.Time(),
		Type:         "alert",
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("bus: amqp publish: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}

// ---------------------------------------------------------------------------
// Fanout
// ---------------------------------------------------------------------------

// Multi publishes to every publisher and joins the failures.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e AlertEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Stub publisher for tests
// ---------------------------------------------------------------------------

// StubPublisher records events in memory.
type StubPublisher struct {
	mu     sync.Mutex
	Events []AlertEvent
	Err    error
}

func NewStubPublisher() *StubPublisher { return &StubPublisher{} }

func (p *StubPublisher) Publish(_ context.Context, e AlertEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Events = append(p.Events, e)
	return nil
}

func (p *StubPublisher) Close() error { return nil }

// Len returns the number of recorded events.
func (p *StubPublisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Events)
}
