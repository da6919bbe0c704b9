package crosstab

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/grenzgaenger/freshness/logger"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DefaultChannel is the redis pub/sub channel used when none is configured.
const DefaultChannel = "freshness:sync"

// redisEnvelope wraps the JSON message with trace headers.
type redisEnvelope struct {
	Data    []byte            `msgpack:"data"`
	Headers map[string]string `msgpack:"headers"`
}

// RedisTransport carries sync messages over a redis pub/sub channel, so tabs
// in different processes can share one cache view.
type RedisTransport struct {
	rdb       redis.UniversalClient
	channel   string
	pubsub    *redis.PubSub
	ctx       context.Context
	cancel    context.CancelFunc
	logger    logger.Logger
	handlers  map[int]Handler
	next      int
	closed    atomic.Bool
	mu        sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
}

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport subscribes to channel and returns once the subscription is confirmed.
func NewRedisTransport(ctx context.Context, log logger.Logger, rdb redis.UniversalClient, channel string) (*RedisTransport, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	ctx, cancel := context.WithCancel(ctx)
	pubsub := rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, errors.Wrapf(err, "subscribe to %s", channel)
	}
	t := &RedisTransport{
		rdb:      rdb,
		channel:  channel,
		pubsub:   pubsub,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(map[string]interface{}{"component": "crosstab", "channel": channel}),
		handlers: make(map[int]Handler),
	}
	t.waitGroup.Add(1)
	go t.run()
	return t, nil
}

func (t *RedisTransport) run() {
	defer t.waitGroup.Done()
	ch := t.pubsub.Channel()
	for {
		select {
		case <-t.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			t.dispatch([]byte(msg.Payload))
		}
	}
}

func (t *RedisTransport) dispatch(payload []byte) {
	var env redisEnvelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		t.logger.Error("failed to decode envelope: %s", err)
		return
	}
	msg, err := Decode(env.Data)
	if err != nil {
		t.logger.Error("failed to decode message: %s", err)
		return
	}
	spanCtx, span := tracer.Start(
		propagator.Extract(t.ctx, propagation.MapCarrier(env.Headers)),
		"Receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("sync.type", string(msg.Type)),
			attribute.String("sync.source", msg.Source),
		),
	)
	defer span.End()

	t.mu.Lock()
	ids := slices.Sorted(maps.Keys(t.handlers))
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, t.handlers[id])
	}
	t.mu.Unlock()
	for _, h := range handlers {
		h(spanCtx, msg)
	}
}

func (t *RedisTransport) Send(ctx context.Context, msg Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	spanCtx, span := tracer.Start(ctx, "Send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("sync.type", string(msg.Type))),
	)
	defer span.End()

	data, err := msg.Encode()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}
	headers := propagation.MapCarrier{}
	propagator.Inject(spanCtx, headers)
	payload, err := msgpack.Marshal(redisEnvelope{Data: data, Headers: headers})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return errors.Wrap(err, "encode envelope")
	}
	if err := t.rdb.Publish(spanCtx, t.channel, payload).Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return errors.Wrapf(err, "publish to %s", t.channel)
	}
	span.SetStatus(codes.Ok, "message published")
	return nil
}

func (t *RedisTransport) OnMessage(handler Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.handlers[id] = handler
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers, id)
	}
}

func (t *RedisTransport) Available() bool {
	return !t.closed.Load()
}

// Close unsubscribes and waits for the receive loop. The redis client stays open.
func (t *RedisTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.closed.Store(true)
		t.cancel()
		err = t.pubsub.Close()
		t.waitGroup.Wait()
	})
	return err
}
