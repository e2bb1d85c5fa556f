package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/sidenode/pkg/message"
	"github.com/redis/go-redis/v9"
)

// ErrMalformed is returned by Pop for an entry that is not a valid message.
// The entry has been removed from the queue.
var ErrMalformed = errors.New("malformed message")

// Client provides instance-scoped queue operations. It is safe for concurrent
// use.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a bus client for the specified instance.
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// Dial parses a redis:// URL and creates a client for the instance.
func Dial(redisURL, instanceName string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL %q: %w", redisURL, err)
	}
	return NewClient(opts, instanceName)
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// InstanceName returns the namespace of every key used by the client.
func (c *Client) InstanceName() string { return c.instanceName }

// Redis exposes the underlying connection for the storage engine, which
// keeps chain data under the same instance namespace.
func (c *Client) Redis() *redis.Client { return c.rdb }

// Push appends a message to the tail of a queue.
func (c *Client) Push(ctx context.Context, key string, msg *message.Message) error {
	data, err := message.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.rdb.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", key, err)
	}
	return nil
}

// Pop removes the message at the head of a queue, waiting up to timeout for
// one to arrive. Returns redis.Nil when the wait expired; use IsNotFound.
func (c *Client) Pop(ctx context.Context, key string, timeout time.Duration) (*message.Message, error) {
	res, err := c.rdb.BLPop(ctx, timeout, key).Result()
	if err != nil {
		return nil, err
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of length %d", len(res))
	}
	msg, err := message.Unmarshal([]byte(res[1]))
	if err != nil {
		return nil, fmt.Errorf("%w on %s: %v", ErrMalformed, key, err)
	}
	return msg, nil
}

// QueueLen returns the number of messages waiting in a queue.
func (c *Client) QueueLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read length of %s: %w", key, err)
	}
	return n, nil
}

// Reset discards anything left in a plugin's queues by a previous worker.
func (c *Client) Reset(ctx context.Context, plugin string) error {
	err := c.rdb.Del(ctx, InboxKey(c.instanceName, plugin), OutboxKey(c.instanceName, plugin)).Err()
	if err != nil {
		return fmt.Errorf("failed to reset queues for %s: %w", plugin, err)
	}
	return nil
}

// PublishBlock announces a committed block to observers.
func (c *Client) PublishBlock(ctx context.Context, block any) error {
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to marshal block event: %w", err)
	}
	if err := c.rdb.Publish(ctx, BlockEventsChannel(c.instanceName), data).Err(); err != nil {
		return fmt.Errorf("failed to publish block event: %w", err)
	}
	return nil
}

// Subscription is an active Pub/Sub subscription to block events. Caller
// must call Close when done.
type Subscription struct {
	events <-chan json.RawMessage
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of raw block documents. It is closed when the
// subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan json.RawMessage {
	return s.events
}

// Errors returns non-fatal subscription errors; offending events are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeBlockEvents subscribes to committed blocks for this instance.
// The subscription is acknowledged by Redis before this returns, so a block
// published afterwards is not missed.
func (c *Client) SubscribeBlockEvents(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, BlockEventsChannel(c.instanceName))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to block events: %w", err)
	}

	eventsChan := make(chan json.RawMessage, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				raw := json.RawMessage(msg.Payload)
				if !json.Valid(raw) {
					select {
					case errorsChan <- fmt.Errorf("invalid block event on %s", msg.Channel):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- raw:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is redis.Nil, the reply to a missing
// key or an expired blocking pop.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
