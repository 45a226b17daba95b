package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// Well-known topic names.
const (
	TopicBookingMatchRequested = "booking.match_requested"
	TopicBookingCancelled      = "booking.cancelled"

	TopicRideOffered        = "ride.offered"
	TopicRideAccepted       = "ride.accepted"
	TopicPassengerPickedUp  = "ride.pickedup"
	TopicRideCompleted      = "ride.completed"
	TopicRideCancelled      = "ride.cancelled"
	TopicRideOfferCancelled = "ride.offer_cancelled"
)

// Client wraps Kafka operations. Writers are created lazily per topic and
// reused; messages are keyed by booking id so per-booking ordering holds.
type Client struct {
	brokers []string

	mu      sync.Mutex
	writers map[string]*kafkago.Writer
}

// NewClient returns a Client connected to the given brokers.
func NewClient(brokers []string) *Client {
	return &Client{brokers: brokers, writers: make(map[string]*kafkago.Writer)}
}

// EnsureTopics creates topics if they don't already exist (with retry).
func (c *Client) EnsureTopics(ctx context.Context, topics ...string) error {
	for attempt := 1; attempt <= 20; attempt++ {
		conn, err := kafkago.DialContext(ctx, "tcp", c.brokers[0])
		if err != nil {
			log.Printf("kafka not ready, retrying in 3s... (%d/20)", attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
			continue
		}

		configs := make([]kafkago.TopicConfig, len(topics))
		for i, t := range topics {
			configs[i] = kafkago.TopicConfig{
				Topic:             t,
				NumPartitions:     3,
				ReplicationFactor: 1,
			}
		}

		err = conn.CreateTopics(configs...)
		conn.Close()
		if err != nil {
			log.Printf("topic creation returned (may already exist): %v", err)
		}
		return nil
	}
	return fmt.Errorf("kafka: could not connect after 20 attempts")
}

// Publish sends a JSON-serialised message to a topic keyed by key.
func (c *Client) Publish(ctx context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.writer(topic).WriteMessages(ctx, kafkago.Message{
		Key:   []byte(key),
		Value: data,
	})
}

// Subscribe starts a background goroutine that reads from a topic and hands
// each message to handler. A failing message is retried in place with
// backoff and committed only once the handler succeeds, so no offset is
// ever committed past an unprocessed message.
func (c *Client) Subscribe(ctx context.Context, topic, groupID string, handler func(key, value []byte) error) {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  c.brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	go func() {
		defer r.Close()
		for {
			msg, err := r.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[kafka] fetch error on %s: %v", topic, err)
				time.Sleep(time.Second)
				continue
			}
			if err := handleWithRetry(ctx, topic, handler, msg.Key, msg.Value, time.Second); err != nil {
				return // ctx cancelled mid-retry
			}
			if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				log.Printf("[kafka] commit error on %s: %v", topic, err)
			}
		}
	}()
}

// handleWithRetry invokes handler until it succeeds, doubling the wait
// between attempts up to a cap. Committing a later offset would mark every
// earlier one on the partition consumed, so the only safe move on failure
// is to keep retrying the same message. Returns non-nil only when ctx ends.
func handleWithRetry(ctx context.Context, topic string, handler func(key, value []byte) error, key, value []byte, backoff time.Duration) error {
	const maxBackoff = 30 * time.Second
	for {
		err := handler(key, value)
		if err == nil {
			return nil
		}
		log.Printf("[kafka] handler error on %s, retrying in %s: %v", topic, backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// Close flushes and closes all cached writers.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for _, w := range c.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.writers = make(map[string]*kafkago.Writer)
	return first
}

func (c *Client) writer(topic string) *kafkago.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.writers[topic]; ok {
		return w
	}
	w := &kafkago.Writer{
		Addr:     kafkago.TCP(c.brokers...),
		Topic:    topic,
		Balancer: &kafkago.Hash{}, // key-stable partitioning per booking
	}
	c.writers[topic] = w
	return w
}
