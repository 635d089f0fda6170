// ABOUTME: NATS JetStream implementation of Queue
// ABOUTME: Uses a work-queue stream with a durable pull consumer; Delete acks

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig names the JetStream resources. Missing names get defaults.
type NATSConfig struct {
	URL      string
	Stream   string
	Subject  string
	Consumer string
	AckWait  time.Duration
}

const (
	defaultNATSStream   = "DISPATCH_JOBS"
	defaultNATSSubject  = "dispatch.jobs"
	defaultNATSConsumer = "dispatch-bridge"
	defaultNATSAckWait  = 30 * time.Second
)

// NATSQueue is a Queue backed by a JetStream work-queue stream.
type NATSQueue struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	subject  string
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]jetstream.Msg // stream sequence -> unacked message
}

// NewNATSQueue connects to cfg.URL and creates the stream and consumer if needed.
func NewNATSQueue(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATSQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = defaultNATSStream
	}
	if cfg.Subject == "" {
		cfg.Subject = defaultNATSSubject
	}
	if cfg.Consumer == "" {
		cfg.Consumer = defaultNATSConsumer
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = defaultNATSAckWait
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats_queue")

	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating stream %s: %w", cfg.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		FilterSubject: cfg.Subject,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating consumer %s: %w", cfg.Consumer, err)
	}

	return &NATSQueue{
		conn:     nc,
		js:       js,
		consumer: consumer,
		subject:  cfg.Subject,
		logger:   logger,
		pending:  make(map[string]jetstream.Msg),
	}, nil
}

// Send publishes body. key becomes the Nats-Msg-Id so duplicate sends
// within the stream's duplicate window are dropped by the server.
func (q *NATSQueue) Send(ctx context.Context, key string, body []byte) error {
	var opts []jetstream.PublishOpt
	if key != "" {
		opts = append(opts, jetstream.WithMsgID(key))
	}
	if _, err := q.js.Publish(ctx, q.subject, body, opts...); err != nil {
		return fmt.Errorf("publishing to %s: %w", q.subject, err)
	}
	return nil
}

// Receive fetches up to max messages, waiting at most wait.
func (q *NATSQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}

	var (
		batch jetstream.MessageBatch
		err   error
	)
	if wait <= 0 {
		batch, err = q.consumer.FetchNoWait(max)
	} else {
		batch, err = q.consumer.Fetch(max, jetstream.FetchMaxWait(wait))
	}
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	var out []Delivery
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			q.logger.Warn("message without metadata", "error", err)
			continue
		}
		id := strconv.FormatUint(meta.Sequence.Stream, 10)
		q.mu.Lock()
		q.pending[id] = msg
		q.mu.Unlock()
		out = append(out, Delivery{ID: id, Body: msg.Data()})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		return out, fmt.Errorf("fetching messages: %w", err)
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, nil
}

// Delete acknowledges the message, removing it from the work-queue stream.
func (q *NATSQueue) Delete(ctx context.Context, id string) error {
	q.mu.Lock()
	msg, ok := q.pending[id]
	delete(q.pending, id)
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown delivery %s", id)
	}
	if err := msg.DoubleAck(ctx); err != nil {
		return fmt.Errorf("acking message %s: %w", id, err)
	}
	return nil
}

// Close drains the connection.
func (q *NATSQueue) Close() error {
	if err := q.conn.Drain(); err != nil {
		q.conn.Close()
		return err
	}
	return nil
}
