package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"dms/config"
)

// Broker owns one AMQP connection and channel, declares a node's durable
// queue, and exposes the publish/consume primitives NodeDispatcher and the
// RPC client build their protocol on.
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to cfg.BrokerURL and opens a channel with prefetch 1, per
// §5's "node concurrency for mount/unmount is intentionally 1".
func Dial(cfg *config.Config) (*Broker, error) {
	conn, err := amqp.DialConfig(cfg.BrokerURL, amqp.Config{Heartbeat: cfg.BrokerHeartbeat})
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("broker: set qos: %w", err)
	}
	return &Broker{conn: conn, ch: ch}, nil
}

// Close shuts down the channel and connection.
func (b *Broker) Close() error {
	b.ch.Close()
	return b.conn.Close()
}

// DeclareNodeQueue declares the durable, TTL-bounded queue a node's
// NodeDispatcher consumes from, per §6.
func (b *Broker) DeclareNodeQueue(queueName string) error {
	_, err := b.ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-message-ttl": int64(QueueTTL / time.Millisecond)},
	)
	if err != nil {
		return fmt.Errorf("broker: declare queue %s: %w", queueName, err)
	}
	return nil
}

// DeclareReplyQueue declares a server-named, exclusive, auto-delete queue
// for a single RPC client to receive replies on.
func (b *Broker) DeclareReplyQueue() (string, error) {
	q, err := b.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("broker: declare reply queue: %w", err)
	}
	return q.Name, nil
}

// Publish sends req to queueName, setting the AMQP CorrelationId/ReplyTo
// from req's fields so a waiting client can match the eventual Reply.
func (b *Broker) Publish(ctx context.Context, queueName string, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("broker: marshal request: %w", err)
	}
	return b.ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: req.CorrelationID,
		ReplyTo:       req.ReplyTo,
		Body:          body,
	})
}

// PublishReply sends reply to replyTo with the given correlationID, so the
// originating client's Consume loop can match it by correlation id.
func (b *Broker) PublishReply(ctx context.Context, replyTo, correlationID string, reply Reply) error {
	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("broker: marshal reply: %w", err)
	}
	return b.ch.PublishWithContext(ctx, "", replyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		Body:          body,
	})
}

// Delivery wraps an inbound amqp.Delivery with a decoded Request, so
// NodeDispatcher need not re-parse the envelope.
type Delivery struct {
	Request       Request
	CorrelationID string
	ReplyTo       string
	raw           amqp.Delivery
}

// Ack positively acknowledges the delivery: the broker will not redeliver
// it. Used for any deterministic outcome, including business-level
// failure, per §4.5.
func (d *Delivery) Ack() error {
	return d.raw.Ack(false)
}

// Reject negatively acknowledges the delivery without requeueing it, per
// §4.5's handling of malformed or misaddressed messages.
func (d *Delivery) Reject() error {
	return d.raw.Reject(false)
}

// Consume returns a channel of decoded Deliveries from queueName. The
// channel closes when ctx is cancelled or the underlying AMQP consumer is
// cancelled by the broker.
func (b *Broker) Consume(ctx context.Context, queueName, consumerTag string) (<-chan Delivery, error) {
	raw, err := b.ch.Consume(queueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: consume %s: %w", queueName, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				b.ch.Cancel(consumerTag, false)
				return
			case d, ok := <-raw:
				if !ok {
					return
				}
				var req Request
				if err := json.Unmarshal(d.Body, &req); err != nil {
					d.Reject(false)
					continue
				}
				req.CorrelationID = d.CorrelationId
				req.ReplyTo = d.ReplyTo
				select {
				case out <- Delivery{Request: req, CorrelationID: d.CorrelationId, ReplyTo: d.ReplyTo, raw: d}:
				case <-ctx.Done():
					d.Reject(true)
					return
				}
			}
		}
	}()
	return out, nil
}

// ConsumeReplies returns a channel of decoded Replies from a client's
// reply queue, keyed by correlation id so the caller can match its
// outstanding request.
func (b *Broker) ConsumeReplies(ctx context.Context, queueName string) (<-chan ReplyDelivery, error) {
	raw, err := b.ch.Consume(queueName, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: consume replies %s: %w", queueName, err)
	}

	out := make(chan ReplyDelivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-raw:
				if !ok {
					return
				}
				var reply Reply
				if err := json.Unmarshal(d.Body, &reply); err != nil {
					continue
				}
				select {
				case out <- ReplyDelivery{Reply: reply, CorrelationID: d.CorrelationId}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// ReplyDelivery pairs a decoded Reply with the correlation id it answers.
type ReplyDelivery struct {
	Reply         Reply
	CorrelationID string
}
