// Package client is the library side of dms's RPC protocol: callers (job
// runners) use it to request a mount or unmount from a node's
// NodeDispatcher and wait for the correlated reply, per §5's client-side
// timeout rule.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"dms/broker"
	"dms/domain"
)

// DefaultTimeout is the default end-to-end RPC bound, per §5.
const DefaultTimeout = 300 * time.Second

// brokerClient is the subset of *broker.Broker Client needs. Narrowed to
// an interface so tests can exercise the call/timeout logic against a
// fake, without a running AMQP broker.
type brokerClient interface {
	DeclareReplyQueue() (string, error)
	ConsumeReplies(ctx context.Context, queueName string) (<-chan broker.ReplyDelivery, error)
	Publish(ctx context.Context, queueName string, req broker.Request) error
}

// Client issues mount/unmount RPCs against a single node's queue and
// waits for the matching reply on a private reply queue.
type Client struct {
	broker      brokerClient
	queuePrefix string
	timeout     time.Duration
	replyTo     string
	mu          sync.Mutex
	pending     map[string]chan broker.Reply
}

// New opens a reply queue and starts listening for replies. timeout
// bounds every subsequent Mount/Unmount call (DefaultTimeout if zero).
// queuePrefix must match the target nodes' config.Config.QueuePrefix, or
// Publish will address the wrong queue.
func New(ctx context.Context, b brokerClient, queuePrefix string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	replyTo, err := b.DeclareReplyQueue()
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	c := &Client{
		broker:      b,
		queuePrefix: queuePrefix,
		timeout:     timeout,
		replyTo:     replyTo,
		pending:     make(map[string]chan broker.Reply),
	}

	replies, err := b.ConsumeReplies(ctx, replyTo)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	go c.route(replies)

	return c, nil
}

func (c *Client) route(replies <-chan broker.ReplyDelivery) {
	for d := range replies {
		c.mu.Lock()
		ch, ok := c.pending[d.CorrelationID]
		if ok {
			delete(c.pending, d.CorrelationID)
		}
		c.mu.Unlock()
		if ok {
			ch <- d.Reply
		}
	}
}

// Mount requests a mount of targetID on nodeID for jobID, authenticating
// with token. A client-side timeout returns a domain.KindTimeout error;
// the node-side work is not cancelled and continues to a consistent
// ledger state per §5 — the caller must re-query or retry, not assume
// failure.
func (c *Client) Mount(ctx context.Context, nodeID string, jobID uint64, targetID, token string) (broker.Reply, error) {
	return c.call(ctx, nodeID, broker.Request{
		Operation: broker.OpMount,
		JobID:     jobID,
		TargetID:  targetID,
		Token:     token,
		NodeID:    nodeID,
		Timestamp: now(),
	})
}

// Unmount requests an unmount of targetID on nodeID for jobID.
func (c *Client) Unmount(ctx context.Context, nodeID string, jobID uint64, targetID string) (broker.Reply, error) {
	return c.call(ctx, nodeID, broker.Request{
		Operation: broker.OpUnmount,
		JobID:     jobID,
		TargetID:  targetID,
		NodeID:    nodeID,
		Timestamp: now(),
	})
}

// AcquireMount is the context-scoped acquire/release wrapper named
// alongside the bounded RPC in the component table (component H): it
// mounts targetID on nodeID for jobID and, on success, returns a release
// func that unmounts the same (jobID, targetID) on nodeID. The caller
// must call release exactly once when done with the mount, on every
// exit path, mirroring the Serializer's "releasing is mandatory" rule
// on the client side of the RPC boundary.
func (c *Client) AcquireMount(ctx context.Context, nodeID string, jobID uint64, targetID, token string) (release func() error, err error) {
	reply, err := c.Mount(ctx, nodeID, jobID, targetID, token)
	if err != nil {
		return nil, err
	}
	if !reply.Success {
		return nil, domain.NewError(domain.KindMountFailed, "AcquireMount", fmt.Errorf("%s", reply.Message))
	}

	release = func() error {
		unmountReply, err := c.Unmount(context.Background(), nodeID, jobID, targetID)
		if err != nil {
			return err
		}
		if !unmountReply.Success {
			return domain.NewError(domain.KindUnmountFailed, "AcquireMount.release", fmt.Errorf("%s", unmountReply.Message))
		}
		return nil
	}
	return release, nil
}

func (c *Client) call(ctx context.Context, nodeID string, req broker.Request) (broker.Reply, error) {
	req.CorrelationID = uuid.NewString()
	req.ReplyTo = c.replyTo

	ch := make(chan broker.Reply, 1)
	c.mu.Lock()
	c.pending[req.CorrelationID] = ch
	c.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.broker.Publish(callCtx, broker.QueueName(c.queuePrefix, nodeID), req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.CorrelationID)
		c.mu.Unlock()
		return broker.Reply{}, domain.NewError(domain.KindTransient, "call", err)
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-callCtx.Done():
		c.mu.Lock()
		delete(c.pending, req.CorrelationID)
		c.mu.Unlock()
		return broker.Reply{}, domain.NewError(domain.KindTimeout, "call", callCtx.Err())
	}
}

var now = time.Now
