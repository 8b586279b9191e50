// Package dispatcher implements NodeDispatcher, §4.5: the one process per
// node that consumes its broker queue, serializes mount/unmount work
// through the MountService, and replies with the same correlation id the
// caller published with.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dms/broker"
	"dms/domain"
	"dms/log"
	"dms/mountservice"
)

// retryBackoff is how long dispatch waits before its single retry of a
// domain.KindTransient failure, per §7.
const retryBackoff = 200 * time.Millisecond

// brokerClient is the subset of *broker.Broker NodeDispatcher needs.
// Narrowed to an interface so tests can exercise the dispatch algorithm
// against a fake, without a running AMQP broker.
type brokerClient interface {
	DeclareNodeQueue(queueName string) error
	Consume(ctx context.Context, queueName, consumerTag string) (<-chan broker.Delivery, error)
	PublishReply(ctx context.Context, replyTo, correlationID string, reply broker.Reply) error
}

// mountService is the subset of *mountservice.MountService NodeDispatcher
// calls into.
type mountService interface {
	Mount(ctx context.Context, jobID uint64, targetID, token string) (mountservice.MountResult, error)
	Unmount(ctx context.Context, jobID uint64, targetID string) (mountservice.UnmountResult, error)
}

// NodeDispatcher binds one node identity to its queue and drains it,
// dispatching each decoded request to MountService.
type NodeDispatcher struct {
	nodeID      string
	queuePrefix string
	broker      brokerClient
	service     mountService
	logger      *log.Structured

	wg   sync.WaitGroup
	stop chan struct{}
}

// New constructs a NodeDispatcher for nodeID, declaring and consuming its
// queue under queuePrefix (config.Config.QueuePrefix) so clusters sharing
// one broker stay isolated by their configured prefix.
func New(nodeID, queuePrefix string, b *broker.Broker, service *mountservice.MountService, logger *log.Structured) *NodeDispatcher {
	return &NodeDispatcher{
		nodeID:      nodeID,
		queuePrefix: queuePrefix,
		broker:      b,
		service:     service,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Run declares the node's queue and consumes it until ctx is cancelled or
// Shutdown is called. It blocks until the consume loop has drained its
// current message and exited, satisfying §4.5's graceful-shutdown rule:
// signal stops the loop, wait for the in-flight message, then return so
// the caller can close the broker connection.
func (d *NodeDispatcher) Run(ctx context.Context) error {
	queueName := broker.QueueName(d.queuePrefix, d.nodeID)
	if err := d.broker.DeclareNodeQueue(queueName); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	deliveries, err := d.broker.Consume(runCtx, queueName, "dms-dispatcher-"+d.nodeID)
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}

	d.wg.Add(1)
	defer d.wg.Done()

	for {
		select {
		case <-d.stop:
			cancel()
			d.drain(deliveries)
			return nil
		case <-ctx.Done():
			d.drain(deliveries)
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			d.handle(ctx, delivery)
		}
	}
}

// drain consumes and acks/rejects whatever is still in flight after
// cancellation, without blocking past the channel closing.
func (d *NodeDispatcher) drain(deliveries <-chan broker.Delivery) {
	for delivery := range deliveries {
		d.handle(context.Background(), delivery)
	}
}

// Shutdown signals Run's consume loop to stop after its current message.
// It does not touch the ProcessRegistry: surviving UserFS child processes
// must remain adoptable by the next Run / reconciler pass, per §4.5/§4.7.
func (d *NodeDispatcher) Shutdown() {
	close(d.stop)
	d.wg.Wait()
}

// handle decodes, validates, dispatches, and replies to one delivery.
func (d *NodeDispatcher) handle(ctx context.Context, delivery broker.Delivery) {
	req := delivery.Request

	if req.NodeID != d.nodeID {
		d.logField(req.TargetID, "rejected", "node_id mismatch: got %s, want %s", req.NodeID, d.nodeID)
		if delivery.ReplyTo != "" {
			d.reply(ctx, delivery, broker.Reply{
				Success:      false,
				Message:      fmt.Sprintf("message addressed to node %s, not %s", req.NodeID, d.nodeID),
				ServerNodeID: d.nodeID,
			})
		}
		delivery.Reject()
		return
	}

	reply := d.dispatch(ctx, req)
	d.reply(ctx, delivery, reply)
	delivery.Ack()
}

func (d *NodeDispatcher) dispatch(ctx context.Context, req broker.Request) broker.Reply {
	switch req.Operation {
	case broker.OpMount:
		result, err := d.service.Mount(ctx, req.JobID, req.TargetID, req.Token)
		if domain.KindOf(err) == domain.KindTransient {
			d.logField(req.TargetID, "retrying", "transient mount failure, retrying once after backoff: %v", err)
			time.Sleep(retryBackoff)
			result, err = d.service.Mount(ctx, req.JobID, req.TargetID, req.Token)
		}
		if err != nil {
			return errorReply(d.nodeID, err)
		}
		return broker.Reply{
			Success:           true,
			Message:           "mounted",
			MountPath:         result.MountPath,
			ReusedExisting:    result.ReusedExisting,
			PhysicallyMounted: result.PhysicallyMounted,
			ServerNodeID:      d.nodeID,
		}

	case broker.OpUnmount:
		result, err := d.service.Unmount(ctx, req.JobID, req.TargetID)
		if domain.KindOf(err) == domain.KindTransient {
			d.logField(req.TargetID, "retrying", "transient unmount failure, retrying once after backoff: %v", err)
			time.Sleep(retryBackoff)
			result, err = d.service.Unmount(ctx, req.JobID, req.TargetID)
		}
		if err != nil {
			return errorReply(d.nodeID, err)
		}
		msg := "unmounted"
		if result.NoActiveMount {
			msg = "no active mount for this job"
		}
		return broker.Reply{
			Success:               true,
			Message:               msg,
			PhysicallyUnmounted:   result.PhysicallyUnmounted,
			ActiveMountsRemaining: result.Remaining,
			ServerNodeID:          d.nodeID,
		}

	default:
		return broker.Reply{
			Success:      false,
			Message:      fmt.Sprintf("unknown operation %q", req.Operation),
			ServerNodeID: d.nodeID,
		}
	}
}

// errorReply turns a MountService error (always a *domain.Error, per
// mountservice/errors.go) into a business-level failure reply. Per
// §4.5, business-level failure still gets a positive ack: the message
// was processed deterministically, it just didn't succeed.
func errorReply(nodeID string, err error) broker.Reply {
	kind := domain.KindOf(err)
	msg := err.Error()
	if kind != "" {
		msg = fmt.Sprintf("%s: %v", kind, err)
	}
	return broker.Reply{Success: false, Message: msg, ServerNodeID: nodeID}
}

func (d *NodeDispatcher) reply(ctx context.Context, delivery broker.Delivery, reply broker.Reply) {
	if delivery.ReplyTo == "" {
		return
	}
	if err := d.broker.PublishReply(ctx, delivery.ReplyTo, delivery.CorrelationID, reply); err != nil {
		d.logField(delivery.Request.TargetID, "reply_failed", "%v", err)
	}
}

func (d *NodeDispatcher) logField(targetID, outcome, format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.WithTarget("dispatch", targetID).WithField("outcome", outcome).Infof(format, args...)
}
