// Package broker defines dms's wire protocol over RabbitMQ (§6): one
// durable queue per node, JSON request/reply bodies, and the publish/
// consume plumbing both NodeDispatcher and the RPC client build on.
package broker

import "time"

// Operation names the two requests a node's queue accepts.
type Operation string

const (
	OpMount   Operation = "mount"
	OpUnmount Operation = "unmount"
)

// Request is the JSON body published to a node's queue.
type Request struct {
	Operation     Operation `json:"operation"`
	JobID         uint64    `json:"job_id"`
	TargetID      string    `json:"target_id"`
	Token         string    `json:"token,omitempty"` // mount only
	NodeID        string    `json:"node_id"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"-"` // carried as the AMQP message's CorrelationId, not JSON
	ReplyTo       string    `json:"-"` // carried as the AMQP message's ReplyTo, not JSON
}

// Reply is the JSON body published back to the caller's reply_to queue.
type Reply struct {
	Success               bool   `json:"success"`
	Message               string `json:"message"`
	MountPath             string `json:"mount_path,omitempty"`
	ReusedExisting        bool   `json:"reused_existing,omitempty"`
	PhysicallyMounted     bool   `json:"physically_mounted,omitempty"`
	PhysicallyUnmounted   bool   `json:"physically_unmounted,omitempty"`
	ActiveMountsRemaining int    `json:"active_mounts_remaining,omitempty"`
	ServerNodeID          string `json:"server_node_id"`
}

// QueueTTL is the per-message TTL applied to every node's queue, per §6.
const QueueTTL = 3600000 * time.Millisecond

// QueueName returns the deterministic queue name for nodeID under prefix,
// matching config.Config.QueueName()'s prefix+"."+nodeID shape so two
// DMS clusters sharing one broker stay isolated by queue_prefix.
func QueueName(prefix, nodeID string) string {
	return prefix + "." + nodeID
}
