package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Structured wraps a logrus.Logger with dms's standard field set
// (node_id, plus whatever the caller adds via WithFields), used for the
// process-level event stream that goes to stdout/stderr under a process
// supervisor, separate from the per-category file logs Logger writes.
type Structured struct {
	*logrus.Logger
	nodeID string
}

// NewStructured builds a Structured logger writing JSON lines to out
// (os.Stdout in production, a buffer in tests) tagged with nodeID.
func NewStructured(nodeID string, debug bool, out io.Writer) *Structured {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetOutput(out)
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return &Structured{Logger: l, nodeID: nodeID}
}

// WithOp returns an entry pre-tagged with node_id and op, the two fields
// every dispatcher/reconciler log line carries.
func (s *Structured) WithOp(op string) *logrus.Entry {
	return s.WithFields(logrus.Fields{"node_id": s.nodeID, "op": op})
}

// WithTarget returns an entry tagged with node_id, op, and target_id.
func (s *Structured) WithTarget(op, targetID string) *logrus.Entry {
	return s.WithFields(logrus.Fields{"node_id": s.nodeID, "op": op, "target_id": targetID})
}
