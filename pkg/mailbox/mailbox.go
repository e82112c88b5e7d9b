// Package mailbox implements the per-recipient durable message queues
// the agent bus rides on. Three backends are available: a directory of
// per-recipient message files (default), an embedded goleveldb store,
// and a NATS JetStream work queue served by an embedded server.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

// Queue is the per-recipient FIFO durable message queue. Ordering is
// FIFO per (sender, recipient) pair; there is no global order. Ack is
// implicit on poll: the default backend redelivers on a crash between
// read and delete (at-least-once), so consumers de-duplicate by id.
type Queue interface {
	// Send enqueues one message for its recipient.
	Send(ctx context.Context, msg *models.AgentMessage) error

	// Broadcast fans the message out to every registered recipient
	// except the sender, returning the recipients delivered to.
	Broadcast(ctx context.Context, msg *models.AgentMessage) ([]string, error)

	// Poll returns pending messages for the agent. It returns
	// immediately when messages are ready, otherwise parks up to
	// timeout before returning an empty slice.
	Poll(ctx context.Context, agentID string, timeout time.Duration) ([]*models.AgentMessage, error)

	// History returns every message sent for the given run, in send
	// order. Broadcasts appear once.
	History(ctx context.Context, runID string) ([]*models.AgentMessage, error)

	// Register makes the agent a known recipient for broadcasts.
	Register(agentID string) error

	// Close releases backend resources.
	Close() error
}

// Type selects a queue backend.
type Type string

const (
	TypeFile       Type = "file"
	TypeEmbeddedKV Type = "embedded-kv"
	TypeNetwork    Type = "network"
)

// IsValid checks if the queue type is recognized.
func (t Type) IsValid() bool {
	return t == TypeFile || t == TypeEmbeddedKV || t == TypeNetwork
}

// Options configures Open.
type Options struct {
	// Type selects the backend; defaults to the file backend.
	Type Type
	// BaseDir is the runtime state root; backend paths derive from it.
	BaseDir string
}

// Open constructs the queue backend selected by opts.
func Open(opts Options) (Queue, error) {
	t := opts.Type
	if t == "" {
		t = TypeFile
	}
	switch t {
	case TypeFile:
		return NewFileQueue(filepath.Join(opts.BaseDir, "state", "bus"))
	case TypeEmbeddedKV:
		return NewKVQueue(filepath.Join(opts.BaseDir, "state", "bus.db"))
	case TypeNetwork:
		return NewNATSQueue(filepath.Join(opts.BaseDir, "state", "nats"))
	default:
		return nil, fmt.Errorf("mailbox: unknown queue type %q", t)
	}
}

// ErrClosed indicates an operation on a closed queue.
var ErrClosed = errors.New("message queue is closed")

// QueueError wraps backend failures with operation context.
type QueueError struct {
	Op  string
	Err error
}

// Error returns the formatted error message.
func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *QueueError) Unwrap() error {
	return e.Err
}

func newQueueError(op string, err error) *QueueError {
	return &QueueError{Op: op, Err: err}
}

// notifier wakes in-process pollers when a message arrives, so the
// file and KV backends do not busy-wait.
type notifier struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func newNotifier() *notifier {
	return &notifier{chans: make(map[string]chan struct{})}
}

// channel returns the signal channel for one recipient.
func (n *notifier) channel(recipient string) chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.chans[recipient]
	if !ok {
		ch = make(chan struct{}, 1)
		n.chans[recipient] = ch
	}
	return ch
}

// wake signals a waiting poller without blocking.
func (n *notifier) wake(recipient string) {
	ch := n.channel(recipient)
	select {
	case ch <- struct{}{}:
	default:
	}
}

// waitForMessages parks until the notifier fires, the timeout lapses,
// or ctx is cancelled. Returns true when the poller should re-scan.
func waitForMessages(ctx context.Context, ch <-chan struct{}, deadline time.Time) (bool, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false, nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-ch:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}
