package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

const historyDir = "history"

// FileQueue is the default backend: one JSON file per pending message
// under <dir>/<recipient>/, consumed (deleted) on poll. A crash between
// read and delete redelivers, giving at-least-once semantics. History
// is journaled per run as JSON lines under <dir>/history/.
type FileQueue struct {
	dir    string
	seq    atomic.Uint64
	notify *notifier

	mu     sync.Mutex // serializes history appends per process
	closed atomic.Bool
}

// NewFileQueue creates the backend rooted at dir.
func NewFileQueue(dir string) (*FileQueue, error) {
	if err := os.MkdirAll(filepath.Join(dir, historyDir), 0o755); err != nil {
		return nil, newQueueError("init", err)
	}
	return &FileQueue{dir: dir, notify: newNotifier()}, nil
}

// recipientDir maps an agent id to its pending-message directory.
func (q *FileQueue) recipientDir(agentID string) string {
	return filepath.Join(q.dir, sanitizeID(agentID))
}

// Register creates the recipient directory so broadcasts can find it.
func (q *FileQueue) Register(agentID string) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if err := os.MkdirAll(q.recipientDir(agentID), 0o755); err != nil {
		return newQueueError("register", err)
	}
	return nil
}

// Send writes the message file atomically, journals history, and wakes
// any parked poller.
func (q *FileQueue) Send(ctx context.Context, msg *models.AgentMessage) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := q.deliver(msg.To, msg); err != nil {
		return err
	}
	if err := q.appendHistory(msg); err != nil {
		return err
	}
	q.notify.wake(sanitizeID(msg.To))
	return nil
}

// Broadcast fans out to every registered recipient except the sender.
// History records the envelope once.
func (q *FileQueue) Broadcast(ctx context.Context, msg *models.AgentMessage) ([]string, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	recipients, err := q.recipients()
	if err != nil {
		return nil, err
	}
	delivered := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r == sanitizeID(msg.From) {
			continue
		}
		if err := q.deliver(r, msg); err != nil {
			return delivered, err
		}
		delivered = append(delivered, r)
		q.notify.wake(r)
	}
	if err := q.appendHistory(msg); err != nil {
		return delivered, err
	}
	return delivered, nil
}

// Poll consumes pending messages in filename order. Filenames embed a
// nanosecond timestamp plus a process-local sequence, so lexicographic
// order is send order.
func (q *FileQueue) Poll(ctx context.Context, agentID string, timeout time.Duration) ([]*models.AgentMessage, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	if err := q.Register(agentID); err != nil {
		return nil, err
	}

	recipient := sanitizeID(agentID)
	ch := q.notify.channel(recipient)
	deadline := time.Now().Add(timeout)

	for {
		msgs, err := q.consume(recipient)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		again, err := waitForMessages(ctx, ch, deadline)
		if err != nil {
			return nil, err
		}
		if !again {
			return nil, nil
		}
	}
}

// History decodes the per-run journal.
func (q *FileQueue) History(ctx context.Context, runID string) ([]*models.AgentMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(q.historyPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newQueueError("history", err)
	}
	var out []*models.AgentMessage
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var m models.AgentMessage
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			continue // torn trailing record from a crash
		}
		out = append(out, &m)
	}
	return out, nil
}

// Close marks the queue closed. Pending files stay on disk for the
// next process.
func (q *FileQueue) Close() error {
	q.closed.Store(true)
	return nil
}

func (q *FileQueue) deliver(recipient string, msg *models.AgentMessage) error {
	dir := q.recipientDir(recipient)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return newQueueError("send", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return newQueueError("send", err)
	}
	name := fmt.Sprintf("%020d-%06d-%s.json", time.Now().UnixNano(), q.seq.Add(1), msg.ID)
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return newQueueError("send", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return newQueueError("send", err)
	}
	return nil
}

func (q *FileQueue) consume(recipient string) ([]*models.AgentMessage, error) {
	dir := q.recipientDir(recipient)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newQueueError("poll", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []*models.AgentMessage
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // raced with another poller
			}
			return out, newQueueError("poll", err)
		}
		var m models.AgentMessage
		if err := json.Unmarshal(data, &m); err != nil {
			os.Remove(path) // poison message; drop it
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return out, newQueueError("poll", err)
		}
		out = append(out, &m)
	}
	return out, nil
}

func (q *FileQueue) historyPath(runID string) string {
	return filepath.Join(q.dir, historyDir, sanitizeID(runID)+".json")
}

func (q *FileQueue) appendHistory(msg *models.AgentMessage) error {
	if msg.WorkflowID == "" {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return newQueueError("history", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	f, err := os.OpenFile(q.historyPath(msg.WorkflowID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return newQueueError("history", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return newQueueError("history", err)
	}
	return nil
}

// recipients lists registered recipient directories.
func (q *FileQueue) recipients() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, newQueueError("broadcast", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != historyDir {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// sanitizeID keeps agent and run ids filesystem- and subject-safe.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
