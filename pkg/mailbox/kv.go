package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

// Key layout:
//
//	q|<recipient>|<seq>  pending message (deleted on poll)
//	h|<runId>|<seq>      history record (kept)
//	r|<recipient>        recipient registration marker
//
// <seq> embeds a zero-padded nanosecond timestamp plus a process-local
// counter, so iteration order is send order.
type KVQueue struct {
	db     *leveldb.DB
	seq    atomic.Uint64
	notify *notifier
	closed atomic.Bool
}

// NewKVQueue opens (or creates) the goleveldb store at path.
func NewKVQueue(path string) (*KVQueue, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, newQueueError("init", err)
	}
	return &KVQueue{db: db, notify: newNotifier()}, nil
}

func (q *KVQueue) seqKey() string {
	return fmt.Sprintf("%020d-%06d", time.Now().UnixNano(), q.seq.Add(1))
}

func pendingKey(recipient, seq string) []byte {
	return []byte("q|" + recipient + "|" + seq)
}

func historyKey(runID, seq string) []byte {
	return []byte("h|" + runID + "|" + seq)
}

func registrationKey(recipient string) []byte {
	return []byte("r|" + recipient)
}

// Register marks the agent as a broadcast recipient.
func (q *KVQueue) Register(agentID string) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if err := q.db.Put(registrationKey(sanitizeID(agentID)), []byte{1}, nil); err != nil {
		return newQueueError("register", err)
	}
	return nil
}

// Send enqueues the message and journals history in one batch.
func (q *KVQueue) Send(ctx context.Context, msg *models.AgentMessage) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return newQueueError("send", err)
	}

	recipient := sanitizeID(msg.To)
	seq := q.seqKey()

	batch := new(leveldb.Batch)
	batch.Put(pendingKey(recipient, seq), data)
	batch.Put(registrationKey(recipient), []byte{1})
	if msg.WorkflowID != "" {
		batch.Put(historyKey(sanitizeID(msg.WorkflowID), seq), data)
	}
	if err := q.db.Write(batch, nil); err != nil {
		return newQueueError("send", err)
	}
	q.notify.wake(recipient)
	return nil
}

// Broadcast fans out to every registered recipient except the sender;
// history records the envelope once.
func (q *KVQueue) Broadcast(ctx context.Context, msg *models.AgentMessage) ([]string, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, newQueueError("broadcast", err)
	}

	recipients, err := q.recipients()
	if err != nil {
		return nil, err
	}

	sender := sanitizeID(msg.From)
	batch := new(leveldb.Batch)
	delivered := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r == sender {
			continue
		}
		batch.Put(pendingKey(r, q.seqKey()), data)
		delivered = append(delivered, r)
	}
	if msg.WorkflowID != "" {
		batch.Put(historyKey(sanitizeID(msg.WorkflowID), q.seqKey()), data)
	}
	if err := q.db.Write(batch, nil); err != nil {
		return nil, newQueueError("broadcast", err)
	}
	for _, r := range delivered {
		q.notify.wake(r)
	}
	return delivered, nil
}

// Poll drains the recipient's pending prefix, deleting consumed keys in
// one batch.
func (q *KVQueue) Poll(ctx context.Context, agentID string, timeout time.Duration) ([]*models.AgentMessage, error) {
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

func (q *KVQueue) consume(recipient string) ([]*models.AgentMessage, error) {
	prefix := []byte("q|" + recipient + "|")
	iter := q.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []*models.AgentMessage
	batch := new(leveldb.Batch)
	for iter.Next() {
		var m models.AgentMessage
		if err := json.Unmarshal(iter.Value(), &m); err == nil {
			out = append(out, &m)
		}
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		batch.Delete(key)
	}
	if err := iter.Error(); err != nil {
		return nil, newQueueError("poll", err)
	}
	if batch.Len() > 0 {
		if err := q.db.Write(batch, nil); err != nil {
			return nil, newQueueError("poll", err)
		}
	}
	return out, nil
}

// History iterates the per-run history prefix in key (send) order.
func (q *KVQueue) History(ctx context.Context, runID string) ([]*models.AgentMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte("h|" + sanitizeID(runID) + "|")
	iter := q.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []*models.AgentMessage
	for iter.Next() {
		var m models.AgentMessage
		if err := json.Unmarshal(iter.Value(), &m); err == nil {
			out = append(out, &m)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, newQueueError("history", err)
	}
	return out, nil
}

func (q *KVQueue) recipients() ([]string, error) {
	iter := q.db.NewIterator(util.BytesPrefix([]byte("r|")), nil)
	defer iter.Release()

	var out []string
	for iter.Next() {
		out = append(out, string(iter.Key()[2:]))
	}
	if err := iter.Error(); err != nil {
		return nil, newQueueError("broadcast", err)
	}
	return out, nil
}

// Close flushes and closes the underlying database.
func (q *KVQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.db.Close()
}
