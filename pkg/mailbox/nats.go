package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

const (
	msgStream       = "AGENTCO_MSG"
	histStream      = "AGENTCO_HIST"
	recipientBucket = "agentco_recipients"

	natsReadyTimeout = 5 * time.Second
	fetchBatchSize   = 64
)

// NATSQueue is the network backend: a JetStream work-queue stream with
// one durable consumer per recipient, served by an embedded NATS
// server. History rides a second, limits-retention stream so reading
// it never consumes work-queue messages.
type NATSQueue struct {
	srv  *natsserver.Server
	conn *nats.Conn
	js   jetstream.JetStream
	kv   jetstream.KeyValue

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer

	closed atomic.Bool
}

// NewNATSQueue starts an embedded JetStream server storing data under
// storeDir and provisions the mailbox streams.
func NewNATSQueue(storeDir string) (*NATSQueue, error) {
	srv, err := natsserver.NewServer(&natsserver.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return nil, newQueueError("init", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(natsReadyTimeout) {
		srv.Shutdown()
		return nil, newQueueError("init", errors.New("embedded NATS server not ready"))
	}

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, newQueueError("init", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		srv.Shutdown()
		return nil, newQueueError("init", err)
	}

	q := &NATSQueue{
		srv:       srv,
		conn:      conn,
		js:        js,
		consumers: make(map[string]jetstream.Consumer),
	}
	if err := q.provision(context.Background()); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

// provision creates the streams and the recipient registry bucket.
func (q *NATSQueue) provision(ctx context.Context) error {
	_, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      msgStream,
		Subjects:  []string{"mailbox.>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return newQueueError("init", err)
	}
	_, err = q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     histStream,
		Subjects: []string{"history.>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return newQueueError("init", err)
	}

	kv, err := q.js.KeyValue(ctx, recipientBucket)
	if err != nil {
		kv, err = q.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      recipientBucket,
			Description: "registered mailbox recipients",
		})
		if err != nil {
			return newQueueError("init", err)
		}
	}
	q.kv = kv
	return nil
}

// Register records the recipient and provisions its durable consumer.
func (q *NATSQueue) Register(agentID string) error {
	if q.closed.Load() {
		return ErrClosed
	}
	recipient := sanitizeID(agentID)
	ctx, cancel := context.WithTimeout(context.Background(), natsReadyTimeout)
	defer cancel()

	if _, err := q.kv.Put(ctx, recipient, []byte{1}); err != nil {
		return newQueueError("register", err)
	}
	_, err := q.consumerFor(ctx, recipient)
	return err
}

func (q *NATSQueue) consumerFor(ctx context.Context, recipient string) (jetstream.Consumer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, ok := q.consumers[recipient]; ok {
		return c, nil
	}
	c, err := q.js.CreateOrUpdateConsumer(ctx, msgStream, jetstream.ConsumerConfig{
		Durable:       "agent_" + recipient,
		FilterSubject: "mailbox." + recipient,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, newQueueError("register", err)
	}
	q.consumers[recipient] = c
	return c, nil
}

// Send publishes to the recipient's mailbox subject and journals the
// envelope on the history stream.
func (q *NATSQueue) Send(ctx context.Context, msg *models.AgentMessage) error {
	if q.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return newQueueError("send", err)
	}
	recipient := sanitizeID(msg.To)
	if _, err := q.kv.Put(ctx, recipient, []byte{1}); err != nil {
		return newQueueError("send", err)
	}
	if _, err := q.js.Publish(ctx, "mailbox."+recipient, data); err != nil {
		return newQueueError("send", err)
	}
	return q.journal(ctx, msg, data)
}

// Broadcast publishes to every registered recipient except the sender.
func (q *NATSQueue) Broadcast(ctx context.Context, msg *models.AgentMessage) ([]string, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, newQueueError("broadcast", err)
	}

	keys, err := q.kv.Keys(ctx)
	if err != nil && !errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, newQueueError("broadcast", err)
	}

	sender := sanitizeID(msg.From)
	delivered := make([]string, 0, len(keys))
	for _, r := range keys {
		if r == sender {
			continue
		}
		if _, err := q.js.Publish(ctx, "mailbox."+r, data); err != nil {
			return delivered, newQueueError("broadcast", err)
		}
		delivered = append(delivered, r)
	}
	if err := q.journal(ctx, msg, data); err != nil {
		return delivered, err
	}
	return delivered, nil
}

func (q *NATSQueue) journal(ctx context.Context, msg *models.AgentMessage, data []byte) error {
	if msg.WorkflowID == "" {
		return nil
	}
	if _, err := q.js.Publish(ctx, "history."+sanitizeID(msg.WorkflowID), data); err != nil {
		return newQueueError("history", err)
	}
	return nil
}

// Poll fetches from the recipient's durable consumer, waiting up to
// timeout for the first message. Explicit acks make delivery
// at-most-once per recipient.
func (q *NATSQueue) Poll(ctx context.Context, agentID string, timeout time.Duration) ([]*models.AgentMessage, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	recipient := sanitizeID(agentID)
	cons, err := q.consumerFor(ctx, recipient)
	if err != nil {
		return nil, err
	}

	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	batch, err := cons.Fetch(fetchBatchSize, jetstream.FetchMaxWait(timeout))
	if err != nil {
		return nil, newQueueError("poll", err)
	}

	var out []*models.AgentMessage
	for m := range batch.Messages() {
		var msg models.AgentMessage
		if err := json.Unmarshal(m.Data(), &msg); err == nil {
			out = append(out, &msg)
		}
		_ = m.Ack()
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, newQueueError("poll", err)
	}
	return out, nil
}

// History replays the per-run history subject with an ordered consumer.
func (q *NATSQueue) History(ctx context.Context, runID string) ([]*models.AgentMessage, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	cons, err := q.js.OrderedConsumer(ctx, histStream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{"history." + sanitizeID(runID)},
	})
	if err != nil {
		return nil, newQueueError("history", err)
	}

	var out []*models.AgentMessage
	for {
		batch, err := cons.FetchNoWait(fetchBatchSize)
		if err != nil {
			return out, newQueueError("history", err)
		}
		n := 0
		for m := range batch.Messages() {
			n++
			var msg models.AgentMessage
			if err := json.Unmarshal(m.Data(), &msg); err == nil {
				out = append(out, &msg)
			}
		}
		if err := batch.Error(); err != nil {
			return out, newQueueError("history", err)
		}
		if n == 0 {
			return out, nil
		}
	}
}

// Close drains the client connection and stops the embedded server.
func (q *NATSQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	if q.conn != nil {
		q.conn.Close()
	}
	if q.srv != nil {
		q.srv.Shutdown()
		q.srv.WaitForShutdown()
	}
	return nil
}

var _ Queue = (*NATSQueue)(nil)
var _ Queue = (*FileQueue)(nil)
var _ Queue = (*KVQueue)(nil)

// String implements fmt.Stringer for logging.
func (t Type) String() string {
	return string(t)
}

// ParseType validates a configured queue type string.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.IsValid() {
		return "", fmt.Errorf("mailbox: unknown queue type %q", s)
	}
	return t, nil
}
