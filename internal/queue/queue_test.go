package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/resolve"
)

type published struct {
	exchange, key string
	msg           amqp091.Publishing
}

type fakeChannel struct {
	mu    sync.Mutex
	sent  []published
	fail  bool
	decls []string
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	if c.fail {
		return errors.New("channel closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, published{exchange, key, msg})
	return nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error {
	c.decls = append(c.decls, "exchange:"+name)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	c.decls = append(c.decls, name)
	return amqp091.Queue{Name: name}, nil
}

type fakeAck struct {
	acked, nacked, requeued bool
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.acked = true
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked = true
	a.requeued = requeue
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error { return nil }

type fakeRunner struct {
	mu   sync.Mutex
	ran  []kb.Kind
	fail map[kb.Kind]error
}

func (r *fakeRunner) RunPass(ctx context.Context, kind kb.Kind) (*resolve.PassResult, error) {
	r.mu.Lock()
	r.ran = append(r.ran, kind)
	r.mu.Unlock()
	if err := r.fail[kind]; err != nil {
		return nil, err
	}
	return &resolve.PassResult{
		Kind:       kind,
		PassID:     "pass-" + string(kind),
		Merged:     1,
		Touched:    []string{string(kind) + "/1"},
		Redirected: []string{string(kind) + "/2"},
	}, nil
}

type recordingManifests struct {
	mu   sync.Mutex
	keys []string
}

func (m *recordingManifests) Write(ctx context.Context, res *resolve.PassResult) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := "reindex/" + string(res.Kind) + "/" + res.PassID + ".jsonl"
	m.keys = append(m.keys, key)
	return key, nil
}

type recordingRedirects struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingRedirects) Forget(ctx context.Context, ids ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, ids...)
	return nil
}

func TestParseMergeRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    []kb.Kind
		invalid bool
	}{
		{"all kinds by default", `{"requested_by":"cron"}`, kb.Kinds, false},
		{"selected kinds deduplicated", `{"kinds":["software","persons","software"]}`, []kb.Kind{kb.KindSoftware, kb.KindPerson}, false},
		{"unknown kind", `{"kinds":["patents"]}`, nil, true},
		{"broken json", `{"kinds":`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, kinds, err := ParseMergeRequest([]byte(tt.body))
			if tt.invalid {
				assert.ErrorIs(t, err, ErrInvalidMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, kinds)
		})
	}
}

func TestProcessMergeMessageFinishesEveryPass(t *testing.T) {
	runner := &fakeRunner{}
	manifests := &recordingManifests{}
	redirects := &recordingRedirects{}
	ch := &fakeChannel{}
	h := NewMergeHandler(runner, WithManifests(manifests), WithRedirects(redirects), WithEvents(ch, "kb.pass.completed"))

	err := h.ProcessMergeMessage(context.Background(), []byte(`{"kinds":["documents","software"],"requested_by":"alice"}`))
	require.NoError(t, err)

	assert.ElementsMatch(t, []kb.Kind{kb.KindDocument, kb.KindSoftware}, runner.ran)
	assert.ElementsMatch(t, []string{"documents/2", "software/2"}, redirects.ids)
	require.Len(t, ch.sent, 2)
	for _, p := range ch.sent {
		assert.Equal(t, EventsExchange, p.exchange)
		assert.Equal(t, "kb.pass.completed", p.key)
		var ev PassCompletedMsg
		require.NoError(t, json.Unmarshal(p.msg.Body, &ev))
		assert.Equal(t, "alice", ev.RequestedBy)
		assert.Equal(t, "reindex/"+string(ev.Kind)+"/pass-"+string(ev.Kind)+".jsonl", ev.Manifest)
		assert.Equal(t, 1, ev.Merged)
	}
}

func TestProcessMergeMessageReportsFailedKinds(t *testing.T) {
	runner := &fakeRunner{fail: map[kb.Kind]error{kb.KindPerson: errors.New("store down")}}
	ch := &fakeChannel{}
	h := NewMergeHandler(runner, WithEvents(ch, "kb.pass.completed"))

	err := h.ProcessMergeMessage(context.Background(), []byte(`{"kinds":["persons","organizations"]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persons")
	assert.NotContains(t, err.Error(), "organizations")
	// the successful pass is still announced
	require.Len(t, ch.sent, 1)
}

func TestHandleProcessingErrorRetries(t *testing.T) {
	ch := &fakeChannel{}
	ack := &fakeAck{}
	msg := amqp091.Delivery{Acknowledger: ack, Body: []byte(`{}`), Headers: amqp091.Table{retriesHeader: int32(2)}}

	HandleProcessingError(context.Background(), ch, msg, "merge_queue", 10, errors.New("boom"))

	require.Len(t, ch.sent, 1)
	assert.Equal(t, "merge_queue_retry", ch.sent[0].key)
	assert.Equal(t, int32(3), ch.sent[0].msg.Headers[retriesHeader])
	assert.True(t, ack.acked)
	// the delivery headers are not modified
	assert.Equal(t, int32(2), msg.Headers[retriesHeader])
}

func TestHandleProcessingErrorDeadLetters(t *testing.T) {
	tests := []struct {
		name    string
		retries any
		cause   error
	}{
		{"attempts used up", int32(9), errors.New("boom")},
		{"attempts used up with int64 header", int64(12), errors.New("boom")},
		{"invalid message", int32(0), ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &fakeChannel{}
			ack := &fakeAck{}
			msg := amqp091.Delivery{Acknowledger: ack, Headers: amqp091.Table{retriesHeader: tt.retries}}

			HandleProcessingError(context.Background(), ch, msg, "merge_queue", 10, tt.cause)

			require.Len(t, ch.sent, 1)
			assert.Equal(t, "merge_queue_dlq", ch.sent[0].key)
			assert.True(t, ack.acked)
		})
	}
}

func TestHandleProcessingErrorRequeuesWhenPublishFails(t *testing.T) {
	ack := &fakeAck{}
	HandleProcessingError(context.Background(), &fakeChannel{fail: true}, amqp091.Delivery{Acknowledger: ack}, "merge_queue", 10, errors.New("boom"))
	assert.False(t, ack.acked)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeued)
}

func TestSetupQueuesDeclaresRetryAndDeadLetterQueues(t *testing.T) {
	ch := &fakeChannel{}
	require.NoError(t, SetupQueues(ch, []string{"merge_queue"}, 10*time.Second))
	assert.Equal(t, []string{"exchange:" + EventsExchange, "merge_queue", "merge_queue_dlq", "merge_queue_retry"}, ch.decls)
}
