package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"ms-registration/internal/logger"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublishEncodesJSON(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{Writer: w, Logger: logger.NewWithWriter(io.Discard)}

	err := p.Publish(context.Background(), "registration.order.paid", "order-1", map[string]string{"order_id": "order-1"})
	require.NoError(t, err)

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "registration.order.paid", msg.Topic)
	assert.Equal(t, "order-1", string(msg.Key))

	var body map[string]string
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "order-1", body["order_id"])
}

func TestPublishWriterError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := &Producer{Writer: w, Logger: logger.NewWithWriter(io.Discard)}

	err := p.Publish(context.Background(), "t", "k", "v")
	assert.ErrorContains(t, err, "broker down")
}

func TestDisabledProducerDropsMessages(t *testing.T) {
	p := NewDisabledProducer(logger.NewWithWriter(io.Discard))

	assert.NoError(t, p.Publish(context.Background(), "t", "k", "v"))
	assert.NoError(t, p.Close())
}

func TestPublishUnencodableValue(t *testing.T) {
	p := &Producer{Writer: &fakeWriter{}, Logger: logger.NewWithWriter(io.Discard)}

	err := p.Publish(context.Background(), "t", "k", make(chan int))
	assert.Error(t, err)
}

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	cancel    context.CancelFunc
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		f.cancel()
		return kafka.Message{}, ctx.Err()
	}
	msg := f.queue[0]
	f.queue = f.queue[1:]
	return msg, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeReader) Close() error { return nil }

func TestConsumerCommitsOnlyHandledMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{
		queue: []kafka.Message{
			{Topic: "user.deleted", Key: []byte("ok")},
			{Topic: "user.deleted", Key: []byte("bad")},
		},
		cancel: cancel,
	}
	c := NewConsumerWithReader(reader, logger.NewWithWriter(io.Discard))

	var seen []string
	err := c.Start(ctx, func(_ context.Context, msg kafka.Message) error {
		seen = append(seen, string(msg.Key))
		if string(msg.Key) == "bad" {
			return errors.New("handler failed")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"ok", "bad"}, seen)
	require.Len(t, reader.committed, 1)
	assert.Equal(t, "ok", string(reader.committed[0].Key))
}
