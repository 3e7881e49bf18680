package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"AVA-Chain/internal/bus"
	xerrors "AVA-Chain/internal/errors"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakePublisher struct {
	mu     sync.Mutex
	out    []published
	err    error
	closed bool
}

func (f *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.out = append(f.out, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakePublisher) Close() error {
	f.closed = true
	return nil
}

func TestRelayMirrorsTaskUpdates(t *testing.T) {
	b := bus.New([]bus.Role{bus.RoleObserver})
	pub := &fakePublisher{}
	r := New(pub, Config{})
	if err := r.Attach(b); err != nil {
		t.Fatalf("attach: %v", err)
	}

	update := bus.TaskUpdate{TaskID: "t1", Status: "completed", Result: bus.Text("ok"), Timestamp: 1700000000000, Source: "observer", Destination: "task-manager"}
	if err := b.Publish(context.Background(), bus.TopicTaskUpdate, update); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(pub.out) != 1 {
		t.Fatalf("expected one mirrored message, got %d", len(pub.out))
	}
	got := pub.out[0]
	if got.exchange != "ava.events" || got.key != "task-update" {
		t.Fatalf("unexpected routing %s/%s", got.exchange, got.key)
	}
	if got.msg.ContentType != "application/json" || got.msg.MessageId != "t1" {
		t.Fatalf("unexpected message properties %+v", got.msg)
	}
	var decoded bus.TaskUpdate
	if err := json.Unmarshal(got.msg.Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.TaskID != "t1" || decoded.Source != "observer" || bus.TextOf(decoded.Result) != "ok" {
		t.Fatalf("unexpected body %+v", decoded)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !pub.closed || b.SubscriberCount(bus.TopicTaskUpdate) != 0 {
		t.Fatalf("close should release the channel and the subscription")
	}
}

func TestRelayPublishFailure(t *testing.T) {
	r := New(&fakePublisher{err: errors.New("channel closed")}, Config{Exchange: "x", RoutingKey: "y"})
	err := r.Publish(context.Background(), bus.TaskUpdate{TaskID: "t1"})
	if xerrors.CodeOf(err) != xerrors.CodeTransportFailure {
		t.Fatalf("expected transport failure, got %v", err)
	}
}

func TestDecodeUpdate(t *testing.T) {
	body, _ := json.Marshal(bus.TaskUpdate{TaskID: "t2", Status: "failed"})
	update, err := decodeUpdate(amqp.Delivery{ContentType: "application/json", Body: body})
	if err != nil || update.TaskID != "t2" {
		t.Fatalf("unexpected decode %+v err=%v", update, err)
	}
	if _, err := decodeUpdate(amqp.Delivery{ContentType: "text/plain", Body: body}); err == nil {
		t.Fatalf("expected content type error")
	}
}

func TestDialRequiresURL(t *testing.T) {
	if _, err := Dial(Config{}); xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
		t.Fatalf("expected config invalid, got %v", err)
	}
}
