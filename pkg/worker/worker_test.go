package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gitpull/internal"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

func pushPayload(t *testing.T) []byte {
	t.Helper()
	payload, err := json.Marshal(internal.Event{
		Provider:   "github",
		Name:       "push",
		Owner:      "octo",
		Repository: "hello",
		Branch:     "main",
		Commit:     "abc123",
		PushedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return payload
}

// TestWorkerDispatchesPush tests that a published push reaches the topic handler decoded.
func TestWorkerDispatchesPush(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	received := make(chan *Event, 1)

	w := New(WithSubscriber(pubsub), WithTopics(internal.DefaultPullTopic), WithRetry(AckOnError{}))
	w.HandleTopic(internal.DefaultPullTopic, func(ctx context.Context, evt *Event) error {
		received <- evt
		return nil
	})

	msg := message.NewMessage(watermill.NewUUID(), pushPayload(t))
	msg.Metadata.Set("request_id", "req-1")
	if err := pubsub.Publish(internal.DefaultPullTopic, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case evt := <-received:
		if evt.Push == nil || evt.Push.Commit != "abc123" || evt.Push.Branch != "main" {
			t.Fatalf("unexpected push: %+v", evt.Push)
		}
		if evt.RequestID() != "req-1" || evt.Topic != internal.DefaultPullTopic {
			t.Fatalf("unexpected event envelope: %+v", evt)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for push")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestWorkerRunRequiresTopics(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	if err := New(WithSubscriber(pubsub)).Run(context.Background()); err == nil {
		t.Fatalf("expected error without topics")
	}
	if err := New(WithTopics("a")).Run(context.Background()); err == nil {
		t.Fatalf("expected error without subscriber")
	}
}

// TestDispatchRetryDecision tests that handler failures follow the retry policy.
func TestDispatchRetryDecision(t *testing.T) {
	boom := errors.New("boom")
	evt := &Event{Provider: "github", Type: "push", Topic: "t"}

	var failures int
	listener := Listener{OnError: func(ctx context.Context, evt *Event, err error) { failures++ }}
	w := New(WithRetry(NoRetry{}), WithListener(listener))
	w.HandleType("push", func(ctx context.Context, evt *Event) error { return boom })

	decision, err := w.dispatch(context.Background(), "t", evt)
	if !errors.Is(err, boom) || !decision.Nack {
		t.Fatalf("expected nack for NoRetry, got %+v %v", decision, err)
	}
	if failures != 1 {
		t.Fatalf("expected OnError listener call, got %d", failures)
	}

	w = New(WithRetry(AckOnError{}))
	w.HandleType("push", func(ctx context.Context, evt *Event) error { return boom })
	decision, err = w.dispatch(context.Background(), "t", evt)
	if err == nil || decision.Nack || decision.Retry {
		t.Fatalf("expected ack for AckOnError, got %+v %v", decision, err)
	}

	decision, err = New().dispatch(context.Background(), "t", evt)
	if err != nil || decision.Nack {
		t.Fatalf("expected unhandled event to be acked, got %+v %v", decision, err)
	}
}

func TestHandleTopicRejectsUnsubscribedTopic(t *testing.T) {
	w := New(WithTopics("a"))
	w.HandleTopic("b", func(ctx context.Context, evt *Event) error { return nil })
	if _, ok := w.topicHandlers["b"]; ok {
		t.Fatalf("expected handler for unsubscribed topic to be ignored")
	}
}

func TestMiddlewareOrderAndRecoverer(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, evt *Event) error {
				order = append(order, name)
				return next(ctx, evt)
			}
		}
	}
	w := New(WithMiddleware(trace("outer"), trace("inner"), MiddlewareFromWatermill(middleware.Recoverer)))
	handler := chain(func(ctx context.Context, evt *Event) error { panic("sync exploded") }, w.middleware)

	err := handler(context.Background(), &Event{Payload: json.RawMessage(`{}`)})
	if err == nil {
		t.Fatalf("expected recovered panic as error")
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("unexpected middleware order: %v", order)
	}
}

// TestMiddlewareFromWatermillSeesMessage tests that the adapted middleware
// receives the event payload and metadata as a watermill message.
func TestMiddlewareFromWatermillSeesMessage(t *testing.T) {
	var seen *message.Message
	capture := func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			seen = msg
			return h(msg)
		}
	}
	called := false
	handler := MiddlewareFromWatermill(capture)(func(ctx context.Context, evt *Event) error {
		called = true
		return nil
	})

	evt := &Event{Payload: pushPayload(t), Metadata: map[string]string{"driver": "kafka"}}
	if err := handler(context.Background(), evt); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !called || seen == nil {
		t.Fatalf("expected message to pass through the middleware")
	}
	if string(seen.Payload) != string(evt.Payload) || seen.Metadata.Get("driver") != "kafka" {
		t.Fatalf("unexpected message: payload=%s metadata=%v", seen.Payload, seen.Metadata)
	}
}

func TestDefaultCodec(t *testing.T) {
	msg := message.NewMessage("m1", pushPayload(t))
	msg.Metadata.Set("driver", "gochannel")
	evt, err := DefaultCodec{}.Decode("topic", msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Provider != "github" || evt.Type != "push" || evt.Metadata["driver"] != "gochannel" {
		t.Fatalf("unexpected event: %+v", evt)
	}

	fallback := message.NewMessage("m2", []byte(`{"owner":"o","repository":"r"}`))
	fallback.Metadata.Set("provider", "gitlab")
	fallback.Metadata.Set("event", "push")
	evt, err = DefaultCodec{}.Decode("topic", fallback)
	if err != nil {
		t.Fatalf("decode fallback: %v", err)
	}
	if evt.Push.Provider != "gitlab" || evt.Push.Name != "push" {
		t.Fatalf("expected metadata fallback, got %+v", evt.Push)
	}

	if _, err := (DefaultCodec{}).Decode("topic", message.NewMessage("m3", []byte(`{}`))); err == nil {
		t.Fatalf("expected error without provider")
	}
	if _, err := (DefaultCodec{}).Decode("topic", message.NewMessage("m4", []byte(`{`))); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}

func TestJobEvent(t *testing.T) {
	push := internal.Event{Provider: "bitbucket", Name: "push", Commit: "c1"}
	evt := jobEvent(internal.DefaultPullTopic, "default", []byte(`{"provider":"bitbucket"}`), []byte(`{"request_id":"r-9","topic":"x"}`), push)
	if evt.Topic != internal.DefaultPullTopic || evt.Metadata["queue"] != "default" {
		t.Fatalf("unexpected job event: %+v", evt)
	}
	if evt.RequestID() != "r-9" || evt.Push.RequestID != "r-9" {
		t.Fatalf("expected request id from job metadata, got %q", evt.RequestID())
	}
	if (PushArgs{}).Kind() != internal.DefaultPullTopic {
		t.Fatalf("unexpected job kind")
	}
}

func TestNewRiverRunnerValidation(t *testing.T) {
	if _, err := NewRiverRunner(context.Background(), internal.RiverQueueConfig{DSN: "postgres://x"}, nil); err == nil {
		t.Fatalf("expected error without worker")
	}
	if _, err := NewRiverRunner(context.Background(), internal.RiverQueueConfig{}, New()); err == nil {
		t.Fatalf("expected error without dsn")
	}
	cfg := internal.RiverQueueConfig{DSN: "postgres://x", Kind: "custom"}
	if _, err := NewRiverRunner(context.Background(), cfg, New()); err == nil {
		t.Fatalf("expected error for foreign job kind")
	}
}

func TestLoadConfigSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	config := `
subscriber:
  kafka:
    brokers: ["localhost:9092"]
pull:
  topic: pushes
rules:
  - when: branch == "main"
    emit: [main-pushes, pushes]
  - when: provider == "gitlab"
    emit: gitlab-pushes
`
	if err := os.WriteFile(path, []byte(config), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	sub, err := LoadSubscriberConfig(path)
	if err != nil {
		t.Fatalf("load subscriber: %v", err)
	}
	if sub.Driver != "gochannel" || sub.GoChannel.OutputChannelBuffer != 64 || len(sub.Kafka.Brokers) != 1 {
		t.Fatalf("unexpected subscriber config: %+v", sub)
	}

	topics, err := LoadTopicsFromConfig(path)
	if err != nil {
		t.Fatalf("load topics: %v", err)
	}
	want := []string{"pushes", "main-pushes", "gitlab-pushes"}
	if len(topics) != len(want) {
		t.Fatalf("expected %v, got %v", want, topics)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, topics)
		}
	}
}

func TestBuildSubscriberUnsupportedDriver(t *testing.T) {
	if _, err := BuildSubscriber(SubscriberConfig{Driver: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	sub, err := BuildSubscriber(SubscriberConfig{Drivers: []string{"gochannel", "carrier-pigeon"}})
	if err != nil {
		t.Fatalf("build multi subscriber: %v", err)
	}
	_ = sub.Close()
}

// TestMultiSubscriberTagsDriver tests that fanned-in messages carry the driver that delivered them.
func TestMultiSubscriberTagsDriver(t *testing.T) {
	sub, err := BuildSubscriber(SubscriberConfig{Drivers: []string{"gochannel"}})
	if err != nil {
		t.Fatalf("build subscriber: %v", err)
	}
	defer sub.Close()
	multi, ok := sub.(*multiSubscriber)
	if !ok {
		t.Fatalf("expected multi subscriber, got %T", sub)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := multi.Subscribe(ctx, "pushes")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	inner := multi.subscribers[0].sub.(*gochannel.GoChannel)
	if err := inner.Publish("pushes", message.NewMessage("m1", pushPayload(t))); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Metadata.Get("driver") != "gochannel" {
			t.Fatalf("expected driver metadata, got %v", msg.Metadata)
		}
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
}
