package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Worker consumes push messages from watermill topics and routes each one
// to the handler registered for its topic, falling back to the handler for
// its event type.
type Worker struct {
	subscriber  message.Subscriber
	codec       Codec
	retry       RetryPolicy
	logger      Logger
	concurrency int
	topics      []string

	topicHandlers map[string]Handler
	typeHandlers  map[string]Handler
	middleware    []Middleware
	listeners     listeners
	allowedTopics map[string]struct{}
}

func New(opts ...Option) *Worker {
	w := &Worker{
		codec:         DefaultCodec{},
		retry:         NoRetry{},
		logger:        defaultWorkerLogger,
		concurrency:   1,
		topicHandlers: make(map[string]Handler),
		typeHandlers:  make(map[string]Handler),
		allowedTopics: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// HandleTopic registers h for topic and subscribes to it. Topics outside
// WithTopics are rejected when WithTopics was used.
func (w *Worker) HandleTopic(topic string, h Handler) {
	if h == nil || topic == "" {
		return
	}
	if _, ok := w.allowedTopics[topic]; !ok && len(w.allowedTopics) > 0 {
		w.logger.Printf("ignoring handler for unsubscribed topic %s", topic)
		return
	}
	w.topicHandlers[topic] = h
	w.topics = append(w.topics, topic)
}

// HandleType registers h for events of the given type ("push").
func (w *Worker) HandleType(eventType string, h Handler) {
	if h != nil && eventType != "" {
		w.typeHandlers[eventType] = h
	}
}

// Run subscribes to every topic and handles messages until ctx is
// canceled. In-flight messages finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	if w.subscriber == nil {
		return errors.New("subscriber is required")
	}
	topics := uniqueTopics(w.topics)
	if len(topics) == 0 {
		return errors.New("at least one topic is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.listeners.start(ctx)
	defer w.listeners.exit(ctx)

	streams := make(map[string]<-chan *message.Message, len(topics))
	for _, topic := range topics {
		msgs, err := w.subscriber.Subscribe(ctx, topic)
		if err != nil {
			w.listeners.failed(ctx, nil, err)
			return err
		}
		streams[topic] = msgs
	}

	var wg sync.WaitGroup
	slots := make(chan struct{}, w.concurrency)
	for topic, msgs := range streams {
		topic, msgs := topic, msgs
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx, topic, msgs, slots, &wg)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

// consume hands each message of one topic to its own goroutine once a
// concurrency slot is free.
func (w *Worker) consume(ctx context.Context, topic string, msgs <-chan *message.Message, slots chan struct{}, wg *sync.WaitGroup) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				msg.Nack()
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-slots }()
				w.handleMessage(ctx, topic, msg)
			}()
		}
	}
}

func (w *Worker) Close() error {
	if w.subscriber == nil {
		return nil
	}
	return w.subscriber.Close()
}

func (w *Worker) handleMessage(ctx context.Context, topic string, msg *message.Message) {
	var decision RetryDecision
	evt, err := w.codec.Decode(topic, msg)
	if err != nil {
		w.logger.Printf("decode failed topic=%s id=%s: %v", topic, msg.UUID, err)
		w.listeners.failed(ctx, nil, err)
		decision = w.retry.OnError(ctx, nil, err)
	} else {
		decision, err = w.dispatch(ctx, topic, evt)
	}
	if err != nil && (decision.Retry || decision.Nack) {
		msg.Nack()
		return
	}
	msg.Ack()
}

// dispatch runs the handler for evt and returns the retry decision when it
// fails. Events without a handler are acknowledged.
func (w *Worker) dispatch(ctx context.Context, topic string, evt *Event) (RetryDecision, error) {
	if reqID := evt.RequestID(); reqID != "" {
		w.logger.Printf("request_id=%s topic=%s provider=%s type=%s", reqID, topic, evt.Provider, evt.Type)
	}
	w.listeners.messageStart(ctx, evt)

	handler, ok := w.topicHandlers[topic]
	if !ok {
		handler, ok = w.typeHandlers[evt.Type]
	}
	if !ok {
		w.logger.Printf("no handler for topic=%s type=%s", topic, evt.Type)
		w.listeners.messageFinish(ctx, evt, nil)
		return RetryDecision{}, nil
	}

	err := chain(handler, w.middleware)(ctx, evt)
	w.listeners.messageFinish(ctx, evt, err)
	if err == nil {
		return RetryDecision{}, nil
	}
	w.logger.Printf("handler failed topic=%s: %v", topic, err)
	w.listeners.failed(ctx, evt, err)
	return w.retry.OnError(ctx, evt, err), err
}
