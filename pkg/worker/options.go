package worker

import "github.com/ThreeDotsLabs/watermill/message"

// Option configures a Worker.
type Option func(*Worker)

// WithSubscriber sets the watermill subscriber pushes are consumed from.
func WithSubscriber(sub message.Subscriber) Option {
	return func(w *Worker) { w.subscriber = sub }
}

// WithTopics subscribes the worker to topics. Once any topic is set,
// HandleTopic only accepts these topics.
func WithTopics(topics ...string) Option {
	return func(w *Worker) {
		for _, topic := range topics {
			if topic != "" {
				w.topics = append(w.topics, topic)
				w.allowedTopics[topic] = struct{}{}
			}
		}
	}
}

// WithConcurrency bounds how many messages are handled at once across all
// topics. Values below one are ignored.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithCodec replaces DefaultCodec.
func WithCodec(c Codec) Option {
	return func(w *Worker) {
		if c != nil {
			w.codec = c
		}
	}
}

// WithMiddleware appends handler middleware.
func WithMiddleware(mw ...Middleware) Option {
	return func(w *Worker) { w.middleware = append(w.middleware, mw...) }
}

// WithRetry decides between ack and nack for failed messages. The default
// is NoRetry.
func WithRetry(policy RetryPolicy) Option {
	return func(w *Worker) {
		if policy != nil {
			w.retry = policy
		}
	}
}

func WithLogger(l Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithListener(l Listener) Option {
	return func(w *Worker) { w.listeners = append(w.listeners, l) }
}
