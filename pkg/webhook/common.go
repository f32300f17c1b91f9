package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"gitpull/internal"

	"github.com/PaesslerAG/jsonpath"
	"github.com/google/uuid"
)

const maxDebugBody = 4096

// errIgnored marks deliveries that are acknowledged without publishing,
// such as pings and events the hook is not subscribed to.
var errIgnored = errors.New("event ignored")

// pushSource is the provider specific half of a webhook handler.
type pushSource interface {
	// verify authenticates and type checks the delivery. It returns
	// errIgnored for events other than pushes.
	verify(r *http.Request, raw []byte, logger *log.Logger) error
	// normalize turns a verified push body into one event per updated
	// branch. Tag pushes and branch deletions are skipped.
	normalize(raw []byte, received time.Time) []internal.Event
}

// pushHandler reads a delivery, lets the source verify and normalize it and
// publishes the push to the topics selected by the rules.
type pushHandler struct {
	provider    string
	eventHeader string
	source      pushSource
	rules       *internal.RuleEngine
	publisher   internal.Publisher
	logger      *log.Logger
	maxBody     int64
	debugEvents bool
	now         func() time.Time
}

func newPushHandler(provider, eventHeader string, source pushSource, rules *internal.RuleEngine, publisher internal.Publisher, logger *log.Logger, maxBody int64, debugEvents bool) *pushHandler {
	if logger == nil {
		logger = internal.NewLogger("webhook")
	}
	return &pushHandler{
		provider:    provider,
		eventHeader: eventHeader,
		source:      source,
		rules:       rules,
		publisher:   publisher,
		logger:      logger,
		maxBody:     maxBody,
		debugEvents: debugEvents,
		now:         time.Now,
	}
}

func (h *pushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	internal.IncRequest(h.provider)
	reqID := requestID(r)
	w.Header().Set("X-Request-Id", reqID)
	logger := internal.WithRequestID(h.logger, reqID)

	body := r.Body
	if h.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		logger.Printf("%s body read failed: %v", h.provider, err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))

	eventName := r.Header.Get(h.eventHeader)
	if h.debugEvents {
		logDebugEvent(logger, h.provider, eventName, raw)
	}

	switch err := h.source.verify(r, raw, logger); {
	case errors.Is(err, errIgnored):
		logger.Printf("%s event %s ignored", h.provider, eventName)
		w.WriteHeader(http.StatusOK)
		return
	case err != nil:
		internal.IncParseError(h.provider)
		logger.Printf("%s parse failed: %v", h.provider, err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	events := h.source.normalize(raw, h.now())
	if len(events) == 0 {
		logger.Printf("%s push ignored: not a branch update", h.provider)
		w.WriteHeader(http.StatusOK)
		return
	}
	for _, event := range events {
		event.RequestID = reqID
		emit(r.Context(), logger, h.rules, h.publisher, event)
	}
	w.WriteHeader(http.StatusOK)
}

// zeroSHA is the commit id providers send for a deleted ref.
const zeroSHA = "0000000000000000000000000000000000000000"

func requestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func logDebugEvent(logger *log.Logger, provider, name string, raw []byte) {
	body := raw
	if len(body) > maxDebugBody {
		body = body[:maxDebugBody]
	}
	logger.Printf("debug event provider=%s name=%s body=%s", provider, name, body)
}

func rawObjectAndFlatten(raw []byte) (interface{}, map[string]interface{}) {
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, map[string]interface{}{}
	}
	objectMap, ok := out.(map[string]interface{})
	if !ok {
		return out, map[string]interface{}{}
	}
	return out, internal.Flatten(objectMap)
}

// branchFromRef returns the branch name of a refs/heads/ ref.
func branchFromRef(ref string) (string, bool) {
	const prefix = "refs/heads/"
	if !strings.HasPrefix(ref, prefix) {
		return "", false
	}
	branch := strings.TrimPrefix(ref, prefix)
	return branch, branch != ""
}

// splitFullName splits "group/sub/repo" into its owner and repository name.
func splitFullName(fullName string) (string, string) {
	fullName = strings.Trim(fullName, "/")
	idx := strings.LastIndex(fullName, "/")
	if idx < 0 {
		return "", fullName
	}
	return fullName[:idx], fullName[idx+1:]
}

func lookupString(document interface{}, path string) string {
	value, err := jsonpath.Get(path, document)
	if err != nil {
		return ""
	}
	if values, ok := value.([]interface{}); ok {
		if len(values) == 0 {
			return ""
		}
		value = values[0]
	}
	text, _ := value.(string)
	return text
}

// pushedAt returns the first timestamp found at the given paths. RFC 3339
// strings and unix seconds are accepted. It falls back to the receive time,
// which is the push time for providers that do not report one.
func pushedAt(document interface{}, received time.Time, paths ...string) time.Time {
	for _, path := range paths {
		value, err := jsonpath.Get(path, document)
		if err != nil {
			continue
		}
		if values, ok := value.([]interface{}); ok {
			if len(values) == 0 {
				continue
			}
			value = values[0]
		}
		switch typed := value.(type) {
		case string:
			if parsed, err := time.Parse(time.RFC3339, typed); err == nil {
				return parsed.UTC()
			}
		case float64:
			if typed > 0 {
				return time.Unix(int64(typed), 0).UTC()
			}
		}
	}
	return received.UTC()
}

func emit(ctx context.Context, logger *log.Logger, rules *internal.RuleEngine, publisher internal.Publisher, event internal.Event) {
	matches := rules.EvaluateWithLogger(event, logger)
	logger.Printf("push provider=%s repo=%s/%s branch=%s commit=%s topics=%v",
		event.Provider, event.Owner, event.Repository, event.Branch, event.Commit, matches)
	for _, match := range matches {
		if err := publisher.PublishForDrivers(ctx, match.Topic, event, match.Drivers); err != nil {
			logger.Printf("publish %s failed: %v", match.Topic, err)
		}
	}
}
