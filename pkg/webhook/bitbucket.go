package webhook

import (
	"errors"
	"log"
	"net/http"
	"time"

	"gitpull/internal"

	"github.com/PaesslerAG/jsonpath"
	"github.com/go-playground/webhooks/v6/bitbucket"
)

// BitbucketHandler receives Bitbucket Cloud repo:push deliveries.
type BitbucketHandler struct {
	*pushHandler
}

type bitbucketSource struct {
	hook *bitbucket.Webhook
}

// NewBitbucketHandler creates a BitbucketHandler. The secret is the hook
// UUID Bitbucket sends in X-Hook-UUID.
func NewBitbucketHandler(secret string, rules *internal.RuleEngine, publisher internal.Publisher, logger *log.Logger, maxBody int64, debugEvents bool) (*BitbucketHandler, error) {
	var options []bitbucket.Option
	if secret != "" {
		options = append(options, bitbucket.Options.UUID(secret))
	}
	hook, err := bitbucket.New(options...)
	if err != nil {
		return nil, err
	}
	return &BitbucketHandler{newPushHandler("bitbucket", "X-Event-Key", bitbucketSource{hook: hook}, rules, publisher, logger, maxBody, debugEvents)}, nil
}

func (s bitbucketSource) verify(r *http.Request, _ []byte, _ *log.Logger) error {
	payload, err := s.hook.Parse(r, bitbucket.RepoPushEvent)
	switch {
	case errors.Is(err, bitbucket.ErrEventNotFound):
		return errIgnored
	case err != nil:
		return err
	}
	if _, ok := payload.(bitbucket.RepoPushPayload); !ok {
		return errIgnored
	}
	return nil
}

func (bitbucketSource) normalize(raw []byte, received time.Time) []internal.Event {
	return bitbucketPushEvents(raw, received)
}

// bitbucketPushEvents normalizes a repo:push payload into one event per
// updated branch. Bitbucket reports a deleted branch with a null "new" state.
// The payload carries no push time, so every event gets the receive time.
func bitbucketPushEvents(raw []byte, received time.Time) []internal.Event {
	document, data := rawObjectAndFlatten(raw)
	fullName := lookupString(document, "$.repository.full_name")
	owner, name := splitFullName(fullName)
	cloneURL := ""
	if fullName != "" {
		cloneURL = "https://bitbucket.org/" + fullName + ".git"
	}
	changes, err := jsonpath.Get("$.push.changes", document)
	if err != nil {
		return nil
	}
	list, _ := changes.([]interface{})
	var events []internal.Event
	for _, change := range list {
		if lookupString(change, "$.new.type") != "branch" {
			continue
		}
		branch := lookupString(change, "$.new.name")
		commit := lookupString(change, "$.new.target.hash")
		if branch == "" || commit == "" {
			continue
		}
		events = append(events, internal.Event{
			Provider:   "bitbucket",
			Name:       "push",
			Owner:      owner,
			Repository: name,
			Branch:     branch,
			Commit:     commit,
			CloneURL:   cloneURL,
			PushedAt:   received.UTC(),
			Data:       data,
			RawPayload: raw,
		})
	}
	return events
}
