package webhook

import (
	"errors"
	"log"
	"net/http"
	"time"

	"gitpull/internal"

	"github.com/go-playground/webhooks/v6/gitlab"
)

// GitLabHandler receives GitLab push hooks.
type GitLabHandler struct {
	*pushHandler
}

type gitlabSource struct {
	hook *gitlab.Webhook
}

// NewGitLabHandler creates a GitLabHandler. The secret is compared with the
// X-Gitlab-Token header.
func NewGitLabHandler(secret string, rules *internal.RuleEngine, publisher internal.Publisher, logger *log.Logger, maxBody int64, debugEvents bool) (*GitLabHandler, error) {
	var options []gitlab.Option
	if secret != "" {
		options = append(options, gitlab.Options.Secret(secret))
	}
	hook, err := gitlab.New(options...)
	if err != nil {
		return nil, err
	}
	return &GitLabHandler{newPushHandler("gitlab", "X-Gitlab-Event", gitlabSource{hook: hook}, rules, publisher, logger, maxBody, debugEvents)}, nil
}

func (s gitlabSource) verify(r *http.Request, _ []byte, _ *log.Logger) error {
	payload, err := s.hook.Parse(r, gitlab.PushEvents)
	switch {
	case errors.Is(err, gitlab.ErrEventNotFound):
		return errIgnored
	case err != nil:
		return err
	}
	if _, ok := payload.(gitlab.PushEventPayload); !ok {
		return errIgnored
	}
	return nil
}

func (gitlabSource) normalize(raw []byte, received time.Time) []internal.Event {
	if event, ok := gitlabPushEvent(raw, received); ok {
		return []internal.Event{event}
	}
	return nil
}

// gitlabPushEvent normalizes a push hook. Push hooks carry no push time, so
// the receive time is used.
func gitlabPushEvent(raw []byte, received time.Time) (internal.Event, bool) {
	document, data := rawObjectAndFlatten(raw)
	branch, ok := branchFromRef(lookupString(document, "$.ref"))
	if !ok {
		return internal.Event{}, false
	}
	commit := lookupString(document, "$.checkout_sha")
	if commit == "" {
		commit = lookupString(document, "$.after")
	}
	if commit == "" || commit == zeroSHA {
		return internal.Event{}, false
	}
	owner, name := splitFullName(lookupString(document, "$.project.path_with_namespace"))
	if name == "" {
		name = lookupString(document, "$.project.name")
	}
	return internal.Event{
		Provider:   "gitlab",
		Name:       "push",
		Owner:      owner,
		Repository: name,
		Branch:     branch,
		Commit:     commit,
		CloneURL:   lookupString(document, "$.project.git_http_url"),
		PushedAt:   received.UTC(),
		Data:       data,
		RawPayload: raw,
	}, true
}
