package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"gitpull/internal"
	ghprovider "gitpull/pkg/providers/github"

	"github.com/go-playground/webhooks/v6/github"
)

// GitHubHandler receives GitHub push deliveries. Pings are acknowledged.
type GitHubHandler struct {
	*pushHandler
}

type githubSource struct {
	hook *github.Webhook
	// unsigned parses deliveries that only carry X-Hub-Signature-256 once
	// that signature has been checked here.
	unsigned *github.Webhook
	secret   string
}

// NewGitHubHandler creates a GitHubHandler. An empty secret disables
// signature checks.
func NewGitHubHandler(secret string, rules *internal.RuleEngine, publisher internal.Publisher, logger *log.Logger, maxBody int64, debugEvents bool) (*GitHubHandler, error) {
	var options []github.Option
	if secret != "" {
		options = append(options, github.Options.Secret(secret))
	}
	hook, err := github.New(options...)
	if err != nil {
		return nil, err
	}
	unsigned, err := github.New()
	if err != nil {
		return nil, err
	}
	source := &githubSource{hook: hook, unsigned: unsigned, secret: secret}
	return &GitHubHandler{newPushHandler("github", "X-GitHub-Event", source, rules, publisher, logger, maxBody, debugEvents)}, nil
}

func (s *githubSource) verify(r *http.Request, raw []byte, logger *log.Logger) error {
	payload, err := s.hook.Parse(r, github.PingEvent, github.PushEvent)
	if errors.Is(err, github.ErrMissingHubSignatureHeader) {
		if !verifyGitHubSHA256(s.secret, raw, r.Header.Get("X-Hub-Signature-256")) {
			return err
		}
		logger.Printf("github delivery without sha1 signature; accepted sha256 signature")
		r.Body = io.NopCloser(bytes.NewReader(raw))
		payload, err = s.unsigned.Parse(r, github.PingEvent, github.PushEvent)
	}
	switch {
	case errors.Is(err, github.ErrEventNotFound):
		return errIgnored
	case err != nil:
		return err
	}
	if _, ok := payload.(github.PushPayload); !ok {
		return errIgnored
	}
	return nil
}

func (s *githubSource) normalize(raw []byte, received time.Time) []internal.Event {
	if event, ok := githubPushEvent(raw, received); ok {
		return []internal.Event{event}
	}
	return nil
}

// githubPushEvent normalizes a push payload. The push time is the
// repository's pushed_at, in unix seconds. Tag pushes and branch deletions
// are reported as not ok.
func githubPushEvent(raw []byte, received time.Time) (internal.Event, bool) {
	document, data := rawObjectAndFlatten(raw)
	branch, ok := branchFromRef(lookupString(document, "$.ref"))
	if !ok {
		return internal.Event{}, false
	}
	commit := lookupString(document, "$.after")
	if commit == "" || commit == zeroSHA {
		return internal.Event{}, false
	}
	installationID, _, _ := ghprovider.InstallationIDFromPayload(raw)
	owner := lookupString(document, "$.repository.owner.login")
	if owner == "" {
		owner = lookupString(document, "$.repository.owner.name")
	}
	return internal.Event{
		Provider:       "github",
		Name:           "push",
		Owner:          owner,
		Repository:     lookupString(document, "$.repository.name"),
		Branch:         branch,
		Commit:         commit,
		CloneURL:       lookupString(document, "$.repository.clone_url"),
		PushedAt:       pushedAt(document, received, "$.repository.pushed_at"),
		InstallationID: installationID,
		Data:           data,
		RawPayload:     raw,
	}, true
}

func verifyGitHubSHA256(secret string, body []byte, signature string) bool {
	if secret == "" || len(body) == 0 || !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
