package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gitpull/internal"
)

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []internal.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, event internal.Event) error {
	return p.PublishForDrivers(ctx, topic, event, nil)
}

func (p *recordingPublisher) PublishForDrivers(ctx context.Context, topic string, event internal.Event, drivers []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error {
	return nil
}

func newTestRules(t *testing.T) *internal.RuleEngine {
	t.Helper()
	rules, err := internal.NewRuleEngine(internal.RulesConfig{DefaultTopic: internal.DefaultPullTopic})
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}
	return rules
}

const githubPushBody = `{
  "ref": "refs/heads/main",
  "before": "1111111111111111111111111111111111111111",
  "after": "2222222222222222222222222222222222222222",
  "repository": {
    "name": "sample-app",
    "full_name": "amplication/sample-app",
    "clone_url": "https://github.com/amplication/sample-app.git",
    "pushed_at": 1709288100,
    "owner": {"login": "amplication", "name": "amplication"}
  },
  "head_commit": {
    "id": "2222222222222222222222222222222222222222",
    "timestamp": "2024-01-01T00:00:00+02:00"
  }
}`

// TestGitHubPushIsPublished tests that a branch push is normalized and published to the default topic.
func TestGitHubPushIsPublished(t *testing.T) {
	pub := &recordingPublisher{}
	handler, err := NewGitHubHandler("", newTestRules(t), pub, nil, 1<<20, false)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(githubPushBody))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Request-Id", "req-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") != "req-1" {
		t.Fatalf("expected request id to be echoed")
	}
	if len(pub.events) != 1 || pub.topics[0] != internal.DefaultPullTopic {
		t.Fatalf("expected one publish to default topic, got %v", pub.topics)
	}
	event := pub.events[0]
	if event.Owner != "amplication" || event.Repository != "sample-app" || event.Branch != "main" {
		t.Fatalf("unexpected coordinate: %+v", event)
	}
	if event.Commit != "2222222222222222222222222222222222222222" {
		t.Fatalf("unexpected commit %q", event.Commit)
	}
	want := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	if !event.PushedAt.Equal(want) || event.PushedAt.Location() != time.UTC {
		t.Fatalf("expected repository pushed_at %s in UTC, got %s", want, event.PushedAt)
	}
	if event.RequestID != "req-1" {
		t.Fatalf("expected request id on event, got %q", event.RequestID)
	}
}

// TestGitHubPushedAtIsPushTime tests that an old head commit pushed later is
// recorded at the push time, not at the commit time.
func TestGitHubPushedAtIsPushTime(t *testing.T) {
	body := strings.Replace(githubPushBody, `"pushed_at": 1709288100`, `"pushed_at": 1711929600`, 1)
	received := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	event, ok := githubPushEvent([]byte(body), received)
	if !ok {
		t.Fatalf("expected branch push")
	}
	if want := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC); !event.PushedAt.Equal(want) {
		t.Fatalf("expected %s, got %s", want, event.PushedAt)
	}

	body = strings.Replace(githubPushBody, `"pushed_at": 1709288100,`, ``, 1)
	event, _ = githubPushEvent([]byte(body), received)
	if !event.PushedAt.Equal(received) {
		t.Fatalf("expected receive time without pushed_at, got %s", event.PushedAt)
	}
}

// TestGitHubSignedPush tests that sha256 and sha1 signatures are accepted and
// bad or missing ones rejected.
func TestGitHubSignedPush(t *testing.T) {
	const secret = "topsecret"
	pub := &recordingPublisher{}
	handler, err := NewGitHubHandler(secret, newTestRules(t), pub, nil, 1<<20, false)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(githubPushBody))
	signature := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(githubPushBody))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", signature)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || len(pub.events) != 1 {
		t.Fatalf("expected signed push to be accepted, got %d with %d events", rec.Code, len(pub.events))
	}

	legacy := hmac.New(sha1.New, []byte(secret))
	legacy.Write([]byte(githubPushBody))
	req = httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(githubPushBody))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature", "sha1="+hex.EncodeToString(legacy.Sum(nil)))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || len(pub.events) != 2 {
		t.Fatalf("expected sha1 signed push to be accepted, got %d with %d events", rec.Code, len(pub.events))
	}

	for name, header := range map[string]string{
		"X-Hub-Signature-256": "sha256=deadbeef",
		"X-Hub-Signature":     "sha1=deadbeef",
		"X-Request-Id":        "unsigned",
	} {
		bad := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(githubPushBody))
		bad.Header.Set("X-GitHub-Event", "push")
		bad.Header.Set(name, header)
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, bad)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
	}
	if len(pub.events) != 2 {
		t.Fatalf("expected rejected pushes not to be published")
	}
}

// TestGitHubIgnoresOtherEvents tests that ping, non-push events and tag pushes are acknowledged without publishing.
func TestGitHubIgnoresOtherEvents(t *testing.T) {
	pub := &recordingPublisher{}
	handler, err := NewGitHubHandler("", newTestRules(t), pub, nil, 0, false)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	cases := []struct {
		event string
		body  string
	}{
		{event: "ping", body: `{"zen":"Keep it logically awesome.","hook_id":1}`},
		{event: "issues", body: `{"action":"opened"}`},
		{event: "push", body: strings.Replace(githubPushBody, "refs/heads/main", "refs/tags/v1.0.0", 1)},
		{event: "push", body: strings.Replace(githubPushBody, "2222222222222222222222222222222222222222", zeroSHA, 1)},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(tc.body))
		req.Header.Set("X-GitHub-Event", tc.event)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tc.event, rec.Code)
		}
	}
	if len(pub.events) != 0 {
		t.Fatalf("expected nothing published, got %d", len(pub.events))
	}
}

const gitlabPushBody = `{
  "object_kind": "push",
  "ref": "refs/heads/develop",
  "before": "1111111111111111111111111111111111111111",
  "after": "3333333333333333333333333333333333333333",
  "checkout_sha": "3333333333333333333333333333333333333333",
  "project": {
    "name": "api",
    "path_with_namespace": "acme/platform/api",
    "git_http_url": "https://gitlab.com/acme/platform/api.git"
  },
  "commits": [
    {"id": "2aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "timestamp": "2024-03-01T09:00:00Z"},
    {"id": "3333333333333333333333333333333333333333", "timestamp": "2024-03-01T09:30:00Z"}
  ]
}`

// TestGitLabPushIsPublished tests that nested namespaces are split into owner and repository.
func TestGitLabPushIsPublished(t *testing.T) {
	pub := &recordingPublisher{}
	handler, err := NewGitLabHandler("token", newTestRules(t), pub, nil, 1<<20, false)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	received := time.Date(2024, 3, 2, 7, 0, 0, 0, time.FixedZone("CET", 3600))
	handler.now = func() time.Time { return received }

	req := httptest.NewRequest(http.MethodPost, "/webhooks/gitlab", strings.NewReader(gitlabPushBody))
	req.Header.Set("X-Gitlab-Event", "Push Hook")
	req.Header.Set("X-Gitlab-Token", "token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected one event, got %d", len(pub.events))
	}
	event := pub.events[0]
	if event.Provider != "gitlab" || event.Owner != "acme/platform" || event.Repository != "api" || event.Branch != "develop" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if !event.PushedAt.Equal(received) || event.PushedAt.Location() != time.UTC {
		t.Fatalf("expected receive time in UTC, got %s", event.PushedAt)
	}
}

// TestGitLabRejectsBadToken tests that a wrong secret token is refused.
func TestGitLabRejectsBadToken(t *testing.T) {
	pub := &recordingPublisher{}
	handler, err := NewGitLabHandler("token", newTestRules(t), pub, nil, 1<<20, false)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/gitlab", strings.NewReader(gitlabPushBody))
	req.Header.Set("X-Gitlab-Event", "Push Hook")
	req.Header.Set("X-Gitlab-Token", "wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(pub.events) != 0 {
		t.Fatalf("expected nothing published")
	}
}

const bitbucketPushBody = `{
  "repository": {"full_name": "team/service", "name": "service"},
  "push": {
    "changes": [
      {
        "new": {
          "type": "branch",
          "name": "release",
          "target": {"hash": "4444444444444444444444444444444444444444", "date": "2024-03-02T11:00:00+00:00"}
        }
      },
      {
        "new": {
          "type": "tag",
          "name": "v2.0.0",
          "target": {"hash": "4444444444444444444444444444444444444444", "date": "2024-03-02T11:00:00+00:00"}
        }
      },
      {
        "new": null
      },
      {
        "new": {
          "type": "branch",
          "name": "main",
          "target": {"hash": "5555555555555555555555555555555555555555", "date": "2024-03-02T10:00:00+00:00"}
        }
      }
    ]
  }
}`

// TestBitbucketPushIsPublished tests that every branch change of a repo:push
// is published and tag or deleted changes are skipped.
func TestBitbucketPushIsPublished(t *testing.T) {
	pub := &recordingPublisher{}
	handler, err := NewBitbucketHandler("", newTestRules(t), pub, nil, 1<<20, false)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	received := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)
	handler.now = func() time.Time { return received }

	req := httptest.NewRequest(http.MethodPost, "/webhooks/bitbucket", strings.NewReader(bitbucketPushBody))
	req.Header.Set("X-Event-Key", "repo:push")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(pub.events) != 2 {
		t.Fatalf("expected two events, got %d", len(pub.events))
	}
	wants := []struct{ branch, commit string }{
		{"release", "4444444444444444444444444444444444444444"},
		{"main", "5555555555555555555555555555555555555555"},
	}
	for i, want := range wants {
		event := pub.events[i]
		if event.Owner != "team" || event.Repository != "service" || event.Branch != want.branch || event.Commit != want.commit {
			t.Fatalf("unexpected event %d: %+v", i, event)
		}
		if event.CloneURL != "https://bitbucket.org/team/service.git" {
			t.Fatalf("unexpected clone url %q", event.CloneURL)
		}
		if !event.PushedAt.Equal(received) {
			t.Fatalf("expected receive time, got %s", event.PushedAt)
		}
	}
}

// TestRulesFilterPushes tests that a strict rule set drops pushes to other branches.
func TestRulesFilterPushes(t *testing.T) {
	rules, err := internal.NewRuleEngine(internal.RulesConfig{
		Rules:  []internal.Rule{{When: `branch == "main"`, Emit: internal.EmitList{"pull.main"}}},
		Strict: true,
	})
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}
	pub := &recordingPublisher{}
	handler, err := NewGitLabHandler("", rules, pub, nil, 0, false)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/gitlab", strings.NewReader(gitlabPushBody))
	req.Header.Set("X-Gitlab-Event", "Push Hook")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(pub.events) != 0 {
		t.Fatalf("expected develop push to be filtered, got %v", pub.topics)
	}
}

func TestPushedAtFallsBackToReceiveTime(t *testing.T) {
	received := time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))
	document, _ := rawObjectAndFlatten([]byte(`{"head_commit":{"timestamp":"not a time"}}`))
	got := pushedAt(document, received, "$.head_commit.timestamp", "$.repository.pushed_at")
	if !got.Equal(received) || got.Location() != time.UTC {
		t.Fatalf("expected receive time in UTC, got %s", got)
	}

	document, _ = rawObjectAndFlatten([]byte(`{"repository":{"pushed_at":1709287200}}`))
	got = pushedAt(document, received, "$.head_commit.timestamp", "$.repository.pushed_at")
	if !got.Equal(time.Unix(1709287200, 0)) {
		t.Fatalf("expected unix pushed_at, got %s", got)
	}
}
