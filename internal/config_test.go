package internal

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// TestLoadConfigDefaults tests the defaults applied to an empty file.
func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeYAML(t, "{}\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	checks := []struct {
		name      string
		got, want any
	}{
		{"port", cfg.Server.Port, 8080},
		{"metrics path", cfg.Server.MetricsPath, "/metrics"},
		{"github path", cfg.Providers.GitHub.Path, "/webhooks/github"},
		{"gitlab path", cfg.Providers.GitLab.Path, "/webhooks/gitlab"},
		{"bitbucket path", cfg.Providers.Bitbucket.Path, "/webhooks/bitbucket"},
		{"storage driver", cfg.Storage.Driver, "sqlite"},
		{"storage dsn", cfg.Storage.DSN, "gitpull.db"},
		{"storage table", cfg.Storage.Table, "git_pull_events"},
		{"watermill driver", cfg.Watermill.Driver, "gochannel"},
		{"gochannel buffer", cfg.Watermill.GoChannel.OutputChannelBuffer, int64(64)},
		{"http mode", cfg.Watermill.HTTP.Mode, "topic_url"},
		{"river kind", cfg.Watermill.RiverQueue.Kind, DefaultPullTopic},
		{"publish attempts", cfg.Watermill.PublishRetry.Attempts, 3},
		{"pull topic", cfg.Pull.Topic, DefaultPullTopic},
		{"pull concurrency", cfg.Pull.Concurrency, 4},
		{"base candidates", cfg.Pull.MaxBaseCandidates, 3},
		{"runner", cfg.Pull.Runner, "watermill"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s: expected %v, got %v", c.name, c.want, c.got)
		}
	}
	if len(cfg.Watermill.Drivers) != 0 {
		t.Fatalf("expected no default driver list, got %v", cfg.Watermill.Drivers)
	}
}

func TestLoadConfigKeepsPostgresDSN(t *testing.T) {
	cfg, err := LoadConfig(writeYAML(t, "storage:\n  dialect: postgres\n  dsn: postgres://ledger\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Storage.Driver != "" || cfg.Storage.DSN != "postgres://ledger" {
		t.Fatalf("expected dialect to suppress sqlite defaults, got %+v", cfg.Storage)
	}
}

// TestLoadAppConfigExpandsEnv tests that ${VAR} references are expanded before parsing.
func TestLoadAppConfigExpandsEnv(t *testing.T) {
	t.Setenv("GITPULL_TEST_DSN", "postgres://ledger")
	t.Setenv("GITPULL_TEST_TOKEN", "s3cret")
	path := writeYAML(t, "storage:\n  driver: postgres\n  dsn: ${GITPULL_TEST_DSN}\nproviders:\n  gitlab:\n    enabled: true\n    token: ${GITPULL_TEST_TOKEN}\n")

	cfg, err := LoadAppConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Storage.DSN != "postgres://ledger" || cfg.Providers.GitLab.Token != "s3cret" {
		t.Fatalf("expected expanded values, got dsn=%q token=%q", cfg.Storage.DSN, cfg.Providers.GitLab.Token)
	}
}

func TestLoadConfigRules(t *testing.T) {
	cfg, err := LoadConfig(writeYAML(t, `
rules_strict: true
rules:
  - when: "  branch == \"main\"  "
    emit: "  pull.main  "
  - when: provider == "github"
    emit: [pull.github, audit]
    drivers: [" amqp ", ""]
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Rules) != 2 {
		t.Fatalf("expected two rules, got %d", len(cfg.Rules))
	}
	if cfg.Rules[0].When != `branch == "main"` || !slices.Equal(cfg.Rules[0].Emit, EmitList{"pull.main"}) {
		t.Fatalf("expected trimmed rule, got %+v", cfg.Rules[0])
	}
	if !slices.Equal(cfg.Rules[1].Emit, EmitList{"pull.github", "audit"}) || !slices.Equal(cfg.Rules[1].Drivers, []string{"amqp"}) {
		t.Fatalf("expected emit list and trimmed drivers, got %+v", cfg.Rules[1])
	}
	rules := cfg.RulesConfig(nil)
	if !rules.Strict || rules.DefaultTopic != DefaultPullTopic {
		t.Fatalf("unexpected rules config: %+v", rules)
	}
}

func TestLoadConfigInvalidRule(t *testing.T) {
	for _, content := range []string{
		"rules:\n  - when: branch == \"main\"\n",
		"rules:\n  - emit: pull.main\n",
		"rules:\n  - when: x\n    emit: {topic: a}\n",
	} {
		if _, err := LoadConfig(writeYAML(t, content)); err == nil {
			t.Fatalf("expected error for %q", content)
		}
	}
}
