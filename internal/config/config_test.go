package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true},
  "api": {"base_url": "https://hr.example.com", "token": "t0k", "retry_max": 2},
  "push": {"heartbeat_interval": "15s"},
  "inbox": {"poll_interval": "20s", "persist": true},
  "storage": {"driver": "sqlite", "path": "./data/hrnotify.db"},
  "status": {"enabled": true, "addr": "127.0.0.1:7070"}
}`

func TestDecodeFormats(t *testing.T) {
	yamlSrc := `
logging:
  level: debug
  console: true
api:
  base_url: https://hr.example.com
  token: t0k
  retry_max: 2
push:
  heartbeat_interval: 15s
inbox:
  poll_interval: 20s
  persist: true
storage:
  driver: sqlite
  path: ./data/hrnotify.db
status:
  enabled: true
  addr: 127.0.0.1:7070
`
	tomlSrc := `
[logging]
level = "debug"
console = true

[api]
base_url = "https://hr.example.com"
token = "t0k"
retry_max = 2

[push]
heartbeat_interval = "15s"

[inbox]
poll_interval = "20s"
persist = true

[storage]
driver = "sqlite"
path = "./data/hrnotify.db"

[status]
enabled = true
addr = "127.0.0.1:7070"
`
	want, err := Decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	for name, src := range map[string]string{"c.yaml": yamlSrc, "c.toml": tomlSrc} {
		got, err := Decode(name, []byte(src))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("%s decoded to %+v, want %+v", name, got, want)
		}
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{"api":{"base_url":"x","nope":1}}`)); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("expected trailing data error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HRNOTIFY_API_TOKEN", "from-env")
	t.Setenv("HRNOTIFY_STATUS_TOKEN", "status-env")
	t.Setenv("HRNOTIFY_INBOX_POLL_INTERVAL", "45s")

	cfg, err := Decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.API.Token != "from-env" || cfg.Status.Token != "status-env" || cfg.Inbox.PollInterval != "45s" {
		t.Fatalf("env not applied: api=%q status=%q poll=%q", cfg.API.Token, cfg.Status.Token, cfg.Inbox.PollInterval)
	}
	if cfg.API.BaseURL != "https://hr.example.com" {
		t.Fatalf("unset env var clobbered file value: %q", cfg.API.BaseURL)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hrnotify.json")
	if err := os.WriteFile(path, []byte(`{"api":{"base_url":"http://localhost:8080"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("HRNOTIFY_PUSH_URL=ws://push.local/api/notifications/ws\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("HRNOTIFY_PUSH_URL") })

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Push.URL != "ws://push.local/api/notifications/ws" {
		t.Fatalf("push.url = %q", cfg.Push.URL)
	}
	if m.Get() != cfg {
		t.Fatalf("Load did not commit")
	}
}

func TestDurations(t *testing.T) {
	var d Durations
	if got := d.Or("a", "", time.Second); got != time.Second {
		t.Fatalf("empty -> %v", got)
	}
	if got := d.Or("b", "250ms", time.Second); got != 250*time.Millisecond {
		t.Fatalf("250ms -> %v", got)
	}
	if d.Err() != nil {
		t.Fatalf("unexpected err %v", d.Err())
	}
	d.Or("c", "soon", time.Second)
	d.Or("d", "-1s", time.Second)
	if d.Err() == nil || !strings.HasPrefix(d.Err().Error(), "c:") {
		t.Fatalf("first error should be kept, got %v", d.Err())
	}
}

func TestSummarizeConfigChangeNeverLogsTokens(t *testing.T) {
	oldCfg, _ := Decode("c.json", []byte(sampleJSON))
	newCfg := *oldCfg
	newCfg.API.Token = "rotated"
	newCfg.Storage.Driver = "file"

	sections, _ := SummarizeConfigChange(oldCfg, &newCfg)
	if !reflect.DeepEqual(sections, []string{"api", "storage"}) {
		t.Fatalf("sections = %v", sections)
	}
	if got := RestartRequired(sections); !reflect.DeepEqual(got, []string{"storage"}) {
		t.Fatalf("restart required = %v", got)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hrnotify.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"logging":{"level":"info"}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		_, err := ParseDurationField("inbox.poll_interval", cfg.Inbox.PollInterval)
		return err
	})
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	write(`{"inbox":{"poll_interval":"nonsense"}}`)
	time.Sleep(500 * time.Millisecond)
	write(`{"logging":{"level":"debug"}}`)

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published config level = %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no config published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("commit missing")
	}
}
