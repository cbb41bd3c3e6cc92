package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"hrnotify/internal/inbox"
	"hrnotify/internal/notification"
	"hrnotify/internal/push"
	"hrnotify/internal/status"
	"hrnotify/internal/storage"
)

type fakeAPI struct {
	mu   sync.Mutex
	hits []string
}

func (f *fakeAPI) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits = append(f.hits, r.Method+" "+r.URL.Path)
	f.mu.Unlock()
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/notifications":
		_, _ = w.Write([]byte(`[
			{"id":1,"type":"PAYROLL","message":"Payslip ready","read":true,"createdAt":"2024-05-01T08:00:00Z"},
			{"id":2,"type":"LEAVE","message":"Leave approved","read":false,"createdAt":"2024-05-02T08:00:00Z"}
		]`))
	case r.URL.Path == "/notifications/404/read":
		http.NotFound(w, r)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "hrnotify.toml")
	cfg := fmt.Sprintf("[logging]\nlevel = \"error\"\n\n[api]\nbase_url = %q\n\n[storage]\ndriver = \"file\"\npath = %q\n",
		srv.URL, filepath.Join(dir, "state.json"))
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestListCommand(t *testing.T) {
	out, err := runCLI(t, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "Leave approved") || !strings.Contains(out, "2 notifications, 1 unread") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if strings.Index(out, "Leave approved") > strings.Index(out, "Payslip ready") {
		t.Fatalf("newest should come first:\n%s", out)
	}
}

func TestListUnreadJSON(t *testing.T) {
	out, err := runCLI(t, "list", "--unread", "--json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Contains(out, "Payslip") || !strings.Contains(out, `"id": 2`) {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestReadCommands(t *testing.T) {
	if out, err := runCLI(t, "read", "#7"); err != nil || !strings.Contains(out, "Marked #7 as read") {
		t.Fatalf("read: %v\n%s", err, out)
	}
	if _, err := runCLI(t, "read", "404"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("read 404 err=%v", err)
	}
	if _, err := runCLI(t, "read", "abc"); err == nil {
		t.Fatalf("expected invalid id error")
	}
	if out, err := runCLI(t, "read-all"); err != nil || !strings.Contains(out, "All notifications") {
		t.Fatalf("read-all: %v\n%s", err, out)
	}
	if out, err := runCLI(t, "delete", "3"); err != nil || !strings.Contains(out, "Deleted #3") {
		t.Fatalf("delete: %v\n%s", err, out)
	}
}

func TestStatusWithoutRunningInstance(t *testing.T) {
	out, err := runCLI(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "No running instance") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestRenderStatus(t *testing.T) {
	var buf bytes.Buffer
	renderStatus(&buf, &status.Document{
		Push:  &push.Snapshot{State: "retrying", Attempts: 2, MaxRetries: 5, URL: "wss://hr.test/api/notifications/ws", LastError: "handshake: refused"},
		Inbox: &status.InboxStatus{Status: inbox.StatusPolling, Total: 3, Unread: 1},
		Transitions: []storage.Transition{
			{At: time.Now(), From: "connecting", To: "retrying", Attempt: 2, Reason: "handshake: refused"},
		},
	})
	out := buf.String()
	for _, want := range []string{"retrying (attempts 2/5)", "polling (push unavailable)", "handshake: refused", "Attempt"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestFollowerPrintsUnreadOnce(t *testing.T) {
	var buf bytes.Buffer
	f := newFollower(&buf)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	v := inbox.View{Status: inbox.StatusConnected, Notifications: []notification.Message{
		{ID: 7, Type: "LEAVE", Message: "Leave approved", CreatedAt: notification.At(at)},
		{ID: 3, Type: "PAYROLL", Message: "old", Read: true, CreatedAt: notification.At(at)},
	}}
	f.onView(v)
	f.onView(v)

	out := buf.String()
	if strings.Count(out, "#7") != 1 {
		t.Fatalf("expected #7 once:\n%s", out)
	}
	if strings.Contains(out, "#3") {
		t.Fatalf("read item printed:\n%s", out)
	}
	if strings.Count(out, "live (push connected)") != 1 {
		t.Fatalf("status flip printed %d times", strings.Count(out, "live"))
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Fatalf("got %q", got)
	}
}
