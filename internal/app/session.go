package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hrnotify/internal/api"
	"hrnotify/internal/config"
	"hrnotify/internal/status"
	"hrnotify/internal/storage"
	logx "hrnotify/pkg/logx"
)

// Session is a short-lived handle for one-shot CLI commands. It talks to the
// REST API directly and never opens a push connection.
type Session struct {
	Config *config.Config
	API    *api.Client
	Log    logx.Logger

	set settings
}

func OpenSession(cfgPath string) (*Session, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	set, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}
	if set.API.BaseURL == "" {
		return nil, fmt.Errorf("api.base_url must be set")
	}
	log := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "cli"))
	return &Session{
		Config: cfg,
		API:    api.New(set.API, nil, log),
		Log:    log,
		set:    set,
	}, nil
}

// RemoteStatus fetches the status document from a running instance.
func (s *Session) RemoteStatus(ctx context.Context) (*status.Document, error) {
	if !s.set.Status.Enabled {
		return nil, fmt.Errorf("status server is disabled in config")
	}
	addr := s.set.Status.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/api/status", nil)
	if err != nil {
		return nil, err
	}
	if s.set.Status.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.set.Status.Token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status server: http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var doc status.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &doc, nil
}

// StoredTransitions reads the audit trail straight from storage, for when
// no instance is running.
func (s *Session) StoredTransitions(ctx context.Context, limit int) ([]storage.Transition, error) {
	if s.set.Storage.Driver == "" {
		return nil, storage.ErrDisabled
	}
	st, err := storage.Open(s.set.Storage, s.Log)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.Transitions(ctx, limit)
}
