package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"hrnotify/internal/notification"
	logx "hrnotify/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.inbox.json         (snapshot, replaced atomically)
//   - <prefix>.transitions.jsonl  (append-only JSON Lines)
//
// The transition log is compacted to the newest entries once it grows
// past twice the retention limit.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	inboxPath       string
	transitionsPath string
	transitions     *os.File
	lines           int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:             log,
		inboxPath:       prefix + ".inbox.json",
		transitionsPath: prefix + ".transitions.jsonl",
	}
	existing, _ := readTransitions(s.transitionsPath)
	s.lines = len(existing)

	f, err := os.OpenFile(s.transitionsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.transitions = f
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transitions == nil {
		return nil
	}
	err := s.transitions.Close()
	s.transitions = nil
	return err
}

func (s *fileStore) SaveInbox(ctx context.Context, list []notification.Message) error {
	_ = ctx
	if list == nil {
		list = []notification.Message{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.inboxPath, list)
}

func (s *fileStore) LoadInbox(ctx context.Context) ([]notification.Message, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.inboxPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []notification.Message
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fileStore) AppendTransition(ctx context.Context, t Transition) error {
	_ = ctx
	if t.At.IsZero() {
		t.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transitions == nil {
		return errors.New("transition log closed")
	}
	if err := json.NewEncoder(s.transitions).Encode(t); err != nil {
		return err
	}
	s.lines++
	if s.lines > 2*keepTransitions {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("transition compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Transitions(ctx context.Context, limit int) ([]Transition, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	all, err := readTransitions(s.transitionsPath)
	s.mu.Unlock()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	out := make([]Transition, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	all, err := readTransitions(s.transitionsPath)
	if err != nil {
		return err
	}
	if len(all) > keepTransitions {
		all = all[len(all)-keepTransitions:]
	}

	tmp := s.transitionsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, t := range all {
		if err := enc.Encode(t); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if s.transitions != nil {
		_ = s.transitions.Close()
	}
	if err := os.Rename(tmp, s.transitionsPath); err != nil {
		return err
	}
	nf, err := os.OpenFile(s.transitionsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.transitions = nil
		return err
	}
	s.transitions = nf
	s.lines = len(all)
	return nil
}

func readTransitions(path string) ([]Transition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Transition
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var t Transition
		if err := json.Unmarshal(sc.Bytes(), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, sc.Err()
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
