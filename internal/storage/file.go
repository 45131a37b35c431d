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

	"notifygate/internal/notification"
	logx "notifygate/pkg/logx"
)

// fileStore keeps everything in a Memory and mirrors each write to JSON Lines.
//
// Files:
//   - <prefix>.rules.jsonl
//   - <prefix>.logs.jsonl
//   - <prefix>.usage.jsonl
//
// The files are replayed on open. Pruning rewrites the affected file.
type fileStore struct {
	log logx.Logger
	mem *Memory

	// mu serializes writers so file order matches id order.
	mu sync.Mutex

	rulesPath string
	logsPath  string
	usagePath string

	rulesFile *os.File
	logsFile  *os.File
	usageFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:       log,
		mem:       NewMemory(),
		rulesPath: prefix + ".rules.jsonl",
		logsPath:  prefix + ".logs.jsonl",
		usagePath: prefix + ".usage.jsonl",
	}

	if err := s.replay(); err != nil {
		return nil, err
	}

	var err error
	if s.rulesFile, err = openAppend(s.rulesPath); err != nil {
		return nil, err
	}
	if s.logsFile, err = openAppend(s.logsPath); err != nil {
		_ = s.rulesFile.Close()
		return nil, err
	}
	if s.usageFile, err = openAppend(s.usagePath); err != nil {
		_ = s.rulesFile.Close()
		_ = s.logsFile.Close()
		return nil, err
	}
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func (s *fileStore) replay() error {
	m := s.mem
	m.mu.Lock()
	defer m.mu.Unlock()

	bad := 0
	if err := replayJSONL(s.rulesPath, func(r notification.Rule) {
		if _, err := m.insertRuleLocked(r); err != nil {
			bad++
		}
	}); err != nil {
		return err
	}
	if err := replayJSONL(s.logsPath, func(e notification.LogEntry) {
		if _, err := m.appendLogLocked(e); err != nil {
			bad++
		}
	}); err != nil {
		return err
	}
	if err := replayJSONL(s.usagePath, func(u notification.UsageRecord) {
		if _, err := m.appendUsageLocked(u); err != nil {
			bad++
		}
	}); err != nil {
		return err
	}
	if bad > 0 {
		s.log.Warn("skipped invalid records during replay", logx.Int("count", bad))
	}
	s.log.Debug("file store loaded",
		logx.Int("rules", len(m.rules)),
		logx.Int("logs", len(m.logs)),
		logx.Int("usage", len(m.usage)),
	)
	return nil
}

// replayJSONL decodes each line of path into T. A missing file is not an
// error; undecodable lines are skipped.
func replayJSONL[T any](path string, fn func(T)) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			continue
		}
		fn(v)
	}
	return sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []**os.File{&s.rulesFile, &s.logsFile, &s.usageFile} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	errs = append(errs, s.mem.Close())
	return errors.Join(errs...)
}

func (s *fileStore) ActiveRules(ctx context.Context, channel string) ([]notification.Rule, error) {
	return s.mem.ActiveRules(ctx, channel)
}

func (s *fileStore) ListRules(ctx context.Context) ([]notification.Rule, error) {
	return s.mem.ListRules(ctx)
}

func (s *fileStore) CountLogs(ctx context.Context, q LogQuery) (int, error) {
	return s.mem.CountLogs(ctx, q)
}

func (s *fileStore) SumUsage(ctx context.Context, q UsageQuery) (UsageSummary, error) {
	return s.mem.SumUsage(ctx, q)
}

func (s *fileStore) CreateRule(ctx context.Context, r notification.Rule) (int64, error) {
	_ = ctx
	if err := r.Validate(); err != nil {
		return 0, err
	}
	r.ID = 0

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rulesFile == nil {
		return 0, ErrStoreClosed
	}

	s.mem.mu.Lock()
	id, err := s.mem.insertRuleLocked(r)
	s.mem.mu.Unlock()
	if err != nil {
		return 0, err
	}
	r.ID = id
	if err := json.NewEncoder(s.rulesFile).Encode(r); err != nil {
		s.mem.mu.Lock()
		s.mem.rules = s.mem.rules[:len(s.mem.rules)-1]
		delete(s.mem.names, r.Name)
		s.mem.mu.Unlock()
		return 0, err
	}
	return id, nil
}

func (s *fileStore) AppendLog(ctx context.Context, e notification.LogEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logsFile == nil {
		return ErrStoreClosed
	}
	e.ID = 0

	s.mem.mu.Lock()
	e, err := s.mem.appendLogLocked(e)
	s.mem.mu.Unlock()
	if err != nil {
		return err
	}
	if err := json.NewEncoder(s.logsFile).Encode(e); err != nil {
		s.mem.mu.Lock()
		s.mem.logs = s.mem.logs[:len(s.mem.logs)-1]
		s.mem.mu.Unlock()
		return err
	}
	return nil
}

func (s *fileStore) AppendUsage(ctx context.Context, u notification.UsageRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usageFile == nil {
		return ErrStoreClosed
	}
	u.ID = 0

	s.mem.mu.Lock()
	u, err := s.mem.appendUsageLocked(u)
	s.mem.mu.Unlock()
	if err != nil {
		return err
	}
	if err := json.NewEncoder(s.usageFile).Encode(u); err != nil {
		s.mem.mu.Lock()
		s.mem.usage = s.mem.usage[:len(s.mem.usage)-1]
		s.mem.mu.Unlock()
		return err
	}
	return nil
}

func (s *fileStore) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logsFile == nil {
		return 0, ErrStoreClosed
	}
	n, err := s.mem.PruneLogs(ctx, before)
	if err != nil || n == 0 {
		return n, err
	}
	f, err := rewriteJSONL(s.logsPath, s.logsFile, s.mem.Logs(LogQuery{}))
	s.logsFile = f
	return n, err
}

func (s *fileStore) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usageFile == nil {
		return 0, ErrStoreClosed
	}
	n, err := s.mem.PruneUsage(ctx, before)
	if err != nil || n == 0 {
		return n, err
	}
	f, err := rewriteJSONL(s.usagePath, s.usageFile, s.mem.Usage(UsageQuery{}))
	s.usageFile = f
	return n, err
}

// rewriteJSONL atomically replaces path with rows and returns a fresh append
// handle. The old handle is closed on success.
func rewriteJSONL[T any](path string, old *os.File, rows []T) (*os.File, error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return old, err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return old, err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return old, err
	}
	if err := f.Close(); err != nil {
		return old, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return old, err
	}
	_ = old.Close()
	return openAppend(path)
}
