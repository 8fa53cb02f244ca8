package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "workbot/pkg/logx"
)

// fileStore keeps everything in memory and persists it next to a prefix:
//   - <prefix>.totals.json     (snapshot, users in arrival order)
//   - <prefix>.sessions.jsonl  (append-only closed sessions)
//   - <prefix>.state.json      (markers, counters, cooldowns)
//   - <prefix>.audit.jsonl     (append-only audit log)
//
// Snapshots are replaced atomically via rename.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	totalsPath   string
	statePath    string
	sessionsFile *os.File
	auditFile    *os.File

	totals   []Ranked
	index    map[string]int
	sessions []Session
	state    fileState
}

type fileState struct {
	Markers  map[string]string  `json:"markers"`
	Counters map[string][]Count `json:"counters"`
	Dedup    map[string]int64   `json:"dedup"` // unix milli
}

type totalRecord struct {
	UserID       string  `json:"user_id"`
	TotalSeconds float64 `json:"total_seconds"`
}

type sessionRecord struct {
	ID      string  `json:"id"`
	UserID  string  `json:"user_id"`
	StartMS int64   `json:"start_ms"`
	EndMS   int64   `json:"end_ms"`
	Seconds float64 `json:"seconds"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:        log,
		totalsPath: prefix + ".totals.json",
		statePath:  prefix + ".state.json",
		index:      map[string]int{},
	}
	if err := s.loadTotals(); err != nil {
		return nil, fmt.Errorf("load totals: %w", err)
	}
	if err := s.loadState(); err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if err := s.loadSessions(prefix + ".sessions.jsonl"); err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	var err error
	s.sessionsFile, err = os.OpenFile(prefix+".sessions.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile, err = os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = s.sessionsFile.Close()
		return nil, err
	}
	log.Info("file store opened", logx.String("prefix", prefix), logx.Int("users", len(s.totals)), logx.Int("sessions", len(s.sessions)))
	return s, nil
}

func (s *fileStore) loadTotals() error {
	b, err := os.ReadFile(s.totalsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var recs []totalRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		return err
	}
	for _, r := range recs {
		if _, dup := s.index[r.UserID]; dup || r.UserID == "" {
			continue
		}
		s.index[r.UserID] = len(s.totals)
		s.totals = append(s.totals, Ranked{UserID: r.UserID, Seconds: r.TotalSeconds})
	}
	return nil
}

func (s *fileStore) loadState() error {
	b, err := os.ReadFile(s.statePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &s.state); err != nil {
			return err
		}
	}
	if s.state.Markers == nil {
		s.state.Markers = map[string]string{}
	}
	if s.state.Counters == nil {
		s.state.Counters = map[string][]Count{}
	}
	if s.state.Dedup == nil {
		s.state.Dedup = map[string]int64{}
	}
	now := time.Now().UnixMilli()
	for k, v := range s.state.Dedup {
		if v < now {
			delete(s.state.Dedup, k)
		}
	}
	return nil
}

func (s *fileStore) loadSessions(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r sessionRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.UserID == "" {
			// a torn final line after a crash is skipped
			continue
		}
		s.sessions = append(s.sessions, Session{
			ID:      r.ID,
			UserID:  r.UserID,
			Start:   time.UnixMilli(r.StartMS),
			End:     time.UnixMilli(r.EndMS),
			Seconds: r.Seconds,
		})
	}
	return sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.sessionsFile != nil {
		errs = append(errs, s.sessionsFile.Close())
		s.sessionsFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) Commit(ctx context.Context, userID string, start, end time.Time) (float64, error) {
	_ = ctx
	if userID == "" {
		return 0, errors.New("empty user id")
	}
	secs := sessionSeconds(start, end)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionsFile == nil {
		return 0, errors.New("file store closed")
	}

	i, ok := s.index[userID]
	if !ok {
		i = len(s.totals)
		s.index[userID] = i
		s.totals = append(s.totals, Ranked{UserID: userID})
	}
	prev := s.totals[i].Seconds
	s.totals[i].Seconds = prev + secs
	if err := s.writeTotalsLocked(); err != nil {
		s.totals[i].Seconds = prev
		if !ok {
			delete(s.index, userID)
			s.totals = s.totals[:i]
		}
		return 0, err
	}

	sess := Session{ID: uuid.NewString(), UserID: userID, Start: start, End: end, Seconds: secs}
	s.sessions = append(s.sessions, sess)
	rec := sessionRecord{ID: sess.ID, UserID: userID, StartMS: start.UnixMilli(), EndMS: end.UnixMilli(), Seconds: secs}
	if err := json.NewEncoder(s.sessionsFile).Encode(rec); err != nil {
		// the total is already durable; only window rollups miss this session
		s.log.Warn("session journal append failed", logx.String("user_id", userID), logx.Err(err))
	}
	return s.totals[i].Seconds, nil
}

func (s *fileStore) writeTotalsLocked() error {
	recs := make([]totalRecord, len(s.totals))
	for i, r := range s.totals {
		recs[i] = totalRecord{UserID: r.UserID, TotalSeconds: r.Seconds}
	}
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.totalsPath, b)
}

func (s *fileStore) writeStateLocked() error {
	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.statePath, b)
}

func (s *fileStore) Total(ctx context.Context, userID string) (float64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.index[userID]; ok {
		return s.totals[i].Seconds, nil
	}
	return 0, nil
}

func (s *fileStore) TotalSince(ctx context.Context, userID string, since time.Time) (float64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			sum += windowSeconds(sess, since)
		}
	}
	return sum, nil
}

// windowSeconds is the part of sess at or after since. A session that
// straddles since counts only from since.
func windowSeconds(sess Session, since time.Time) float64 {
	switch {
	case !sess.Start.Before(since):
		return sess.Seconds
	case sess.End.After(since):
		return sess.End.Sub(since).Seconds()
	default:
		return 0
	}
}

func (s *fileStore) TopN(ctx context.Context, limit int, since time.Time) ([]Ranked, error) {
	_ = ctx
	s.mu.Lock()
	var rows []Ranked
	if since.IsZero() {
		rows = append(rows, s.totals...)
	} else {
		idx := map[string]int{}
		for _, sess := range s.sessions {
			secs := windowSeconds(sess, since)
			if secs <= 0 {
				continue
			}
			i, ok := idx[sess.UserID]
			if !ok {
				i = len(rows)
				idx[sess.UserID] = i
				rows = append(rows, Ranked{UserID: sess.UserID})
			}
			rows[i].Seconds += secs
		}
	}
	s.mu.Unlock()
	return rankRows(rows, limit), nil
}

// rankRows drops non-positive totals, sorts descending with a stable sort so
// ties keep arrival order, and caps at limit (<=0 means no cap).
func rankRows(rows []Ranked, limit int) []Ranked {
	out := rows[:0]
	for _, r := range rows {
		if r.Seconds > 0 {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seconds > out[j].Seconds })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *fileStore) GetMarker(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state.Markers[key]
	return v, ok, nil
}

func (s *fileStore) PutMarker(ctx context.Context, key, value string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.state.Markers[key]
	s.state.Markers[key] = value
	if err := s.writeStateLocked(); err != nil {
		if had {
			s.state.Markers[key] = prev
		} else {
			delete(s.state.Markers, key)
		}
		return err
	}
	return nil
}

func (s *fileStore) IncrementCounter(ctx context.Context, name, userID string) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.state.Counters[name]
	pos := -1
	for i := range rows {
		if rows[i].UserID == userID {
			pos = i
			break
		}
	}
	if pos < 0 {
		rows = append(rows, Count{UserID: userID})
		pos = len(rows) - 1
	}
	rows[pos].Count++
	old := s.state.Counters[name]
	s.state.Counters[name] = rows
	if err := s.writeStateLocked(); err != nil {
		rows[pos].Count--
		s.state.Counters[name] = old
		return 0, err
	}
	return rows[pos].Count, nil
}

func (s *fileStore) Counters(ctx context.Context, name string) ([]Count, error) {
	_ = ctx
	s.mu.Lock()
	rows := append([]Count(nil), s.state.Counters[name]...)
	s.mu.Unlock()
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Count > rows[j].Count })
	return rows, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixMilli()
	for k, v := range s.state.Dedup {
		if v < now {
			delete(s.state.Dedup, k)
		}
	}
	s.state.Dedup[key] = until.UnixMilli()
	return s.writeStateLocked()
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.state.Dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
