package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	logx "batchmd/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.tasks.jsonl        (append-only JSON Lines history)
//   - <prefix>.fps.snapshot.json  (periodic fingerprint snapshot)
//   - <prefix>.fps.journal.jsonl  (append-only fingerprint journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	tasksPath string
	tasksFile *os.File

	fpSnapshotPath string
	fpJournalFile  *os.File
	fps            map[uint64]string // fp -> first path seen

	fpWrites int
}

type fpRecord struct {
	FP   uint64 `json:"fp"`
	Path string `json:"path"`
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

	tasksPath := prefix + ".tasks.jsonl"
	snapPath := prefix + ".fps.snapshot.json"
	journalPath := prefix + ".fps.journal.jsonl"

	tf, err := os.OpenFile(tasksPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	fps := map[uint64]string{}
	_ = loadFPSnapshot(snapPath, fps)
	_ = replayFPJournal(journalPath, fps)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = tf.Close()
		return nil, err
	}

	return &fileStore{
		log:            log,
		tasksPath:      tasksPath,
		tasksFile:      tf,
		fpSnapshotPath: snapPath,
		fpJournalFile:  jf,
		fps:            fps,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.tasksFile != nil {
		err1 = s.tasksFile.Close()
		s.tasksFile = nil
	}
	if s.fpJournalFile != nil {
		err2 = s.fpJournalFile.Close()
		s.fpJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendTask(ctx context.Context, r TaskRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasksFile == nil {
		return errors.New("tasks file closed")
	}
	return json.NewEncoder(s.tasksFile).Encode(r)
}

// RecentTasks returns up to limit most recent records, newest last.
func (s *fileStore) RecentTasks(ctx context.Context, limit int) ([]TaskRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	path := s.tasksPath
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	// Ring over the tail of the file; history files stay modest because each
	// record is one line.
	ring := make([]TaskRecord, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r TaskRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if len(ring) == limit {
			copy(ring, ring[1:])
			ring = ring[:limit-1]
		}
		ring = append(ring, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ring, nil
}

func (s *fileStore) PutFingerprint(ctx context.Context, fp uint64, path string) error {
	_ = ctx
	if fp == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fpJournalFile == nil {
		return errors.New("fingerprint journal closed")
	}
	if _, ok := s.fps[fp]; ok {
		return nil
	}
	s.fps[fp] = path

	if err := json.NewEncoder(s.fpJournalFile).Encode(fpRecord{FP: fp, Path: path}); err != nil {
		return err
	}
	s.fpWrites++
	if s.fpWrites%1000 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("fingerprint compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) HasFingerprint(ctx context.Context, fp uint64) (bool, error) {
	_ = ctx
	if fp == 0 {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.fps[fp]
	return ok, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.fpSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	// JSON object keys must be strings.
	m := make(map[string]string, len(s.fps))
	for k, v := range s.fps {
		m[strconv.FormatUint(k, 10)] = v
	}
	if err := json.NewEncoder(f).Encode(m); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.fpSnapshotPath); err != nil {
		return err
	}
	if err := s.fpJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.fpJournalFile.Seek(0, 2)
	return err
}

func loadFPSnapshot(path string, out map[uint64]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]string
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		fp, err := strconv.ParseUint(k, 10, 64)
		if err != nil || fp == 0 {
			continue
		}
		out[fp] = v
	}
	return nil
}

func replayFPJournal(path string, out map[uint64]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r fpRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.FP == 0 {
			continue
		}
		out[r.FP] = r.Path
	}
	return sc.Err()
}
