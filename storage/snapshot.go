package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"voting-ledger/models"
)

const (
	snapshotPrefix     = "chain_"
	snapshotSuffix     = ".json"
	snapshotTimeLayout = "20060102150405.000" // YYYYMMDDhhmmss.mmm
	defaultKeep        = 5
)

// Snapshot is an exported copy of one election's chain.
type Snapshot struct {
	ElectionID string         `json:"election_id"`
	ExportedAt time.Time      `json:"exported_at"`
	Blocks     []models.Block `json:"blocks"`
}

// SnapshotStore writes timestamped chain snapshots to a directory and keeps
// only the newest files per election.
type SnapshotStore struct {
	dir    string
	keep   int
	logger *slog.Logger
	now    func() time.Time
	mutex  sync.Mutex
}

type snapshotFile struct {
	path      string
	timestamp time.Time
}

// NewSnapshotStore creates the snapshot directory if needed. keep <= 0 uses
// the default retention.
func NewSnapshotStore(dir string, keep int, logger *slog.Logger) (*SnapshotStore, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve snapshot dir")
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return nil, errors.Wrap(err, "create snapshot dir")
	}
	if keep <= 0 {
		keep = defaultKeep
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &SnapshotStore{
		dir:    absPath,
		keep:   keep,
		logger: logger.With("component", "snapshot"),
		now:    time.Now,
	}, nil
}

// Save writes the chain of an election and prunes older snapshots. It returns
// the path of the written file.
func (s *SnapshotStore) Save(electionID string, blocks []models.Block) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if electionID == "" {
		return "", errors.New("cannot save snapshot without election id")
	}
	if blocks == nil {
		blocks = []models.Block{}
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	path := s.pathFor(electionID, now)
	// never overwrite an earlier export taken within the same millisecond
	for fileExists(path) {
		now = now.Add(time.Millisecond)
		path = s.pathFor(electionID, now)
	}

	snapshot := Snapshot{
		ElectionID: electionID,
		ExportedAt: now,
		Blocks:     blocks,
	}
	data, err := json.MarshalIndent(snapshot, "", "    ")
	if err != nil {
		return "", errors.Wrap(err, "encode snapshot")
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return "", errors.Wrap(err, "write snapshot")
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return "", errors.Wrap(err, "rename snapshot")
	}

	if err := s.prune(electionID); err != nil {
		s.logger.Warn("failed to prune old snapshots", "election_id", electionID, "error", err)
	}

	s.logger.Info("saved chain snapshot", "election_id", electionID, "blocks", len(blocks), "path", path)
	return path, nil
}

func (s *SnapshotStore) pathFor(electionID string, at time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%s_%s%s", snapshotPrefix, electionID, at.Format(snapshotTimeLayout), snapshotSuffix))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Latest loads the newest snapshot of an election, or nil when none exists.
func (s *SnapshotStore) Latest(electionID string) (*Snapshot, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	files, err := s.list(electionID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	return LoadSnapshot(files[len(files)-1].path)
}

// LoadSnapshot reads a snapshot file written by Save.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read snapshot %s", path)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, errors.Wrapf(err, "decode snapshot %s", path)
	}
	return &snapshot, nil
}

// list returns the snapshots of an election sorted oldest first.
func (s *SnapshotStore) list(electionID string) ([]snapshotFile, error) {
	prefix := snapshotPrefix + electionID + "_"
	paths, err := filepath.Glob(filepath.Join(s.dir, prefix+"*"+snapshotSuffix))
	if err != nil {
		return nil, errors.Wrap(err, "list snapshots")
	}

	files := make([]snapshotFile, 0, len(paths))
	for _, path := range paths {
		base := filepath.Base(path)
		stamp := strings.TrimSuffix(strings.TrimPrefix(base, prefix), snapshotSuffix)
		ts, err := time.Parse(snapshotTimeLayout, stamp)
		if err != nil {
			s.logger.Warn("skipping snapshot with invalid timestamp", "file", base, "error", err)
			continue
		}
		files = append(files, snapshotFile{path: path, timestamp: ts})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].timestamp.Before(files[j].timestamp)
	})
	return files, nil
}

func (s *SnapshotStore) prune(electionID string) error {
	files, err := s.list(electionID)
	if err != nil {
		return err
	}
	if len(files) <= s.keep {
		return nil
	}
	for _, f := range files[:len(files)-s.keep] {
		if err := os.Remove(f.path); err != nil {
			s.logger.Warn("failed to remove old snapshot", "file", f.path, "error", err)
			continue
		}
		s.logger.Debug("removed old snapshot", "file", f.path)
	}
	return nil
}
