package projection

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentbridge/bridge/pkg/eventlog"
)

// ErrNoSnapshot is returned by Load when a projection has no usable
// snapshot and must rebuild from the log's beginning.
var ErrNoSnapshot = errors.New("no usable snapshot")

const (
	snapExt       = ".snap"
	sumExt        = ".sha256"
	quarantineExt = ".quarantine"

	// DefaultKeep is how many snapshots per projection survive pruning.
	DefaultKeep = 3
)

// SnapshotStore persists projection snapshots under one directory per
// projection kind. Each snapshot is a data file named by the id it folds up
// to, plus a sha256 companion; a corrupt pair is quarantined, never trusted.
// Snapshots are an optimization only — losing all of them costs a replay.
type SnapshotStore struct {
	dir  string
	keep int
}

// NewSnapshotStore creates a store rooted at dir, pruning each kind to keep
// snapshots. keep <= 0 applies DefaultKeep.
func NewSnapshotStore(dir string, keep int) (*SnapshotStore, error) {
	if keep <= 0 {
		keep = DefaultKeep
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &SnapshotStore{dir: dir, keep: keep}, nil
}

// Save writes data as the snapshot of kind up to upTo and prunes older
// snapshots past the retention count. It returns the stored path and the
// hex SHA-256 of the data.
func (s *SnapshotStore) Save(kind string, upTo eventlog.ID, data []byte) (string, string, error) {
	dir := filepath.Join(s.dir, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create snapshot dir for %s: %w", kind, err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	path := filepath.Join(dir, upTo.String()+snapExt)

	// Write-then-rename so a crash mid-save leaves no half snapshot under
	// the final name. The companion goes first: a data file without its
	// checksum is quarantined on load, the reverse is merely ignored.
	if err := writeFileAtomic(path+sumExt, []byte(hash+"\n")); err != nil {
		return "", "", err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", "", err
	}

	if err := s.prune(kind); err != nil {
		slog.Warn("Snapshot prune failed", "kind", kind, "error", err)
	}
	return path, hash, nil
}

// Load returns the newest verifiable snapshot for kind and the id it folds
// up to. Corrupt snapshots are quarantined and older ones tried in turn;
// ErrNoSnapshot means a full replay is required.
func (s *SnapshotStore) Load(kind string) ([]byte, eventlog.ID, error) {
	ids, err := s.list(kind)
	if err != nil {
		return nil, eventlog.ID{}, err
	}
	if len(ids) == 0 {
		return nil, eventlog.ID{}, ErrNoSnapshot
	}

	// Newest first.
	for i := len(ids) - 1; i >= 0; i-- {
		path := filepath.Join(s.dir, kind, ids[i].String()+snapExt)
		data, err := readVerified(path)
		if err != nil {
			slog.Warn("Quarantining corrupt snapshot", "kind", kind, "path", path, "error", err)
			if qerr := quarantinePair(path); qerr != nil {
				return nil, eventlog.ID{}, qerr
			}
			continue
		}
		return data, ids[i], nil
	}
	return nil, eventlog.ID{}, ErrNoSnapshot
}

// list returns the snapshot ids for kind in ascending order.
func (s *SnapshotStore) list(kind string) ([]eventlog.ID, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, kind))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []eventlog.ID
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasSuffix(name, snapExt) {
			continue
		}
		id, err := eventlog.ParseID(strings.TrimSuffix(name, snapExt))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids, nil
}

func (s *SnapshotStore) prune(kind string) error {
	ids, err := s.list(kind)
	if err != nil {
		return err
	}
	if len(ids) <= s.keep {
		return nil
	}
	for _, id := range ids[:len(ids)-s.keep] {
		path := filepath.Join(s.dir, kind, id.String()+snapExt)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := os.Remove(path + sumExt); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// readVerified reads a snapshot and checks it against its sha256 companion.
func readVerified(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	want, err := os.ReadFile(path + sumExt)
	if err != nil {
		return nil, fmt.Errorf("checksum companion: %w", err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != strings.TrimSpace(string(want)) {
		return nil, errors.New("checksum mismatch")
	}
	return data, nil
}

func quarantinePair(path string) error {
	if err := os.Rename(path, path+quarantineExt); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Rename(path+sumExt, path+sumExt+quarantineExt); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
