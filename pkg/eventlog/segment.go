package eventlog

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	segmentSuffix   = ".log"
	indexSuffix     = ".idx"
	checksumSuffix  = ".sha256"
	quarantineExt   = ".quarantine"
	frameHeaderSize = 4

	// maxFrameSize bounds a single frame. A larger length prefix means the
	// header bytes are garbage, not a real frame.
	maxFrameSize = 16 << 20

	// frameCommitBit marks the final frame of an atomic append request. The
	// length prefix never needs bit 31, so it doubles as the commit flag:
	// recovery keeps frames only up to the last committed, chain-valid frame,
	// which drops partially persisted requests without ever dropping acked
	// ones.
	frameCommitBit = uint32(1) << 31
)

// segment tracks one log file. The last segment in a log is active (the
// writer appends to it); all earlier segments are sealed and immutable.
type segment struct {
	path  string
	first ID

	mu     sync.RWMutex
	last   ID
	size   int64 // committed bytes; readers never look past this
	sealed bool
	index  []indexEntry // in memory for the active segment, lazily loaded for sealed
}

func segmentPath(dir string, first ID) string {
	return filepath.Join(dir, first.String()+segmentSuffix)
}

// snapshotState returns the committed size and a stable view of the index.
func (s *segment) snapshotState() (int64, []indexEntry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size, s.index
}

func (s *segment) lastID() ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// extend records a committed batch: new frames are durable up to size.
func (s *segment) extend(entries []indexEntry, last ID, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = append(s.index, entries...)
	s.last = last
	s.size = size
}

// frameRec is one decoded frame with its position in the segment file.
type frameRec struct {
	ev     Event
	offset int64 // frame start, including header
	length int64 // total frame bytes
	commit bool  // final frame of its append request
}

// encodeFrame renders an event as a length-prefixed JSON frame. commit is
// set on the final frame of each append request.
func encodeFrame(e Event, commit bool) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	header := uint32(len(body))
	if commit {
		header |= frameCommitBit
	}
	frame := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame, header)
	copy(frame[frameHeaderSize:], body)
	return frame, nil
}

// decodeFrameHeader splits a length prefix into body length and commit flag.
func decodeFrameHeader(header []byte) (length uint32, commit bool) {
	raw := binary.BigEndian.Uint32(header)
	return raw &^ frameCommitBit, raw&frameCommitBit != 0
}

// scanFrames reads every complete, well-formed frame from the file. It
// returns the decoded frames, the byte length of the valid prefix, and a
// non-nil scanErr when trailing bytes had to be rejected (a torn write or
// corruption). Frames after the first bad byte are never trusted, even if
// they would parse.
func scanFrames(path string) (recs []frameRec, validLen int64, scanErr error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	var offset int64
	header := make([]byte, frameHeaderSize)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) {
				return recs, offset, nil // clean end
			}
			// Partial header: torn write.
			return recs, offset, fmt.Errorf("%w: torn frame header at offset %d in %s", ErrIntegrity, offset, path)
		}
		length, commit := decodeFrameHeader(header)
		if length == 0 || length > maxFrameSize {
			return recs, offset, fmt.Errorf("%w: implausible frame length %d at offset %d in %s", ErrIntegrity, length, offset, path)
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return recs, offset, fmt.Errorf("%w: torn frame body at offset %d in %s", ErrIntegrity, offset, path)
		}
		var ev Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return recs, offset, fmt.Errorf("%w: undecodable frame at offset %d in %s: %v", ErrIntegrity, offset, path, err)
		}
		total := int64(frameHeaderSize) + int64(length)
		recs = append(recs, frameRec{ev: ev, offset: offset, length: total, commit: commit})
		offset += total
	}
}

// quarantine renames a corrupted file aside so recovery never reuses it and
// an operator can inspect it.
func quarantine(path string) error {
	return os.Rename(path, path+quarantineExt)
}

// listSegmentIDs returns the first ids of all segment files in dir, in id
// order. The fixed-width hex names make lexical order chronological.
func listSegmentIDs(dir string) ([]ID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []ID
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		id, err := ParseID(strings.TrimSuffix(name, segmentSuffix))
		if err != nil {
			return nil, fmt.Errorf("unexpected file %q in log directory: %w", name, err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids, nil
}

// writeChecksum writes the hex SHA-256 of a sealed segment's contents next
// to it, for offline integrity audits.
func writeChecksum(segPath string) error {
	f, err := os.Open(segPath)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	sum := hex.EncodeToString(h.Sum(nil))

	tmp := segPath + checksumSuffix + ".tmp"
	if err := os.WriteFile(tmp, []byte(sum+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, segPath+checksumSuffix)
}
