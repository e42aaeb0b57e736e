package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds event log tuning. Zero values take the defaults below.
type Config struct {
	Dir             string
	NodeName        string
	NodeID          uint16
	BatchMaxEvents  int           // writer batch budget
	BatchWait       time.Duration // writer batch window
	QueueSize       int           // bounded submit queue (requests)
	SegmentMaxBytes int64         // rotation threshold
	MaxTotalBytes   int64         // storage budget; 0 = unbounded
}

const (
	DefaultBatchMaxEvents  = 256
	DefaultBatchWait       = 2 * time.Millisecond
	DefaultQueueSize       = 1024
	DefaultSegmentMaxBytes = 100 << 20
)

func (c Config) withDefaults() Config {
	if c.NodeName == "" {
		c.NodeName = "local"
	}
	if c.BatchMaxEvents <= 0 {
		c.BatchMaxEvents = DefaultBatchMaxEvents
	}
	if c.BatchWait <= 0 {
		c.BatchWait = DefaultBatchWait
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.SegmentMaxBytes <= 0 {
		c.SegmentMaxBytes = DefaultSegmentMaxBytes
	}
	return c
}

// Log is the append-only event log. One Log owns one directory; within it,
// one writer goroutine owns the tail while any number of readers scan
// committed frames.
type Log struct {
	cfg Config

	segMu sync.RWMutex
	segs  []*segment

	head atomic.Pointer[ID]

	hookMu      sync.RWMutex
	commitHook  func([]Event)
	failureHook func(error)

	w         *writer
	failedErr atomic.Pointer[error]
	closed    atomic.Bool
	closedCh  chan struct{}
	closeOnce sync.Once
}

// Open loads or creates the log in cfg.Dir, recovers the tail, and starts
// the writer. Recovery truncates a torn tail back to the previous batch
// boundary; any deeper integrity violation refuses to open.
func Open(cfg Config) (*Log, error) {
	cfg = cfg.withDefaults()
	if cfg.Dir == "" {
		return nil, errors.New("eventlog: Dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	l := &Log{
		cfg:      cfg,
		closedCh: make(chan struct{}),
	}
	l.head.Store(&ID{})

	w := &writer{
		log:      l,
		queue:    make(chan appendRequest, cfg.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		prevHash: GenesisHash,
	}
	l.w = w

	if err := l.recover(w); err != nil {
		return nil, err
	}

	go w.run()
	return l, nil
}

// recover rebuilds segment metadata, verifies the tail chain, truncates any
// uncommitted suffix, and positions the writer after the last durable event.
func (l *Log) recover(w *writer) error {
	ids, err := listSegmentIDs(l.cfg.Dir)
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}
	if len(ids) == 0 {
		slog.Info("Opened empty event log", "dir", l.cfg.Dir)
		return nil
	}

	prevHash := GenesisHash
	for i, first := range ids {
		path := segmentPath(l.cfg.Dir, first)
		isTail := i == len(ids)-1

		seg := &segment{path: path, first: first}
		idxPath := path[:len(path)-len(segmentSuffix)] + indexSuffix
		_, idxErr := os.Stat(idxPath)
		hasIndex := idxErr == nil

		if !isTail {
			entries, err := l.recoverSealed(path, idxPath, hasIndex)
			if err != nil {
				return err
			}
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			// Index stays on disk; scans reload it lazily.
			seg.last = entries[len(entries)-1].id
			seg.size = info.Size()
			seg.sealed = true

			last, err := readEventAt(path, entries[len(entries)-1].offset)
			if err != nil {
				return fmt.Errorf("read tail of sealed segment %s: %w", path, err)
			}
			prevHash = last.Integrity.Hash
			l.segs = append(l.segs, seg)
			w.totalBytes += seg.size
			continue
		}

		// Tail segment: full scan, commit-boundary cut, chain verification.
		// Torn writes only ever damage the unsynced suffix, so structural
		// damage here means an interrupted append: cut back to the last
		// committed frame. A request is durable only if its commit-marked
		// final frame is; complete frames past the last marked one belong to
		// a request whose write was interrupted before its marker landed,
		// and nobody was acked for them.
		recs, _, scanErr := scanFrames(path)
		cut := len(recs)
		for cut > 0 && !recs[cut-1].commit {
			cut--
		}

		if scanErr != nil || cut < len(recs) {
			if hasIndex {
				// Sealing happens strictly after the final commit of a
				// segment, so a sealed tail can never carry an uncommitted
				// suffix. This is corruption, not a tear.
				return fmt.Errorf("%w: sealed segment %s has trailing damage", ErrIntegrity, path)
			}
			var keepLen int64
			if cut > 0 {
				keepLen = recs[cut-1].offset + recs[cut-1].length
			}
			slog.Warn("Truncating uncommitted log tail",
				"path", path, "kept_frames", cut, "dropped_frames", len(recs)-cut,
				"kept_bytes", keepLen, "reason", scanErr)
			if err := os.Truncate(path, keepLen); err != nil {
				return fmt.Errorf("truncate torn tail of %s: %w", path, err)
			}
			recs = recs[:cut]
		}

		if len(recs) == 0 {
			if scanErr == nil {
				// A fresh segment that never saw a commit.
				if err := os.Remove(path); err != nil {
					return fmt.Errorf("remove empty segment %s: %w", path, err)
				}
				slog.Info("Removed empty tail segment", "path", path)
			} else {
				if err := quarantine(path); err != nil {
					return fmt.Errorf("quarantine torn segment %s: %w", path, err)
				}
				slog.Warn("Quarantined fully torn tail segment", "path", path)
			}
			break
		}

		// A frame that decodes cleanly but fails chain verification is not a
		// torn write; that is corruption of committed data, and recovery
		// refuses to guess past it.
		entries := make([]indexEntry, len(recs))
		for j, rec := range recs {
			if err := VerifyHash(prevHash, rec.ev); err != nil {
				return fmt.Errorf("chain verification failed in %s: %w", path, err)
			}
			prevHash = rec.ev.Integrity.Hash
			entries[j] = indexEntry{id: rec.ev.ID, offset: rec.offset}
		}

		last := recs[len(recs)-1]
		seg.index = entries
		seg.last = last.ev.ID
		seg.size = last.offset + last.length
		// A tail sealed just before shutdown stays sealed; otherwise the
		// writer resumes it.
		seg.sealed = hasIndex

		l.segs = append(l.segs, seg)
		w.totalBytes += seg.size
	}

	if len(l.segs) == 0 {
		return nil
	}

	tail := l.segs[len(l.segs)-1]
	headID := tail.lastID()
	l.head.Store(&headID)
	w.lastNS = headID.WallNS
	w.prevHash = prevHash

	if !tail.sealed {
		if err := w.reopenSegment(tail); err != nil {
			return err
		}
	}

	slog.Info("Recovered event log",
		"dir", l.cfg.Dir,
		"segments", len(l.segs),
		"head", headID,
		"bytes", w.totalBytes)
	return nil
}

// recoverSealed loads a sealed segment's index, rebuilding it from the
// frames when it is missing or damaged. Structural damage inside a sealed
// segment is unrecoverable: truncating mid-log would orphan every later
// segment.
func (l *Log) recoverSealed(path, idxPath string, hasIndex bool) ([]indexEntry, error) {
	if hasIndex {
		entries, err := loadIndex(idxPath)
		if err == nil {
			if len(entries) == 0 {
				return nil, fmt.Errorf("%w: sealed segment %s is empty", ErrIntegrity, path)
			}
			return entries, nil
		}
		if qerr := quarantine(idxPath); qerr != nil {
			return nil, fmt.Errorf("quarantine corrupt index %s: %w", idxPath, qerr)
		}
		slog.Warn("Quarantined corrupt segment index", "path", idxPath, "error", err)
	}

	recs, _, scanErr := scanFrames(path)
	if scanErr != nil {
		return nil, fmt.Errorf("sealed segment %s is corrupt: %w", path, scanErr)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: sealed segment %s is empty", ErrIntegrity, path)
	}
	if !recs[len(recs)-1].commit {
		return nil, fmt.Errorf("%w: sealed segment %s ends mid-request", ErrIntegrity, path)
	}
	entries := make([]indexEntry, len(recs))
	for j, rec := range recs {
		entries[j] = indexEntry{id: rec.ev.ID, offset: rec.offset}
	}
	if err := writeIndex(idxPath, entries); err != nil {
		return nil, fmt.Errorf("rewrite index %s: %w", idxPath, err)
	}
	slog.Info("Rebuilt segment index", "path", idxPath, "events", len(entries))
	return entries, nil
}

// Append submits drafts as one atomic producer batch and blocks until the
// writer acks durability. A full queue returns ErrBusy immediately. If ctx
// expires after submission the commit may still happen; callers that care
// must read their own writes to disambiguate.
func (l *Log) Append(ctx context.Context, drafts []Draft) (first, last ID, err error) {
	if len(drafts) == 0 {
		return ID{}, ID{}, errors.New("eventlog: empty append")
	}
	if l.closed.Load() {
		return ID{}, ID{}, ErrClosed
	}

	req := appendRequest{drafts: drafts, resp: make(chan appendResult, 1)}
	select {
	case l.w.queue <- req:
	default:
		busyRejectionsTotal.Inc()
		return ID{}, ID{}, ErrBusy
	}

	select {
	case res := <-req.resp:
		return res.first, res.last, res.err
	case <-ctx.Done():
		return ID{}, ID{}, ctx.Err()
	case <-l.closedCh:
		return ID{}, ID{}, ErrClosed
	}
}

// AppendOne submits a single draft and returns its assigned id.
func (l *Log) AppendOne(ctx context.Context, d Draft) (ID, error) {
	_, last, err := l.Append(ctx, []Draft{d})
	return last, err
}

// Head returns the id of the most recently committed event, or the zero id
// for an empty log.
func (l *Log) Head() ID {
	return *l.head.Load()
}

func (l *Log) setHead(id ID) {
	l.head.Store(&id)
}

// SetCommitHook registers the post-commit fan-out callback. Set once during
// wiring, before traffic; the hook runs on the writer goroutine and must not
// block.
func (l *Log) SetCommitHook(fn func([]Event)) {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	l.commitHook = fn
}

// SetFailureHook registers the storage-failure callback, invoked when the
// writer enters its sticky failed state.
func (l *Log) SetFailureHook(fn func(error)) {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	l.failureHook = fn
}

func (l *Log) notifyCommit(events []Event) {
	l.hookMu.RLock()
	fn := l.commitHook
	l.hookMu.RUnlock()
	if fn != nil {
		fn(events)
	}
}

func (l *Log) reportFailure(err error) {
	l.failedErr.Store(&err)
	l.hookMu.RLock()
	fn := l.failureHook
	l.hookMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// Err returns the writer's sticky storage failure, or nil while the log is
// healthy. Once set, every later append fails with the same error.
func (l *Log) Err() error {
	if p := l.failedErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (l *Log) addSegment(seg *segment) {
	l.segMu.Lock()
	defer l.segMu.Unlock()
	l.segs = append(l.segs, seg)
}

// errStopScan is the internal sentinel a scan callback returns through
// ScanStop to end iteration early without error.
var errStopScan = errors.New("stop scan")

// ScanStop ends a Scan early from inside its callback.
func ScanStop() error { return errStopScan }

// Scan streams committed events with id ≥ from that match the filter, in id
// order, invoking fn for each. It reads lazily from segment files and stops
// at the committed tail; callers resume later scans from their cursor. Any
// integrity violation in committed data aborts with ErrIntegrity.
func (l *Log) Scan(ctx context.Context, from ID, f Filter, fn func(Event) error) error {
	l.segMu.RLock()
	segs := make([]*segment, len(l.segs))
	copy(segs, l.segs)
	l.segMu.RUnlock()

	// Skip segments that end before the cursor.
	start := 0
	for start < len(segs)-1 && segs[start+1].first.Compare(from) <= 0 {
		start++
	}

	for _, seg := range segs[start:] {
		if err := l.scanSegment(ctx, seg, from, f, fn); err != nil {
			if errors.Is(err, errStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (l *Log) scanSegment(ctx context.Context, seg *segment, from ID, f Filter, fn func(Event) error) error {
	size, entries := seg.snapshotState()
	if size == 0 {
		return nil
	}
	if entries == nil {
		idxPath := seg.path[:len(seg.path)-len(segmentSuffix)] + indexSuffix
		loaded, err := loadIndex(idxPath)
		if err != nil {
			l.reportIntegrity("index", idxPath, err.Error())
			return err
		}
		seg.mu.Lock()
		seg.index = loaded
		seg.mu.Unlock()
		entries = loaded
	}

	pos := searchIndex(entries, from)
	if pos == len(entries) {
		return nil
	}

	file, err := os.Open(seg.path)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", seg.path, err)
	}
	defer file.Close()

	offset := entries[pos].offset
	if _, err := file.Seek(offset, 0); err != nil {
		return fmt.Errorf("seek segment %s: %w", seg.path, err)
	}

	r := bufio.NewReaderSize(io.LimitReader(file, size-offset), 1<<20)
	header := make([]byte, frameHeaderSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			l.reportIntegrity("segment", seg.path, fmt.Sprintf("torn frame header at offset %d", offset))
			return fmt.Errorf("%w: torn frame in committed region of %s", ErrIntegrity, seg.path)
		}
		length, _ := decodeFrameHeader(header)
		if length == 0 || length > maxFrameSize {
			l.reportIntegrity("segment", seg.path, fmt.Sprintf("implausible frame length %d at offset %d", length, offset))
			return fmt.Errorf("%w: implausible frame length in %s", ErrIntegrity, seg.path)
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			l.reportIntegrity("segment", seg.path, fmt.Sprintf("torn frame body at offset %d", offset))
			return fmt.Errorf("%w: torn frame in committed region of %s", ErrIntegrity, seg.path)
		}
		var ev Event
		if err := json.Unmarshal(body, &ev); err != nil {
			l.reportIntegrity("segment", seg.path, fmt.Sprintf("undecodable frame at offset %d: %v", offset, err))
			return fmt.Errorf("%w: undecodable frame in %s", ErrIntegrity, seg.path)
		}
		offset += int64(frameHeaderSize) + int64(length)

		if ev.ID.Less(from) {
			continue
		}
		if !f.Match(ev) {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// Read collects up to limit matching events starting at from. limit ≤ 0
// means no limit.
func (l *Log) Read(ctx context.Context, from ID, f Filter, limit int) ([]Event, error) {
	var out []Event
	err := l.Scan(ctx, from, f, func(ev Event) error {
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			return ScanStop()
		}
		return nil
	})
	return out, err
}

// VerifyChain re-walks every committed frame and verifies the full hash
// chain. Intended for integrity audits and tests, not the serving path.
func (l *Log) VerifyChain(ctx context.Context) error {
	prev := GenesisHash
	return l.Scan(ctx, ID{}, Filter{}, func(ev Event) error {
		if err := VerifyHash(prev, ev); err != nil {
			return err
		}
		prev = ev.Integrity.Hash
		return nil
	})
}

// reportIntegrity counts and best-effort records an integrity violation on
// the log itself so downstream consumers (degradation controller, operators)
// see it. Append may fail if the writer is already down; the read error is
// surfaced to the caller regardless.
func (l *Log) reportIntegrity(source, path, detail string) {
	integrityAlertsTotal.Inc()
	slog.Error("Log integrity violation", "source", source, "path", path, "detail", detail)

	draft, err := NewIntegrityAlert(IntegrityAlertPayload{Source: source, Path: path, Detail: detail})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := l.AppendOne(ctx, draft); err != nil {
		slog.Warn("Failed to record integrity alert", "error", err)
	}
}

// Stats reports writer and storage state for health checks.
type Stats struct {
	Head       ID    `json:"head"`
	Segments   int   `json:"segments"`
	TotalBytes int64 `json:"total_bytes"`
	QueueDepth int   `json:"queue_depth"`
	QueueCap   int   `json:"queue_cap"`
}

// Stats returns a point-in-time view of the log.
func (l *Log) Stats() Stats {
	l.segMu.RLock()
	segs := len(l.segs)
	var bytes int64
	for _, s := range l.segs {
		sz, _ := s.snapshotState()
		bytes += sz
	}
	l.segMu.RUnlock()

	return Stats{
		Head:       l.Head(),
		Segments:   segs,
		TotalBytes: bytes,
		QueueDepth: len(l.w.queue),
		QueueCap:   cap(l.w.queue),
	}
}

// Close stops accepting appends, commits everything already queued, fsyncs,
// and releases files. Safe to call more than once.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.w.stop)
		<-l.w.done
		close(l.closedCh)
	})
	return nil
}

// readEventAt reads one frame at a known offset. Used during recovery to
// fetch the final event of a sealed segment for chain continuity.
func readEventAt(path string, offset int64) (Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return Event{}, err
	}
	defer f.Close()

	header := make([]byte, frameHeaderSize)
	if _, err := f.ReadAt(header, offset); err != nil {
		return Event{}, fmt.Errorf("%w: read frame header in %s: %v", ErrIntegrity, path, err)
	}
	length, _ := decodeFrameHeader(header)
	if length == 0 || length > maxFrameSize {
		return Event{}, fmt.Errorf("%w: implausible frame length %d in %s", ErrIntegrity, length, path)
	}
	body := make([]byte, length)
	if _, err := f.ReadAt(body, offset+frameHeaderSize); err != nil {
		return Event{}, fmt.Errorf("%w: read frame body in %s: %v", ErrIntegrity, path, err)
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: undecodable frame in %s: %v", ErrIntegrity, path, err)
	}
	return ev, nil
}
