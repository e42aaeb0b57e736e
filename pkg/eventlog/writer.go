package eventlog

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

// appendRequest is one producer's batch waiting for the writer. The response
// channel is buffered so the writer never blocks on a departed producer.
type appendRequest struct {
	drafts []Draft
	resp   chan appendResult
}

type appendResult struct {
	first ID
	last  ID
	err   error
}

// writer owns the log tail. All fields below the channels are touched only
// from the writer goroutine.
type writer struct {
	log   *Log
	queue chan appendRequest
	stop  chan struct{}
	done  chan struct{}

	f          *os.File
	seg        *segment
	lastNS     int64
	prevHash   string
	totalBytes int64
	failed     error // sticky: set on the first storage failure, refuses all later writes
}

// staged is the fully prepared form of one producer request.
type staged struct {
	req     appendRequest
	events  []Event
	frames  []byte
	entries []indexEntry
	first   ID
	last    ID
}

func (w *writer) run() {
	defer close(w.done)
	for {
		var req appendRequest
		select {
		case req = <-w.queue:
		case <-w.stop:
			w.drain()
			w.closeFile()
			return
		}
		w.commit(w.collect(req))
	}
}

// collect gathers requests until the event budget is met or the batch window
// elapses. The first request is already in hand, so an idle log commits a
// lone append after at most one batch window.
func (w *writer) collect(first appendRequest) []appendRequest {
	batch := []appendRequest{first}
	total := len(first.drafts)

	timer := time.NewTimer(w.log.cfg.BatchWait)
	defer timer.Stop()

	for total < w.log.cfg.BatchMaxEvents {
		select {
		case req := <-w.queue:
			batch = append(batch, req)
			total += len(req.drafts)
		case <-timer.C:
			return batch
		case <-w.stop:
			return batch
		}
	}
	return batch
}

// drain commits everything still queued at shutdown. Producers that made it
// into the queue before Close get durability; later submitters were already
// refused.
func (w *writer) drain() {
	for {
		select {
		case req := <-w.queue:
			w.commit(w.collect(req))
		default:
			return
		}
	}
}

// commit validates, stages, writes, and fsyncs one batch, then acks every
// producer in it. A request with an invalid draft is rejected whole; the
// other requests in the batch are unaffected.
func (w *writer) commit(batch []appendRequest) {
	start := time.Now()

	if w.failed != nil {
		for _, req := range batch {
			req.resp <- appendResult{err: w.failed}
		}
		return
	}

	// 1. Per-request validation. A schema failure rejects only its own
	// producer's batch.
	good := batch[:0:len(batch)]
	for _, req := range batch {
		if err := validateRequest(req.drafts); err != nil {
			req.resp <- appendResult{err: err}
			continue
		}
		good = append(good, req)
	}
	if len(good) == 0 {
		return
	}

	// 2. Storage budget check before accepting more bytes.
	if max := w.log.cfg.MaxTotalBytes; max > 0 && w.totalBytes >= max {
		err := fmt.Errorf("%w: %d bytes committed, budget %d", ErrStorageFull, w.totalBytes, max)
		for _, req := range good {
			req.resp <- appendResult{err: err}
		}
		w.log.reportFailure(err)
		return
	}

	// 3. Assign the batch timestamp. All events of one batch share one
	// wall_ns; forcing it past the previous batch keeps ids monotonic even
	// when the wall clock repeats or steps backwards.
	ns := time.Now().UnixNano()
	if ns <= w.lastNS {
		ns = w.lastNS + 1
	}

	// 4. Stage events, frames, and index entries. Encoding failures reject
	// the offending request and restage the remainder — the hash chain must
	// be rebuilt without the rejected events.
	var stagedReqs []staged
	for {
		var err error
		var badIdx int
		stagedReqs, badIdx, err = w.stage(good, ns)
		if err == nil {
			break
		}
		good[badIdx].resp <- appendResult{err: err}
		good = append(good[:badIdx], good[badIdx+1:]...)
		if len(good) == 0 {
			return
		}
	}

	var totalFrames int
	var batchBytes int64
	var eventCount int
	for _, s := range stagedReqs {
		totalFrames += len(s.frames)
		batchBytes += int64(len(s.frames))
		eventCount += len(s.events)
	}

	// 5. Rotate if the active segment would overflow. A batch never splits
	// across segments.
	firstID := stagedReqs[0].first
	if err := w.ensureSegment(firstID, batchBytes); err != nil {
		w.fail(err, good)
		return
	}

	// Offsets were staged relative to zero; shift to the segment position.
	base := w.seg.size
	frames := make([]byte, 0, totalFrames)
	var entries []indexEntry
	for _, s := range stagedReqs {
		frames = append(frames, s.frames...)
		for _, ent := range s.entries {
			entries = append(entries, indexEntry{id: ent.id, offset: ent.offset + base})
		}
	}

	// 6. One write, one fsync, then ack. A short or failed write leaves the
	// writer in a sticky failed state; recovery truncates the torn tail on
	// the next start.
	if _, err := w.f.Write(frames); err != nil {
		_ = w.f.Truncate(w.seg.size)
		w.fail(fmt.Errorf("write segment %s: %w", w.seg.path, err), good)
		return
	}
	syncStart := time.Now()
	if err := w.f.Sync(); err != nil {
		w.fail(fmt.Errorf("fsync segment %s: %w", w.seg.path, err), good)
		return
	}
	fsyncSeconds.Observe(time.Since(syncStart).Seconds())

	// 7. Publish the new state.
	lastStaged := stagedReqs[len(stagedReqs)-1]
	w.seg.extend(entries, lastStaged.last, base+batchBytes)
	w.totalBytes += batchBytes
	w.lastNS = ns
	w.prevHash = lastStaged.events[len(lastStaged.events)-1].Integrity.Hash
	w.log.setHead(lastStaged.last)

	appendedEventsTotal.Add(float64(eventCount))
	batchEvents.Observe(float64(eventCount))
	appendSeconds.Observe(time.Since(start).Seconds())

	for _, s := range stagedReqs {
		s.req.resp <- appendResult{first: s.first, last: s.last}
	}

	// 8. Post-commit hook: live fan-out to the hub and projections. The hub
	// buffers or parks, so this never blocks the writer.
	all := make([]Event, 0, eventCount)
	for _, s := range stagedReqs {
		all = append(all, s.events...)
	}
	w.log.notifyCommit(all)
}

// stage builds events and frames for every request at the given batch
// timestamp. On an encoding failure it reports the index of the offending
// request so commit can reject it and restage.
func (w *writer) stage(reqs []appendRequest, ns int64) ([]staged, int, error) {
	out := make([]staged, 0, len(reqs))
	seq := uint32(0)
	prev := w.prevHash
	var offset int64
	now := time.Now()

	for i, req := range reqs {
		s := staged{req: req}
		for di, d := range req.drafts {
			ev := Event{
				ID:       ID{WallNS: ns, Seq: seq, Node: w.log.cfg.NodeID},
				StreamID: d.StreamID,
				Type:     d.Type,
				Payload:  d.Payload,
				Causality: Causality{
					Parents:     d.Parents,
					Correlation: d.Correlation,
					Session:     d.Session,
				},
				Meta: Meta{
					Agent:     d.Agent,
					Node:      w.log.cfg.NodeName,
					WallClock: now,
				},
				Integrity: Integrity{PrevHash: prev},
			}
			hash, err := ComputeHash(prev, ev)
			if err != nil {
				return nil, i, err
			}
			ev.Integrity.Hash = hash

			frame, err := encodeFrame(ev, di == len(req.drafts)-1)
			if err != nil {
				return nil, i, err
			}

			if len(s.events) == 0 {
				s.first = ev.ID
			}
			s.last = ev.ID
			s.events = append(s.events, ev)
			s.entries = append(s.entries, indexEntry{id: ev.ID, offset: offset})
			s.frames = append(s.frames, frame...)

			prev = hash
			seq++
			offset += int64(len(frame))
		}
		out = append(out, s)
	}
	return out, -1, nil
}

// ensureSegment opens the first segment, or rotates when the batch would
// push the active one past the size limit.
func (w *writer) ensureSegment(first ID, batchBytes int64) error {
	if w.seg != nil {
		if w.seg.size == 0 || w.seg.size+batchBytes <= w.log.cfg.SegmentMaxBytes {
			return nil
		}
		if err := w.seal(); err != nil {
			return err
		}
	}
	return w.openSegment(first)
}

// seal freezes the active segment: index and checksum are written, the file
// handle is closed, and readers switch to the on-disk index.
func (w *writer) seal() error {
	seg := w.seg
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close segment %s: %w", seg.path, err)
	}

	seg.mu.RLock()
	entries := seg.index
	seg.mu.RUnlock()

	idxPath := seg.path[:len(seg.path)-len(segmentSuffix)] + indexSuffix
	if err := writeIndex(idxPath, entries); err != nil {
		return fmt.Errorf("write index %s: %w", idxPath, err)
	}
	if err := writeChecksum(seg.path); err != nil {
		return fmt.Errorf("write checksum for %s: %w", seg.path, err)
	}
	if err := syncDir(w.log.cfg.Dir); err != nil {
		return fmt.Errorf("sync log dir: %w", err)
	}

	seg.mu.Lock()
	seg.sealed = true
	// Drop the in-memory index; scans reload it lazily from the sidecar.
	seg.index = nil
	seg.mu.Unlock()

	w.f = nil
	w.seg = nil
	segmentsSealedTotal.Inc()
	slog.Info("Sealed log segment",
		"path", seg.path, "first_id", seg.first, "last_id", seg.last, "bytes", seg.size)
	return nil
}

func (w *writer) openSegment(first ID) error {
	path := segmentPath(w.log.cfg.Dir, first)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", path, err)
	}
	if err := syncDir(w.log.cfg.Dir); err != nil {
		f.Close()
		return fmt.Errorf("sync log dir: %w", err)
	}

	seg := &segment{path: path, first: first}
	w.f = f
	w.seg = seg
	w.log.addSegment(seg)
	return nil
}

// reopenSegment resumes appending to the recovered tail segment.
func (w *writer) reopenSegment(seg *segment) error {
	f, err := os.OpenFile(seg.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("reopen segment %s: %w", seg.path, err)
	}
	if _, err := f.Seek(seg.size, 0); err != nil {
		f.Close()
		return fmt.Errorf("seek segment %s: %w", seg.path, err)
	}
	w.f = f
	w.seg = seg
	return nil
}

// fail acks every pending request with err, records the sticky failure, and
// reports it so the degradation controller can act.
func (w *writer) fail(err error, reqs []appendRequest) {
	slog.Error("Event log write failed", "error", err)
	w.failed = err
	for _, req := range reqs {
		req.resp <- appendResult{err: err}
	}
	w.log.reportFailure(err)
}

func (w *writer) closeFile() {
	if w.f != nil {
		if err := w.f.Sync(); err != nil {
			slog.Error("Final fsync failed", "error", err)
		}
		_ = w.f.Close()
		w.f = nil
	}
}

// validateRequest checks every draft in a producer batch; any failure
// rejects the whole batch, keeping multi-event submissions atomic.
func validateRequest(drafts []Draft) error {
	for i := range drafts {
		if err := drafts[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
