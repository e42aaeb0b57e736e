package eventlog

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, dir string, mutate func(*Config)) *Log {
	t.Helper()
	cfg := Config{Dir: dir, NodeName: "test-node", NodeID: 3}
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := Open(cfg)
	require.NoError(t, err)
	return l
}

func agentDraft(t *testing.T, agentID string) Draft {
	t.Helper()
	d, err := NewAgentRegistered(AgentRegisteredPayload{AgentID: agentID})
	require.NoError(t, err)
	return d
}

func globCount(t *testing.T, dir, pattern string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	require.NoError(t, err)
	return len(matches)
}

func TestLogAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, nil)
	defer l.Close()
	ctx := context.Background()

	t.Run("single append is durable and advances the head", func(t *testing.T) {
		id, err := l.AppendOne(ctx, agentDraft(t, "researcher-1"))
		require.NoError(t, err)
		assert.False(t, id.IsZero())
		assert.Equal(t, id, l.Head())
		assert.Equal(t, uint16(3), id.Node)

		events, err := l.Read(ctx, ID{}, Filter{}, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, id, events[0].ID)
		assert.Equal(t, "agent:researcher-1", events[0].StreamID)
		assert.Equal(t, GenesisHash, events[0].Integrity.PrevHash)
		assert.Equal(t, "test-node", events[0].Meta.Node)
	})

	t.Run("batch shares one timestamp with contiguous seq", func(t *testing.T) {
		drafts := []Draft{
			agentDraft(t, "batch-a"),
			agentDraft(t, "batch-b"),
			agentDraft(t, "batch-c"),
		}
		first, last, err := l.Append(ctx, drafts)
		require.NoError(t, err)
		assert.Equal(t, first.WallNS, last.WallNS)
		assert.Equal(t, first.Seq+2, last.Seq)

		events, err := l.Read(ctx, first, Filter{}, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, ev := range events {
			assert.Equal(t, first.WallNS, ev.ID.WallNS)
			assert.Equal(t, first.Seq+uint32(i), ev.ID.Seq)
		}
	})

	t.Run("ids are strictly increasing across appends", func(t *testing.T) {
		a, err := l.AppendOne(ctx, agentDraft(t, "order-a"))
		require.NoError(t, err)
		b, err := l.AppendOne(ctx, agentDraft(t, "order-b"))
		require.NoError(t, err)
		assert.True(t, a.Less(b))
		assert.Greater(t, b.WallNS, a.WallNS)
	})

	t.Run("empty append is rejected", func(t *testing.T) {
		_, _, err := l.Append(ctx, nil)
		assert.Error(t, err)
	})

	t.Run("chain verifies end to end", func(t *testing.T) {
		require.NoError(t, l.VerifyChain(ctx))
	})
}

func TestLogScan(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, nil)
	defer l.Close()
	ctx := context.Background()

	var ids []ID
	for _, agent := range []string{"scan-a", "scan-b"} {
		id, err := l.AppendOne(ctx, agentDraft(t, agent))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	degraded, err := NewSystemDegraded(SystemDegradedPayload{Reason: "drill"})
	require.NoError(t, err)
	degraded.Correlation = "corr-77"
	id, err := l.AppendOne(ctx, degraded)
	require.NoError(t, err)
	ids = append(ids, id)

	t.Run("filters by stream prefix", func(t *testing.T) {
		events, err := l.Read(ctx, ID{}, StreamFilter("agent:"), 0)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("filters by type", func(t *testing.T) {
		events, err := l.Read(ctx, ID{}, TypeFilter(TypeSystemDegraded), 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, SystemStream, events[0].StreamID)
	})

	t.Run("filters by correlation", func(t *testing.T) {
		events, err := l.Read(ctx, ID{}, Filter{Correlation: "corr-77"}, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, ids[2], events[0].ID)
	})

	t.Run("resumes from a cursor without re-delivery", func(t *testing.T) {
		events, err := l.Read(ctx, ids[0].Next(), Filter{}, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, ids[1], events[0].ID)
	})

	t.Run("honors the read limit", func(t *testing.T) {
		events, err := l.Read(ctx, ID{}, Filter{}, 2)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("scan stops early on ScanStop", func(t *testing.T) {
		var seen int
		err := l.Scan(ctx, ID{}, Filter{}, func(Event) error {
			seen++
			return ScanStop()
		})
		require.NoError(t, err)
		assert.Equal(t, 1, seen)
	})
}

func TestLogValidation(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, nil)
	defer l.Close()
	ctx := context.Background()

	t.Run("unknown type is rejected", func(t *testing.T) {
		_, _, err := l.Append(ctx, []Draft{{
			StreamID: "agent:x",
			Type:     Type("made.up"),
			Payload:  []byte(`{}`),
		}})
		assert.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("schema violation rejects the whole request", func(t *testing.T) {
		good := agentDraft(t, "survivor")
		_, _, err := l.Append(ctx, []Draft{
			good,
			{StreamID: "agent:bad", Type: TypeAgentRegistered, Payload: []byte(`{"agent_id":""}`)},
		})
		require.Error(t, err)
		assert.True(t, IsSchemaError(err))

		// Nothing from the rejected request reached the log.
		events, readErr := l.Read(ctx, ID{}, StreamFilter("agent:survivor", "agent:bad"), 0)
		require.NoError(t, readErr)
		assert.Empty(t, events)
	})

	t.Run("a bad request does not poison concurrent good ones", func(t *testing.T) {
		release := make(chan struct{})
		l.SetCommitHook(func([]Event) { <-release })
		defer l.SetCommitHook(nil)

		// Commit once so the writer blocks in the hook and both requests
		// below are collected into one batch.
		_, err := l.AppendOne(ctx, agentDraft(t, "stall"))
		require.NoError(t, err)

		type result struct {
			name string
			err  error
		}
		results := make(chan result, 2)
		go func() {
			_, _, err := l.Append(ctx, []Draft{
				{StreamID: "agent:bad", Type: TypeAgentRegistered, Payload: []byte(`{"agent_id":""}`)},
			})
			results <- result{"bad", err}
		}()
		go func() {
			_, err := l.AppendOne(ctx, agentDraft(t, "good"))
			results <- result{"good", err}
		}()

		require.Eventually(t, func() bool { return l.Stats().QueueDepth == 2 },
			2*time.Second, time.Millisecond)
		close(release)

		for i := 0; i < 2; i++ {
			res := <-results
			if res.name == "bad" {
				assert.True(t, IsSchemaError(res.err), "bad request: %v", res.err)
			} else {
				assert.NoError(t, res.err)
			}
		}

		events, err := l.Read(ctx, ID{}, StreamFilter("agent:good"), 0)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}

func TestLogBackpressure(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, func(c *Config) { c.QueueSize = 2 })
	defer l.Close()
	ctx := context.Background()

	release := make(chan struct{})
	l.SetCommitHook(func([]Event) { <-release })

	// First append commits, then the writer parks in the hook.
	_, err := l.AppendOne(ctx, agentDraft(t, "first"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := l.AppendOne(ctx, agentDraft(t, fmt.Sprintf("queued-%d", n)))
			errs <- err
		}(i)
	}
	require.Eventually(t, func() bool { return l.Stats().QueueDepth == 2 },
		2*time.Second, time.Millisecond)

	// Queue is full and the writer is stalled: overflow fails fast.
	_, err = l.AppendOne(ctx, agentDraft(t, "overflow"))
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestLogConcurrentAppends(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, nil)
	defer l.Close()
	ctx := context.Background()

	const producers = 5
	const perProducer = 10

	var wg sync.WaitGroup
	errs := make(chan error, producers*perProducer)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_, err := l.AppendOne(ctx, agentDraft(t, fmt.Sprintf("agent-%d-%d", p, i)))
				errs <- err
			}
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := l.Read(ctx, ID{}, Filter{}, 0)
	require.NoError(t, err)
	require.Len(t, events, producers*perProducer)
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i-1].ID.Less(events[i].ID), "event %d out of order", i)
	}
	require.NoError(t, l.VerifyChain(ctx))
}

func TestLogRotation(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, func(c *Config) { c.SegmentMaxBytes = 1 })
	ctx := context.Background()

	var ids []ID
	for i := 0; i < 3; i++ {
		id, err := l.AppendOne(ctx, agentDraft(t, fmt.Sprintf("rotate-%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	t.Run("each batch rotated into its own segment", func(t *testing.T) {
		assert.Equal(t, 3, globCount(t, dir, "*.log"))
		assert.Equal(t, 2, globCount(t, dir, "*.idx"), "sealed segments carry an index")
		assert.Equal(t, 2, globCount(t, dir, "*.sha256"))
		assert.Equal(t, 3, l.Stats().Segments)
	})

	t.Run("scan crosses segment boundaries in order", func(t *testing.T) {
		events, err := l.Read(ctx, ID{}, Filter{}, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, ev := range events {
			assert.Equal(t, ids[i], ev.ID)
		}
		require.NoError(t, l.VerifyChain(ctx))
	})

	t.Run("seek lands in the right segment", func(t *testing.T) {
		events, err := l.Read(ctx, ids[2], Filter{}, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, ids[2], events[0].ID)
	})

	require.NoError(t, l.Close())

	t.Run("recovery reloads sealed segments and the tail", func(t *testing.T) {
		reopened := openTestLog(t, dir, func(c *Config) { c.SegmentMaxBytes = 1 })
		defer reopened.Close()

		assert.Equal(t, ids[2], reopened.Head())
		events, err := reopened.Read(ctx, ID{}, Filter{}, 0)
		require.NoError(t, err)
		assert.Len(t, events, 3)
		require.NoError(t, reopened.VerifyChain(ctx))

		// And the recovered log keeps accepting writes.
		next, err := reopened.AppendOne(ctx, agentDraft(t, "rotate-after"))
		require.NoError(t, err)
		assert.True(t, ids[2].Less(next))
	})
}

func TestLogRecovery(t *testing.T) {
	ctx := context.Background()

	t.Run("clean reopen preserves the head", func(t *testing.T) {
		dir := t.TempDir()
		l := openTestLog(t, dir, nil)
		var last ID
		for i := 0; i < 5; i++ {
			id, err := l.AppendOne(ctx, agentDraft(t, fmt.Sprintf("clean-%d", i)))
			require.NoError(t, err)
			last = id
		}
		require.NoError(t, l.Close())

		reopened := openTestLog(t, dir, nil)
		defer reopened.Close()
		assert.Equal(t, last, reopened.Head())
		events, err := reopened.Read(ctx, ID{}, Filter{}, 0)
		require.NoError(t, err)
		assert.Len(t, events, 5)

		id, err := reopened.AppendOne(ctx, agentDraft(t, "clean-after"))
		require.NoError(t, err)
		assert.True(t, last.Less(id))
		require.NoError(t, reopened.VerifyChain(ctx))
	})

	t.Run("torn trailing bytes are truncated", func(t *testing.T) {
		dir := t.TempDir()
		l := openTestLog(t, dir, nil)
		id1, err := l.AppendOne(ctx, agentDraft(t, "torn-1"))
		require.NoError(t, err)
		id2, err := l.AppendOne(ctx, agentDraft(t, "torn-2"))
		require.NoError(t, err)
		_ = id1
		require.NoError(t, l.Close())

		segs, err := filepath.Glob(filepath.Join(dir, "*.log"))
		require.NoError(t, err)
		require.Len(t, segs, 1)
		info, err := os.Stat(segs[0])
		require.NoError(t, err)
		committed := info.Size()

		// A crash mid-write leaves a partial frame header behind.
		f, err := os.OpenFile(segs[0], os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.Write([]byte{0x00, 0x00, 0x01})
		require.NoError(t, err)
		require.NoError(t, f.Close())

		reopened := openTestLog(t, dir, nil)
		defer reopened.Close()
		assert.Equal(t, id2, reopened.Head())

		info, err = os.Stat(segs[0])
		require.NoError(t, err)
		assert.Equal(t, committed, info.Size(), "torn bytes were cut")

		events, err := reopened.Read(ctx, ID{}, Filter{}, 0)
		require.NoError(t, err)
		assert.Len(t, events, 2)
		require.NoError(t, reopened.VerifyChain(ctx))
	})

	t.Run("complete frames without a commit marker are truncated", func(t *testing.T) {
		dir := t.TempDir()
		l := openTestLog(t, dir, nil)
		id1, err := l.AppendOne(ctx, agentDraft(t, "marker-1"))
		require.NoError(t, err)
		events, err := l.Read(ctx, ID{}, Filter{}, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.NoError(t, l.Close())

		// Simulate a request whose write stopped before its final,
		// commit-marked frame: a well-formed frame, no marker.
		segs, err := filepath.Glob(filepath.Join(dir, "*.log"))
		require.NoError(t, err)
		require.Len(t, segs, 1)
		orphan := events[0]
		orphan.ID = orphan.ID.Next()
		frame, err := encodeFrame(orphan, false)
		require.NoError(t, err)
		f, err := os.OpenFile(segs[0], os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.Write(frame)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		reopened := openTestLog(t, dir, nil)
		defer reopened.Close()
		assert.Equal(t, id1, reopened.Head())
		events, err = reopened.Read(ctx, ID{}, Filter{}, 0)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("tampered committed data refuses to open", func(t *testing.T) {
		dir := t.TempDir()
		l := openTestLog(t, dir, nil)
		for i := 0; i < 3; i++ {
			_, err := l.AppendOne(ctx, agentDraft(t, fmt.Sprintf("tamper-target-%d", i)))
			require.NoError(t, err)
		}
		require.NoError(t, l.Close())

		segs, err := filepath.Glob(filepath.Join(dir, "*.log"))
		require.NoError(t, err)
		require.Len(t, segs, 1)
		data, err := os.ReadFile(segs[0])
		require.NoError(t, err)
		mutated := bytes.Replace(data, []byte("tamper-target-1"), []byte("tamper-tArget-1"), 1)
		require.NotEqual(t, data, mutated, "fixture must actually change bytes")
		require.NoError(t, os.WriteFile(segs[0], mutated, 0o644))

		_, err = Open(Config{Dir: dir, NodeName: "test-node"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("missing sealed index is rebuilt", func(t *testing.T) {
		dir := t.TempDir()
		l := openTestLog(t, dir, func(c *Config) { c.SegmentMaxBytes = 1 })
		var last ID
		for i := 0; i < 3; i++ {
			id, err := l.AppendOne(ctx, agentDraft(t, fmt.Sprintf("idx-%d", i)))
			require.NoError(t, err)
			last = id
		}
		require.NoError(t, l.Close())

		idxs, err := filepath.Glob(filepath.Join(dir, "*.idx"))
		require.NoError(t, err)
		require.Len(t, idxs, 2)
		require.NoError(t, os.Remove(idxs[0]))

		reopened := openTestLog(t, dir, func(c *Config) { c.SegmentMaxBytes = 1 })
		defer reopened.Close()
		assert.Equal(t, last, reopened.Head())
		assert.FileExists(t, idxs[0])

		events, err := reopened.Read(ctx, ID{}, Filter{}, 0)
		require.NoError(t, err)
		assert.Len(t, events, 3)
	})

	t.Run("corrupt sealed index is quarantined and rebuilt", func(t *testing.T) {
		dir := t.TempDir()
		l := openTestLog(t, dir, func(c *Config) { c.SegmentMaxBytes = 1 })
		for i := 0; i < 2; i++ {
			_, err := l.AppendOne(ctx, agentDraft(t, fmt.Sprintf("qidx-%d", i)))
			require.NoError(t, err)
		}
		require.NoError(t, l.Close())

		idxs, err := filepath.Glob(filepath.Join(dir, "*.idx"))
		require.NoError(t, err)
		require.Len(t, idxs, 1)
		data, err := os.ReadFile(idxs[0])
		require.NoError(t, err)
		data[len(data)-1] ^= 0xff
		require.NoError(t, os.WriteFile(idxs[0], data, 0o644))

		reopened := openTestLog(t, dir, func(c *Config) { c.SegmentMaxBytes = 1 })
		defer reopened.Close()
		assert.FileExists(t, idxs[0]+quarantineExt)
		assert.FileExists(t, idxs[0])

		events, err := reopened.Read(ctx, ID{}, Filter{}, 0)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})
}

func TestLogStorageBudget(t *testing.T) {
	dir := t.TempDir()
	failures := make(chan error, 8)
	l := openTestLog(t, dir, func(c *Config) { c.MaxTotalBytes = 1 })
	defer l.Close()
	l.SetFailureHook(func(err error) {
		select {
		case failures <- err:
		default:
		}
	})
	ctx := context.Background()

	// The first append fits the (tiny) budget check; afterwards the log is
	// over budget and refuses.
	_, err := l.AppendOne(ctx, agentDraft(t, "budget-1"))
	require.NoError(t, err)

	_, err = l.AppendOne(ctx, agentDraft(t, "budget-2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageFull)

	select {
	case hookErr := <-failures:
		assert.ErrorIs(t, hookErr, ErrStorageFull)
	case <-time.After(2 * time.Second):
		t.Fatal("failure hook was not invoked")
	}

	// Reads keep working at high-water.
	events, err := l.Read(ctx, ID{}, Filter{}, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLogClose(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, nil)
	ctx := context.Background()

	_, err := l.AppendOne(ctx, agentDraft(t, "close-1"))
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "close is idempotent")

	_, err = l.AppendOne(ctx, agentDraft(t, "close-2"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLogCommitHook(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, nil)
	defer l.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var seen []Event
	l.SetCommitHook(func(events []Event) {
		mu.Lock()
		seen = append(seen, events...)
		mu.Unlock()
	})

	first, last, err := l.Append(ctx, []Draft{
		agentDraft(t, "hook-a"),
		agentDraft(t, "hook-b"),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, first, seen[0].ID)
	assert.Equal(t, last, seen[1].ID)
}
