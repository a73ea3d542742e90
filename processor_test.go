// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package opstore

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dreamsxin/opstore/internal/durablelog"
	"github.com/dreamsxin/opstore/internal/memstate"
	"github.com/dreamsxin/opstore/internal/metadata"
	"github.com/dreamsxin/opstore/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func withDeadline(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func newSeededProcessor(t *testing.T, opts ...Option) (*Processor, *metadata.InMemory, *durablelog.Memory) {
	t.Helper()
	meta := metadata.NewInMemory()
	meta.PutSegment(&metadata.SegmentMetadata{Name: "s1"})
	log := durablelog.NewMemory()

	allOpts := append([]Option{WithDurableLog(log), WithContainerMetadata(meta), WithRegisterer(prometheus.NewRegistry())}, opts...)
	p, err := NewProcessor(allOpts...)
	require.NoError(t, err)
	p.Start()
	t.Cleanup(func() {
		ctx, cancel := withDeadline(t)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p, meta, log
}

func TestProcessorSingleAppendCommitsDurably(t *testing.T) {
	p, meta, _ := newSeededProcessor(t)
	ctx, cancel := withDeadline(t)
	defer cancel()

	f := p.Process(ctx, NewAppendOperation("s1", []byte("hello")))
	seq, err := f.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	require.NoError(t, p.Stop(ctx))

	seg, ok := meta.Segment("s1")
	require.True(t, ok)
	require.Equal(t, int64(5), seg.Length)
}

func TestProcessorAssignsStrictlyIncreasingSequenceNumbers(t *testing.T) {
	p, _, _ := newSeededProcessor(t)
	ctx, cancel := withDeadline(t)
	defer cancel()

	var futures []*Future
	for i := 0; i < 20; i++ {
		futures = append(futures, p.Process(ctx, NewAppendOperation("s1", []byte("x"))))
	}

	var seqs []uint64
	for _, f := range futures {
		seq, err := f.Wait(ctx)
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	for i := 1; i < len(seqs); i++ {
		require.Greater(t, seqs[i], seqs[i-1])
	}
}

func TestProcessorTransientIOFailureFailsOperationAndRecovers(t *testing.T) {
	p, meta, log := newSeededProcessor(t)
	ctx, cancel := withDeadline(t)
	defer cancel()

	log.FailNext = types.ErrIO

	f := p.Process(ctx, NewAppendOperation("s1", []byte("boom")))
	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, types.ErrIO)

	seg, _ := meta.Segment("s1")
	require.Equal(t, int64(0), seg.Length, "a failed frame write must roll back its accepted metadata")

	// A transient IO error is not fatal: the processor must still accept
	// and durably commit further operations on a fresh builder.
	f2 := p.Process(ctx, NewAppendOperation("s1", []byte("ok")))
	seq, err := f2.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)

	seg, _ = meta.Segment("s1")
	require.Equal(t, int64(2), seg.Length)
}

type corruptingMemState struct {
	mu      sync.Mutex
	failed  bool
	inner   memstate.Updater
}

func (c *corruptingMemState) Process(u memstate.Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.failed {
		c.failed = true
		return types.ErrDataCorruption
	}
	return c.inner.Process(u)
}

func (c *corruptingMemState) Flush()                                        { c.inner.Flush() }
func (c *corruptingMemState) Read(s string, o int64) ([]byte, bool)         { return c.inner.Read(s, o) }

func TestProcessorDataCorruptionIsFatalAndStopsTheProcessor(t *testing.T) {
	meta := metadata.NewInMemory()
	meta.PutSegment(&metadata.SegmentMetadata{Name: "s1"})
	log := durablelog.NewMemory()
	mem := &corruptingMemState{inner: memstate.New()}

	p, err := NewProcessor(WithDurableLog(log), WithContainerMetadata(meta), WithMemoryStateUpdater(mem), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	p.Start()

	ctx, cancel := withDeadline(t)
	defer cancel()
	t.Cleanup(func() { _ = p.Stop(ctx) })

	f := p.Process(ctx, NewAppendOperation("s1", []byte("hello")))
	_, err = f.Wait(ctx)
	require.ErrorIs(t, err, types.ErrDataCorruption)

	require.ErrorIs(t, p.AwaitTerminated(ctx), types.ErrDataCorruption)

	// Once failed, further submissions are rejected outright.
	f2 := p.Process(ctx, NewAppendOperation("s1", []byte("more")))
	_, err = f2.Wait(ctx)
	require.ErrorIs(t, err, types.ErrClosed)
}

func TestProcessorMultiFrameOperationSpillsAcrossFrames(t *testing.T) {
	p, meta, _ := newSeededProcessor(t, WithFrameSize(64))
	ctx, cancel := withDeadline(t)
	defer cancel()

	payload := bytes.Repeat([]byte("a"), 500)
	f := p.Process(ctx, NewAppendOperation("s1", payload))
	_, err := f.Wait(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Stop(ctx))

	seg, _ := meta.Segment("s1")
	require.Equal(t, int64(len(payload)), seg.Length)
}

func TestProcessorAutoCheckpointFiresAfterThresholdBytes(t *testing.T) {
	p, _, _ := newSeededProcessor(t, WithAutoCheckpoint(10, 0))
	ctx, cancel := withDeadline(t)
	defer cancel()

	f := p.Process(ctx, NewAppendOperation("s1", bytes.Repeat([]byte("a"), 20)))
	_, err := f.Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(p.metrics.checkpointsFired) >= 1
	}, 2*time.Second, 10*time.Millisecond, "checkpointsFired should be incremented once the threshold policy fires")
}

func TestProcessorBarrierOperationCompletesWithoutDurableWrite(t *testing.T) {
	p, _, log := newSeededProcessor(t)
	ctx, cancel := withDeadline(t)
	defer cancel()

	f := p.Process(ctx, NewBarrierOperation())
	seq, err := f.Wait(ctx)
	require.NoError(t, err)
	require.Greater(t, seq, uint64(0))
	require.Equal(t, 0, log.Len(), "a barrier must not produce a durable frame record")
}

func TestProcessorStopDrainsInFlightOperations(t *testing.T) {
	p, meta, _ := newSeededProcessor(t)
	ctx, cancel := withDeadline(t)
	defer cancel()

	var futures []*Future
	for i := 0; i < 10; i++ {
		futures = append(futures, p.Process(ctx, NewAppendOperation("s1", []byte("x"))))
	}

	require.NoError(t, p.Stop(ctx))

	// Every admitted operation must resolve -- either committed durably, or
	// rejected with ErrClosed if it was still queued when Stop ran -- and
	// none may be left hanging. The segment's final length must match
	// exactly the operations that actually succeeded.
	var succeeded int64
	for _, f := range futures {
		require.True(t, f.isDone(), "Stop must not return before every admitted future resolves")
		_, err := f.Wait(ctx)
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ErrClosed)
		}
	}

	seg, _ := meta.Segment("s1")
	require.Equal(t, succeeded, seg.Length)
}

func TestProcessorProcessAfterStopFailsWithClosed(t *testing.T) {
	p, _, _ := newSeededProcessor(t)
	ctx, cancel := withDeadline(t)
	defer cancel()

	require.NoError(t, p.Stop(ctx))

	f := p.Process(ctx, NewAppendOperation("s1", []byte("x")))
	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, types.ErrClosed)
}

func TestProcessorRejectsAppendToUnknownSegment(t *testing.T) {
	p, _, _ := newSeededProcessor(t)
	ctx, cancel := withDeadline(t)
	defer cancel()

	f := p.Process(ctx, NewAppendOperation("does-not-exist", []byte("x")))
	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, types.ErrBadOperation)
}

func TestProcessorSealThenAppendIsRejected(t *testing.T) {
	p, _, _ := newSeededProcessor(t)
	ctx, cancel := withDeadline(t)
	defer cancel()

	sealFuture := p.Process(ctx, NewSealOperation("s1"))
	_, err := sealFuture.Wait(ctx)
	require.NoError(t, err)

	appendFuture := p.Process(ctx, NewAppendOperation("s1", []byte("x")))
	_, err = appendFuture.Wait(ctx)
	require.ErrorIs(t, err, types.ErrBadOperation)
}

func TestNewProcessorRequiresDurableLog(t *testing.T) {
	_, err := NewProcessor()
	require.Error(t, err)
}
