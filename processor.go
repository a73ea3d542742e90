// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package opstore implements the operation processor: the durable-write
// commit engine of a log-structured segment store. This file wires the
// intake queue, metadata updater, frame builder, and commit tracker
// together into the single-consumer processor loop.
package opstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamsxin/opstore/internal/durablelog"
	"github.com/dreamsxin/opstore/internal/frame"
	"github.com/dreamsxin/opstore/internal/memstate"
	"github.com/dreamsxin/opstore/internal/metadata"
	"github.com/dreamsxin/opstore/internal/types"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

type lifecycleState int

const (
	stateNotStarted lifecycleState = iota
	stateRunning
	stateStopping
	stateStopped
	stateFailed
)

type lifecycleInfo struct {
	state lifecycleState
	err   error
}

// Processor is the operation processor. Construct with NewProcessor, call
// Start to begin draining the intake queue, Process to submit operations,
// and Stop for clean shutdown.
type Processor struct {
	cfg              Config
	logger           log.Logger
	reg              prometheus.Registerer
	checkpointPolicy MetadataCheckpointPolicy

	autoCheckpointBytes    int64
	autoCheckpointInterval time.Duration

	durableLog    durablelog.DurableLog
	containerMeta metadata.ContainerMetadata
	memState      memstate.Updater
	frameSize     int

	updater *metadata.Updater
	tracker *commitTracker
	metrics *processorMetrics

	intake *intakeQueue

	builderMu sync.Mutex
	builder   *frame.Builder

	lifecycle atomic.Value // lifecycleInfo

	loopOnce sync.Once
	loopDone chan struct{}
}

// WithDurableLog sets the append-only medium frames are written to.
// Required; NewProcessor fails without one.
func WithDurableLog(l durablelog.DurableLog) Option {
	return func(p *Processor) { p.durableLog = l }
}

// WithContainerMetadata overrides the default in-memory ContainerMetadata.
func WithContainerMetadata(m metadata.ContainerMetadata) Option {
	return func(p *Processor) { p.containerMeta = m }
}

// WithMemoryStateUpdater overrides the default in-memory MemoryStateUpdater.
func WithMemoryStateUpdater(u memstate.Updater) Option {
	return func(p *Processor) { p.memState = u }
}

// WithFrameSize overrides the frame builder's fixed frame capacity, in
// bytes. Defaults to internal/frame.DefaultFrameSize.
func WithFrameSize(n int) Option {
	return func(p *Processor) { p.frameSize = n }
}

// WithAutoCheckpoint builds the default ThresholdCheckpointPolicy and wires
// its trigger to the processor itself: once at least thresholdBytes have
// committed since the last checkpoint, no more often than once per
// minInterval, the processor submits a CheckpointOperation through its own
// intake. Ignored if WithCheckpointPolicy is also supplied.
func WithAutoCheckpoint(thresholdBytes int64, minInterval time.Duration) Option {
	return func(p *Processor) {
		p.autoCheckpointBytes = thresholdBytes
		p.autoCheckpointInterval = minInterval
	}
}

// NewProcessor constructs a Processor. The returned Processor's loop is not
// yet running; call Start.
func NewProcessor(opts ...Option) (*Processor, error) {
	p := &Processor{
		intake:   newIntakeQueue(defaultIntakeQueueCapacity),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}
	if p.durableLog == nil {
		return nil, fmt.Errorf("opstore: WithDurableLog is required")
	}
	if p.containerMeta == nil {
		p.containerMeta = metadata.NewInMemory()
	}
	if p.memState == nil {
		p.memState = memstate.New()
	}

	p.updater = metadata.NewUpdater(p.containerMeta)
	p.metrics = newProcessorMetrics(p.reg)
	if p.checkpointPolicy == nil {
		if p.autoCheckpointBytes > 0 {
			p.checkpointPolicy = NewThresholdCheckpointPolicy(p.autoCheckpointBytes, p.autoCheckpointInterval, p.fireCheckpoint)
		} else {
			p.checkpointPolicy = NoopCheckpointPolicy{}
		}
	}
	p.tracker = newCommitTracker(p.updater, p.memState, p.checkpointPolicy, p.handleFatal, p.logger)
	p.lifecycle.Store(lifecycleInfo{state: stateNotStarted})

	return p, nil
}

func (p *Processor) loadLifecycle() lifecycleInfo {
	return p.lifecycle.Load().(lifecycleInfo)
}

// Start begins running the processor loop in a background goroutine. Safe
// to call at most once; subsequent calls are no-ops.
func (p *Processor) Start() {
	p.loopOnce.Do(func() {
		p.lifecycle.Store(lifecycleInfo{state: stateRunning})
		go p.run()
	})
}

// Process admits op, returning a Future that resolves to its durably
// assigned sequence number or to the error that caused it to fail. This
// is the processor's only public producer API.
func (p *Processor) Process(ctx context.Context, op Operation) *Future {
	pend := newPendingOperation(op)

	if p.loadLifecycle().state != stateRunning {
		pend.fail(types.ErrClosed)
		return pend.Future
	}

	if err := p.intake.add(ctx, pend); err != nil {
		pend.fail(err)
		return pend.Future
	}
	p.metrics.operationsAdmitted.Inc()
	return pend.Future
}

// Stop closes the intake queue, waits for the loop to drain and for the
// frame builder to flush all outstanding writes, then marks the processor
// stopped. ctx bounds how long Stop waits; on timeout it returns ctx.Err()
// but the loop keeps draining in the background.
func (p *Processor) Stop(ctx context.Context) error {
	lc := p.loadLifecycle()
	if lc.state == stateStopped || lc.state == stateFailed {
		return lc.err
	}
	if lc.state == stateNotStarted {
		p.lifecycle.Store(lifecycleInfo{state: stateStopped})
		return nil
	}

	p.lifecycle.Store(lifecycleInfo{state: stateStopping})
	remaining := p.intake.close()
	for _, pend := range remaining {
		pend.fail(types.ErrClosed)
	}

	select {
	case <-p.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.builderMu.Lock()
	b := p.builder
	p.builderMu.Unlock()
	if b != nil {
		_ = b.Close(ctx)
	}

	final := p.loadLifecycle()
	if final.state != stateFailed {
		p.lifecycle.Store(lifecycleInfo{state: stateStopped})
		return nil
	}
	return final.err
}

// AwaitTerminated blocks until the processor loop has exited, then returns
// the error that caused termination, if any.
func (p *Processor) AwaitTerminated(ctx context.Context) error {
	select {
	case <-p.loopDone:
		return p.loadLifecycle().err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the single-consumer processor loop.
func (p *Processor) run() {
	defer close(p.loopDone)
	ctx := context.Background()

	for {
		if p.loadLifecycle().state != stateRunning {
			return
		}

		batch, err := p.intake.take(ctx, p.cfg.MaxReadAtOnce)
		if err != nil {
			// Queue closed: either a clean Stop or a fatal error already
			// latched via handleFatal, which itself closed the queue to
			// wake us up.
			return
		}

		if err := p.processBatch(ctx, batch); err != nil {
			// Fatal: tracker.fail already transitioned the lifecycle and
			// closed the queue via handleFatal.
			return
		}
	}
}

// processBatch drains batch against the frame builder, rebuilding it on
// non-fatal failure and escalating fatal ones.
func (p *Processor) processBatch(ctx context.Context, batch []*PendingOperation) error {
	for len(batch) > 0 {
		builder, err := p.ensureBuilder()
		if err != nil {
			p.tracker.fail(err, nil)
			if types.IsFatal(err) {
				p.cancelIncomplete(batch, err)
				return err
			}
			continue
		}

		rebuild := false
		for len(batch) > 0 {
			pend := batch[0]
			batch = batch[1:]

			addPending, perr := p.processOne(ctx, pend, builder)
			if addPending {
				p.tracker.addPending(pend)
			}
			if perr != nil {
				p.tracker.fail(perr, nil)
				if types.IsFatal(perr) {
					p.cancelIncomplete(batch, perr)
					return perr
				}
				rebuild = true
				break
			}
		}
		if rebuild {
			continue
		}

		more := p.intake.poll(p.cfg.MaxReadAtOnce)
		batch = append(batch, more...)
		if len(batch) == 0 {
			if err := builder.Flush(ctx); err != nil {
				p.tracker.fail(err, nil)
				if types.IsFatal(err) {
					return err
				}
			}
		}
	}
	return nil
}

// processOne admits a single operation into the current frame. addPending
// reports whether the caller should hand op to the tracker's pending queue (true
// for every operation that didn't fail outright, serializable or not).
// propagate is non-nil only for BuilderClosed (which always propagates to
// force a rebuild) or a fatal cause (DataCorruption/NotPrimary).
func (p *Processor) processOne(ctx context.Context, pend *PendingOperation, builder *frame.Builder) (addPending bool, propagate error) {
	op := pend.Op
	if pend.Future.isDone() {
		return false, nil
	}

	p.builderMu.Lock() // serializes metadata access; see the note on ensureBuilder below.
	seq := p.updater.NextOperationSequenceNumber()
	op.SetSequenceNumber(seq)

	if !op.CanSerialize() {
		p.builderMu.Unlock()
		return true, nil
	}

	intent, ok := op.(metadata.Intent)
	if !ok {
		p.builderMu.Unlock()
		err := fmt.Errorf("%w: operation does not implement a metadata intent", types.ErrBadOperation)
		p.failOne(pend, err)
		return false, nil
	}

	if err := p.updater.PreProcess(intent); err != nil {
		p.builderMu.Unlock()
		p.failOne(pend, err)
		if types.IsFatal(err) {
			return false, err
		}
		return false, nil
	}
	p.builderMu.Unlock()

	payload, err := op.MarshalRecord()
	if err != nil {
		p.failOne(pend, err)
		return false, nil
	}

	if err := builder.Append(ctx, seq, payload); err != nil {
		if errors.Is(err, types.ErrBuilderClosed) {
			cause := builder.FailureCause()
			wrapped := fmt.Errorf("%w (suppressed cause: %v)", err, cause)
			p.failOne(pend, wrapped)
			return false, wrapped
		}
		p.failOne(pend, err)
		if types.IsFatal(err) {
			return false, err
		}
		return false, nil
	}

	p.builderMu.Lock()
	p.updater.Accept(intent)
	p.builderMu.Unlock()

	return true, nil
}

// fireCheckpoint is the trigger handed to the ThresholdCheckpointPolicy
// built by WithAutoCheckpoint: it's the one place a checkpoint operation is
// actually synthesized, so it's also where the synthesis gets counted.
// Called synchronously from checkpointPolicy.RecordCommit inside the
// tracker's critical section; Process only touches the intake queue, so
// this can't deadlock against the tracker lock.
func (p *Processor) fireCheckpoint() {
	p.metrics.checkpointsFired.Inc()
	p.Process(context.Background(), NewCheckpointOperation())
}

func (p *Processor) failOne(pend *PendingOperation, err error) {
	pend.fail(err)
	p.metrics.operationsFailed.WithLabelValues(fmt.Sprint(types.IsFatal(err))).Inc()
}

func (p *Processor) cancelIncomplete(batch []*PendingOperation, err error) {
	for _, pend := range batch {
		if !pend.Future.isDone() {
			p.failOne(pend, err)
		}
	}
}

// ensureBuilder returns the current frame builder, constructing a fresh
// one if none exists yet or the existing one has latched a failure.
//
// builderMu guards the builder handle and serializes the processor loop's
// own calls into the metadata updater; reusing it here for handle
// replacement is that same lock, not a second one. It is never held across
// builder.Append (see processOne). The checkpoint callback that append may
// invoke synchronously, like the commit and fail callbacks, does not take
// builderMu: it runs under the tracker's lock, and the metadata updater's
// own mutex is what keeps those callbacks and the loop's pre_process and
// accept from touching the transaction stack at the same time.
func (p *Processor) ensureBuilder() (*frame.Builder, error) {
	p.builderMu.Lock()
	defer p.builderMu.Unlock()

	if p.builder != nil && p.builder.FailureCause() == nil {
		return p.builder, nil
	}

	b := frame.NewBuilder(p.durableLog, p.frameSize, p.cfg.MaxConcurrentWrites, frame.Callbacks{
		Checkpoint: p.tracker.checkpoint,
		Commit: func(args *types.FrameArgs) {
			p.metrics.frameCommits.Inc()
			p.metrics.frameBytesWritten.Add(float64(args.Length))
			p.tracker.commit(args)
		},
		Fail: func(err error, args *types.FrameArgs) {
			p.metrics.frameFailures.Inc()
			p.tracker.fail(err, args)
		},
	}, p.logger)
	p.builder = b
	return b, nil
}

// handleFatal is the tracker's fatal-exception callback. It transitions
// the processor to Failed and closes the intake queue so the loop (if
// blocked in intake.take, or about to call it again) observes ErrClosed
// and exits, even when the fatal error was detected from a goroutine other
// than the loop's (e.g. an asynchronous durable-log NotPrimary).
func (p *Processor) handleFatal(err error) {
	level.Error(p.logger).Log("msg", "processor failed", "err", err)
	p.lifecycle.Store(lifecycleInfo{state: stateFailed, err: err})

	remaining := p.intake.close()
	for _, pend := range remaining {
		p.failOne(pend, err)
	}
}
