// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package opstore

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MetadataCheckpointPolicy decides, from the stream of durably committed
// frame byte counts, when to synthesize a metadata checkpoint operation.
// It's invoked from inside commitTracker.commit while the tracker lock is
// held, so RecordCommit must never block.
type MetadataCheckpointPolicy interface {
	RecordCommit(bytes int)
}

// ThresholdCheckpointPolicy is the byte-threshold MetadataCheckpointPolicy
// that WithAutoCheckpoint builds (a Processor without it or
// WithCheckpointPolicy uses NoopCheckpointPolicy): it
// fires once at least thresholdBytes have committed since the last fire,
// rate-limited by minInterval so a burst of small commits can't synthesize
// a storm of checkpoint operations.
type ThresholdCheckpointPolicy struct {
	threshold int64
	limiter   *rate.Limiter
	trigger   func()

	mu        sync.Mutex
	sinceLast int64
}

// NewThresholdCheckpointPolicy returns a policy that calls trigger
// (expected to enqueue a checkpoint operation without blocking) once at
// least thresholdBytes bytes have committed since the last trigger, no
// more often than once per minInterval.
func NewThresholdCheckpointPolicy(thresholdBytes int64, minInterval time.Duration, trigger func()) *ThresholdCheckpointPolicy {
	if thresholdBytes <= 0 {
		thresholdBytes = 1 << 20
	}
	if minInterval <= 0 {
		minInterval = time.Second
	}
	return &ThresholdCheckpointPolicy{
		threshold: thresholdBytes,
		limiter:   rate.NewLimiter(rate.Every(minInterval), 1),
		trigger:   trigger,
	}
}

func (p *ThresholdCheckpointPolicy) RecordCommit(bytes int) {
	p.mu.Lock()
	p.sinceLast += int64(bytes)
	fire := p.sinceLast >= p.threshold && p.trigger != nil && p.limiter.Allow()
	if fire {
		p.sinceLast = 0
	}
	p.mu.Unlock()

	if fire {
		p.trigger()
	}
}

// NoopCheckpointPolicy never synthesizes checkpoints; useful for tests and
// callers that drive checkpoints externally.
type NoopCheckpointPolicy struct{}

func (NoopCheckpointPolicy) RecordCommit(int) {}
