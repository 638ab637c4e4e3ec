package session

import (
	"math"
	"time"

	"github.com/pion/webrtc/v3"
)

// BatchPolicy controls the candidate flush schedule.
type BatchPolicy struct {
	BaseDelay     time.Duration
	Multiplier    float64
	MaxIterations int
}

func DefaultBatchPolicy() BatchPolicy {
	return BatchPolicy{
		BaseDelay:     450 * time.Millisecond,
		Multiplier:    1.5,
		MaxIterations: 9,
	}
}

// Delay returns the wait before the tick following iteration.
func (p BatchPolicy) Delay(iteration int) time.Duration {
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(iteration)))
}

// IceBatcher collects local candidates for one peer and flushes them in
// batches on a backed-off schedule. All methods run on the session loop;
// timer callbacks reach it through post.
type IceBatcher struct {
	policy BatchPolicy
	clock  Clock
	post   func(func())
	flush  func([]webrtc.ICECandidateInit)

	buffer    []webrtc.ICECandidateInit
	iteration int
	timer     Timer
	gen       int
	stopped   bool
}

func NewIceBatcher(policy BatchPolicy, clock Clock, post func(func()), flush func([]webrtc.ICECandidateInit)) *IceBatcher {
	return &IceBatcher{
		policy: policy,
		clock:  clock,
		post:   post,
		flush:  flush,
	}
}

// Start runs the first tick immediately, which arms the schedule.
func (b *IceBatcher) Start() {
	b.tick()
}

// Add buffers a gathered candidate until the next tick.
func (b *IceBatcher) Add(c webrtc.ICECandidateInit) {
	if b.stopped {
		return
	}
	b.buffer = append(b.buffer, c)
}

// End handles end-of-candidates: push the iteration past the maximum and
// flush once right away. No tick follows.
func (b *IceBatcher) End() {
	if b.stopped {
		return
	}
	b.iteration = b.policy.MaxIterations + 1
	b.cancelTimer()
	b.tick()
}

// Stop cancels the schedule and drops buffered candidates.
func (b *IceBatcher) Stop() {
	b.stopped = true
	b.buffer = nil
	b.cancelTimer()
}

// Rearm restarts a finished schedule from the first iteration. A fresh
// local description after an ICE restart gathers new candidates.
func (b *IceBatcher) Rearm() {
	if b.stopped || b.timer != nil {
		return
	}
	b.iteration = 0
	b.tick()
}

// Done reports whether no further tick is scheduled.
func (b *IceBatcher) Done() bool {
	return b.stopped || b.timer == nil
}

func (b *IceBatcher) tick() {
	if b.stopped {
		return
	}
	b.timer = nil

	if len(b.buffer) > 0 {
		batch := b.buffer
		b.buffer = nil
		b.flush(batch)
	}

	if b.iteration <= b.policy.MaxIterations {
		delay := b.policy.Delay(b.iteration)
		b.iteration++
		gen := b.gen
		b.timer = b.clock.AfterFunc(delay, func() {
			b.post(func() {
				if gen == b.gen {
					b.tick()
				}
			})
		})
	}
}

func (b *IceBatcher) cancelTimer() {
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
