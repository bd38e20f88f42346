// Package batchsizer implements the adaptive batch-size controller:
// a floating-point size that shrinks hard on any error within a
// one-second window and grows gently when a window is clean,
// clamped between a configured floor and a hard ceiling.
package batchsizer

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// utilizationRatio reports the sizer's current size as a fraction of
// the hard ceiling, per chain. Per spec.md §9's open question, this is
// a reported metric only — nothing in RecordWindow's grow/decay
// decision reads it back.
var utilizationRatio = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "evmindexer",
	Subsystem: "fetcher",
	Name:      "batch_size_utilization_ratio",
	Help:      "Current adaptive batch size as a fraction of the hard ceiling (500). Reported only, not used to gate sizing.",
}, []string{"chain"})

func init() {
	prometheus.MustRegister(utilizationRatio)
}

const (
	// maxSize is the hard ceiling no amount of clean windows can cross.
	maxSize = 500

	shrinkFactor = 0.65
	growFactor   = 1.005
)

// Sizer tracks one adaptive batch size. It is safe for concurrent use;
// the harvester reads Current (through Dispatcher.BatchSize) while
// Run's tick goroutine calls RecordWindow once per second.
type Sizer struct {
	mu        sync.Mutex
	size      float64
	floor     float64
	fixed     bool
	errored   bool
	succeeded bool
}

// New constructs a Sizer starting at start, never shrinking below
// floor. If fixed is true the size never adapts: Current always
// returns start, and RecordWindow is a no-op. This is the "adaptive
// sizing disabled" configuration for upstreams known to have a fixed,
// generous batch limit.
func New(start, floor int, fixed bool) *Sizer {
	if floor < 1 {
		floor = 1
	}
	if start < floor {
		start = floor
	}
	if start > maxSize {
		start = maxSize
	}
	return &Sizer{size: float64(start), floor: float64(floor), fixed: fixed}
}

// Current returns the batch size to use for the next request,
// rounded down to an integer and never less than 1.
func (s *Sizer) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int(s.size)
	if n < 1 {
		n = 1
	}
	return n
}

// NoteError marks that at least one request failed during the current
// one-second window. Call this from any goroutine that observes a
// batch-level or per-element failure.
func (s *Sizer) NoteError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errored = true
}

// NoteSuccess marks that at least one request succeeded during the
// current one-second window. Call this from any goroutine that
// observes a batch or per-element result with no error.
func (s *Sizer) NoteSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded = true
}

// RecordWindow closes out one second of observation: if any error was
// noted, the size shrinks by shrinkFactor; else if at least one
// success was noted, it grows by growFactor; otherwise (a silent
// window with no activity at all) it is left unchanged. Either way the
// result is clamped to [floor, maxSize]. Run's ticker calls it once
// per second.
func (s *Sizer) RecordWindow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fixed {
		s.errored = false
		s.succeeded = false
		return
	}
	switch {
	case s.errored:
		s.size *= shrinkFactor
	case s.succeeded:
		s.size *= growFactor
	}
	if s.size < s.floor {
		s.size = s.floor
	}
	if s.size > maxSize {
		s.size = maxSize
	}
	s.errored = false
	s.succeeded = false
}

// UtilizationRatio reports the current size as a fraction of the hard
// ceiling, for the reported-only metric spec.md §9 calls for.
func (s *Sizer) UtilizationRatio() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size / maxSize
}

// Run drives the sizer's one-second tick until ctx is canceled. The
// fetcher owns this goroutine's lifetime: it must be started once per
// Sizer and stopped (by canceling ctx) on fetcher shutdown. chain
// labels the exported utilization-ratio gauge.
func (s *Sizer) Run(ctx context.Context, chain string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RecordWindow()
			utilizationRatio.WithLabelValues(chain).Set(s.UtilizationRatio())
		}
	}
}
