// Package progress tracks copy and move operations whose completion is
// observed through destination size rather than callbacks from the mover.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/nuln/sboxd"
)

// StatusDone is the terminal success status.
const StatusDone = 100

// Terminal reports whether status ends a poll: success or an error code.
func Terminal(status int) bool { return status >= StatusDone || status < 0 }

// WorkFunc moves the data. It runs on its own goroutine.
type WorkFunc func(ctx context.Context) error

// SizeFunc measures the destination in bytes.
type SizeFunc func(ctx context.Context) (int64, error)

// Tracker is one in-flight copy or move. Percentages are computed from
// the growth of the destination relative to its size at start; the work
// goroutine is the only writer of a terminal status.
type Tracker struct {
	sourceSize int64
	destStart  int64
	destSize   SizeFunc
	translate  func(error) *sboxd.Error

	mu     sync.Mutex
	status int
	peak   int
	err    *sboxd.Error
	done   chan struct{}
}

// NewTracker captures the destination's starting size. translate maps
// work errors into the unified taxonomy; nil uses sboxd.AsError.
func NewTracker(ctx context.Context, sourceSize int64, destSize SizeFunc, translate func(error) *sboxd.Error) (*Tracker, error) {
	start, err := destSize(ctx)
	if err != nil {
		return nil, err
	}
	if translate == nil {
		translate = sboxd.AsError
	}
	return &Tracker{
		sourceSize: sourceSize,
		destStart:  start,
		destSize:   destSize,
		translate:  translate,
		done:       make(chan struct{}),
	}, nil
}

// SourceSize returns the number of bytes being moved.
func (t *Tracker) SourceSize() int64 { return t.sourceSize }

// Start launches work. It must be called once.
func (t *Tracker) Start(ctx context.Context, work WorkFunc) {
	go func() {
		err := work(ctx)

		t.mu.Lock()
		if err != nil {
			t.err = t.translate(err)
			t.status = t.err.Code
		} else {
			t.status = StatusDone
		}
		t.mu.Unlock()
		close(t.done)
	}()
}

// Done is closed once the work has finished.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Err returns the translated failure once the status is negative.
func (t *Tracker) Err() *sboxd.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Status returns the terminal status once the work has finished, and
// otherwise a percentage in 0..99 that never decreases.
func (t *Tracker) Status(ctx context.Context) int {
	t.mu.Lock()
	if Terminal(t.status) {
		s := t.status
		t.mu.Unlock()
		return s
	}
	t.mu.Unlock()

	pct := t.estimate(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if Terminal(t.status) {
		return t.status
	}
	if pct > t.peak {
		t.peak = pct
	}
	return t.peak
}

func (t *Tracker) estimate(ctx context.Context) int {
	if t.sourceSize <= 0 {
		return StatusDone - 1
	}
	current, err := t.destSize(ctx)
	if err != nil {
		return 0
	}
	pct := int((current - t.destStart) * 100 / t.sourceSize)
	switch {
	case pct < 0:
		return 0
	case pct > StatusDone-1:
		return StatusDone - 1
	}
	return pct
}

// Poll samples Status every interval, calling report with each value
// that differs from the last one reported, and returns the terminal
// status. Finishing work wakes the poll early.
func (t *Tracker) Poll(ctx context.Context, interval time.Duration, report func(status int)) int {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last, reported := 0, false
	for {
		status := t.Status(ctx)
		if Terminal(status) {
			return status
		}
		if !reported || status != last {
			report(status)
			last, reported = status, true
		}
		select {
		case <-ticker.C:
		case <-t.done:
		}
	}
}
