// Package history implements a sliced sliding-window liveness/duration
// tracker: a ring buffer of alternating start/stop timestamps backing
// one or more Slices, each asking "what fraction of the last span
// seconds was this thing up?". It is the building block both the
// reachability summary (per source/target liveness) and the
// path-preference summary (per link and per installed route) are built
// from.
package history

import (
	"errors"
	"fmt"
)

// ErrSliceTooSmall is returned when a span is too small to track given
// how frequently start/stop events are arriving: the ring buffer would
// need to grow past its cap to retain enough history to answer a rank
// query for that span. This is a precondition violation the caller
// must treat as fatal, per the engine's error taxonomy.
var ErrSliceTooSmall = errors.New("history: slice span too small for observed event rate")

const maxRingSize = 1 << 12

const zeroDivGuard = 0.00001

// Slice tracks liveness ratio over a single trailing span of time.
type Slice struct {
	span     uint64
	duration uint64
	rank     float64
	tail     int
}

// Span returns the slice's configured trailing window length.
func (s *Slice) Span() uint64 { return s.span }

// Duration returns the slice's current "up" duration within its window.
func (s *Slice) Duration() uint64 { return s.duration }

// Rank returns the most recently computed rank: duration over the
// actual observed span as of the last Stop, or over the effective span
// of the last Refresh, whichever came later.
func (s *Slice) Rank() float64 { return s.rank }

// History is a ring of alternating start (even index) / stop (odd
// index) timestamps, feeding one or more Slices.
type History struct {
	ring   []uint64
	head   int
	slices []*Slice
}

// DefaultExponent is the initial ring size (as a power of two) used
// when a caller has no specific sizing preference.
const DefaultExponent = 3

// New returns a History tracking the given spans, with an initial ring
// capacity of 1<<exponent entries (doubling, capped at maxRingSize, as
// events demand more history).
func New(spans []uint64, exponent uint8) *History {
	h := &History{
		ring:   make([]uint64, 1<<exponent),
		slices: make([]*Slice, len(spans)),
	}
	for i, span := range spans {
		h.slices[i] = &Slice{span: span}
	}
	h.Reset()
	return h
}

func (h *History) allSlices() []*Slice { return h.slices }

func (h *History) index(i int) int { return i % len(h.ring) }

// Reset clears all recorded state, as if the History were newly created.
func (h *History) Reset() {
	h.head = len(h.ring) - 1
	for _, s := range h.allSlices() {
		s.duration = 0
		s.rank = 0
		s.tail = 0
	}
}

// Slices returns the slice trackers, in the order passed to New.
func (h *History) Slices() []*Slice { return h.slices }

// IsOpen reports whether the most recent event was a Start not yet
// matched by a Stop.
func (h *History) IsOpen() bool { return h.head%2 == 0 }

// Start records the start of an "up" interval at current.
func (h *History) Start(current uint64) error { return h.updateDuration(false, current) }

// Stop records the end of an "up" interval at current.
func (h *History) Stop(current uint64) error { return h.updateDuration(true, current) }

func (h *History) updateDuration(isStop bool, current uint64) error {
	newest := h.ring[h.head]
	headStopped := h.head&1 == 1
	if headStopped == isStop {
		// Either a duplicate start/stop, or a stop with no matching start.
		return nil
	}
	if newest >= current {
		// Ignore simultaneous or out-of-order arrivals.
		return nil
	}
	h.head = h.index(h.head + 1)
	h.ring[h.head] = current
	if !isStop {
		return nil
	}

	nextHead := h.index(h.head + 1)
	for _, slice := range h.allSlices() {
		slice.duration += current - newest
		var actualSpan uint64
		for {
			oldestStart := h.ring[slice.tail]
			actualSpan = current - oldestStart
			if slice.tail == nextHead {
				if len(h.ring) >= maxRingSize {
					return fmt.Errorf("%w: span=%d", ErrSliceTooSmall, slice.span)
				}
				nextHead = len(h.ring)
				h.ring = append(h.ring, make([]uint64, len(h.ring))...)
			}
			if actualSpan <= slice.span {
				break
			}
			oldestStop := h.ring[h.index(slice.tail+1)]
			slice.duration -= oldestStop - oldestStart
			slice.tail = h.index(slice.tail + 2)
		}
		slice.rank = float64(slice.duration) / (float64(actualSpan) + zeroDivGuard)
	}
	return nil
}

// Refresh recomputes each slice's rank over [gStart, gStop], without
// permanently closing an interval still open: rank(slice, g_start,
// g_stop) per the reachability summary's query semantics. Duration is
// extended by gStop-newest when the most recent event is a still-open
// start no later than gStop. The effective span is the slice's own
// span capped by the gStart..gStop window, widened to duration itself
// when a single interval (or a wide query window) exceeds it, so the
// resulting rank never exceeds 1.
func (h *History) Refresh(gStart, gStop uint64) error {
	for _, slice := range h.slices {
		duration := slice.duration
		if h.IsOpen() {
			newest := h.ring[h.head]
			if newest <= gStop {
				duration += gStop - newest
			}
		}
		span := slice.span
		if window := gStop - gStart; window < span {
			span = window
		}
		if duration > span {
			span = duration
		}
		slice.rank = float64(duration) / (float64(span) + zeroDivGuard)
	}
	return nil
}

// LongestSlice returns the last slice passed to New, which callers that
// need the broadest retained window (interval intersection, in
// particular) use. It is the slice with the largest span only when the
// spans were supplied in ascending order; New does not sort them.
func (h *History) LongestSlice() *Slice {
	return h.slices[len(h.slices)-1]
}

// Timestamps returns the retained start/stop timestamps for slice, in
// increasing order, as alternating start/stop values: [start,stop)
// pairs, plus one final unmatched start (odd length) if the history is
// open.
func (h *History) Timestamps(slice *Slice) []uint64 {
	out := make([]uint64, 0, 4)
	i := slice.tail
	for {
		out = append(out, h.ring[i])
		if i == h.head {
			break
		}
		i = h.index(i + 1)
	}
	return out
}
