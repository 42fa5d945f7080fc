// Package analysis is the single-writer facade wrapping the flow
// graph, loop detector, and the reachability and path-preference
// summaries into one synchronous engine. Every mutating call is
// expected to run on a single goroutine, matching the teacher's
// single-consumer pipeline model; nothing in here takes a lock, because
// nothing in here is meant to be called concurrently.
package analysis

import (
	"errors"
	"fmt"

	"github.com/route-beacon/netloop/internal/flowgraph"
	"github.com/route-beacon/netloop/internal/history"
	"github.com/route-beacon/netloop/internal/ipaddr"
	"github.com/route-beacon/netloop/internal/loopdetect"
	"github.com/route-beacon/netloop/internal/pathpref"
	"github.com/route-beacon/netloop/internal/reach"
)

// ErrMulticastPathPreferenceUnsupported is re-exported from pathpref so
// callers can test for it without importing that package directly.
var ErrMulticastPathPreferenceUnsupported = pathpref.ErrMulticastUnsupported

// ErrSliceTooSmall is re-exported from history for the same reason.
var ErrSliceTooSmall = history.ErrSliceTooSmall

// Config controls the size of an Engine's derived summaries.
type Config struct {
	// NumNodes bounds the router-id space the reachability tensor
	// indexes; ids must stay within [0, NumNodes).
	NumNodes int
	// Spans are the trailing windows (in the caller's timestamp units)
	// every liveness/duration history tracks, ascending.
	Spans []uint64
	// TrackPathPreference enables path-preference summary maintenance.
	// Engines that only need loop detection and reachability can leave
	// this off and never risk ErrMulticastPathPreferenceUnsupported.
	TrackPathPreference bool
}

// Engine is the synchronous analysis facade.
type Engine struct {
	cfg   Config
	graph *flowgraph.Graph

	affected     []flowgraph.Flow
	loopsPerFlow map[flowgraph.Flow][]loopdetect.Loop

	// firstTimestamp is g_start for rank(slice, g_start, g_stop)
	// queries: the earliest timestamp any mutation carried, or 0 if
	// every mutation so far has been untimed.
	firstTimestamp uint64

	reach    *reach.Summary
	pathPref *pathpref.Summary
}

// New returns an Engine configured per cfg.
func New(cfg Config) *Engine {
	e := &Engine{
		cfg:          cfg,
		graph:        flowgraph.New(),
		loopsPerFlow: make(map[flowgraph.Flow][]loopdetect.Loop),
		reach:        reach.New(cfg.Spans, cfg.NumNodes),
	}
	if cfg.TrackPathPreference {
		e.pathPref = pathpref.New(cfg.Spans)
	}
	return e
}

// InsertOrAssign installs or updates the route announced by source for
// prefix, forwarding via target. A zero timestamp means "no timestamp
// available": the rule is still installed, but none of the derived
// summaries are touched, matching how the engine treats adapter input
// that carries no usable event time.
func (e *Engine) InsertOrAssign(prefix ipaddr.Prefix, source flowgraph.NodeID, target []flowgraph.NodeID, timestamp uint64) (bool, error) {
	e.affected = e.affected[:0]
	changed := e.graph.InsertOrAssign(prefix, source, target, &e.affected)
	return changed, e.afterMutation(source, timestamp)
}

// Erase withdraws the route source previously announced for prefix.
func (e *Engine) Erase(prefix ipaddr.Prefix, source flowgraph.NodeID, timestamp uint64) (bool, error) {
	e.affected = e.affected[:0]
	changed := e.graph.Erase(prefix, source, &e.affected)
	return changed, e.afterMutation(source, timestamp)
}

func (e *Engine) afterMutation(start flowgraph.NodeID, timestamp uint64) error {
	loopdetect.CleanUp(e.affected, e.loopsPerFlow)
	loopdetect.FindLoops(start, e.affected, e.loopsPerFlow)

	if timestamp == 0 {
		return nil
	}
	if e.firstTimestamp == 0 {
		e.firstTimestamp = timestamp
	}
	if err := e.reach.Update(e.affected, timestamp); err != nil {
		return fmt.Errorf("analysis: reachability summary: %w", err)
	}
	if e.pathPref != nil {
		if err := e.pathPref.UpdateRoutes(e.affected, timestamp); err != nil {
			if errors.Is(err, pathpref.ErrMulticastUnsupported) {
				return fmt.Errorf("analysis: %w", ErrMulticastPathPreferenceUnsupported)
			}
			return fmt.Errorf("analysis: path preference summary: %w", err)
		}
	}
	return nil
}

// EraseAllFrom withdraws every rule source has installed, e.g. on a
// BMP peer-down or session-termination event, mirroring a router
// flushing an entire peer's RIB when its session drops. It returns how
// many rules were actually removed.
func (e *Engine) EraseAllFrom(source flowgraph.NodeID, timestamp uint64) (int, error) {
	n := 0
	for _, rule := range e.graph.SourceRules(source) {
		e.affected = e.affected[:0]
		if e.graph.Erase(rule.Prefix, source, &e.affected) {
			n++
		}
		if err := e.afterMutation(source, timestamp); err != nil {
			return n, err
		}
	}
	return n, nil
}

// LinkUp records a topology link coming up at timestamp. It is only
// meaningful when TrackPathPreference is enabled.
func (e *Engine) LinkUp(from, to flowgraph.NodeID, timestamp uint64) error {
	if e.pathPref == nil {
		return nil
	}
	return e.pathPref.LinkUp(from, to, timestamp)
}

// LinkDown records a topology link going down at timestamp.
func (e *Engine) LinkDown(from, to flowgraph.NodeID, timestamp uint64) error {
	if e.pathPref == nil {
		return nil
	}
	return e.pathPref.LinkDown(from, to, timestamp)
}

// ResetReachSummary clears every tracked reachability history, the
// "cmd 0" operation of the original log-driven CLI.
func (e *Engine) ResetReachSummary() { e.reach.Reset() }

// RefreshReachSummary recomputes rank for every tracked reachability
// and, if enabled, path-preference history over [g_start, timestamp],
// where g_start is the earliest timestamp any mutation has carried, as
// of timestamp, without mutating any open interval's recorded start.
func (e *Engine) RefreshReachSummary(timestamp uint64) error {
	gStart := e.firstTimestamp
	if gStart == 0 || gStart > timestamp {
		gStart = timestamp
	}
	if err := e.reach.Refresh(gStart, timestamp); err != nil {
		return fmt.Errorf("analysis: reachability summary: %w", err)
	}
	if e.pathPref != nil {
		if err := e.pathPref.Refresh(gStart, timestamp); err != nil {
			return fmt.Errorf("analysis: path preference summary: %w", err)
		}
	}
	return nil
}

// Flow returns the flow whose prefix exactly matches prefix, if any
// rule has ever touched it.
func (e *Engine) Flow(prefix ipaddr.Prefix) (flowgraph.Flow, bool) { return e.graph.Flow(prefix) }

// FlowGraph exposes the underlying flow graph for read-only queries
// and full-tree snapshots.
func (e *Engine) FlowGraph() *flowgraph.Graph { return e.graph }

// AffectedFlows returns the flows touched by the most recent mutation.
func (e *Engine) AffectedFlows() []flowgraph.Flow { return e.affected }

// Loops returns every currently confirmed loop, keyed by the flow it
// was found on.
func (e *Engine) Loops() map[flowgraph.Flow][]loopdetect.Loop { return e.loopsPerFlow }

// ReachSummary exposes the reachability tensor for read-only queries.
func (e *Engine) ReachSummary() *reach.Summary { return e.reach }

// PathPreferenceSummary exposes the path-preference tracker, or nil if
// TrackPathPreference was disabled.
func (e *Engine) PathPreferenceSummary() *pathpref.Summary { return e.pathPref }
