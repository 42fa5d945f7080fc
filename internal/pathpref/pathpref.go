// Package pathpref implements the path-preference summary: per-link
// liveness Histories, per-flow "which path is currently installed"
// Histories, and a preference ranking derived from intersecting the two
// — among the time a pair of candidate paths were both viable (every
// link on both was up), which one the flow graph actually had
// installed more often.
//
// A flow whose effective rule for any source names more than one
// target is a multicast/ECMP fan-out: "the path" is not well defined
// for it, so route tracking for that flow reports
// ErrMulticastUnsupported instead of silently picking one branch.
package pathpref

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/route-beacon/netloop/internal/flowgraph"
	"github.com/route-beacon/netloop/internal/history"
)

// ErrMulticastUnsupported is returned when a rule with more than one
// forwarding target is encountered while tracking path preference.
var ErrMulticastUnsupported = errors.New("pathpref: multicast path preference unsupported")

// Path is an ordered hop sequence from an entry router to the last hop
// with no further effective rule.
type Path []flowgraph.NodeID

// Key returns a value suitable for use as a map key.
func (p Path) Key() string {
	parts := make([]string, len(p))
	for i, n := range p {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return strings.Join(parts, ">")
}

type linkKey struct{ from, to flowgraph.NodeID }

// Preference is one ranked comparison between two paths observed for
// the same flow.
type Preference struct {
	FlowID flowgraph.FlowID
	XPath  Path
	YPath  Path
	// Rank is XPath's installed share of the time both paths were
	// simultaneously viable: 1 means X was always chosen over Y, 0
	// means Y always was.
	Rank float64
}

// Summary is the path-preference tracker.
type Summary struct {
	spans    []uint64
	exponent uint8

	links map[linkKey]*history.History

	pathsPerFlow map[flowgraph.FlowID]map[string]Path
	routeHist    map[flowgraph.FlowID]map[string]*history.History
}

// New returns an empty path-preference summary tracking the given spans.
func New(spans []uint64) *Summary {
	return &Summary{
		spans:        spans,
		exponent:     history.DefaultExponent,
		links:        make(map[linkKey]*history.History),
		pathsPerFlow: make(map[flowgraph.FlowID]map[string]Path),
		routeHist:    make(map[flowgraph.FlowID]map[string]*history.History),
	}
}

func (s *Summary) linkHistory(from, to flowgraph.NodeID) *history.History {
	k := linkKey{from, to}
	h, ok := s.links[k]
	if !ok {
		h = history.New(s.spans, s.exponent)
		s.links[k] = h
	}
	return h
}

// LinkUp records that the link from->to came up at timestamp.
func (s *Summary) LinkUp(from, to flowgraph.NodeID, timestamp uint64) error {
	return s.linkHistory(from, to).Start(timestamp)
}

// LinkDown records that the link from->to went down at timestamp.
func (s *Summary) LinkDown(from, to flowgraph.NodeID, timestamp uint64) error {
	return s.linkHistory(from, to).Stop(timestamp)
}

func pathFor(rules map[flowgraph.NodeID]*flowgraph.Rule, source flowgraph.NodeID) (Path, error) {
	path := Path{source}
	cur := source
	seen := map[flowgraph.NodeID]bool{source: true}
	for {
		rule, ok := rules[cur]
		if !ok {
			return path, nil
		}
		if len(rule.Target) > 1 {
			return nil, fmt.Errorf("%w: flow source %d", ErrMulticastUnsupported, source)
		}
		next := rule.Target[0]
		if seen[next] {
			// A forwarding loop: stop extending the path here rather
			// than spinning forever. The loop itself is the loop
			// detector's concern, not path preference's.
			path = append(path, next)
			return path, nil
		}
		seen[next] = true
		path = append(path, next)
		cur = next
	}
}

// UpdateRoutes recomputes, for each affected flow, which path is
// installed per entry source and updates each path's installation
// History accordingly. It returns ErrMulticastUnsupported, a fatal
// precondition violation, the first time it encounters a fan-out rule.
func (s *Summary) UpdateRoutes(affected []flowgraph.Flow, timestamp uint64) error {
	for _, flow := range affected {
		rules := flowgraph.Rules(flow)
		active := make(map[string]Path, len(rules))
		for source := range rules {
			p, err := pathFor(rules, source)
			if err != nil {
				return err
			}
			active[p.Key()] = p
		}

		known, ok := s.pathsPerFlow[flow.ID]
		if !ok {
			known = make(map[string]Path)
			s.pathsPerFlow[flow.ID] = known
		}
		hist, ok := s.routeHist[flow.ID]
		if !ok {
			hist = make(map[string]*history.History)
			s.routeHist[flow.ID] = hist
		}
		for key, p := range active {
			if _, ok := known[key]; !ok {
				known[key] = p
				hist[key] = history.New(s.spans, s.exponent)
			}
		}
		for key, h := range hist {
			var err error
			if _, isActive := active[key]; isActive {
				err = h.Start(timestamp)
			} else {
				err = h.Stop(timestamp)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Refresh recomputes every tracked link and route history's rank over
// [gStart, gStop].
func (s *Summary) Refresh(gStart, gStop uint64) error {
	for _, h := range s.links {
		if err := h.Refresh(gStart, gStop); err != nil {
			return err
		}
	}
	for _, hist := range s.routeHist {
		for _, h := range hist {
			if err := h.Refresh(gStart, gStop); err != nil {
				return err
			}
		}
	}
	return nil
}

func linksOf(p Path) []linkKey {
	out := make([]linkKey, 0, len(p)-1)
	for i := 0; i+1 < len(p); i++ {
		out = append(out, linkKey{p[i], p[i+1]})
	}
	return out
}

func totalDuration(seq []uint64) uint64 {
	var total uint64
	for i := 0; i+1 < len(seq); i += 2 {
		total += seq[i+1] - seq[i]
	}
	return total
}

// PathPreferences returns a ranked comparison for every pair of
// distinct paths ever observed for the same flow. A flow that has only
// ever had one path produces no records: preference is only meaningful
// between competing alternatives.
func (s *Summary) PathPreferences() []Preference {
	var out []Preference
	for flowID, known := range s.pathsPerFlow {
		keys := make([]string, 0, len(known))
		for k := range known {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for xi := 0; xi < len(keys); xi++ {
			for yi := xi + 1; yi < len(keys); yi++ {
				x, y := known[keys[xi]], known[keys[yi]]
				viable := s.viableTimestamps(x)
				viable = history.Intersect(viable, s.viableTimestamps(y))
				if len(viable) == 0 {
					continue
				}
				xInstalled := history.Intersect(viable, s.installedTimestamps(flowID, keys[xi]))
				yInstalled := history.Intersect(viable, s.installedTimestamps(flowID, keys[yi]))
				xDur, yDur := totalDuration(xInstalled), totalDuration(yInstalled)
				if xDur+yDur == 0 {
					continue
				}
				out = append(out, Preference{
					FlowID: flowID,
					XPath:  x,
					YPath:  y,
					Rank:   float64(xDur) / float64(xDur+yDur),
				})
			}
		}
	}
	return out
}

func (s *Summary) viableTimestamps(p Path) []uint64 {
	links := linksOf(p)
	if len(links) == 0 {
		return nil
	}
	h, ok := s.links[links[0]]
	if !ok {
		return nil
	}
	viable := h.Timestamps(h.LongestSlice())
	for _, lk := range links[1:] {
		lh, ok := s.links[lk]
		if !ok {
			return nil
		}
		viable = history.Intersect(viable, lh.Timestamps(lh.LongestSlice()))
	}
	return viable
}

func (s *Summary) installedTimestamps(flowID flowgraph.FlowID, key string) []uint64 {
	h, ok := s.routeHist[flowID][key]
	if !ok {
		return nil
	}
	return h.Timestamps(h.LongestSlice())
}
