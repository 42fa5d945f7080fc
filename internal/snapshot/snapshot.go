// Package snapshot renders an analysis.Engine's state into the
// verbosity-gated log-output JSON document: optional node names,
// per-flow reachability summary, disjoint flow prefix ranges with
// their source->target links, and canonicalized forwarding loops.
// The document is emitted only when it would carry at least one
// non-empty section.
package snapshot

import (
	"strconv"

	"github.com/route-beacon/netloop/internal/analysis"
	"github.com/route-beacon/netloop/internal/flowgraph"
	"github.com/route-beacon/netloop/internal/prefixtree"
	"github.com/route-beacon/netloop/internal/rdns"
)

// Verbosity levels, per the log-driven CLI's convention: higher
// levels are strict supersets of lower ones.
const (
	VerbositySilent          = 0
	VerbosityLoops           = 1
	VerbosityAffectedFlows   = 4
	VerbosityAffectedSummary = 5
	VerbosityAllFlows        = 6
	VerbosityAllSummary      = 7
)

// NodeEntry is one row of the optional "nodes" section.
type NodeEntry struct {
	ID   flowgraph.NodeID `json:"id"`
	Name string           `json:"name"`
}

// RankEntry is one (source, target) pair's per-slice rank within a flow.
type RankEntry struct {
	Source flowgraph.NodeID `json:"source"`
	Target flowgraph.NodeID `json:"target"`
	Ranks  []float64        `json:"ranks"`
}

// FlowEntry describes one flow's disjoint address ranges and its
// current source -> target links, and, when requested, its
// reachability ranks.
type FlowEntry struct {
	FlowID flowgraph.FlowID              `json:"flow_id"`
	Prefix string                        `json:"prefix"`
	Ranges []string                      `json:"ranges"`
	Links  map[string][]flowgraph.NodeID `json:"links"`
	Ranks  []RankEntry                   `json:"ranks,omitempty"`
}

// LoopEntry is one canonicalized forwarding loop recorded on a flow.
type LoopEntry struct {
	FlowID flowgraph.FlowID   `json:"flow_id"`
	Prefix string             `json:"prefix"`
	Path   []flowgraph.NodeID `json:"path"`
}

// Document is the full log-output JSON object. Each section is
// omitted from the wire encoding when empty, via the omitempty tags.
type Document struct {
	Nodes          []NodeEntry `json:"nodes,omitempty"`
	NetworkSummary []FlowEntry `json:"network_summary,omitempty"`
	Flows          []FlowEntry `json:"flows,omitempty"`
	Errors         []LoopEntry `json:"errors,omitempty"`
}

// Empty reports whether the document carries no data at all, in
// which case the caller should skip emitting it.
func (d *Document) Empty() bool {
	return len(d.Nodes) == 0 && len(d.NetworkSummary) == 0 && len(d.Flows) == 0 && len(d.Errors) == 0
}

// Build renders a Document for engine at verbosity level v, restricted
// to the flows in affected unless v selects the "all flows" tier.
// nodes resolves node ids to names for the "nodes" section and link
// labels; it may be nil, in which case numeric ids are used instead.
func Build(engine *analysis.Engine, nodes *rdns.Registry, v int, affected []flowgraph.Flow) *Document {
	doc := &Document{}
	if v <= VerbositySilent {
		return doc
	}

	if v >= VerbosityAllFlows {
		for id := flowgraph.NodeID(0); nodes != nil && int(id) < nodes.Len(); id++ {
			name, _ := nodes.Name(id)
			doc.Nodes = append(doc.Nodes, NodeEntry{ID: id, Name: name})
		}
	}

	if v >= VerbosityLoops {
		for flow, loops := range engine.Loops() {
			for _, loop := range loops {
				doc.Errors = append(doc.Errors, LoopEntry{
					FlowID: flow.ID,
					Prefix: flow.Prefix.String(),
					Path:   append([]flowgraph.NodeID(nil), loop...),
				})
			}
		}
	}

	var flows []flowgraph.Flow
	switch {
	case v >= VerbosityAllFlows:
		// Skip the tree's root: it is a rule-less sentinel, and an
		// installed 0.0.0.0/0 gets a node of its own beneath it.
		flows = engine.FlowGraph().Tree().BFS()[1:]
	case v >= VerbosityAffectedFlows:
		flows = affected
	}

	includeRanks := v >= VerbosityAffectedSummary
	for _, flow := range flows {
		entry := buildFlowEntry(flow, nodes)
		if includeRanks {
			entry.Ranks = buildRanks(engine, flow)
		}
		doc.Flows = append(doc.Flows, entry)
	}
	doc.NetworkSummary = doc.Flows

	return doc
}

func buildFlowEntry(flow flowgraph.Flow, nodes *rdns.Registry) FlowEntry {
	entry := FlowEntry{
		FlowID: flow.ID,
		Prefix: flow.Prefix.String(),
		Links:  make(map[string][]flowgraph.NodeID),
	}
	for _, rng := range prefixtree.DisjointRanges(flow) {
		entry.Ranges = append(entry.Ranges, rng.String())
	}
	for source, rule := range flowgraph.Rules(flow) {
		entry.Links[nodeLabel(source, nodes)] = rule.Target
	}
	return entry
}

func buildRanks(engine *analysis.Engine, flow flowgraph.Flow) []RankEntry {
	var out []RankEntry
	summary := engine.ReachSummary()
	for source, rule := range flowgraph.Rules(flow) {
		for _, target := range rule.Target {
			h := summary.History(flow.ID, source, target)
			var ranks []float64
			for _, s := range h.Slices() {
				ranks = append(ranks, s.Rank())
			}
			out = append(out, RankEntry{Source: source, Target: target, Ranks: ranks})
		}
	}
	return out
}

func nodeLabel(id flowgraph.NodeID, nodes *rdns.Registry) string {
	if nodes != nil {
		if name, ok := nodes.Name(id); ok {
			return name
		}
	}
	return strconv.FormatUint(uint64(id), 10)
}
