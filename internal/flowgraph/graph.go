// Package flowgraph maintains the dual index at the heart of the
// analysis engine: Rules, keyed by (prefix, source) and carrying the
// forwarding targets a router announced, and Flows, the prefix-tree
// nodes that aggregate the effective per-source rule a destination
// prefix resolves to once longest-prefix-match inheritance is applied.
//
// A Flow's data is always the *effective* rule per source: a flow that
// has no rule of its own for a source inherits the nearest ancestor
// flow's rule for that source, exactly as a router would resolve a
// destination against the most specific route it holds from each peer.
package flowgraph

import (
	"github.com/route-beacon/netloop/internal/ipaddr"
	"github.com/route-beacon/netloop/internal/prefixtree"
)

// NodeID identifies a router in the topology (a BGP/BMP source or a
// forwarding target named in a route's next-hop set).
type NodeID uint32

// FlowID is a flow's stable, dense identifier, suitable for indexing
// the reachability tensor. It is simply the flow's prefix-tree node id:
// flow nodes are never deleted, so the id never changes or is reused.
type FlowID = prefixtree.NodeID

// Rule is a single router's announcement: source router S reaches
// Prefix via the routers listed in Target (more than one target models
// multicast/ECMP fan-out).
type Rule struct {
	Prefix ipaddr.Prefix
	Source NodeID
	Target []NodeID
}

type ruleEntry struct {
	rule *Rule
	own  bool // true if installed directly at this flow's own prefix
}

// FlowData maps a source router to the rule currently in effect for
// it at this flow, inherited or explicit.
type FlowData map[NodeID]*ruleEntry

// Flow is a node of the flow prefix tree.
type Flow = *prefixtree.Node[FlowData]

// Rules returns, for the given flow, the effective rule in force for
// each source router that has one. This is the "rule_ref_per_source"
// view the loop detector and summaries walk.
func Rules(flow Flow) map[NodeID]*Rule {
	out := make(map[NodeID]*Rule, len(flow.Data))
	for s, e := range flow.Data {
		out[s] = e.rule
	}
	return out
}

type ruleKey struct {
	prefix ipaddr.Prefix
	source NodeID
}

// Graph is the joint rule/flow index.
type Graph struct {
	tree  *prefixtree.Tree[FlowData]
	rules map[ruleKey]*Rule
}

// New returns an empty flow graph.
func New() *Graph {
	return &Graph{
		tree:  prefixtree.New[FlowData](FlowData{}),
		rules: make(map[ruleKey]*Rule),
	}
}

// Tree exposes the underlying flow prefix tree, e.g. for snapshotting.
func (g *Graph) Tree() *prefixtree.Tree[FlowData] { return g.tree }

// Flow returns the flow for prefix if one has ever been installed.
func (g *Graph) Flow(prefix ipaddr.Prefix) (Flow, bool) {
	f := g.tree.Find(prefix)
	return f, f != nil
}

func sameTargets(a, b []NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// InsertOrAssign installs or updates the rule (prefix, source) ->
// target. It reports false, with affected left untouched, when the
// identical rule is already installed (a benign no-op). When a rule
// for (prefix, source) already exists with different targets, it is
// updated in place — every flow that currently resolves to it is
// still added to affected, but the call reports false, since no new
// rule was created. Only a genuinely new rule reports true.
func (g *Graph) InsertOrAssign(prefix ipaddr.Prefix, source NodeID, target []NodeID, affected *[]Flow) bool {
	key := ruleKey{prefix, source}
	if existing, ok := g.rules[key]; ok {
		if sameTargets(existing.Target, target) {
			return false
		}
		existing.Target = append([]NodeID(nil), target...)
		node := g.tree.Find(prefix)
		*affected = append(*affected, node)
		g.propagate(node, source, existing, affected)
		return false
	}

	rule := &Rule{Prefix: prefix, Source: source, Target: append([]NodeID(nil), target...)}
	g.rules[key] = rule

	node, created := g.tree.Insert(prefix, func() FlowData { return FlowData{} })
	if created {
		if parent := node.Parent(); parent != nil {
			for s, e := range parent.Data {
				node.Data[s] = &ruleEntry{rule: e.rule, own: false}
			}
		}
	}
	node.Data[source] = &ruleEntry{rule: rule, own: true}
	*affected = append(*affected, node)
	g.propagate(node, source, rule, affected)
	return true
}

// Erase withdraws the rule (prefix, source). It reports false when no
// such rule exists (also a benign no-op). Flows that inherited their
// effective rule for source from this one are updated to the next
// less-specific ancestor's rule, or lose the source entirely if none
// remains, and are appended to affected.
func (g *Graph) Erase(prefix ipaddr.Prefix, source NodeID, affected *[]Flow) bool {
	key := ruleKey{prefix, source}
	if _, ok := g.rules[key]; !ok {
		return false
	}
	delete(g.rules, key)

	node := g.tree.Find(prefix)
	if node == nil {
		return false
	}
	var next *ruleEntry
	if parent := node.Parent(); parent != nil {
		if e, ok := parent.Data[source]; ok {
			next = &ruleEntry{rule: e.rule, own: false}
		}
	}
	if next == nil {
		delete(node.Data, source)
	} else {
		node.Data[source] = next
	}
	*affected = append(*affected, node)
	g.propagateErase(node, source, next, affected)
	return true
}

// SourceRules returns every rule currently installed directly by
// source, e.g. to purge a router's entire announced set when its BMP
// session drops.
func (g *Graph) SourceRules(source NodeID) []*Rule {
	var out []*Rule
	for key, rule := range g.rules {
		if key.source == source {
			out = append(out, rule)
		}
	}
	return out
}

func (g *Graph) propagate(node Flow, source NodeID, rule *Rule, affected *[]Flow) {
	for _, child := range node.Children() {
		if e, ok := child.Data[source]; ok && e.own {
			continue
		}
		child.Data[source] = &ruleEntry{rule: rule, own: false}
		*affected = append(*affected, child)
		g.propagate(child, source, rule, affected)
	}
}

func (g *Graph) propagateErase(node Flow, source NodeID, next *ruleEntry, affected *[]Flow) {
	for _, child := range node.Children() {
		if e, ok := child.Data[source]; ok && e.own {
			continue
		}
		if next == nil {
			delete(child.Data, source)
		} else {
			child.Data[source] = &ruleEntry{rule: next.rule, own: false}
		}
		*affected = append(*affected, child)
		g.propagateErase(child, source, next, affected)
	}
}
