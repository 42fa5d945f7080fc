// Package loopdetect finds forwarding loops in a flow's effective
// routes and revalidates previously found loops as the flow graph
// changes, following the DFS-with-path-rotation algorithm of the
// original analysis engine's find_loops/check_loop pair.
package loopdetect

import (
	"github.com/route-beacon/netloop/internal/flowgraph"
)

// Loop is a cyclic sequence of routers, canonicalized so its
// numerically smallest node id comes first. A loop {b, c, a} and one
// found as {c, a, b} are the same loop and compare equal once
// canonicalized.
type Loop []flowgraph.NodeID

func rotateToMin(path []flowgraph.NodeID) Loop {
	minIdx := 0
	for i, n := range path {
		if n < path[minIdx] {
			minIdx = i
		}
	}
	out := make(Loop, len(path))
	copy(out, path[minIdx:])
	copy(out[len(path)-minIdx:], path[:minIdx])
	return out
}

// FindLoops runs a DFS from start over each affected flow's effective
// forwarding graph, looking for a repeated node on the current path.
// The first cycle found per flow is recorded; find_loops does not
// exhaustively enumerate every loop in a flow; it catches whichever one
// the DFS order reaches first, since that is enough to mark the flow as
// looping.
func FindLoops(start flowgraph.NodeID, affected []flowgraph.Flow, loopsPerFlow map[flowgraph.Flow][]Loop) {
	for _, flow := range affected {
		rules := flowgraph.Rules(flow)

		var stack, path []flowgraph.NodeID
		seen := make(map[flowgraph.NodeID]bool)
		stack = append(stack, start)

		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			rule, ok := rules[n]
			if !ok {
				if len(path) == 0 {
					break
				}
				path = path[:len(path)-1]
				continue
			}
			if seen[n] {
				loop := rotateToMin(path)
				loopsPerFlow[flow] = append(loopsPerFlow[flow], loop)
				break
			}
			seen[n] = true
			path = append(path, n)
			stack = append(stack, rule.Target...)
		}
	}
}

func isConnected(rules map[flowgraph.NodeID]*flowgraph.Rule, source, target flowgraph.NodeID) bool {
	rule, ok := rules[source]
	if !ok {
		return false
	}
	for _, t := range rule.Target {
		if t == target {
			return true
		}
	}
	return false
}

// CheckLoop reports whether every consecutive hop of loop, including
// the wrap-around from its last node back to its first, is still a
// live edge in flow's effective forwarding graph.
func CheckLoop(flow flowgraph.Flow, loop Loop) bool {
	rules := flowgraph.Rules(flow)
	for i := 0; i+1 < len(loop); i++ {
		if !isConnected(rules, loop[i], loop[i+1]) {
			return false
		}
	}
	return isConnected(rules, loop[len(loop)-1], loop[0])
}

// CleanUp drops, from loopsPerFlow, any recorded loop on an affected
// flow that CheckLoop no longer confirms, and removes flows left with
// no surviving loop entirely.
func CleanUp(affected []flowgraph.Flow, loopsPerFlow map[flowgraph.Flow][]Loop) {
	for _, flow := range affected {
		loops, ok := loopsPerFlow[flow]
		if !ok {
			continue
		}
		kept := loops[:0]
		for _, loop := range loops {
			if CheckLoop(flow, loop) {
				kept = append(kept, loop)
			}
		}
		if len(kept) == 0 {
			delete(loopsPerFlow, flow)
		} else {
			loopsPerFlow[flow] = kept
		}
	}
}
