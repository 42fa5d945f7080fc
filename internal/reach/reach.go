// Package reach implements the reachability summary: for every flow,
// and every (source, target) router pair, a History of whether target
// is currently reachable from source along that flow's effective
// forwarding graph. The backing tensor grows lazily: the first access
// to a flow id past its end grows it to twice that id's row count,
// each row a dense numNodes×numNodes matrix of histories.
package reach

import (
	"github.com/route-beacon/netloop/internal/flowgraph"
	"github.com/route-beacon/netloop/internal/history"
)

// Summary is the reachability tensor history[flow][source][target].
type Summary struct {
	spans    []uint64
	numNodes int
	exponent uint8
	tensor   [][]*history.History
}

// New returns an empty summary tracking the given spans across a
// topology of numNodes routers.
func New(spans []uint64, numNodes int) *Summary {
	return &Summary{spans: spans, numNodes: numNodes, exponent: history.DefaultExponent}
}

func (s *Summary) index(source, target flowgraph.NodeID) int {
	return s.numNodes*int(source) + int(target)
}

func (s *Summary) flowMatrix(flowID flowgraph.FlowID) []*history.History {
	idx := int(flowID)
	if idx >= len(s.tensor) {
		old := len(s.tensor)
		grown := make([][]*history.History, (idx+1)*2)
		copy(grown, s.tensor)
		s.tensor = grown
		for i := old; i < len(s.tensor); i++ {
			matrix := make([]*history.History, s.numNodes*s.numNodes)
			for k := range matrix {
				matrix[k] = history.New(s.spans, s.exponent)
			}
			s.tensor[i] = matrix
		}
	}
	return s.tensor[idx]
}

// History returns the reachability history for (source, target) along
// the given flow, creating backing storage for the flow on first use.
func (s *Summary) History(flowID flowgraph.FlowID, source, target flowgraph.NodeID) *history.History {
	return s.flowMatrix(flowID)[s.index(source, target)]
}

// Slices returns the slice views of History(flowID, source, target),
// or nil if flowID lies beyond the rows allocated so far.
func (s *Summary) Slices(flowID flowgraph.FlowID, source, target flowgraph.NodeID) []*history.Slice {
	if int(flowID) >= len(s.tensor) {
		return nil
	}
	return s.History(flowID, source, target).Slices()
}

// Reset clears every tracked history back to its zero state.
func (s *Summary) Reset() {
	for _, matrix := range s.tensor {
		for _, h := range matrix {
			h.Reset()
		}
	}
}

// Refresh recomputes every tracked history's rank over [gStart, gStop].
func (s *Summary) Refresh(gStart, gStop uint64) error {
	for _, matrix := range s.tensor {
		for _, h := range matrix {
			if err := h.Refresh(gStart, gStop); err != nil {
				return err
			}
		}
	}
	return nil
}

// Update marks, for each affected flow, which (source, target) pairs
// are reachable at timestamp by walking the flow's effective
// forwarding graph breadth-first from every router that has a rule in
// it. Each starting router gets its own visited set, so one source's
// traversal never suppresses another source's direct or indirect
// reach to the same target. Every (source, target) pair touched by
// some traversal this pass is exempt from the closing sweep below,
// so a pair that is still reachable — even if the walk that reached
// it only re-confirmed an already-open history — is never spuriously
// closed and reopened.
func (s *Summary) Update(affected []flowgraph.Flow, timestamp uint64) error {
	for _, flow := range affected {
		matrix := s.flowMatrix(flow.ID)
		rules := flowgraph.Rules(flow)
		touched := make(map[int]bool, len(rules))

		for start := range rules {
			seen := make(map[flowgraph.NodeID]bool, len(rules))
			stack := []flowgraph.NodeID{start}
			for len(stack) > 0 {
				n := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				rule, ok := rules[n]
				if !ok {
					continue
				}
				for _, t := range rule.Target {
					if seen[t] {
						continue
					}
					seen[t] = true
					idx := s.index(start, t)
					touched[idx] = true
					if err := matrix[idx].Start(timestamp); err != nil {
						return err
					}
					stack = append(stack, t)
				}
			}
		}
		for idx, h := range matrix {
			if touched[idx] {
				continue
			}
			if err := h.Stop(timestamp); err != nil {
				return err
			}
		}
	}
	return nil
}
