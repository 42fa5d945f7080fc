// Package rdns maps router names and interface addresses onto the
// dense, small integer node ids the analysis engine's flow graph and
// summaries index by. Ids are assigned in first-seen order, exactly as
// the reference reverse-DNS file is walked, so a topology file
// processed twice in a row always yields the same assignment.
package rdns

import (
	"encoding/json"
	"fmt"

	"github.com/route-beacon/netloop/internal/flowgraph"
)

// Router is one entry of the reverse-DNS topology file: a name and the
// interface addresses that identify it in event streams (BGP router
// ids, next-hop addresses).
type Router struct {
	Name   string   `json:"name"`
	Ifaces []string `json:"ifaces"`
}

type document struct {
	Routers []Router `json:"routers"`
}

// Registry is the name/address <-> NodeID mapping built from a
// topology document.
type Registry struct {
	byName map[string]flowgraph.NodeID
	byAddr map[string]flowgraph.NodeID
	names  []string // NodeID -> name, indexed by id
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byName: make(map[string]flowgraph.NodeID),
		byAddr: make(map[string]flowgraph.NodeID),
	}
}

// Decode parses a reverse-DNS topology document and loads it into a
// new Registry, assigning ids in file order.
func Decode(data []byte) (*Registry, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rdns: json unmarshal: %w", err)
	}
	reg := New()
	for _, r := range doc.Routers {
		reg.Add(r.Name, r.Ifaces...)
	}
	return reg, nil
}

// Add registers a router by name and its interface addresses,
// returning its assigned id. Calling Add again for a name already
// known returns the existing id and merges in any new addresses.
func (r *Registry) Add(name string, addrs ...string) flowgraph.NodeID {
	id, ok := r.byName[name]
	if !ok {
		id = flowgraph.NodeID(len(r.names))
		r.byName[name] = id
		r.names = append(r.names, name)
	}
	for _, a := range addrs {
		if _, exists := r.byAddr[a]; !exists {
			r.byAddr[a] = id
		}
	}
	return id
}

// Lookup resolves a name or interface address to its NodeID.
func (r *Registry) Lookup(nameOrAddr string) (flowgraph.NodeID, bool) {
	if id, ok := r.byName[nameOrAddr]; ok {
		return id, true
	}
	id, ok := r.byAddr[nameOrAddr]
	return id, ok
}

// Name returns the router name registered for id, if any.
func (r *Registry) Name(id flowgraph.NodeID) (string, bool) {
	if int(id) >= len(r.names) {
		return "", false
	}
	return r.names[id], true
}

// Len returns the number of distinct routers registered, i.e. the
// smallest NumNodes an analysis.Config must use to index them all.
func (r *Registry) Len() int { return len(r.names) }
