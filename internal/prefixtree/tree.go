// Package prefixtree implements a generic longest-prefix-match trie
// over ipaddr.Prefix keys. Nodes are never removed once inserted: a
// prefix that is withdrawn simply carries an empty/zero payload, which
// keeps node identity (and therefore any ids derived from it) stable
// for the lifetime of the process, mirroring the append-only structural
// trie the flow graph is built on.
package prefixtree

import "github.com/route-beacon/netloop/internal/ipaddr"

// NodeID uniquely and permanently identifies a trie node in insertion order.
type NodeID uint32

// Node is a trie node: a prefix, an arbitrary payload, and the ordered
// set of child nodes whose prefixes are subsets of this one.
type Node[T any] struct {
	ID       NodeID
	Prefix   ipaddr.Prefix
	Data     T
	parent   *Node[T]
	children *ipaddr.OrderedMap[*Node[T]]
}

// Parent returns the node's parent, or nil for the root.
func (n *Node[T]) Parent() *Node[T] { return n.parent }

// Children returns the node's immediate children in prefix order.
func (n *Node[T]) Children() []*Node[T] { return n.children.Values() }

// Tree is a prefix trie rooted at 0.0.0.0/0.
type Tree[T any] struct {
	root   *Node[T]
	nextID NodeID
}

// New creates an empty tree whose root carries rootData.
func New[T any](rootData T) *Tree[T] {
	t := &Tree[T]{}
	t.root = &Node[T]{
		ID:       t.allocID(),
		Prefix:   ipaddr.New(0, 0),
		Data:     rootData,
		children: ipaddr.NewOrderedMap[*Node[T]](),
	}
	return t
}

func (t *Tree[T]) allocID() NodeID {
	id := t.nextID
	t.nextID++
	return id
}

// Root returns the tree's root node.
func (t *Tree[T]) Root() *Node[T] { return t.root }

// Find returns the node exactly matching prefix, or nil.
func (t *Tree[T]) Find(prefix ipaddr.Prefix) *Node[T] {
	n, _ := t.find(prefix)
	return n
}

// FindWithParents returns the node exactly matching prefix and the
// chain of ancestors walked to reach it (root first), or nil and the
// deepest ancestor reached if no exact match exists.
func (t *Tree[T]) FindWithParents(prefix ipaddr.Prefix) (*Node[T], []*Node[T]) {
	return t.find(prefix)
}

func (t *Tree[T]) find(prefix ipaddr.Prefix) (*Node[T], []*Node[T]) {
	node := t.root
	var parents []*Node[T]
	for {
		children := node.children
		advanced := false
		for i := 0; i < children.Len(); i++ {
			ck, cv := children.At(i)
			if ck.Equal(prefix) {
				return cv, parents
			}
			if prefix.Subset(ck) {
				parents = append(parents, node)
				node = cv
				advanced = true
				break
			}
		}
		if !advanced {
			return nil, parents
		}
	}
}

// Insert finds or creates the node for prefix. newData is called only
// when a new node must be created. It returns the node and whether it
// was newly created.
//
// Three cases mirror the structural insert of a laminar prefix family:
//  1. prefix already has a node: return it unchanged.
//  2. prefix is a subset of an existing child: descend into that child.
//  3. otherwise: create a new node, and reparent onto it any existing
//     sibling children that are themselves subsets of prefix (they were
//     inserted before their less specific ancestor existed).
func (t *Tree[T]) Insert(prefix ipaddr.Prefix, newData func() T) (*Node[T], bool) {
	node := t.root
	for {
		children := node.children
		for i := 0; i < children.Len(); i++ {
			ck, cv := children.At(i)
			if ck.Equal(prefix) {
				return cv, false
			}
			if prefix.Subset(ck) {
				node = cv
				goto descend
			}
		}
		{
			newNode := &Node[T]{
				ID:       t.allocID(),
				Prefix:   prefix,
				Data:     newData(),
				parent:   node,
				children: ipaddr.NewOrderedMap[*Node[T]](),
			}
			var absorbed []*Node[T]
			for i := 0; i < children.Len(); i++ {
				ck, cv := children.At(i)
				if ck.Subset(prefix) {
					absorbed = append(absorbed, cv)
				}
			}
			for _, c := range absorbed {
				node.children.Delete(c.Prefix)
				c.parent = newNode
				newNode.children.Set(c.Prefix, c)
			}
			node.children.Set(prefix, newNode)
			return newNode, true
		}
	descend:
	}
}

// BFS returns every node in breadth-first order, root first.
func (t *Tree[T]) BFS() []*Node[T] {
	out := make([]*Node[T], 0)
	queue := []*Node[T]{t.root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, n)
		queue = append(queue, n.children.Values()...)
	}
	return out
}

// DisjointRanges returns the address ranges within node's prefix that
// are not claimed by any more specific child, i.e. the ranges whose
// longest-prefix match is node itself.
func DisjointRanges[T any](node *Node[T]) []ipaddr.Range {
	full := node.Prefix.AsRange()
	var out []ipaddr.Range
	cursor := full.Low
	wrapped := false
	for i := 0; i < node.children.Len(); i++ {
		ck, _ := node.children.At(i)
		r := ck.AsRange()
		if !wrapped && r.Low > cursor {
			out = append(out, ipaddr.Range{Low: cursor, High: r.Low - 1})
		}
		if r.High == 0xffffffff {
			wrapped = true
			continue
		}
		next := r.High + 1
		if next > cursor {
			cursor = next
		}
	}
	if !wrapped && cursor <= full.High {
		out = append(out, ipaddr.Range{Low: cursor, High: full.High})
	}
	return out
}
